package triageapi

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/linnemanlabs/steward/internal/triage"
)

const (
	defaultListLimit = 20
	maxListLimit     = 500
)

func (a *API) handleListRecords(w http.ResponseWriter, r *http.Request) {
	limit := defaultListLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = min(n, maxListLimit)
	}

	q := triage.RecordQuery{
		Sender: strings.TrimSpace(r.URL.Query().Get("sender")),
		Text:   strings.TrimSpace(r.URL.Query().Get("q")),
	}

	var (
		recs []*triage.ProcessingRecord
		err  error
	)
	if q.IsZero() {
		recs, err = a.svc.RecentRecords(r.Context(), limit)
	} else {
		recs, err = a.svc.SearchRecords(r.Context(), q, limit)
	}
	if err != nil {
		a.logger.Error(r.Context(), err, "failed to list records")
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"records": recs, "count": len(recs)})
}

func (a *API) handleGetRecord(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "messageID")

	span := trace.SpanFromContext(r.Context())
	span.SetAttributes(attribute.String("steward.message.id", id))

	rec, ok, err := a.svc.Record(r.Context(), id)
	if err != nil {
		a.logger.Error(r.Context(), err, "failed to get record", "message_id", id)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, "not found")
		return
	}

	span.SetAttributes(attribute.String("steward.record.state", string(rec.State)))
	writeJSON(w, http.StatusOK, rec)
}
