package triageapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/linnemanlabs/steward/internal/message"
	"github.com/linnemanlabs/steward/internal/triage"
)

const maxSubmitBytes = 1 << 20

type submitRequest struct {
	ID         string             `json:"id"`
	ThreadID   string             `json:"thread_id"`
	Sender     string             `json:"sender"`
	Subject    string             `json:"subject"`
	Body       string             `json:"body"`
	SourceType message.SourceType `json:"source_type"`
	ReceivedAt *time.Time         `json:"received_at"`
}

func (s submitRequest) message() (message.Message, error) {
	var errs []error
	if strings.TrimSpace(s.Body) == "" {
		errs = append(errs, errors.New("body is required"))
	}
	if strings.TrimSpace(s.Sender) == "" {
		errs = append(errs, errors.New("sender is required"))
	}
	st := s.SourceType
	if st == "" {
		st = message.SourceEmail
	}
	if !st.Valid() {
		errs = append(errs, errors.New("source_type must be email or call"))
	}
	if err := errors.Join(errs...); err != nil {
		return message.Message{}, err
	}

	m := message.Message{
		ID:         s.ID,
		ThreadID:   s.ThreadID,
		Sender:     s.Sender,
		Subject:    s.Subject,
		Body:       s.Body,
		SourceType: st,
		ReceivedAt: time.Now().UTC(),
	}
	if m.ID == "" {
		m.ID = string(st) + "-" + ulid.Make().String()
	}
	if s.ReceivedAt != nil && !s.ReceivedAt.IsZero() {
		m.ReceivedAt = s.ReceivedAt.UTC()
	}
	return m, nil
}

func (a *API) handleSubmitMessage(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxSubmitBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid payload")
		return
	}
	msg, err := req.message()
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if msg.SourceType == message.SourceCall && a.calls != nil {
		if err := a.calls.Submit(msg); err != nil {
			if errors.Is(err, message.ErrInboxFull) {
				writeError(w, http.StatusServiceUnavailable, "call queue full")
				return
			}
			a.logger.Error(r.Context(), err, "failed to queue call transcript", "message_id", msg.ID)
			writeError(w, http.StatusInternalServerError, "internal error")
			return
		}
		a.logger.Info(r.Context(), "call transcript queued", "message_id", msg.ID)
		writeJSON(w, http.StatusAccepted, map[string]any{"message_id": msg.ID, "status": "queued"})
		return
	}

	rec, fresh, err := a.svc.ProcessMessage(r.Context(), msg)
	switch {
	case errors.Is(err, triage.ErrInFlight):
		writeError(w, http.StatusConflict, "message already in flight")
		return
	case triage.IsAuth(err):
		a.logger.Error(r.Context(), err, "manual processing aborted", "message_id", msg.ID)
		writeError(w, http.StatusServiceUnavailable, "upstream credentials rejected")
		return
	case err != nil:
		a.logger.Error(r.Context(), err, "manual processing failed", "message_id", msg.ID)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	status := "processed"
	if !fresh {
		status = "duplicate"
	}
	writeJSON(w, http.StatusOK, map[string]any{"message_id": msg.ID, "status": status, "record": rec})
}
