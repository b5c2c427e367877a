package triageapi

import (
	"encoding/json"
	"net/http"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const maxKnowledgeResults = 20

type knowledgeSearchRequest struct {
	Query string `json:"query"`
	Limit int    `json:"limit"`
}

func (a *API) handleSearchKnowledge(w http.ResponseWriter, r *http.Request) {
	var req knowledgeSearchRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxSubmitBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid payload")
		return
	}
	query := strings.TrimSpace(req.Query)
	if query == "" {
		writeError(w, http.StatusBadRequest, "query is required")
		return
	}
	if req.Limit < 0 {
		writeError(w, http.StatusBadRequest, "limit must not be negative")
		return
	}
	limit := min(req.Limit, maxKnowledgeResults)

	matches, err := a.svc.SearchKnowledge(r.Context(), query, limit)
	if err != nil {
		a.logger.Error(r.Context(), err, "knowledge search failed")
		writeError(w, http.StatusBadGateway, "knowledge search failed")
		return
	}

	span := trace.SpanFromContext(r.Context())
	span.SetAttributes(attribute.Int("steward.knowledge.matches", len(matches)))
	writeJSON(w, http.StatusOK, map[string]any{"matches": matches, "count": len(matches)})
}
