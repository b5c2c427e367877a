// Package triageapi serves the operator HTTP API for the triage controller.
package triageapi

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/linnemanlabs/go-core/log"
	"github.com/linnemanlabs/go-core/xerrors"

	"github.com/linnemanlabs/steward/internal/message"
	"github.com/linnemanlabs/steward/internal/triage"
)

// Service is the controller surface the API drives.
type Service interface {
	Status() triage.Status
	Stats() triage.StatsSnapshot
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	ProcessNow(ctx context.Context) (*triage.TickResult, error)
	ProcessMessage(ctx context.Context, msg message.Message) (*triage.ProcessingRecord, bool, error)
	ResetStats(ctx context.Context) (triage.StatsSnapshot, error)
	Record(ctx context.Context, messageID string) (*triage.ProcessingRecord, bool, error)
	RecentRecords(ctx context.Context, limit int) ([]*triage.ProcessingRecord, error)
	SearchRecords(ctx context.Context, q triage.RecordQuery, limit int) ([]*triage.ProcessingRecord, error)
	SearchKnowledge(ctx context.Context, query string, limit int) ([]triage.KnowledgeMatch, error)
}

// Queue accepts messages for the next polling pass.
type Queue interface {
	Submit(msg message.Message) error
}

// API holds dependencies for HTTP handlers.
type API struct {
	logger log.Logger
	svc    Service
	calls  Queue
}

// Option configures an API.
type Option func(*API)

// WithCallQueue routes submitted call transcripts to q instead of
// processing them inline.
func WithCallQueue(q Queue) Option {
	return func(a *API) { a.calls = q }
}

// New creates a new API handler.
func New(logger log.Logger, svc Service, opts ...Option) *API {
	if logger == nil {
		logger = log.Nop()
	}
	if svc == nil {
		panic(xerrors.New("triage service is required"))
	}
	a := &API{logger: logger, svc: svc}
	for _, o := range opts {
		o(a)
	}
	return a
}

// RegisterRoutes attaches API endpoints to the router.
func (a *API) RegisterRoutes(r chi.Router) {
	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/status", a.handleStatus)
		r.Get("/stats", a.handleStats)
		r.Post("/stats/reset", a.handleResetStats)
		r.Post("/process", a.handleProcess)
		r.Post("/automation/start", a.handleStart)
		r.Post("/automation/stop", a.handleStop)
		r.Post("/automation/restart", a.handleRestart)
		r.Get("/records", a.handleListRecords)
		r.Get("/records/{messageID}", a.handleGetRecord)
		r.Post("/messages", a.handleSubmitMessage)
		r.Post("/knowledge/search", a.handleSearchKnowledge)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
