package triageapi

import (
	"context"
	"errors"
	"net/http"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/linnemanlabs/steward/internal/triage"
)

// stop waits this long for claimed pipelines before answering
const stopWait = 30 * time.Second

func (a *API) handleStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, a.svc.Status())
}

func (a *API) handleStats(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, a.svc.Stats())
}

func (a *API) handleResetStats(w http.ResponseWriter, r *http.Request) {
	snap, err := a.svc.ResetStats(r.Context())
	if err != nil {
		a.logger.Error(r.Context(), err, "failed to reset statistics")
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (a *API) handleProcess(w http.ResponseWriter, r *http.Request) {
	res, err := a.svc.ProcessNow(r.Context())
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			writeError(w, http.StatusServiceUnavailable, "processing still running")
			return
		}
		span := trace.SpanFromContext(r.Context())
		span.SetAttributes(attribute.String("steward.error_kind", string(triage.KindOf(err, ""))))
		a.logger.Error(r.Context(), err, "process now failed")
		status := http.StatusBadGateway
		if triage.IsAuth(err) {
			status = http.StatusServiceUnavailable
		}
		writeJSON(w, status, map[string]any{"error": err.Error(), "result": res})
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (a *API) handleStart(w http.ResponseWriter, r *http.Request) {
	err := a.svc.Start(r.Context())
	switch {
	case errors.Is(err, triage.ErrAlreadyRunning):
		writeJSON(w, http.StatusOK, map[string]string{"status": "already_running"})
	case err != nil:
		a.logger.Error(r.Context(), err, "failed to start automation")
		writeError(w, http.StatusInternalServerError, "internal error")
	default:
		writeJSON(w, http.StatusOK, map[string]string{"status": "started"})
	}
}

func (a *API) handleStop(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), stopWait)
	defer cancel()

	err := a.svc.Stop(ctx)
	switch {
	case errors.Is(err, triage.ErrNotRunning):
		writeJSON(w, http.StatusOK, map[string]string{"status": "already_stopped"})
	case errors.Is(err, context.DeadlineExceeded):
		// polling is off; claimed pipelines are still draining
		writeJSON(w, http.StatusAccepted, map[string]string{"status": "stopping"})
	case err != nil:
		a.logger.Error(r.Context(), err, "failed to stop automation")
		writeError(w, http.StatusInternalServerError, "internal error")
	default:
		writeJSON(w, http.StatusOK, map[string]string{"status": "stopped"})
	}
}

// handleRestart stops polling if it runs and starts it again. Pipelines
// still draining from the old schedule finish on their own.
func (a *API) handleRestart(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), stopWait)
	defer cancel()

	err := a.svc.Stop(ctx)
	if err != nil && !errors.Is(err, triage.ErrNotRunning) && !errors.Is(err, context.DeadlineExceeded) {
		a.logger.Error(r.Context(), err, "failed to stop automation for restart")
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if err := a.svc.Start(r.Context()); err != nil && !errors.Is(err, triage.ErrAlreadyRunning) {
		a.logger.Error(r.Context(), err, "failed to restart automation")
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	a.logger.Info(r.Context(), "automation restarted")
	writeJSON(w, http.StatusOK, map[string]string{"status": "restarted"})
}
