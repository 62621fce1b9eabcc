package handlers

import (
	"net/http"
	"time"

	"github.com/nomis52/deltaetl/server/types"
)

// StatusProvider reports server metadata and schedules.
type StatusProvider interface {
	ConfigProvider
	Properties() types.ServerProperties
	NextRuns() map[string]time.Time
}

// StatusHandler serves a summary of the server and its pipelines.
type StatusHandler struct {
	provider StatusProvider
	runner   ExecutionRunner
}

// NewStatusHandler creates a new StatusHandler.
func NewStatusHandler(provider StatusProvider, r ExecutionRunner) *StatusHandler {
	return &StatusHandler{provider: provider, runner: r}
}

// ServeHTTP implements http.Handler.
func (h *StatusHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	cfg := h.provider.Config()
	next := h.provider.NextRuns()

	status := types.Status{
		Server:    h.provider.Properties(),
		Running:   len(h.runner.Live()),
		Pipelines: make([]types.PipelineStatus, 0, len(cfg.Pipelines)),
	}
	for _, p := range cfg.Pipelines {
		ps := types.PipelineStatus{ID: p.PipelineID, Type: p.Type, Schedule: p.Schedule}
		if t, ok := next[p.PipelineID]; ok {
			ps.NextRun = &t
		}
		status.Pipelines = append(status.Pipelines, ps)
	}
	writeJSON(w, http.StatusOK, status)
}
