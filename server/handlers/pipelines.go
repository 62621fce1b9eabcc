package handlers

import (
	"net/http"
	"strconv"

	"github.com/nomis52/deltaetl/execlog"
)

const defaultRunsLimit = 50

// RunsHandler lists the main execution log rows of a pipeline, newest first.
type RunsHandler struct {
	config ConfigProvider
	logs   LogReader
}

// NewRunsHandler creates a new RunsHandler.
func NewRunsHandler(config ConfigProvider, logs LogReader) *RunsHandler {
	return &RunsHandler{config: config, logs: logs}
}

// ServeHTTP implements http.Handler.
func (h *RunsHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	cfg := h.config.Config()
	d, err := cfg.Descriptor(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}

	limit := defaultRunsLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}

	key := execlog.IndexKey(d.PipelineID, d.ScheduleType, execlog.MainTaskID)
	runs, err := h.logs.ListByPipeline(r.Context(), key, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if runs == nil {
		runs = []execlog.Entry{}
	}
	writeJSON(w, http.StatusOK, runs)
}
