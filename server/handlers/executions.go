package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/nomis52/deltaetl/app"
	"github.com/nomis52/deltaetl/execlog"
	"github.com/nomis52/deltaetl/logging"
	"github.com/nomis52/deltaetl/server/runner"
)

// StartRequest defines the request body for POST /executions.
type StartRequest struct {
	PipelineID    string `json:"pipelineId"`
	ExecutionName string `json:"executionName,omitempty"`
	Timestamp     string `json:"timestamp,omitempty"`
}

// StartHandler starts a configured pipeline.
type StartHandler struct {
	logger *slog.Logger
	runner ExecutionRunner
}

// NewStartHandler creates a new StartHandler.
func NewStartHandler(logger *slog.Logger, r ExecutionRunner) *StartHandler {
	return &StartHandler{logger: logger, runner: r}
}

// ServeHTTP implements http.Handler.
func (h *StartHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var req StartRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{
			Error: fmt.Sprintf("invalid JSON: %v", err),
		})
		return
	}
	if req.PipelineID == "" {
		writeError(w, http.StatusBadRequest, "pipelineId is required")
		return
	}

	e, err := h.runner.Start(app.StartRequest{
		PipelineID:    req.PipelineID,
		ExecutionName: req.ExecutionName,
		Timestamp:     req.Timestamp,
	})
	switch {
	case err == nil:
		writeJSON(w, http.StatusAccepted, e)
	case errors.Is(err, runner.ErrUnknownPipeline):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, runner.ErrExecutionExists):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, runner.ErrStopped):
		writeError(w, http.StatusServiceUnavailable, err.Error())
	default:
		h.logger.Warn("execution not started", "pipeline", req.PipelineID, "error", err)
		writeError(w, http.StatusBadRequest, err.Error())
	}
}

// ExecutionsResponse lists live and finished executions.
type ExecutionsResponse struct {
	Live    []runner.Execution `json:"live"`
	History []runner.Execution `json:"history"`
}

// ListHandler lists executions.
type ListHandler struct {
	runner ExecutionRunner
}

// NewListHandler creates a new ListHandler.
func NewListHandler(r ExecutionRunner) *ListHandler {
	return &ListHandler{runner: r}
}

// ServeHTTP implements http.Handler.
func (h *ListHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, ExecutionsResponse{
		Live:    h.runner.Live(),
		History: h.runner.History(),
	})
}

// ExecutionResponse is one execution with its execution log rows.
type ExecutionResponse struct {
	runner.Execution
	Tasks []execlog.Entry `json:"tasks"`
}

// ExecutionHandler returns one execution.
type ExecutionHandler struct {
	runner ExecutionRunner
	logs   LogReader
}

// NewExecutionHandler creates a new ExecutionHandler.
func NewExecutionHandler(r ExecutionRunner, logs LogReader) *ExecutionHandler {
	return &ExecutionHandler{runner: r, logs: logs}
}

// ServeHTTP implements http.Handler.
func (h *ExecutionHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	tasks, err := h.logs.ListByExecution(r.Context(), name)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	e, err := h.runner.Get(name)
	if errors.Is(err, runner.ErrNotFound) {
		// Executions started elsewhere, e.g. by the CLI, only have log rows.
		if len(tasks) == 0 {
			writeError(w, http.StatusNotFound, err.Error())
			return
		}
		e = runner.Execution{Name: name, PipelineID: tasks[0].PipelineID}
	}
	if tasks == nil {
		tasks = []execlog.Entry{}
	}
	writeJSON(w, http.StatusOK, ExecutionResponse{Execution: e, Tasks: tasks})
}

// LogsHandler returns the captured logs of an execution.
type LogsHandler struct {
	runner ExecutionRunner
}

// NewLogsHandler creates a new LogsHandler.
func NewLogsHandler(r ExecutionRunner) *LogsHandler {
	return &LogsHandler{runner: r}
}

// ServeHTTP implements http.Handler.
func (h *LogsHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	logs, err := h.runner.Logs(r.PathValue("name"))
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	if logs == nil {
		logs = []logging.Record{}
	}
	writeJSON(w, http.StatusOK, logs)
}

