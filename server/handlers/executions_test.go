package handlers

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nomis52/deltaetl/execlog"
	"github.com/nomis52/deltaetl/logging"
	"github.com/nomis52/deltaetl/server/runner"
	"github.com/nomis52/deltaetl/statemachine"
)

func TestStartHandler(t *testing.T) {
	tests := []struct {
		name       string
		body       string
		startErr   error
		wantStatus int
		wantName   string
	}{
		{
			name:       "generated name",
			body:       `{"pipelineId":"app1"}`,
			wantStatus: http.StatusAccepted,
			wantName:   "app1-1",
		},
		{
			name:       "explicit name",
			body:       `{"pipelineId":"app1","executionName":"exec-001","timestamp":"2024-01-02T03:00:00Z"}`,
			wantStatus: http.StatusAccepted,
			wantName:   "exec-001",
		},
		{
			name:       "invalid json",
			body:       `{"pipelineId":`,
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "missing pipeline",
			body:       `{}`,
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "unknown pipeline",
			body:       `{"pipelineId":"nope"}`,
			startErr:   fmt.Errorf("%w: nope", runner.ErrUnknownPipeline),
			wantStatus: http.StatusNotFound,
		},
		{
			name:       "execution exists",
			body:       `{"pipelineId":"app1","executionName":"exec-001"}`,
			startErr:   fmt.Errorf("%w: exec-001", runner.ErrExecutionExists),
			wantStatus: http.StatusConflict,
		},
		{
			name:       "shutting down",
			body:       `{"pipelineId":"app1"}`,
			startErr:   runner.ErrStopped,
			wantStatus: http.StatusServiceUnavailable,
		},
		{
			name:       "bad timestamp",
			body:       `{"pipelineId":"app1","timestamp":"yesterday"}`,
			startErr:   fmt.Errorf("timestamp: cannot parse"),
			wantStatus: http.StatusBadRequest,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := &fakeRunner{startErr: tt.startErr}
			handler := NewStartHandler(testLogger(), r)

			req := httptest.NewRequest(http.MethodPost, "/executions", strings.NewReader(tt.body))
			w := httptest.NewRecorder()
			handler.ServeHTTP(w, req)

			require.Equal(t, tt.wantStatus, w.Code)
			if tt.wantStatus != http.StatusAccepted {
				var resp ErrorResponse
				require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
				assert.NotEmpty(t, resp.Error)
				return
			}
			var e runner.Execution
			require.NoError(t, json.Unmarshal(w.Body.Bytes(), &e))
			assert.Equal(t, tt.wantName, e.Name)
			require.Len(t, r.started, 1)
			assert.Equal(t, "app1", r.started[0].PipelineID)
		})
	}
}

func TestListHandler(t *testing.T) {
	started := time.Date(2024, 1, 2, 3, 0, 0, 0, time.UTC)
	r := &fakeRunner{
		live:    []runner.Execution{{Name: "exec-002", Status: statemachine.StatusRunning, StartedAt: started}},
		history: []runner.Execution{{Name: "exec-001", Status: statemachine.StatusSucceeded, StartedAt: started}},
	}
	handler := NewListHandler(r)

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/executions", nil))

	require.Equal(t, http.StatusOK, w.Code)
	var resp ExecutionsResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Len(t, resp.Live, 1)
	require.Len(t, resp.History, 1)
	assert.Equal(t, "exec-002", resp.Live[0].Name)
	assert.Equal(t, statemachine.StatusSucceeded, resp.History[0].Status)
}

func TestExecutionHandler(t *testing.T) {
	logs := openLogs(t,
		execlog.Entry{ExecutionName: "exec-001", TaskID: execlog.MainTaskID, PipelineID: "app1", StartTime: "2024-01-02T03:00:00Z"},
		execlog.Entry{ExecutionName: "exec-001", TaskID: "copy-1", PipelineID: "app1", StartTime: "2024-01-02T03:01:00Z"},
		execlog.Entry{ExecutionName: "cli-001", TaskID: execlog.MainTaskID, PipelineID: "app2", StartTime: "2024-01-02T04:00:00Z"},
	)
	r := &fakeRunner{history: []runner.Execution{{Name: "exec-001", PipelineID: "app1", Status: statemachine.StatusSucceeded}}}
	handler := NewExecutionHandler(r, logs)

	tests := []struct {
		name       string
		execution  string
		wantStatus int
		wantTasks  int
		wantPipe   string
	}{
		{name: "known to the runner", execution: "exec-001", wantStatus: http.StatusOK, wantTasks: 2, wantPipe: "app1"},
		{name: "log rows only", execution: "cli-001", wantStatus: http.StatusOK, wantTasks: 1, wantPipe: "app2"},
		{name: "unknown", execution: "missing", wantStatus: http.StatusNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/executions/"+tt.execution, nil)
			req.SetPathValue("name", tt.execution)
			w := httptest.NewRecorder()
			handler.ServeHTTP(w, req)

			require.Equal(t, tt.wantStatus, w.Code)
			if tt.wantStatus != http.StatusOK {
				return
			}
			var resp ExecutionResponse
			require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
			assert.Equal(t, tt.execution, resp.Name)
			assert.Equal(t, tt.wantPipe, resp.PipelineID)
			assert.Len(t, resp.Tasks, tt.wantTasks)
		})
	}
}

func TestLogsHandler(t *testing.T) {
	r := &fakeRunner{logs: map[string][]logging.Record{
		"exec-001": {{Message: "scanning", Execution: "exec-001"}},
		"exec-002": nil,
	}}
	handler := NewLogsHandler(r)

	t.Run("captured", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/executions/exec-001/logs", nil)
		req.SetPathValue("name", "exec-001")
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, req)

		require.Equal(t, http.StatusOK, w.Code)
		var logs []logging.Record
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &logs))
		require.Len(t, logs, 1)
		assert.Equal(t, "scanning", logs[0].Message)
	})

	t.Run("empty", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/executions/exec-002/logs", nil)
		req.SetPathValue("name", "exec-002")
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, req)

		require.Equal(t, http.StatusOK, w.Code)
		assert.JSONEq(t, "[]", w.Body.String())
	})

	t.Run("unknown", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/executions/missing/logs", nil)
		req.SetPathValue("name", "missing")
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, req)

		assert.Equal(t, http.StatusNotFound, w.Code)
	})
}
