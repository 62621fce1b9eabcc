package handlers

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nomis52/deltaetl/buildinfo"
	"github.com/nomis52/deltaetl/config"
	"github.com/nomis52/deltaetl/job"
	"github.com/nomis52/deltaetl/server/runner"
	"github.com/nomis52/deltaetl/server/types"
)

type mockStatusProvider struct {
	mockConfigProvider
	next map[string]time.Time
}

func (m *mockStatusProvider) Properties() types.ServerProperties {
	return types.ServerProperties{Build: buildinfo.Get(), Hostname: "etl-1"}
}

func (m *mockStatusProvider) NextRuns() map[string]time.Time {
	return m.next
}

func TestStatusHandler(t *testing.T) {
	cfg := testConfig()
	cfg.Pipelines = append(cfg.Pipelines, config.PipelineConfig{
		Descriptor: job.Descriptor{PipelineID: "app2", Type: job.TypeArchiver},
	})
	next := time.Date(2024, 1, 3, 3, 0, 0, 0, time.UTC)
	provider := &mockStatusProvider{
		mockConfigProvider: mockConfigProvider{config: cfg},
		next:               map[string]time.Time{"app1": next},
	}
	r := &fakeRunner{live: []runner.Execution{{Name: "exec-001"}}}

	w := httptest.NewRecorder()
	NewStatusHandler(provider, r).ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/status", nil))

	require.Equal(t, http.StatusOK, w.Code)
	var got types.Status
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
	assert.Equal(t, "etl-1", got.Server.Hostname)
	assert.Equal(t, "dev", got.Server.Build.Version)
	assert.Equal(t, 1, got.Running)
	require.Len(t, got.Pipelines, 2)
	require.NotNil(t, got.Pipelines[0].NextRun)
	assert.True(t, next.Equal(*got.Pipelines[0].NextRun))
	assert.Equal(t, "0 3 * * *", got.Pipelines[0].Schedule)
	assert.Nil(t, got.Pipelines[1].NextRun)
	assert.Equal(t, job.TypeArchiver, got.Pipelines[1].Type)
}
