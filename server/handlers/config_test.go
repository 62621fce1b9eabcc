package handlers

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/nomis52/deltaetl/config"
	"github.com/nomis52/deltaetl/job"
)

type mockConfigProvider struct {
	config config.Config
}

func (m *mockConfigProvider) Config() config.Config {
	return m.config
}

func testConfig() config.Config {
	cfg := config.Config{
		Storage: config.StorageConfig{BucketURL: "mem://"},
		Catalog: config.CatalogConfig{
			Engine:   config.EnginePostgres,
			DSN:      "postgres://etl:hunter2@db:5432/analytics",
			Database: "analytics",
		},
		Pipelines: []config.PipelineConfig{{
			Descriptor: job.Descriptor{
				PipelineID:   "app1",
				Type:         job.TypeProcessor,
				ScheduleType: "daily",
				SrcPath:      "staging/app1",
				ArchivePath:  "archive/app1",
				Table:        "app1_delta",
			},
			Schedule: "0 3 * * *",
		}},
	}
	cfg.SetDefaults()
	return cfg
}

func TestConfigHandler(t *testing.T) {
	handler := NewConfigHandler(&mockConfigProvider{config: testConfig()})

	req := httptest.NewRequest(http.MethodGet, "/config", nil)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "text/yaml", w.Header().Get("Content-Type"))
	assert.NotContains(t, w.Body.String(), "hunter2")

	var got map[string]any
	require.NoError(t, yaml.Unmarshal(w.Body.Bytes(), &got))
	catalog, ok := got["catalog"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "postgres://etl:REDACTED@db:5432/analytics", catalog["dsn"])
	assert.Equal(t, "analytics", catalog["database"])

	pipelines, ok := got["pipelines"].([]any)
	require.True(t, ok)
	require.Len(t, pipelines, 1)
	assert.Equal(t, "0 3 * * *", pipelines[0].(map[string]any)["schedule"])
}

func TestConfigHandler_Pipeline(t *testing.T) {
	handler := NewConfigHandler(&mockConfigProvider{config: testConfig()})

	tests := []struct {
		name     string
		query    string
		wantCode int
	}{
		{name: "configured pipeline", query: "?pipeline=app1", wantCode: http.StatusOK},
		{name: "unknown pipeline", query: "?pipeline=nope", wantCode: http.StatusNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/config"+tt.query, nil)
			w := httptest.NewRecorder()
			handler.ServeHTTP(w, req)
			require.Equal(t, tt.wantCode, w.Code)
			if tt.wantCode != http.StatusOK {
				return
			}

			var got job.Descriptor
			require.NoError(t, yaml.Unmarshal(w.Body.Bytes(), &got))
			assert.Equal(t, "app1", got.PipelineID)
			assert.Equal(t, "analytics", got.Database)
			assert.Equal(t, "archive/app1/backup", got.BackupPath)
		})
	}
}
