package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockReloader struct {
	resp    ReloadResponse
	err     error
	entered chan struct{}
	release chan struct{}
}

func (m *mockReloader) Reload() (ReloadResponse, error) {
	if m.entered != nil {
		close(m.entered)
		<-m.release
	}
	return m.resp, m.err
}

func TestReloadHandler_Success(t *testing.T) {
	reloader := &mockReloader{resp: ReloadResponse{Pipelines: 3, Scheduled: 1}}
	handler := NewReloadHandler(testLogger(), reloader)

	req := httptest.NewRequest(http.MethodPost, "/reload", nil)
	w := httptest.NewRecorder()

	handler.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	var got ReloadResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
	assert.Equal(t, reloader.resp, got)
}

func TestReloadHandler_Error(t *testing.T) {
	reloader := &mockReloader{err: errors.New("config file not found")}
	handler := NewReloadHandler(testLogger(), reloader)

	req := httptest.NewRequest(http.MethodPost, "/reload", nil)
	w := httptest.NewRecorder()

	handler.ServeHTTP(w, req)

	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Contains(t, w.Body.String(), "config file not found")
}

func TestReloadHandler_Overlapping(t *testing.T) {
	reloader := &mockReloader{entered: make(chan struct{}), release: make(chan struct{})}
	handler := NewReloadHandler(testLogger(), reloader)

	first := httptest.NewRecorder()
	done := make(chan struct{})
	go func() {
		defer close(done)
		handler.ServeHTTP(first, httptest.NewRequest(http.MethodPost, "/reload", nil))
	}()
	<-reloader.entered

	second := httptest.NewRecorder()
	handler.ServeHTTP(second, httptest.NewRequest(http.MethodPost, "/reload", nil))
	assert.Equal(t, http.StatusConflict, second.Code)

	close(reloader.release)
	<-done
	assert.Equal(t, http.StatusOK, first.Code)
}
