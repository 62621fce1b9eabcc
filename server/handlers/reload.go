package handlers

import (
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"
)

// ReloadResponse reports what a reload picked up.
type ReloadResponse struct {
	Pipelines int `json:"pipelines"`
	Scheduled int `json:"scheduled"`
}

// ReloadHandler re-reads the configuration file. Overlapping requests get
// 409 while a reload is in progress.
type ReloadHandler struct {
	logger    *slog.Logger
	reloader  Reloader
	reloading atomic.Bool
}

// NewReloadHandler creates a ReloadHandler.
func NewReloadHandler(logger *slog.Logger, reloader Reloader) *ReloadHandler {
	return &ReloadHandler{logger: logger, reloader: reloader}
}

func (h *ReloadHandler) ServeHTTP(w http.ResponseWriter, _ *http.Request) {
	if !h.reloading.CompareAndSwap(false, true) {
		writeError(w, http.StatusConflict, "reload already in progress")
		return
	}
	defer h.reloading.Store(false)

	start := time.Now()
	resp, err := h.reloader.Reload()
	if err != nil {
		h.logger.Error("reload rejected", "error", err)
		writeError(w, http.StatusInternalServerError, "reload: "+err.Error())
		return
	}
	h.logger.Info("configuration reloaded",
		"pipelines", resp.Pipelines,
		"scheduled", resp.Scheduled,
		"took", time.Since(start))
	writeJSON(w, http.StatusOK, resp)
}
