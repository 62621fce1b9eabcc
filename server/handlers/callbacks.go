package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/nomis52/deltaetl/callback"
)

// CallbackRequest defines the request body for POST /callbacks/{token}.
// An empty body resolves the token successfully with a null result.
type CallbackRequest struct {
	// Status is "succeeded" (the default) or "failed".
	Status string          `json:"status"`
	Result json.RawMessage `json:"result,omitempty"`
	Cause  string          `json:"cause,omitempty"`
}

// CallbackHandler lets an external system resolve a callback token.
type CallbackHandler struct {
	logger *slog.Logger
	tokens TokenResolver
}

// NewCallbackHandler creates a new CallbackHandler.
func NewCallbackHandler(logger *slog.Logger, tokens TokenResolver) *CallbackHandler {
	return &CallbackHandler{logger: logger, tokens: tokens}
}

// ServeHTTP implements http.Handler.
func (h *CallbackHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	token := r.PathValue("token")

	var req CallbackRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{
			Error: fmt.Sprintf("invalid JSON: %v", err),
		})
		return
	}

	var err error
	switch callback.Status(req.Status) {
	case "", callback.StatusSucceeded:
		var result any
		if len(req.Result) > 0 {
			result = req.Result
		}
		err = h.tokens.Resolve(r.Context(), token, result)
	case callback.StatusFailed:
		if req.Cause == "" {
			req.Cause = "failed by callback"
		}
		err = h.tokens.Fail(r.Context(), token, req.Cause)
	default:
		writeJSON(w, http.StatusBadRequest, ErrorResponse{
			Error: fmt.Sprintf("unknown status %q", req.Status),
		})
		return
	}

	switch {
	case err == nil:
		h.logger.Info("callback token resolved", "token", token, "status", req.Status)
		w.WriteHeader(http.StatusNoContent)
	case errors.Is(err, callback.ErrTokenNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, callback.ErrTokenResolved):
		writeError(w, http.StatusConflict, err.Error())
	default:
		h.logger.Error("resolving callback token", "token", token, "error", err)
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}
