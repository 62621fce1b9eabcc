package handlers

import (
	"net/http"

	"gopkg.in/yaml.v3"
)

// ConfigHandler serves the running configuration as YAML with credentials
// redacted. With ?pipeline=<id> it serves that pipeline's job descriptor
// after catalog defaults are applied.
type ConfigHandler struct {
	provider ConfigProvider
}

// NewConfigHandler creates a ConfigHandler.
func NewConfigHandler(provider ConfigProvider) *ConfigHandler {
	return &ConfigHandler{provider: provider}
}

func (h *ConfigHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	cfg := h.provider.Config().Redacted()

	var body any = cfg
	if id := r.URL.Query().Get("pipeline"); id != "" {
		if _, ok := cfg.Pipeline(id); !ok {
			writeError(w, http.StatusNotFound, "unknown pipeline "+id)
			return
		}
		d, err := cfg.Descriptor(id)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		body = d
	}

	out, err := yaml.Marshal(body)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.Header().Set("Content-Type", "text/yaml")
	w.WriteHeader(http.StatusOK)
	w.Write(out)
}
