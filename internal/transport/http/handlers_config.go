package httptransport

import (
	"encoding/json"
	"errors"
	"net/http"

	"caresync/internal/audit"
	"caresync/internal/backend"
	"caresync/internal/platform/middleware"
	"caresync/internal/syncqueue"
	"caresync/pkg/platform/httputil"
	"caresync/pkg/platform/sentinel"
)

const redactedKey = "****"

type statusResponse struct {
	Backend backend.Mode     `json:"backend"`
	Queue   syncqueue.Status `json:"queue"`
}

func (h *Handler) handleHealth(w http.ResponseWriter, _ *http.Request) {
	httputil.WriteJSON(w, http.StatusOK, map[string]string{
		"status":  "ok",
		"backend": string(h.backend.Config().Mode),
	})
}

func (h *Handler) handleStatus(w http.ResponseWriter, r *http.Request) {
	st, err := h.queue.Status(r.Context())
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, statusResponse{
		Backend: h.backend.Config().Mode,
		Queue:   st,
	})
}

func (h *Handler) handleGetConfig(w http.ResponseWriter, _ *http.Request) {
	httputil.WriteJSON(w, http.StatusOK, h.backend.Config().Redacted())
}

// handlePutConfig saves and reloads the backend configuration. A key sent
// back in its redacted form keeps the stored key.
func (h *Handler) handlePutConfig(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var cfg backend.Config
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 64<<10)).Decode(&cfg); err != nil {
		httputil.WriteError(w, httputil.BadRequest("invalid config body"))
		return
	}
	if cfg.Key == redactedKey {
		cfg.Key = h.backend.Config().Key
	}

	if err := h.backend.SaveConfig(ctx, cfg); err != nil {
		h.logger.WarnContext(ctx, "backend config rejected",
			"mode", cfg.Mode,
			"error", err,
			"request_id", middleware.GetRequestID(ctx),
		)
		h.record(ctx, audit.ActionConfigRejected, string(cfg.Mode), err)
		if errors.Is(err, sentinel.ErrInvalidConfig) {
			httputil.WriteError(w, httputil.BadRequest(err.Error()))
			return
		}
		httputil.WriteError(w, err)
		return
	}
	h.record(ctx, audit.ActionConfigSaved, string(cfg.Mode), nil)
	httputil.WriteJSON(w, http.StatusOK, h.backend.Config().Redacted())
}
