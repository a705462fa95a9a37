package httptransport

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"caresync/internal/audit"
	"caresync/internal/backup"
	"caresync/internal/platform/middleware"
	"caresync/internal/syncqueue"
	"caresync/pkg/platform/httputil"
)

const maxPayloadBytes = 1 << 20

func (h *Handler) handleEnqueue(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	typ, err := syncqueue.ParseItemType(chi.URLParam(r, "type"))
	if err != nil {
		httputil.WriteError(w, httputil.BadRequest(err.Error()))
		return
	}
	payload, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxPayloadBytes))
	if err != nil {
		httputil.WriteError(w, httputil.BadRequest("payload too large"))
		return
	}
	if len(payload) > 0 && !json.Valid(payload) {
		httputil.WriteError(w, httputil.BadRequest("payload is not valid JSON"))
		return
	}

	item, err := h.queue.Enqueue(ctx, typ, payload)
	if err != nil {
		h.logger.ErrorContext(ctx, "enqueue failed",
			"type", typ,
			"error", err,
			"request_id", middleware.GetRequestID(ctx),
		)
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusAccepted, item)
}

// handleDrain runs a pass now. ?force=true ignores backoff schedules.
func (h *Handler) handleDrain(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	force, _ := strconv.ParseBool(r.URL.Query().Get("force"))
	drain := h.queue.Drain
	if force {
		drain = h.queue.Flush
	}
	res, err := drain(ctx)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	if force && !res.Skipped {
		h.record(ctx, audit.ActionQueueFlushed, strconv.Itoa(res.Delivered)+" delivered", nil)
	}
	httputil.WriteJSON(w, http.StatusOK, res)
}

func (h *Handler) handleQueueItems(w http.ResponseWriter, r *http.Request) {
	items, err := h.queue.Items(r.Context())
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, items)
}

func (h *Handler) handleDeadLetters(w http.ResponseWriter, r *http.Request) {
	items, err := h.queue.DeadLetters(r.Context())
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, items)
}

func (h *Handler) handleRequeue(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	n, err := h.queue.Requeue(ctx)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	if n > 0 {
		h.record(ctx, audit.ActionQueueRequeued, strconv.Itoa(n)+" items", nil)
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]int{"requeued": n})
}

func (h *Handler) handleBackup(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	cfg := h.backend.Config()
	if !cfg.BackupEnabled() {
		httputil.WriteError(w, httputil.NewError(http.StatusConflict, "backup_disabled", backup.ErrDisabled.Error()))
		return
	}
	manifest, err := h.exporter.Export(ctx, backup.Target{
		FolderID: cfg.FileBackupBridge.FolderID,
		ClientID: cfg.FileBackupBridge.ClientID,
	})
	if err != nil {
		h.logger.ErrorContext(ctx, "backup failed",
			"error", err,
			"request_id", middleware.GetRequestID(ctx),
		)
		h.record(ctx, audit.ActionBackupFailed, cfg.FileBackupBridge.FolderID, err)
		if errors.Is(err, backup.ErrDisabled) {
			httputil.WriteError(w, httputil.NewError(http.StatusConflict, "backup_disabled", err.Error()))
			return
		}
		httputil.WriteError(w, err)
		return
	}
	h.record(ctx, audit.ActionBackupWritten, manifest.Dir, nil)
	httputil.WriteJSON(w, http.StatusCreated, manifest)
}
