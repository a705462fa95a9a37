package httptransport

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/oklog/ulid/v2"

	"caresync/internal/audit"
	"caresync/internal/domain"
	"caresync/internal/platform/middleware"
	"caresync/pkg/platform/httputil"
)

const maxRecordBytes = 1 << 20

func collectionParam(r *http.Request) (string, error) {
	name := chi.URLParam(r, "name")
	if !domain.ValidCollectionName(name) {
		return "", httputil.BadRequest("invalid collection name")
	}
	return name, nil
}

func decodeRecord(w http.ResponseWriter, r *http.Request) (domain.Record, error) {
	var rec domain.Record
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRecordBytes)).Decode(&rec); err != nil {
		return nil, httputil.BadRequest("invalid record body")
	}
	if rec == nil {
		return nil, httputil.BadRequest("record must be a JSON object")
	}
	return rec, nil
}

// handleGetCollection returns every record. ?sort=field orders the result,
// ?desc=true reverses it.
func (h *Handler) handleGetCollection(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	name, err := collectionParam(r)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	records, err := h.backend.GetCollection(ctx, name)
	if err != nil {
		h.logger.WarnContext(ctx, "get collection failed",
			"collection", name,
			"error", err,
			"request_id", middleware.GetRequestID(ctx),
		)
		httputil.WriteError(w, err)
		return
	}
	if field := r.URL.Query().Get("sort"); field != "" {
		desc, _ := strconv.ParseBool(r.URL.Query().Get("desc"))
		domain.SortBy(records, field, desc)
	}
	httputil.WriteJSON(w, http.StatusOK, records)
}

func (h *Handler) handleUpsert(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	name, err := collectionParam(r)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	rec, err := decodeRecord(w, r)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	id := chi.URLParam(r, "id")
	switch rec.ID() {
	case "":
		rec["id"] = id
	case id:
	default:
		httputil.WriteError(w, httputil.BadRequest("record id does not match the path"))
		return
	}

	if err := h.backend.Upsert(ctx, name, rec); err != nil {
		h.logger.WarnContext(ctx, "upsert failed",
			"collection", name,
			"id", id,
			"error", err,
			"request_id", middleware.GetRequestID(ctx),
		)
		httputil.WriteError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleInsert creates a record, generating an id when the body has none.
func (h *Handler) handleInsert(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	name, err := collectionParam(r)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	rec, err := decodeRecord(w, r)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	if _, ok := rec["id"]; !ok {
		rec["id"] = ulid.Make().String()
	}
	if err := h.backend.Insert(ctx, name, rec); err != nil {
		h.logger.WarnContext(ctx, "insert failed",
			"collection", name,
			"error", err,
			"request_id", middleware.GetRequestID(ctx),
		)
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusCreated, rec)
}

func (h *Handler) handleDelete(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	name, err := collectionParam(r)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	id := chi.URLParam(r, "id")
	if err := h.backend.DeleteRecord(ctx, name, id); err != nil {
		httputil.WriteError(w, err)
		return
	}
	if name != domain.CollectionAuditLogs {
		h.record(ctx, audit.ActionRecordDeleted, name+"/"+id, nil)
	}
	w.WriteHeader(http.StatusNoContent)
}
