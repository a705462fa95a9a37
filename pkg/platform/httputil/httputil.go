// Package httputil holds the JSON envelope shared by the ops API handlers.
package httputil

import (
	"encoding/json"
	"errors"
	"net/http"

	"caresync/internal/domain"
	"caresync/pkg/platform/sentinel"
)

// Error is a handler-level failure with an explicit status.
type Error struct {
	Status  int
	Code    string
	Message string
}

func (e *Error) Error() string { return e.Code + ": " + e.Message }

func NewError(status int, code, message string) *Error {
	return &Error{Status: status, Code: code, Message: message}
}

func BadRequest(message string) *Error {
	return NewError(http.StatusBadRequest, "bad_request", message)
}

// WriteJSON writes v with the given status.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		_ = json.NewEncoder(w).Encode(v)
	}
}

// WriteError translates err into a status and a JSON envelope. Internal
// errors never expose their description.
func WriteError(w http.ResponseWriter, err error) {
	status, code := Classify(err)
	body := map[string]string{"error": code}
	if status != http.StatusInternalServerError {
		var he *Error
		if errors.As(err, &he) {
			body["error_description"] = he.Message
		} else {
			body["error_description"] = err.Error()
		}
	}
	WriteJSON(w, status, body)
}

// Classify maps an error to an HTTP status and an error code. Classified
// store errors are decided by kind before any sentinel is consulted.
func Classify(err error) (int, string) {
	var he *Error
	if errors.As(err, &he) {
		return he.Status, he.Code
	}
	var se *domain.StoreError
	if errors.As(err, &se) {
		switch se.Kind {
		case domain.KindNotFound:
			return http.StatusNotFound, "not_found"
		case domain.KindSchemaMissing:
			return http.StatusNotFound, "schema_missing"
		case domain.KindQuotaExceeded:
			return http.StatusInsufficientStorage, "quota_exceeded"
		case domain.KindTransient:
			return http.StatusBadGateway, "remote_unavailable"
		}
		if errors.Is(se.Err, domain.ErrCorruptCollection) {
			return http.StatusInternalServerError, "collection_unreadable"
		}
		if errors.Is(se.Err, domain.ErrMissingID) || errors.Is(se.Err, domain.ErrInvalidCollection) {
			return http.StatusBadRequest, "bad_request"
		}
		return http.StatusBadGateway, "remote_error"
	}
	switch {
	case errors.Is(err, sentinel.ErrInvalidConfig),
		errors.Is(err, domain.ErrMissingID),
		errors.Is(err, domain.ErrInvalidCollection):
		return http.StatusBadRequest, "bad_request"
	case errors.Is(err, sentinel.ErrQuotaExceeded):
		return http.StatusInsufficientStorage, "quota_exceeded"
	case errors.Is(err, sentinel.ErrNotFound):
		return http.StatusNotFound, "not_found"
	}
	return http.StatusInternalServerError, "internal_error"
}
