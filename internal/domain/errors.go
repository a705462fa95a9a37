package domain

import (
	"errors"
	"fmt"

	"caresync/pkg/platform/sentinel"
)

var (
	ErrMissingID         = errors.New("record id is required")
	ErrInvalidCollection = errors.New("invalid collection name")
	ErrCorruptCollection = errors.New("unreadable collection document")
)

// ErrorKind classifies adapter failures once, at the adapter boundary.
type ErrorKind string

const (
	KindNotFound      ErrorKind = "not_found"
	KindSchemaMissing ErrorKind = "schema_missing"
	KindTransient     ErrorKind = "transient"
	KindFatal         ErrorKind = "fatal"
	KindQuotaExceeded ErrorKind = "quota_exceeded"
)

// StoreError is a classified failure from a local or remote adapter.
type StoreError struct {
	Kind       ErrorKind
	Op         string
	Collection string
	Err        error
}

func (e *StoreError) Error() string {
	msg := fmt.Sprintf("%s %s: %s", e.Op, e.Collection, e.Kind)
	if e.Collection == "" {
		msg = fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *StoreError) Unwrap() error {
	return e.Err
}

// Is lets errors.Is match the sentinel that corresponds to the kind.
func (e *StoreError) Is(target error) bool {
	switch e.Kind {
	case KindNotFound:
		return target == sentinel.ErrNotFound
	case KindSchemaMissing:
		return target == sentinel.ErrSchemaMissing
	case KindTransient:
		return target == sentinel.ErrUnavailable
	case KindFatal:
		return target == sentinel.ErrInvalidConfig
	case KindQuotaExceeded:
		return target == sentinel.ErrQuotaExceeded
	}
	return false
}

// Retryable reports whether retrying the same call may succeed.
func (e *StoreError) Retryable() bool {
	return e.Kind == KindTransient
}

// NewStoreError builds a classified error.
func NewStoreError(kind ErrorKind, op, collection string, err error) *StoreError {
	return &StoreError{Kind: kind, Op: op, Collection: collection, Err: err}
}

// KindOf extracts the classification. Unclassified errors count as
// transient; nil has no kind.
func KindOf(err error) ErrorKind {
	if err == nil {
		return ""
	}
	var se *StoreError
	if errors.As(err, &se) {
		return se.Kind
	}
	switch {
	case errors.Is(err, sentinel.ErrNotFound):
		return KindNotFound
	case errors.Is(err, sentinel.ErrSchemaMissing):
		return KindSchemaMissing
	case errors.Is(err, sentinel.ErrQuotaExceeded):
		return KindQuotaExceeded
	case errors.Is(err, sentinel.ErrInvalidConfig):
		return KindFatal
	}
	return KindTransient
}

func IsSchemaMissing(err error) bool {
	return KindOf(err) == KindSchemaMissing
}

func IsRetryable(err error) bool {
	return KindOf(err) == KindTransient
}
