package sentinel

import "errors"

// Sentinel errors for infrastructure facts. Adapters return these (usually
// wrapped in a classified store error) so the facade, the queue and the
// transport layer can branch with errors.Is instead of inspecting messages.
//
// - ErrNotFound: key or record does not exist
// - ErrSchemaMissing: remote collection has not been provisioned yet
// - ErrQuotaExceeded: local durable storage is full
// - ErrUnavailable: remote store or downstream integration temporarily unreachable
// - ErrInvalidConfig: backend configuration or credentials are malformed
// - ErrOffline: connectivity is down, work was skipped
var (
	ErrNotFound      = errors.New("not found")
	ErrSchemaMissing = errors.New("schema missing")
	ErrQuotaExceeded = errors.New("quota exceeded")
	ErrUnavailable   = errors.New("unavailable")
	ErrInvalidConfig = errors.New("invalid config")
	ErrOffline       = errors.New("offline")
	ErrClosed        = errors.New("closed")
)
