// Package kvstore is the durable byte store under the local backend, the sync
// queue and the persisted backend configuration. Keys are opaque strings and
// values are whole documents: callers replace values, they never patch them.
package kvstore

import (
	"context"
	"fmt"

	"caresync/pkg/platform/sentinel"
)

// Store persists values by key.
//
// Get returns sentinel.ErrNotFound for a key that was never written.
// Put returns sentinel.ErrQuotaExceeded when the value does not fit; the
// previous value is left in place.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Put(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
	Close() error
}

func quotaError(key string, need, limit int64) error {
	return fmt.Errorf("put %s: %d bytes exceeds limit of %d: %w", key, need, limit, sentinel.ErrQuotaExceeded)
}
