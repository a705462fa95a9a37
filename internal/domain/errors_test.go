package domain

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"

	"caresync/pkg/platform/sentinel"
)

func TestStoreError_MatchesSentinel(t *testing.T) {
	tests := []struct {
		kind     ErrorKind
		sentinel error
	}{
		{KindNotFound, sentinel.ErrNotFound},
		{KindSchemaMissing, sentinel.ErrSchemaMissing},
		{KindTransient, sentinel.ErrUnavailable},
		{KindFatal, sentinel.ErrInvalidConfig},
		{KindQuotaExceeded, sentinel.ErrQuotaExceeded},
	}
	for _, tt := range tests {
		t.Run(string(tt.kind), func(t *testing.T) {
			err := fmt.Errorf("wrapped: %w", NewStoreError(tt.kind, "select", "shifts", nil))
			assert.ErrorIs(t, err, tt.sentinel)
			assert.Equal(t, tt.kind, KindOf(err))
		})
	}
}

func TestStoreError_UnwrapsCause(t *testing.T) {
	err := NewStoreError(KindTransient, "upsert", "reports", context.DeadlineExceeded)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.True(t, err.Retryable())
	assert.Contains(t, err.Error(), "upsert reports: transient")
}

func TestKindOf(t *testing.T) {
	assert.Equal(t, ErrorKind(""), KindOf(nil))
	assert.Equal(t, KindTransient, KindOf(errors.New("connection reset")))
	assert.Equal(t, KindQuotaExceeded, KindOf(fmt.Errorf("save: %w", sentinel.ErrQuotaExceeded)))
	assert.True(t, IsSchemaMissing(fmt.Errorf("x: %w", sentinel.ErrSchemaMissing)))
	assert.False(t, IsRetryable(NewStoreError(KindFatal, "select", "", nil)))
}
