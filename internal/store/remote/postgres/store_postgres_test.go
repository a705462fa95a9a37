package postgres

import (
	"context"
	"errors"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"caresync/internal/domain"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want domain.ErrorKind
	}{
		{"undefined table", &pgconn.PgError{Code: "42P01"}, domain.KindSchemaMissing},
		{"permission denied", &pgconn.PgError{Code: "42501"}, domain.KindFatal},
		{"bad password", &pgconn.PgError{Code: "28P01"}, domain.KindFatal},
		{"duplicate id", &pgconn.PgError{Code: "23505"}, domain.KindFatal},
		{"connection failure", &pgconn.PgError{Code: "08006"}, domain.KindTransient},
		{"admin shutdown", &pgconn.PgError{Code: "57P01"}, domain.KindTransient},
		{"network", errors.New("dial tcp: connection refused"), domain.KindTransient},
		{"deadline", context.DeadlineExceeded, domain.KindTransient},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := classify("select", "reports", tt.err)
			assert.Equal(t, tt.want, domain.KindOf(err))
			assert.ErrorIs(t, err, tt.err)
		})
	}
}

func TestOpenRejectsMalformedDSN(t *testing.T) {
	_, err := Open(context.Background(), "postgres://%zz")
	require.Error(t, err)
	assert.Equal(t, domain.KindFatal, domain.KindOf(err))
}

func TestTableNameIsQuoted(t *testing.T) {
	assert.Equal(t, `"stock_items"`, table(domain.CollectionStockItems))
}
