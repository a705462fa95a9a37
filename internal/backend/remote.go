package backend

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	"caresync/internal/domain"
	"caresync/internal/store/remote/postgres"
	"caresync/internal/store/remote/rest"
)

// RemoteStore is the contract both remote adapters satisfy.
type RemoteStore interface {
	Select(ctx context.Context, collection string) ([]domain.Record, error)
	Insert(ctx context.Context, collection string, record domain.Record) error
	Upsert(ctx context.Context, collection string, record domain.Record) error
	Delete(ctx context.Context, collection, id string) error
	Subscribe(ctx context.Context, collection string, handler domain.Handler) (domain.Subscription, error)
	Close() error
}

// RemoteMetrics is what the remote adapters report into.
type RemoteMetrics interface {
	ObserveRemoteRequest(op, collection, kind string, d time.Duration)
	IncRealtimeEvent(collection, eventType string)
	IncRealtimeReconnect(collection string)
}

// RemoteOptions carries the ambient settings every remote adapter takes.
type RemoteOptions struct {
	Logger  *slog.Logger
	Timeout time.Duration
	Metrics RemoteMetrics
}

// Dialer builds a remote adapter for a validated config.
type Dialer func(ctx context.Context, cfg Config, opts RemoteOptions) (RemoteStore, error)

// DialRemote picks the adapter from the endpoint scheme: http(s) speaks the
// REST and realtime protocol, postgres(ql) connects to the database directly.
func DialRemote(ctx context.Context, cfg Config, opts RemoteOptions) (RemoteStore, error) {
	u, err := url.Parse(cfg.Endpoint)
	if err != nil {
		return nil, domain.NewStoreError(domain.KindFatal, "connect", "", err)
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	switch u.Scheme {
	case "postgres", "postgresql":
		if _, hasPassword := u.User.Password(); !hasPassword && u.User != nil {
			u.User = url.UserPassword(u.User.Username(), cfg.Key)
		}
		pgOpts := []postgres.Option{postgres.WithLogger(logger), postgres.WithTimeout(opts.Timeout)}
		if opts.Metrics != nil {
			pgOpts = append(pgOpts, postgres.WithMetrics(opts.Metrics))
		}
		st, err := postgres.Open(ctx, u.String(), pgOpts...)
		if err != nil {
			return nil, err
		}
		return st, nil
	case "http", "https":
		restOpts := []rest.Option{rest.WithLogger(logger), rest.WithTimeout(opts.Timeout)}
		if opts.Metrics != nil {
			restOpts = append(restOpts, rest.WithMetrics(opts.Metrics))
		}
		client, err := rest.New(cfg.Endpoint, cfg.Key, restOpts...)
		if err != nil {
			return nil, err
		}
		return client, nil
	}
	return nil, domain.NewStoreError(domain.KindFatal, "connect", "", fmt.Errorf("unsupported endpoint scheme %q", u.Scheme))
}
