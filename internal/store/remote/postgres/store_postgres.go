// Package postgres is a Remote Store Adapter that talks to the managed
// database's Postgres endpoint directly. Each collection is a table of
// (id text, data jsonb) and the change feed rides on LISTEN/NOTIFY.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"caresync/internal/domain"
)

// Channel is the NOTIFY channel written by the change trigger.
const Channel = "caresync_changes"

const defaultTimeout = 10 * time.Second

// Metrics receives per-call observations.
type Metrics interface {
	ObserveRemoteRequest(op, collection, kind string, d time.Duration)
	IncRealtimeEvent(collection, eventType string)
	IncRealtimeReconnect(collection string)
}

// Store implements the remote contract on a pgx pool.
type Store struct {
	pool    *pgxpool.Pool
	timeout time.Duration
	logger  *slog.Logger
	tracer  trace.Tracer
	metrics Metrics

	mu   sync.Mutex
	subs map[*subscription]struct{}
}

type Option func(*Store)

func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) {
		s.logger = logger
	}
}

func WithTimeout(d time.Duration) Option {
	return func(s *Store) {
		if d > 0 {
			s.timeout = d
		}
	}
}

func WithMetrics(m Metrics) Option {
	return func(s *Store) {
		s.metrics = m
	}
}

func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(s *Store) {
		s.tracer = tp.Tracer("caresync/remote/postgres")
	}
}

// Open parses the DSN and builds a pool. Connections are established lazily,
// so a reachable server is not required here.
func Open(ctx context.Context, dsn string, opts ...Option) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, domain.NewStoreError(domain.KindFatal, "connect", "", fmt.Errorf("parse dsn: %w", err))
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, domain.NewStoreError(domain.KindFatal, "connect", "", err)
	}
	return New(pool, opts...), nil
}

// New wraps an existing pool; Close will close it.
func New(pool *pgxpool.Pool, opts ...Option) *Store {
	s := &Store{
		pool:    pool,
		timeout: defaultTimeout,
		logger:  slog.Default(),
		tracer:  otel.Tracer("caresync/remote/postgres"),
		subs:    make(map[*subscription]struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) Close() error {
	s.mu.Lock()
	subs := make([]*subscription, 0, len(s.subs))
	for sub := range s.subs {
		subs = append(subs, sub)
	}
	s.mu.Unlock()
	for _, sub := range subs {
		_ = sub.Close()
	}
	s.pool.Close()
	return nil
}

func table(collection string) string {
	return pgx.Identifier{collection}.Sanitize()
}

// call wraps one statement with the timeout policy, a span and metrics.
func (s *Store) call(ctx context.Context, op, collection string, fn func(ctx context.Context) error) (err error) {
	if !domain.ValidCollectionName(collection) {
		return domain.NewStoreError(domain.KindFatal, op, collection, domain.ErrInvalidCollection)
	}
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}
	ctx, span := s.tracer.Start(ctx, "remote."+op, trace.WithAttributes(
		attribute.String("caresync.collection", collection),
		attribute.String("db.system", "postgresql"),
	))
	start := time.Now()
	defer func() {
		kind := "ok"
		if err != nil {
			kind = string(domain.KindOf(err))
			span.RecordError(err)
			span.SetStatus(codes.Error, kind)
		}
		span.End()
		if s.metrics != nil {
			s.metrics.ObserveRemoteRequest(op, collection, kind, time.Since(start))
		}
	}()

	if err := fn(ctx); err != nil {
		return classify(op, collection, err)
	}
	return nil
}

func (s *Store) Select(ctx context.Context, collection string) ([]domain.Record, error) {
	records := []domain.Record{}
	err := s.call(ctx, "select", collection, func(ctx context.Context) error {
		rows, err := s.pool.Query(ctx, `SELECT data FROM `+table(collection)+` ORDER BY id`)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var r domain.Record
			if err := rows.Scan(&r); err != nil {
				return err
			}
			records = append(records, r)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return records, nil
}

func (s *Store) Insert(ctx context.Context, collection string, record domain.Record) error {
	if err := record.Validate(); err != nil {
		return domain.NewStoreError(domain.KindFatal, "insert", collection, err)
	}
	return s.call(ctx, "insert", collection, func(ctx context.Context) error {
		_, err := s.pool.Exec(ctx, `INSERT INTO `+table(collection)+` (id, data) VALUES ($1, $2)`,
			record.ID(), record)
		return err
	})
}

func (s *Store) Upsert(ctx context.Context, collection string, record domain.Record) error {
	if err := record.Validate(); err != nil {
		return domain.NewStoreError(domain.KindFatal, "upsert", collection, err)
	}
	return s.call(ctx, "upsert", collection, func(ctx context.Context) error {
		_, err := s.pool.Exec(ctx, `
			INSERT INTO `+table(collection)+` (id, data) VALUES ($1, $2)
			ON CONFLICT (id) DO UPDATE SET data = EXCLUDED.data`,
			record.ID(), record)
		return err
	})
}

func (s *Store) Delete(ctx context.Context, collection, id string) error {
	if id == "" {
		return domain.NewStoreError(domain.KindFatal, "delete", collection, domain.ErrMissingID)
	}
	return s.call(ctx, "delete", collection, func(ctx context.Context) error {
		_, err := s.pool.Exec(ctx, `DELETE FROM `+table(collection)+` WHERE id = $1`, id)
		return err
	})
}

// Provision creates the table and its change trigger. It is idempotent.
func (s *Store) Provision(ctx context.Context, collection string) error {
	return s.call(ctx, "provision", collection, func(ctx context.Context) error {
		tx, err := s.pool.Begin(ctx)
		if err != nil {
			return err
		}
		defer func() {
			_ = tx.Rollback(ctx)
		}()

		stmts := []string{
			`CREATE TABLE IF NOT EXISTS ` + table(collection) + ` (
				id   TEXT PRIMARY KEY,
				data JSONB NOT NULL
			)`,
			notifyFunction,
			`DROP TRIGGER IF EXISTS caresync_notify ON ` + table(collection),
			`CREATE TRIGGER caresync_notify AFTER INSERT OR UPDATE OR DELETE ON ` + table(collection) +
				` FOR EACH ROW EXECUTE FUNCTION caresync_notify()`,
		}
		for _, stmt := range stmts {
			if _, err := tx.Exec(ctx, stmt); err != nil {
				return err
			}
		}
		return tx.Commit(ctx)
	})
}

const notifyFunction = `
CREATE OR REPLACE FUNCTION caresync_notify() RETURNS trigger AS $$
BEGIN
	PERFORM pg_notify('` + Channel + `', json_build_object(
		'type', TG_OP,
		'table', TG_TABLE_NAME,
		'record', CASE WHEN TG_OP = 'DELETE' THEN NULL ELSE NEW.data END,
		'old_record', CASE WHEN TG_OP = 'INSERT' THEN NULL ELSE json_build_object('id', OLD.id) END,
		'commit_timestamp', to_char(clock_timestamp() AT TIME ZONE 'UTC', 'YYYY-MM-DD"T"HH24:MI:SS.US"Z"')
	)::text);
	RETURN NULL;
END;
$$ LANGUAGE plpgsql`

// Postgres error codes with a fixed classification.
const (
	codeUndefinedTable        = "42P01"
	codeInsufficientPrivilege = "42501"
	codeInvalidPassword       = "28P01"
	codeUniqueViolation       = "23505"
)

func classify(op, collection string, err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch {
		case pgErr.Code == codeUndefinedTable:
			return domain.NewStoreError(domain.KindSchemaMissing, op, collection, err)
		case pgErr.Code == codeInsufficientPrivilege, pgErr.Code == codeInvalidPassword,
			pgErr.Code == codeUniqueViolation:
			return domain.NewStoreError(domain.KindFatal, op, collection, err)
		case strings.HasPrefix(pgErr.Code, "08"), strings.HasPrefix(pgErr.Code, "53"), strings.HasPrefix(pgErr.Code, "57"):
			return domain.NewStoreError(domain.KindTransient, op, collection, err)
		}
		return domain.NewStoreError(domain.KindFatal, op, collection, err)
	}
	return domain.NewStoreError(domain.KindTransient, op, collection, err)
}

// notification mirrors the JSON built by caresync_notify().
type notification struct {
	Type            string        `json:"type"`
	Table           string        `json:"table"`
	Record          domain.Record `json:"record"`
	OldRecord       domain.Record `json:"old_record"`
	CommitTimestamp string        `json:"commit_timestamp"`
}

type subscription struct {
	store      *Store
	collection string
	handler    domain.Handler
	cancel     context.CancelFunc
	done       chan struct{}
	once       sync.Once
}

// Subscribe holds one pooled connection in LISTEN and forwards notifications
// for collection to handler, one at a time. The connection is re-acquired with
// backoff if it drops.
func (s *Store) Subscribe(ctx context.Context, collection string, handler domain.Handler) (domain.Subscription, error) {
	if !domain.ValidCollectionName(collection) {
		return nil, domain.NewStoreError(domain.KindFatal, "subscribe", collection, domain.ErrInvalidCollection)
	}
	conn, err := s.listen(ctx, collection)
	if err != nil {
		return nil, err
	}

	subCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	sub := &subscription{
		store:      s,
		collection: collection,
		handler:    handler,
		cancel:     cancel,
		done:       make(chan struct{}),
	}
	s.mu.Lock()
	s.subs[sub] = struct{}{}
	s.mu.Unlock()

	go sub.run(subCtx, conn)
	return sub, nil
}

func (s *Store) listen(ctx context.Context, collection string) (*pgxpool.Conn, error) {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}
	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return nil, classify("subscribe", collection, err)
	}
	if _, err := conn.Exec(ctx, `LISTEN `+pgx.Identifier{Channel}.Sanitize()); err != nil {
		conn.Release()
		return nil, classify("subscribe", collection, err)
	}
	return conn, nil
}

func (sub *subscription) Close() error {
	sub.once.Do(func() {
		sub.cancel()
		sub.store.mu.Lock()
		delete(sub.store.subs, sub)
		sub.store.mu.Unlock()
	})
	<-sub.done
	return nil
}

func (sub *subscription) run(ctx context.Context, conn *pgxpool.Conn) {
	defer close(sub.done)
	logger := sub.store.logger.With("collection", sub.collection)

	for {
		err := sub.serve(ctx, conn)
		if ctx.Err() != nil {
			// The connection was interrupted mid-wait; do not hand it back in
			// LISTEN state.
			_ = conn.Conn().Close(context.Background())
			conn.Release()
			return
		}
		conn.Release()
		logger.Warn("change feed connection lost, reconnecting", "error", err)

		conn = sub.reconnect(ctx)
		if conn == nil {
			return
		}
		if sub.store.metrics != nil {
			sub.store.metrics.IncRealtimeReconnect(sub.collection)
		}
	}
}

func (sub *subscription) reconnect(ctx context.Context) *pgxpool.Conn {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 200 * time.Millisecond
	b.MaxInterval = 30 * time.Second
	b.MaxElapsedTime = 0
	bc := backoff.WithContext(b, ctx)

	for {
		conn, err := sub.store.listen(ctx, sub.collection)
		if err == nil {
			return conn
		}
		wait := bc.NextBackOff()
		if wait == backoff.Stop {
			return nil
		}
		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil
		case <-t.C:
		}
	}
}

func (sub *subscription) serve(ctx context.Context, conn *pgxpool.Conn) error {
	for {
		n, err := conn.Conn().WaitForNotification(ctx)
		if err != nil {
			return err
		}
		var msg notification
		if err := json.Unmarshal([]byte(n.Payload), &msg); err != nil {
			sub.store.logger.Warn("dropping malformed notification", "error", err)
			continue
		}
		if msg.Table != sub.collection {
			continue
		}
		typ, ok := domain.ParseEventType(msg.Type)
		if !ok {
			continue
		}
		ev := domain.Event{Type: typ, Collection: sub.collection, New: msg.Record, Old: msg.OldRecord}
		if ts, err := time.Parse(time.RFC3339Nano, msg.CommitTimestamp); err == nil {
			ev.CommitTimestamp = ts
		}
		if sub.store.metrics != nil {
			sub.store.metrics.IncRealtimeEvent(sub.collection, string(typ))
		}
		sub.handler(ev)
	}
}
