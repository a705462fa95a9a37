// Package backend is the persistence facade. It reads the persisted backend
// configuration, owns exactly one active adapter (local or remote) and gives
// every collaborator the same collection contract regardless of which one is
// active.
package backend

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"caresync/internal/domain"
	"caresync/internal/kvstore"
	"caresync/internal/store/local"
	"caresync/pkg/platform/sentinel"
)

// Metrics is the slice of platform metrics the facade reports into.
type Metrics interface {
	SetBackendMode(mode string)
}

// Service is the persistence facade. Construct it with New, call Init once,
// and Shutdown on exit.
type Service struct {
	kv         kvstore.Store
	local      *local.Store
	dial       Dialer
	remoteOpts RemoteOptions
	logger     *slog.Logger
	metrics    Metrics

	// mu guards the active backend. Operations hold the read lock for their
	// whole duration so a reload never swaps the backend under a call.
	mu     sync.RWMutex
	cfg    Config
	remote RemoteStore

	subsMu sync.Mutex
	subs   map[*trackedSubscription]struct{}
}

type Option func(*Service)

func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) {
		s.logger = logger
	}
}

func WithMetrics(m Metrics) Option {
	return func(s *Service) {
		s.metrics = m
	}
}

// WithDialer replaces how remote adapters are built.
func WithDialer(d Dialer) Option {
	return func(s *Service) {
		s.dial = d
	}
}

// WithRemoteTimeout bounds every remote call without a caller deadline.
func WithRemoteTimeout(d time.Duration) Option {
	return func(s *Service) {
		s.remoteOpts.Timeout = d
	}
}

func WithRemoteMetrics(m RemoteMetrics) Option {
	return func(s *Service) {
		s.remoteOpts.Metrics = m
	}
}

// New builds a facade over kv. The backend is local until Init runs.
func New(kv kvstore.Store, opts ...Option) *Service {
	s := &Service{
		kv:     kv,
		dial:   DialRemote,
		logger: slog.Default(),
		cfg:    DefaultConfig(),
		subs:   make(map[*trackedSubscription]struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.remoteOpts.Logger = s.logger
	s.local = local.New(kv, local.WithLogger(s.logger))
	return s
}

// Init loads the persisted configuration, writing the default one on first
// run, and activates the configured backend. Any configuration or client
// construction problem falls back to the local backend with a warning; Init
// never fails.
func (s *Service) Init(ctx context.Context) {
	cfg, err := s.loadConfig(ctx)
	if err != nil {
		s.logger.WarnContext(ctx, "backend config unreadable, using local backend", "error", err)
		cfg = DefaultConfig()
	}

	var remote RemoteStore
	if cfg.Mode == ModeRemote {
		remote, err = s.connect(ctx, cfg)
		if err != nil {
			s.logger.WarnContext(ctx, "remote backend unusable, falling back to local",
				"endpoint", cfg.Endpoint,
				"error", err,
			)
			// Bridges keep their settings; only the data backend falls back.
			cfg.Mode = ModeLocal
			remote = nil
		}
	}

	s.mu.Lock()
	old := s.remote
	s.cfg = cfg
	s.remote = remote
	s.mu.Unlock()
	if old != nil {
		_ = old.Close()
	}
	s.reportMode(cfg.Mode)
	s.logger.InfoContext(ctx, "backend initialized", "mode", cfg.Mode)
}

func (s *Service) loadConfig(ctx context.Context) (Config, error) {
	raw, err := s.kv.Get(ctx, ConfigKey)
	if errors.Is(err, sentinel.ErrNotFound) {
		cfg := DefaultConfig()
		if err := s.persist(ctx, cfg); err != nil {
			s.logger.WarnContext(ctx, "could not persist default backend config", "error", err)
		}
		return cfg, nil
	}
	if err != nil {
		return Config{}, fmt.Errorf("read backend config: %w", err)
	}
	var cfg Config
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return Config{}, fmt.Errorf("decode backend config: %w", err)
	}
	if cfg.Mode == "" {
		cfg.Mode = ModeLocal
	}
	return cfg, nil
}

func (s *Service) persist(ctx context.Context, cfg Config) error {
	raw, err := json.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("encode backend config: %w", err)
	}
	if err := s.kv.Put(ctx, ConfigKey, raw); err != nil {
		if errors.Is(err, sentinel.ErrQuotaExceeded) {
			return domain.NewStoreError(domain.KindQuotaExceeded, "save_config", "", err)
		}
		return fmt.Errorf("write backend config: %w", err)
	}
	return nil
}

func (s *Service) connect(ctx context.Context, cfg Config) (RemoteStore, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	remote, err := s.dial(ctx, cfg, s.remoteOpts)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", sentinel.ErrInvalidConfig, err)
	}
	return remote, nil
}

// SaveConfig validates cfg, builds the new backend, persists cfg and swaps the
// backend in one step. Nothing is persisted or swapped when any step before
// the swap fails. Subscriptions on the previous backend are closed.
func (s *Service) SaveConfig(ctx context.Context, cfg Config) error {
	if cfg.Mode == "" {
		cfg.Mode = ModeLocal
	}
	var remote RemoteStore
	if cfg.Mode == ModeRemote {
		var err error
		if remote, err = s.connect(ctx, cfg); err != nil {
			return err
		}
	} else if err := cfg.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	if err := s.persist(ctx, cfg); err != nil {
		s.mu.Unlock()
		if remote != nil {
			_ = remote.Close()
		}
		return err
	}
	old := s.remote
	s.cfg = cfg
	s.remote = remote
	s.mu.Unlock()

	s.closeSubscriptions()
	if old != nil {
		_ = old.Close()
	}
	s.reportMode(cfg.Mode)
	s.logger.InfoContext(ctx, "backend reloaded", "mode", cfg.Mode)
	return nil
}

// Shutdown closes open subscriptions and the remote adapter. The facade keeps
// answering from the local backend afterwards.
func (s *Service) Shutdown(ctx context.Context) error {
	s.closeSubscriptions()

	s.mu.Lock()
	old := s.remote
	s.remote = nil
	s.cfg.Mode = ModeLocal
	s.mu.Unlock()

	if old != nil {
		if err := old.Close(); err != nil {
			return fmt.Errorf("close remote backend: %w", err)
		}
	}
	s.logger.InfoContext(ctx, "backend shut down")
	return nil
}

// Config returns the active configuration.
func (s *Service) Config() Config {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfg
}

// Mode returns which backend is active.
func (s *Service) Mode() Mode {
	return s.Config().Mode
}

func (s *Service) reportMode(m Mode) {
	if s.metrics != nil {
		s.metrics.SetBackendMode(string(m))
	}
}

// GetCollection returns every record in the collection. A remote collection
// that has not been provisioned yet reads as empty.
func (s *Service) GetCollection(ctx context.Context, collection string) ([]domain.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.remote == nil {
		return s.local.Load(ctx, collection)
	}
	records, err := s.remote.Select(ctx, collection)
	if domain.IsSchemaMissing(err) {
		s.logger.DebugContext(ctx, "remote collection not provisioned, returning empty", "collection", collection)
		return []domain.Record{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get collection %s: %w", collection, err)
	}
	return records, nil
}

// Upsert inserts the record or replaces the one with the same id.
func (s *Service) Upsert(ctx context.Context, collection string, record domain.Record) error {
	if err := record.Validate(); err != nil {
		return domain.NewStoreError(domain.KindFatal, "upsert", collection, err)
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.remote == nil {
		return s.local.Upsert(ctx, collection, record)
	}
	return s.absorbSchemaMissing(ctx, "upsert", collection, s.remote.Upsert(ctx, collection, record))
}

// Insert creates a record. Remote backends reject an existing id; the local
// backend treats insert as upsert.
func (s *Service) Insert(ctx context.Context, collection string, record domain.Record) error {
	if err := record.Validate(); err != nil {
		return domain.NewStoreError(domain.KindFatal, "insert", collection, err)
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.remote == nil {
		return s.local.Upsert(ctx, collection, record)
	}
	return s.absorbSchemaMissing(ctx, "insert", collection, s.remote.Insert(ctx, collection, record))
}

// DeleteRecord removes the record with id. Unknown ids are not an error.
func (s *Service) DeleteRecord(ctx context.Context, collection, id string) error {
	if id == "" {
		return domain.NewStoreError(domain.KindFatal, "delete", collection, domain.ErrMissingID)
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.remote == nil {
		return s.local.Delete(ctx, collection, id)
	}
	return s.absorbSchemaMissing(ctx, "delete", collection, s.remote.Delete(ctx, collection, id))
}

func (s *Service) absorbSchemaMissing(ctx context.Context, op, collection string, err error) error {
	if err == nil {
		return nil
	}
	if domain.IsSchemaMissing(err) {
		s.logger.WarnContext(ctx, "remote collection not provisioned, write skipped",
			"op", op,
			"collection", collection,
		)
		return nil
	}
	return fmt.Errorf("%s %s: %w", op, collection, err)
}

// Subscribe registers handler on the collection's change feed. The local
// backend has no other writers to observe and returns a nil subscription.
func (s *Service) Subscribe(ctx context.Context, collection string, handler domain.Handler) (domain.Subscription, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.remote == nil {
		return nil, nil
	}
	sub, err := s.remote.Subscribe(ctx, collection, handler)
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", collection, err)
	}

	tracked := &trackedSubscription{inner: sub, owner: s}
	s.subsMu.Lock()
	s.subs[tracked] = struct{}{}
	s.subsMu.Unlock()
	return tracked, nil
}

func (s *Service) closeSubscriptions() {
	s.subsMu.Lock()
	subs := s.subs
	s.subs = make(map[*trackedSubscription]struct{})
	s.subsMu.Unlock()

	for sub := range subs {
		_ = sub.inner.Close()
	}
}

// trackedSubscription lets the facade close every live subscription on
// reload and shutdown.
type trackedSubscription struct {
	inner domain.Subscription
	owner *Service
}

func (t *trackedSubscription) Close() error {
	t.owner.subsMu.Lock()
	delete(t.owner.subs, t)
	t.owner.subsMu.Unlock()
	return t.inner.Close()
}
