// Package local is the Local Store Adapter: one collection per key, read as a
// whole list and replaced as a whole list.
package local

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"caresync/internal/domain"
	"caresync/internal/kvstore"
	"caresync/pkg/platform/sentinel"
)

const keyPrefix = "collection:"

// Key returns the storage key holding a collection.
func Key(collection string) string {
	return keyPrefix + collection
}

// Store reads and replaces collections in a kvstore.Store. Read-modify-write
// cycles are serialized per collection within the process.
type Store struct {
	kv     kvstore.Store
	logger *slog.Logger
	now    func() time.Time

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

type Option func(*Store)

func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) {
		s.logger = logger
	}
}

// WithClock sets the clock used to name quarantine keys.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		s.now = now
	}
}

func New(kv kvstore.Store, opts ...Option) *Store {
	s := &Store{
		kv:     kv,
		logger: slog.Default(),
		now:    time.Now,
		locks:  make(map[string]*sync.Mutex),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Load returns the persisted list, or an empty list if the collection was
// never written. A document that no longer decodes is a fatal store error
// wrapping domain.ErrCorruptCollection.
func (s *Store) Load(ctx context.Context, collection string) ([]domain.Record, error) {
	records, _, err := s.read(ctx, "load", collection)
	return records, err
}

func (s *Store) read(ctx context.Context, op, collection string) ([]domain.Record, []byte, error) {
	if !domain.ValidCollectionName(collection) {
		return nil, nil, domain.NewStoreError(domain.KindFatal, op, collection, domain.ErrInvalidCollection)
	}
	raw, err := s.kv.Get(ctx, Key(collection))
	if errors.Is(err, sentinel.ErrNotFound) {
		return []domain.Record{}, nil, nil
	}
	if err != nil {
		return nil, nil, classify(op, collection, err)
	}

	var records []domain.Record
	if err := json.Unmarshal(raw, &records); err != nil {
		return nil, raw, domain.NewStoreError(domain.KindFatal, op, collection, fmt.Errorf("%w: %w", domain.ErrCorruptCollection, err))
	}
	if records == nil {
		records = []domain.Record{}
	}
	return records, raw, nil
}

// Save replaces the whole collection.
func (s *Store) Save(ctx context.Context, collection string, records []domain.Record) error {
	unlock := s.lock(collection)
	defer unlock()
	return s.save(ctx, collection, records)
}

func (s *Store) save(ctx context.Context, collection string, records []domain.Record) error {
	if !domain.ValidCollectionName(collection) {
		return domain.NewStoreError(domain.KindFatal, "save", collection, domain.ErrInvalidCollection)
	}
	if records == nil {
		records = []domain.Record{}
	}
	raw, err := json.Marshal(records)
	if err != nil {
		return domain.NewStoreError(domain.KindFatal, "save", collection, fmt.Errorf("encode: %w", err))
	}
	if err := s.kv.Put(ctx, Key(collection), raw); err != nil {
		return classify("save", collection, err)
	}
	return nil
}

// Upsert replaces the record with the same id in place, or appends it.
func (s *Store) Upsert(ctx context.Context, collection string, record domain.Record) error {
	if err := record.Validate(); err != nil {
		return domain.NewStoreError(domain.KindFatal, "upsert", collection, err)
	}
	unlock := s.lock(collection)
	defer unlock()

	records, err := s.loadForWrite(ctx, "upsert", collection)
	if err != nil {
		return err
	}
	if i := domain.IndexOf(records, record.ID()); i >= 0 {
		records[i] = record
	} else {
		records = append(records, record)
	}
	return s.save(ctx, collection, records)
}

// Delete filters the record out and re-persists. Deleting an unknown id
// rewrites the list unchanged.
func (s *Store) Delete(ctx context.Context, collection, id string) error {
	unlock := s.lock(collection)
	defer unlock()

	records, err := s.loadForWrite(ctx, "delete", collection)
	if err != nil {
		return err
	}
	kept := records[:0]
	for _, r := range records {
		if r.ID() != id {
			kept = append(kept, r)
		}
	}
	return s.save(ctx, collection, kept)
}

// loadForWrite reads the collection for a read-modify-write cycle. A corrupt
// document is copied to a quarantine key first so the write that follows
// does not destroy it.
func (s *Store) loadForWrite(ctx context.Context, op, collection string) ([]domain.Record, error) {
	records, raw, err := s.read(ctx, op, collection)
	if err == nil || !errors.Is(err, domain.ErrCorruptCollection) {
		return records, err
	}
	key := QuarantineKey(collection, s.now())
	if perr := s.kv.Put(ctx, key, raw); perr != nil {
		return nil, classify(op, collection, fmt.Errorf("quarantine unreadable document: %w", perr))
	}
	s.logger.WarnContext(ctx, "quarantined unreadable local collection",
		"collection", collection,
		"key", key,
		"error", err,
	)
	return []domain.Record{}, nil
}

// QuarantineKey is where an unreadable collection document is kept when a
// write replaces it.
func QuarantineKey(collection string, at time.Time) string {
	return Key(collection) + ":corrupt:" + strconv.FormatInt(at.UnixNano(), 10)
}

func (s *Store) lock(collection string) func() {
	s.mu.Lock()
	l, ok := s.locks[collection]
	if !ok {
		l = &sync.Mutex{}
		s.locks[collection] = l
	}
	s.mu.Unlock()
	l.Lock()
	return l.Unlock
}

func classify(op, collection string, err error) error {
	switch {
	case errors.Is(err, sentinel.ErrQuotaExceeded):
		return domain.NewStoreError(domain.KindQuotaExceeded, op, collection, err)
	case errors.Is(err, sentinel.ErrNotFound):
		return domain.NewStoreError(domain.KindNotFound, op, collection, err)
	}
	return domain.NewStoreError(domain.KindTransient, op, collection, err)
}
