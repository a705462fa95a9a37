package realtime

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"caresync/internal/domain"
)

// Source is what a reconciler needs from the persistence facade.
type Source interface {
	GetCollection(ctx context.Context, collection string) ([]domain.Record, error)
	Subscribe(ctx context.Context, collection string, handler domain.Handler) (domain.Subscription, error)
}

// Reconciler keeps one List in step with one collection's change feed.
type Reconciler struct {
	collection string
	list       *List
	logger     *slog.Logger
	onChange   func(domain.Event)

	mu     sync.Mutex
	sub    domain.Subscription
	closed bool

	// feedMu orders event folding against the initial snapshot.
	feedMu  sync.Mutex
	seeded  bool
	backlog []domain.Event
}

// Writer is the slice of the persistence facade used for optimistic writes.
type Writer interface {
	Upsert(ctx context.Context, collection string, record domain.Record) error
	DeleteRecord(ctx context.Context, collection, id string) error
}

type Option func(*Reconciler)

func WithLogger(logger *slog.Logger) Option {
	return func(r *Reconciler) {
		r.logger = logger
	}
}

// WithOnChange registers a callback run after every event that changed the
// list. It runs on the subscription's delivery goroutine.
func WithOnChange(fn func(domain.Event)) Option {
	return func(r *Reconciler) {
		r.onChange = fn
	}
}

// Attach subscribes to collection, then seeds list from a fresh snapshot.
// Events that arrive while the snapshot loads are buffered and folded in
// order on top of it. With the
// local backend there is no change feed and the reconciler stays inert after
// loading the snapshot.
func Attach(ctx context.Context, src Source, collection string, list *List, opts ...Option) (*Reconciler, error) {
	r := &Reconciler{
		collection: collection,
		list:       list,
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}

	sub, err := src.Subscribe(ctx, collection, r.handle)
	if err != nil {
		return nil, fmt.Errorf("attach %s: %w", collection, err)
	}
	r.sub = sub

	records, err := src.GetCollection(ctx, collection)
	if err != nil {
		_ = r.Close()
		return nil, fmt.Errorf("attach %s: %w", collection, err)
	}
	r.seed(records)

	r.logger.DebugContext(ctx, "reconciler attached",
		"collection", collection,
		"records", len(records),
		"live", sub != nil,
	)
	return r, nil
}

func (r *Reconciler) seed(records []domain.Record) {
	r.feedMu.Lock()
	defer r.feedMu.Unlock()
	r.list.Reset(records)
	for _, ev := range r.backlog {
		r.fold(ev)
	}
	r.backlog = nil
	r.seeded = true
}

func (r *Reconciler) handle(ev domain.Event) {
	if ev.Collection != "" && ev.Collection != r.collection {
		return
	}
	r.feedMu.Lock()
	defer r.feedMu.Unlock()
	if !r.seeded {
		r.backlog = append(r.backlog, ev)
		return
	}
	r.fold(ev)
}

// fold applies ev to the list; callers hold feedMu.
func (r *Reconciler) fold(ev domain.Event) {
	if !r.list.Apply(ev) {
		r.logger.Debug("realtime event left list unchanged",
			"collection", r.collection,
			"type", ev.Type,
			"id", ev.RecordID(),
		)
		return
	}
	if r.onChange != nil {
		r.onChange(ev)
	}
}

// Upsert shows record in the list at once, writes it through w and settles
// the optimistic write with the outcome.
func (r *Reconciler) Upsert(ctx context.Context, w Writer, record domain.Record) error {
	previous, _ := r.list.Get(record.ID())
	if err := r.list.ApplyOptimistic(record); err != nil {
		return err
	}
	if err := w.Upsert(ctx, r.collection, record); err != nil {
		r.list.Rollback(record.ID(), previous)
		return fmt.Errorf("upsert %s/%s: %w", r.collection, record.ID(), err)
	}
	r.list.Confirm(record.ID())
	return nil
}

// Delete removes id from the list at once, deletes it through w and settles
// the optimistic removal with the outcome.
func (r *Reconciler) Delete(ctx context.Context, w Writer, id string) error {
	previous, _ := r.list.Get(id)
	r.list.RemoveOptimistic(id)
	if err := w.DeleteRecord(ctx, r.collection, id); err != nil {
		r.list.Rollback(id, previous)
		return fmt.Errorf("delete %s/%s: %w", r.collection, id, err)
	}
	r.list.Confirm(id)
	return nil
}

// Live reports whether a change feed is attached.
func (r *Reconciler) Live() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sub != nil && !r.closed
}

func (r *Reconciler) List() *List {
	return r.list
}

// Close stops event delivery. It is safe to call more than once.
func (r *Reconciler) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true
	if r.sub == nil {
		return nil
	}
	return r.sub.Close()
}
