// Package syncqueue is the durable outbound queue for mutations bound to the
// hospital dashboard. Items are delivered at least once, one at a time, in
// the order they were enqueued.
package syncqueue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/oklog/ulid/v2"
	"golang.org/x/sync/singleflight"

	"caresync/internal/kvstore"
	"caresync/pkg/platform/sentinel"
)

// ErrRejected marks a delivery the downstream refused for good. Deliverers
// wrap it and the item goes straight to the dead-letter list.
var ErrRejected = errors.New("delivery rejected")

// Deliverer sends one item downstream.
type Deliverer interface {
	Deliver(ctx context.Context, item Item) error
}

// Connectivity tells the queue whether delivery can be attempted.
type Connectivity interface {
	Online() bool
	// Regained returns a channel that receives each time connectivity comes back.
	Regained() <-chan struct{}
}

type Metrics interface {
	SetQueueDepth(pending, dead int)
	IncDelivery(itemType, outcome string)
	ObserveDrain(d time.Duration)
}

// DrainResult summarizes one pass.
type DrainResult struct {
	Skipped      bool `json:"skipped"`
	Delivered    int  `json:"delivered"`
	Failed       int  `json:"failed"`
	Deferred     int  `json:"deferred"`
	DeadLettered int  `json:"deadLettered"`
	Remaining    int  `json:"remaining"`
}

// Status is the aggregate view exposed to the UI.
type Status struct {
	Pending     int         `json:"pending"`
	DeadLetters int         `json:"deadLetters"`
	Online      bool        `json:"online"`
	Running     bool        `json:"running"`
	LastDrainAt time.Time   `json:"lastDrainAt,omitzero"`
	LastResult  DrainResult `json:"lastResult"`
}

// Queue persists items in a kvstore.Store and drains them through a
// Deliverer.
type Queue struct {
	kv        kvstore.Store
	deliverer Deliverer
	conn      Connectivity
	policy    RetryPolicy
	interval  time.Duration
	now       func() time.Time
	logger    *slog.Logger
	metrics   Metrics

	// storeMu serializes read-modify-write cycles on the persisted lists.
	storeMu sync.Mutex
	entropy io.Reader
	// drainMu makes the queue a single worker.
	drainMu sync.Mutex
	flight  singleflight.Group

	signal  chan struct{}
	running atomic.Bool

	statusMu   sync.Mutex
	lastDrain  time.Time
	lastResult DrainResult
}

type Option func(*Queue)

func WithLogger(logger *slog.Logger) Option {
	return func(q *Queue) {
		q.logger = logger
	}
}

func WithMetrics(m Metrics) Option {
	return func(q *Queue) {
		q.metrics = m
	}
}

func WithRetryPolicy(p RetryPolicy) Option {
	return func(q *Queue) {
		q.policy = p
	}
}

// WithInterval sets how often Run retries deferred items.
func WithInterval(d time.Duration) Option {
	return func(q *Queue) {
		if d > 0 {
			q.interval = d
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(q *Queue) {
		q.now = now
	}
}

func New(kv kvstore.Store, deliverer Deliverer, conn Connectivity, opts ...Option) *Queue {
	q := &Queue{
		kv:        kv,
		deliverer: deliverer,
		conn:      conn,
		policy:    DefaultRetryPolicy(),
		interval:  30 * time.Second,
		now:       time.Now,
		logger:    slog.Default(),
		signal:    make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(q)
	}
	q.entropy = ulid.Monotonic(rand.New(rand.NewSource(q.now().UnixNano())), 0)
	return q
}

// Enqueue appends a pending item and triggers a drain: the running worker is
// signalled, otherwise the drain runs before Enqueue returns. The item is
// durable once Enqueue returns without error, whatever the drain outcome.
func (q *Queue) Enqueue(ctx context.Context, typ ItemType, payload json.RawMessage) (Item, error) {
	if _, err := ParseItemType(string(typ)); err != nil {
		return Item{}, err
	}
	if len(payload) == 0 {
		payload = json.RawMessage("null")
	}
	if !json.Valid(payload) {
		return Item{}, fmt.Errorf("payload is not valid JSON")
	}

	q.storeMu.Lock()
	now := q.now().UTC()
	item := Item{
		ID:         ulid.MustNew(ulid.Timestamp(now), q.entropy).String(),
		Type:       typ,
		Payload:    payload,
		CreatedAt:  now,
		Status:     StatusPending,
		RetryCount: 0,
	}
	items, err := q.load(ctx, QueueKey)
	if err == nil {
		err = q.save(ctx, QueueKey, append(items, item))
	}
	q.storeMu.Unlock()
	if err != nil {
		return Item{}, fmt.Errorf("enqueue %s: %w", typ, err)
	}

	q.logger.InfoContext(ctx, "sync item enqueued", "item_id", item.ID, "type", typ)
	q.reportDepth(ctx)

	if q.running.Load() {
		q.Trigger()
	} else if _, err := q.Drain(ctx); err != nil {
		q.logger.WarnContext(ctx, "drain after enqueue failed", "error", err)
	}
	return item, nil
}

// Trigger asks the running worker for a drain pass without waiting.
func (q *Queue) Trigger() {
	select {
	case q.signal <- struct{}{}:
	default:
	}
}

// Drain attempts every due item once. It does nothing while offline.
// Concurrent callers share one pass.
func (q *Queue) Drain(ctx context.Context) (DrainResult, error) {
	return q.pass(ctx, "drain", false)
}

// Flush is Drain ignoring backoff schedules. It runs on startup and when
// connectivity comes back.
func (q *Queue) Flush(ctx context.Context) (DrainResult, error) {
	return q.pass(ctx, "flush", true)
}

func (q *Queue) pass(ctx context.Context, key string, force bool) (DrainResult, error) {
	if !q.conn.Online() {
		q.logger.DebugContext(ctx, "offline, drain skipped", "error", sentinel.ErrOffline)
		return DrainResult{Skipped: true}, nil
	}
	// The pass is shared by every caller and outlives any one caller's context.
	v, err, _ := q.flight.Do(key, func() (any, error) {
		return q.drain(context.WithoutCancel(ctx), force)
	})
	if err != nil {
		return DrainResult{}, err
	}
	return v.(DrainResult), nil
}

type outcome struct {
	delivered bool
	dead      bool
	item      Item
}

func (q *Queue) drain(ctx context.Context, force bool) (DrainResult, error) {
	q.drainMu.Lock()
	defer q.drainMu.Unlock()

	start := q.now()
	q.storeMu.Lock()
	items, err := q.load(ctx, QueueKey)
	q.storeMu.Unlock()
	if err != nil {
		return DrainResult{}, err
	}

	var res DrainResult
	outcomes := make(map[string]outcome, len(items))
	for _, item := range items {
		if item.Status != StatusPending {
			continue
		}
		if ctx.Err() != nil {
			break
		}
		if !force && !item.due(start) {
			res.Deferred++
			continue
		}

		err := q.deliverer.Deliver(ctx, item)
		if err == nil {
			outcomes[item.ID] = outcome{delivered: true}
			res.Delivered++
			q.incDelivery(item.Type, "delivered")
			continue
		}

		item.RetryCount++
		item.LastError = err.Error()
		item.NextAttemptAt = q.now().Add(q.policy.Delay(item.RetryCount)).UTC()
		dead := errors.Is(err, ErrRejected) || q.policy.exhausted(item.RetryCount)
		outcomes[item.ID] = outcome{dead: dead, item: item}
		if dead {
			res.DeadLettered++
			q.incDelivery(item.Type, "dead_lettered")
			q.logger.WarnContext(ctx, "sync item dead-lettered",
				"item_id", item.ID,
				"type", item.Type,
				"retry_count", item.RetryCount,
				"error", err,
			)
			continue
		}
		res.Failed++
		q.incDelivery(item.Type, "failed")
		q.logger.InfoContext(ctx, "sync item delivery failed, will retry",
			"item_id", item.ID,
			"retry_count", item.RetryCount,
			"next_attempt_at", item.NextAttemptAt,
			"error", err,
		)
	}

	remaining, err := q.commit(ctx, outcomes)
	if err != nil {
		return DrainResult{}, err
	}
	res.Remaining = remaining

	q.statusMu.Lock()
	q.lastDrain = q.now()
	q.lastResult = res
	q.statusMu.Unlock()
	if q.metrics != nil {
		q.metrics.ObserveDrain(q.now().Sub(start))
	}
	q.reportDepth(ctx)
	return res, nil
}

// commit persists the pass. The queue is re-read so items enqueued while the
// pass was delivering are kept, then written once.
func (q *Queue) commit(ctx context.Context, outcomes map[string]outcome) (int, error) {
	q.storeMu.Lock()
	defer q.storeMu.Unlock()

	current, err := q.load(ctx, QueueKey)
	if err != nil {
		return 0, err
	}
	kept := make([]Item, 0, len(current))
	var dead []Item
	for _, item := range current {
		o, touched := outcomes[item.ID]
		switch {
		case touched && o.delivered:
		case touched && o.dead:
			dead = append(dead, o.item)
		case touched:
			kept = append(kept, o.item)
		case item.Status == StatusPending:
			kept = append(kept, item)
		}
	}

	if len(dead) > 0 {
		letters, err := q.load(ctx, DeadLetterKey)
		if err != nil {
			return 0, err
		}
		if err := q.save(ctx, DeadLetterKey, append(letters, dead...)); err != nil {
			return 0, err
		}
	}
	if err := q.save(ctx, QueueKey, kept); err != nil {
		return 0, err
	}
	return len(kept), nil
}

// Items returns the persisted queue in delivery order.
func (q *Queue) Items(ctx context.Context) ([]Item, error) {
	q.storeMu.Lock()
	defer q.storeMu.Unlock()
	return q.load(ctx, QueueKey)
}

// DeadLetters returns items that were given up on.
func (q *Queue) DeadLetters(ctx context.Context) ([]Item, error) {
	q.storeMu.Lock()
	defer q.storeMu.Unlock()
	return q.load(ctx, DeadLetterKey)
}

// Requeue moves every dead letter back to the end of the queue with a fresh
// retry budget and returns how many were moved.
func (q *Queue) Requeue(ctx context.Context) (int, error) {
	q.storeMu.Lock()
	letters, err := q.load(ctx, DeadLetterKey)
	if err != nil || len(letters) == 0 {
		q.storeMu.Unlock()
		return 0, err
	}
	items, err := q.load(ctx, QueueKey)
	if err != nil {
		q.storeMu.Unlock()
		return 0, err
	}
	for _, l := range letters {
		l.Status = StatusPending
		l.RetryCount = 0
		l.NextAttemptAt = time.Time{}
		items = append(items, l)
	}
	if err := q.save(ctx, QueueKey, items); err != nil {
		q.storeMu.Unlock()
		return 0, err
	}
	if err := q.save(ctx, DeadLetterKey, []Item{}); err != nil {
		q.storeMu.Unlock()
		return 0, err
	}
	q.storeMu.Unlock()

	q.reportDepth(ctx)
	q.Trigger()
	return len(letters), nil
}

// Status reports queue depth and the last pass.
func (q *Queue) Status(ctx context.Context) (Status, error) {
	q.storeMu.Lock()
	items, err := q.load(ctx, QueueKey)
	var letters []Item
	if err == nil {
		letters, err = q.load(ctx, DeadLetterKey)
	}
	q.storeMu.Unlock()
	if err != nil {
		return Status{}, err
	}

	q.statusMu.Lock()
	defer q.statusMu.Unlock()
	return Status{
		Pending:     len(items),
		DeadLetters: len(letters),
		Online:      q.conn.Online(),
		Running:     q.running.Load(),
		LastDrainAt: q.lastDrain,
		LastResult:  q.lastResult,
	}, nil
}

// load reads a list; callers hold storeMu.
func (q *Queue) load(ctx context.Context, key string) ([]Item, error) {
	raw, err := q.kv.Get(ctx, key)
	if errors.Is(err, sentinel.ErrNotFound) {
		return []Item{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", key, err)
	}
	var items []Item
	if err := json.Unmarshal(raw, &items); err != nil {
		return nil, fmt.Errorf("decode %s: %w", key, err)
	}
	if items == nil {
		items = []Item{}
	}
	return items, nil
}

// save replaces a list; callers hold storeMu.
func (q *Queue) save(ctx context.Context, key string, items []Item) error {
	if items == nil {
		items = []Item{}
	}
	raw, err := json.Marshal(items)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	if err := q.kv.Put(ctx, key, raw); err != nil {
		return fmt.Errorf("save %s: %w", key, err)
	}
	return nil
}

func (q *Queue) incDelivery(typ ItemType, outcome string) {
	if q.metrics != nil {
		q.metrics.IncDelivery(string(typ), outcome)
	}
}

func (q *Queue) reportDepth(ctx context.Context) {
	if q.metrics == nil {
		return
	}
	st, err := q.Status(ctx)
	if err != nil {
		return
	}
	q.metrics.SetQueueDepth(st.Pending, st.DeadLetters)
}
