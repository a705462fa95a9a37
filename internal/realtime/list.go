// Package realtime folds a collection's change feed into an in-memory list
// that local UI actions also mutate optimistically.
package realtime

import (
	"sync"

	"caresync/internal/domain"
)

// pendingWrite is an optimistic mutation still waiting for its confirming
// event.
type pendingWrite struct {
	record  domain.Record
	deleted bool
	// held is the latest event for the id that did not confirm the write.
	held *domain.Event
}

func (p pendingWrite) confirmedBy(ev domain.Event) bool {
	if p.deleted {
		return ev.Type == domain.EventDelete
	}
	return ev.Type != domain.EventDelete && ev.New.Contains(p.record)
}

// List is an ordered, id-keyed set of records. It is safe for concurrent use.
type List struct {
	mu      sync.Mutex
	items   []domain.Record
	pending map[string]pendingWrite
}

// NewList returns a list seeded with records.
func NewList(records []domain.Record) *List {
	l := &List{pending: make(map[string]pendingWrite)}
	l.items = cloneAll(records)
	return l
}

// Apply folds one change-feed event and reports whether the list changed.
// Events for an id with an optimistic write in flight are held back until
// one confirms that write or the write is settled with Confirm or Rollback.
func (l *List) Apply(ev domain.Event) bool {
	id := ev.RecordID()
	if id == "" {
		return false
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if p, ok := l.pending[id]; ok {
		if !p.confirmedBy(ev) {
			held := ev
			p.held = &held
			l.pending[id] = p
			return false
		}
		delete(l.pending, id)
	}
	return l.fold(ev)
}

// fold applies ev without looking at pending writes; callers hold mu.
func (l *List) fold(ev domain.Event) bool {
	switch ev.Type {
	case domain.EventInsert, domain.EventUpdate:
		if ev.New == nil {
			return false
		}
		l.put(ev.New.Clone())
	case domain.EventDelete:
		return l.remove(ev.RecordID())
	default:
		return false
	}
	return true
}

// ApplyOptimistic writes record ahead of the remote confirmation.
func (l *List) ApplyOptimistic(record domain.Record) error {
	if err := record.Validate(); err != nil {
		return err
	}
	rec := record.Clone()

	l.mu.Lock()
	defer l.mu.Unlock()
	l.put(rec)
	l.pending[rec.ID()] = pendingWrite{record: rec}
	return nil
}

// RemoveOptimistic removes id ahead of the remote confirmation.
func (l *List) RemoveOptimistic(id string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.remove(id)
	l.pending[id] = pendingWrite{deleted: true}
}

// Confirm settles an optimistic write the remote accepted. An event held
// back while the write was pending is folded now, so the list ends on the
// server's version even when the echo did not match the optimistic record.
func (l *List) Confirm(id string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	p, ok := l.pending[id]
	if !ok {
		return false
	}
	delete(l.pending, id)
	if p.held == nil {
		return false
	}
	return l.fold(*p.held)
}

// Rollback undoes an optimistic write whose remote call failed. previous is
// the record as it was before the write, or nil if it did not exist. An
// event held back while the write was pending wins over previous.
func (l *List) Rollback(id string, previous domain.Record) {
	l.mu.Lock()
	defer l.mu.Unlock()
	p := l.pending[id]
	delete(l.pending, id)
	if p.held != nil {
		l.fold(*p.held)
		return
	}
	if previous == nil {
		l.remove(id)
		return
	}
	l.put(previous.Clone())
}

// Reset replaces the contents with a fresh snapshot. Optimistic writes still
// pending survive the reset.
func (l *List) Reset(records []domain.Record) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.items = cloneAll(records)
	for id, p := range l.pending {
		if p.deleted {
			l.remove(id)
			continue
		}
		l.put(p.record.Clone())
	}
}

// Get returns a copy of the record with id.
func (l *List) Get(id string) (domain.Record, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if i := domain.IndexOf(l.items, id); i >= 0 {
		return l.items[i].Clone(), true
	}
	return nil, false
}

// Pending reports whether id has an unconfirmed optimistic write.
func (l *List) Pending(id string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.pending[id]
	return ok
}

func (l *List) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.items)
}

// Snapshot returns a deep copy of the records in list order.
func (l *List) Snapshot() []domain.Record {
	l.mu.Lock()
	defer l.mu.Unlock()
	return cloneAll(l.items)
}

// put replaces the record with the same id or appends it; callers hold mu.
func (l *List) put(rec domain.Record) {
	if i := domain.IndexOf(l.items, rec.ID()); i >= 0 {
		l.items[i] = rec
		return
	}
	l.items = append(l.items, rec)
}

// remove drops the record with id; callers hold mu.
func (l *List) remove(id string) bool {
	i := domain.IndexOf(l.items, id)
	if i < 0 {
		return false
	}
	l.items = append(l.items[:i], l.items[i+1:]...)
	return true
}

func cloneAll(records []domain.Record) []domain.Record {
	out := make([]domain.Record, 0, len(records))
	for _, r := range records {
		out = append(out, r.Clone())
	}
	return out
}
