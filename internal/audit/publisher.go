package audit

import (
	"context"
	"fmt"
	"time"

	"caresync/internal/domain"
)

// Sink is the write side of the persistence facade.
type Sink interface {
	Upsert(ctx context.Context, collection string, record domain.Record) error
}

// Publisher appends audit events to the audit_logs collection. It is
// append-only: events are never updated once written.
type Publisher struct {
	sink Sink
	now  func() time.Time
}

type PublisherOption func(*Publisher)

func WithClock(now func() time.Time) PublisherOption {
	return func(p *Publisher) {
		p.now = now
	}
}

func NewPublisher(sink Sink, opts ...PublisherOption) *Publisher {
	p := &Publisher{sink: sink, now: time.Now}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *Publisher) Append(ctx context.Context, ev Event) error {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = p.now()
	}
	if ev.Action == "" {
		return fmt.Errorf("audit event without action")
	}
	if err := p.sink.Upsert(ctx, domain.CollectionAuditLogs, ev.Record()); err != nil {
		return fmt.Errorf("append audit %s: %w", ev.Action, err)
	}
	return nil
}
