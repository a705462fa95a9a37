package syncqueue

import (
	"context"
	"time"
)

// Run is the queue's single worker. It flushes once at startup when online,
// flushes again whenever connectivity is regained, drains on every Enqueue
// signal and retries deferred items on a fixed interval. It returns the
// context error on shutdown.
func (q *Queue) Run(ctx context.Context) error {
	regained := q.conn.Regained()
	q.running.Store(true)
	defer q.running.Store(false)

	if q.conn.Online() {
		q.runPass(ctx, "startup", q.Flush)
	}

	ticker := time.NewTicker(q.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-regained:
			q.runPass(ctx, "connectivity regained", q.Flush)
		case <-q.signal:
			q.runPass(ctx, "enqueue", q.Drain)
		case <-ticker.C:
			q.runPass(ctx, "retry interval", q.Drain)
		}
	}
}

func (q *Queue) runPass(ctx context.Context, reason string, fn func(context.Context) (DrainResult, error)) {
	res, err := fn(ctx)
	if err != nil {
		if ctx.Err() == nil {
			q.logger.ErrorContext(ctx, "sync queue pass failed", "reason", reason, "error", err)
		}
		return
	}
	if res.Skipped || res.Delivered+res.Failed+res.DeadLettered == 0 {
		return
	}
	q.logger.InfoContext(ctx, "sync queue pass finished",
		"reason", reason,
		"delivered", res.Delivered,
		"failed", res.Failed,
		"dead_lettered", res.DeadLettered,
		"remaining", res.Remaining,
	)
}
