package audit

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"
)

// Worker decouples request handlers from audit writes. Emit never blocks;
// events that do not fit the buffer are dropped and counted.
type Worker struct {
	pub     *Publisher
	inbox   chan Event
	logger  *slog.Logger
	dropped atomic.Int64
}

func NewWorker(pub *Publisher, buffer int, logger *slog.Logger) *Worker {
	if buffer <= 0 {
		buffer = 64
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Worker{pub: pub, inbox: make(chan Event, buffer), logger: logger}
}

func (w *Worker) Emit(ctx context.Context, ev Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = w.pub.now()
	}
	select {
	case w.inbox <- ev:
	default:
		w.dropped.Add(1)
		w.logger.WarnContext(ctx, "audit buffer full, event dropped", "action", ev.Action)
	}
}

// Dropped reports how many events did not fit the buffer.
func (w *Worker) Dropped() int64 {
	return w.dropped.Load()
}

// Run writes events until ctx is done, then writes whatever is still
// buffered before returning the context error.
func (w *Worker) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			w.flush(context.WithoutCancel(ctx))
			return ctx.Err()
		case ev := <-w.inbox:
			w.write(ctx, ev)
		}
	}
}

func (w *Worker) flush(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	for {
		select {
		case ev := <-w.inbox:
			w.write(ctx, ev)
		default:
			return
		}
	}
}

func (w *Worker) write(ctx context.Context, ev Event) {
	if err := w.pub.Append(ctx, ev); err != nil {
		w.logger.ErrorContext(ctx, "audit write failed", "action", ev.Action, "error", err)
	}
}
