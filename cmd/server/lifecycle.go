package main

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"
)

// lifecycle is the daemon's run order. Shutdown stops the ops API first, then
// the background workers, and closes the backend only after every worker has
// returned, so a worker flushing on exit still writes to the active backend.
type lifecycle struct {
	serve        func() error
	stopServing  func(ctx context.Context) error
	workers      []func(ctx context.Context) error
	closeBackend func(ctx context.Context) error
	grace        time.Duration
	logger       *slog.Logger
}

func (l lifecycle) run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	workCtx, stopWorkers := context.WithCancel(context.WithoutCancel(ctx))
	defer stopWorkers()

	var workers errgroup.Group
	for _, w := range l.workers {
		workers.Go(func() error {
			err := ignoreCanceled(w(workCtx))
			if err != nil {
				cancel()
			}
			return err
		})
	}

	var g errgroup.Group
	g.Go(func() error {
		err := l.serve()
		if err != nil {
			cancel()
		}
		return err
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, done := context.WithTimeout(context.Background(), l.grace)
		defer done()
		if err := l.stopServing(shutdownCtx); err != nil {
			l.logger.Warn("graceful shutdown failed", "error", err)
		}
		stopWorkers()
		werr := workers.Wait()
		return errors.Join(werr, l.closeBackend(shutdownCtx))
	})
	return g.Wait()
}

func ignoreCanceled(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
