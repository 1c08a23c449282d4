// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package daemon

import (
	"context"
	"errors"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/ManuGH/snipey/internal/api"
	"github.com/ManuGH/snipey/internal/dispatch"
	"github.com/ManuGH/snipey/internal/log"
)

const shutdownTimeout = 30 * time.Second

// Run starts the supervisor, dispatcher, redis poller, retrier,
// subscription watcher and API server, and blocks until ctx is cancelled or one of them fails.
// Shutdown hooks run before Run returns.
func (a *App) Run(ctx context.Context) error {
	if a.running {
		return ErrAlreadyRunning
	}
	a.running = true

	a.logger.Info().
		Str(log.FieldEvent, "daemon.starting").
		Str("version", a.cfg.Version).
		Msg("starting snipey")

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return a.supervisor.Run(gctx) })
	g.Go(func() error { return a.retrier.Run(gctx) })
	if a.timer != nil {
		g.Go(func() error { return a.timer.Run(gctx) })
	}
	if a.redis != nil && a.cfg.Dispatch.Redis.Consume {
		g.Go(func() error { return a.redis.Consume(gctx, a.cfg.Dispatch.Redis.PollInterval, a.tasks) })
	}
	if a.files != nil && a.cfg.Subscriptions.Watch {
		g.Go(func() error {
			// A failing watcher leaves the last loaded subscriptions in effect.
			if err := a.files.Watch(gctx); err != nil {
				a.logger.Warn().Err(err).
					Str(log.FieldEvent, "subscriptions.watch_failed").
					Msg("subscription watcher stopped")
			}
			return nil
		})
	}
	if a.api != nil {
		g.Go(func() error { return a.api.Run(gctx) })
	}

	runErr := g.Wait()
	if runErr != nil {
		a.logger.Error().Err(runErr).Str(log.FieldEvent, "daemon.failed").Msg("component failed, shutting down")
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	hookErr := a.hooks.run(shutdownCtx)

	a.logger.Info().Str(log.FieldEvent, "daemon.stopped").Msg("snipey stopped")
	return errors.Join(runErr, hookErr)
}

// APIAddr returns the bound API address, or "" when the API is disabled.
// It blocks until the server has tried to listen.
func (a *App) APIAddr() string {
	if a.api == nil {
		return ""
	}
	return a.api.Addr()
}

// status implements api.StatusFunc.
func (a *App) status(ctx context.Context) (api.Status, error) {
	stats, err := a.store.Stats(ctx)
	if err != nil {
		return api.Status{}, err
	}
	st := api.Status{
		Version:    a.cfg.Version,
		Stream:     a.consumer.Snapshot(),
		Reconnects: a.supervisor.Reconnects(),
		Breaker:    string(a.breaker.State()),
		Dispatch:   api.DispatchStatus{Backend: a.cfg.Dispatch.Backend},
		Store:      stats,
	}
	switch {
	case a.timer != nil:
		n := int64(a.timer.Len())
		st.Dispatch.Pending = &n
		st.Dispatch.Backend = dispatch.BackendTimer
	case a.redis != nil:
		if n, err := a.redis.Len(ctx); err == nil {
			st.Dispatch.Pending = &n
		}
	}
	if a.files != nil {
		st.Subscriptions = a.files.Len()
	}
	return st, nil
}
