// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/ManuGH/snipey/internal/dispatch"
	"github.com/ManuGH/snipey/internal/domain"
	xglog "github.com/ManuGH/snipey/internal/log"
	"github.com/ManuGH/snipey/internal/metrics"
)

// RetryStore is the subset of store.Store the retrier needs.
type RetryStore interface {
	SnipeStore
	MarkSnipeAbandoned(ctx context.Context, id int64, reason string) error
	ListRetryableSnipes(ctx context.Context, staleBefore time.Time, limit int) ([]domain.Snipe, error)
}

// RetryConfig bounds the sweeper.
type RetryConfig struct {
	Interval    time.Duration
	MaxAttempts int
	// StaleAfter is how long a snipe may stay pending before it is
	// considered orphaned by a crash between creation and dispatch.
	StaleAfter time.Duration
	BatchSize  int
	TaskType   string
}

// SweepResult counts one sweep's outcomes.
type SweepResult struct {
	Dispatched int
	Failed     int
	Abandoned  int
}

// Retrier periodically resubmits snipes whose dispatch failed.
type Retrier struct {
	store  RetryStore
	d      dispatch.Dispatcher
	cfg    RetryConfig
	now    func() time.Time
	logger zerolog.Logger
}

// NewRetrier creates a Retrier.
func NewRetrier(st RetryStore, d dispatch.Dispatcher, cfg RetryConfig) *Retrier {
	if cfg.Interval <= 0 {
		cfg.Interval = 30 * time.Second
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 5
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = 5 * time.Minute
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.TaskType == "" {
		cfg.TaskType = dispatch.TaskTypeSnipeRSVP
	}
	return &Retrier{
		store:  st,
		d:      d,
		cfg:    cfg,
		now:    time.Now,
		logger: xglog.WithComponent("scheduler.retrier"),
	}
}

// Run sweeps every interval until ctx is cancelled.
func (r *Retrier) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := r.Sweep(ctx); err != nil && ctx.Err() == nil {
				r.logger.Warn().Err(err).Str(xglog.FieldEvent, "retry.sweep_failed").Msg("retry sweep failed")
			}
		}
	}
}

// Sweep processes one batch of retryable snipes.
func (r *Retrier) Sweep(ctx context.Context) (SweepResult, error) {
	var res SweepResult
	staleBefore := r.now().Add(-r.cfg.StaleAfter)
	snipes, err := r.store.ListRetryableSnipes(ctx, staleBefore, r.cfg.BatchSize)
	if err != nil {
		return res, fmt.Errorf("list retryable snipes: %w", err)
	}

	for _, sn := range snipes {
		if ctx.Err() != nil {
			return res, ctx.Err()
		}
		logger := r.logger.With().
			Int64(xglog.FieldSnipeID, sn.ID).
			Str(xglog.FieldUserID, sn.UserID).
			Int(xglog.FieldAttempt, sn.Attempts+1).
			Logger()

		if sn.Attempts >= r.cfg.MaxAttempts {
			reason := fmt.Sprintf("gave up after %d attempts: %s", sn.Attempts, sn.LastError)
			if err := r.store.MarkSnipeAbandoned(ctx, sn.ID, reason); err != nil {
				return res, fmt.Errorf("abandon snipe %d: %w", sn.ID, err)
			}
			res.Abandoned++
			metrics.RetryTotal.WithLabelValues("abandoned").Inc()
			logger.Error().Str(xglog.FieldEvent, "snipe.abandoned").Str("reason", sn.LastError).Msg("snipe abandoned")
			continue
		}

		if _, err := Submit(ctx, r.store, r.d, r.cfg.TaskType, sn); err != nil {
			res.Failed++
			metrics.RetryTotal.WithLabelValues("failed").Inc()
			logger.Warn().Err(err).Str(xglog.FieldEvent, "snipe.retry_failed").Msg("snipe resubmission failed")
			continue
		}
		res.Dispatched++
		metrics.RetryTotal.WithLabelValues("dispatched").Inc()
		logger.Info().Str(xglog.FieldEvent, "snipe.retried").Msg("snipe resubmitted")
	}
	return res, nil
}
