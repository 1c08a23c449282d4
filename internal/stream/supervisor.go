// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package stream

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/rs/zerolog"

	"github.com/ManuGH/snipey/internal/checkpoint"
	xglog "github.com/ManuGH/snipey/internal/log"
	"github.com/ManuGH/snipey/internal/metrics"
)

// Supervisor keeps a Consumer connected. Every failed attempt is followed
// by an exponential backoff and a reconnect from the last committed cursor.
// It never gives up while its context is alive.
type Supervisor struct {
	consumer   *Consumer
	checkpoint checkpoint.Store
	initial    time.Duration
	max        time.Duration
	reconnects atomic.Int64
	logger     zerolog.Logger
}

// SupervisorOption configures a Supervisor.
type SupervisorOption func(*Supervisor)

// WithReconnectBackoff sets the first and the largest reconnect delay.
func WithReconnectBackoff(initial, max time.Duration) SupervisorOption {
	return func(s *Supervisor) {
		if initial > 0 {
			s.initial = initial
		}
		if max > 0 {
			s.max = max
		}
	}
}

// NewSupervisor creates a Supervisor. cp may be nil, in which case the
// first connection starts at the live edge of the stream.
func NewSupervisor(c *Consumer, cp checkpoint.Store, opts ...SupervisorOption) *Supervisor {
	s := &Supervisor{
		consumer:   c,
		checkpoint: cp,
		initial:    time.Second,
		max:        time.Minute,
		logger:     xglog.WithComponent("stream.supervisor"),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.max < s.initial {
		s.max = s.initial
	}
	return s
}

// Reconnects returns the number of reconnects scheduled so far.
func (s *Supervisor) Reconnects() int64 { return s.reconnects.Load() }

// Run blocks until ctx is cancelled and always returns nil then.
func (s *Supervisor) Run(ctx context.Context) error {
	cursor := s.resume(ctx)

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = s.initial
	b.MaxInterval = s.max
	b.Reset()

	for {
		err := s.consumer.Run(ctx, cursor)
		if ctx.Err() != nil {
			return nil
		}
		if s.consumer.progressed() {
			b.Reset()
		}

		cursor = s.consumer.Cursor()
		wait := b.NextBackOff()
		s.reconnects.Add(1)
		metrics.StreamReconnectsTotal.Inc()
		s.logger.Warn().Err(err).
			Str(xglog.FieldEvent, "stream.reconnecting").
			Str(xglog.FieldCursor, cursor.String()).
			Dur("backoff", wait).
			Msg("stream connection lost, reconnecting")

		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil
		case <-t.C:
		}
	}
}

func (s *Supervisor) resume(ctx context.Context) Cursor {
	if s.checkpoint == nil {
		return Cursor{}
	}
	ms, ok, err := s.checkpoint.Load(ctx)
	if err != nil {
		s.logger.Warn().Err(err).
			Str(xglog.FieldEvent, "cursor.load_failed").
			Msg("could not load stream cursor, starting at live edge")
		return Cursor{}
	}
	if !ok {
		return Cursor{}
	}
	s.logger.Info().
		Str(xglog.FieldEvent, "cursor.loaded").
		Int64(xglog.FieldCursor, ms).
		Msg("resuming stream from checkpoint")
	return Cursor{MS: ms, Valid: true}
}
