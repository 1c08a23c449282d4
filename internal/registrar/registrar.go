// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Package registrar turns a matched notification into a durable event record.
package registrar

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.opentelemetry.io/otel/codes"

	"github.com/ManuGH/snipey/internal/domain"
	xglog "github.com/ManuGH/snipey/internal/log"
	"github.com/ManuGH/snipey/internal/metrics"
	"github.com/ManuGH/snipey/internal/store"
	"github.com/ManuGH/snipey/internal/telemetry"
	"github.com/ManuGH/snipey/internal/timecodec"
	"github.com/ManuGH/snipey/internal/upstream"
)

// ErrEventFetchFailed is returned when event detail could not be obtained
// within the attempt budget.
var ErrEventFetchFailed = errors.New("registrar: event fetch failed")

// EventSource fetches event detail from the upstream service.
type EventSource interface {
	FetchEvent(ctx context.Context, eventID string) (upstream.EventDetail, error)
}

// EventStore is the subset of store.Store the registrar writes through.
type EventStore interface {
	FindEvent(ctx context.Context, groupID domain.GroupID, meetupID string) (domain.Event, error)
	CreateEvent(ctx context.Context, ev domain.Event) (domain.Event, bool, error)
}

// Registrar registers events idempotently.
type Registrar struct {
	source   EventSource
	events   EventStore
	attempts int
	backoff  time.Duration
	now      func() time.Time
}

// Option configures a Registrar.
type Option func(*Registrar)

// WithAttempts bounds the number of fetch attempts per registration.
func WithAttempts(n int) Option {
	return func(r *Registrar) {
		if n > 0 {
			r.attempts = n
		}
	}
}

// WithBackoff sets the initial delay between fetch attempts.
func WithBackoff(d time.Duration) Option {
	return func(r *Registrar) {
		if d > 0 {
			r.backoff = d
		}
	}
}

// WithClock replaces the clock used for CreatedAt.
func WithClock(now func() time.Time) Option {
	return func(r *Registrar) { r.now = now }
}

// New creates a Registrar.
func New(source EventSource, events EventStore, opts ...Option) *Registrar {
	r := &Registrar{
		source:   source,
		events:   events,
		attempts: 3,
		backoff:  time.Second,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register returns the event stored for (group, meetupID), fetching its
// detail and creating it when it does not exist yet.
func (r *Registrar) Register(ctx context.Context, group domain.Group, meetupID string) (domain.Event, error) {
	ctx, span := telemetry.Tracer("snipey.registrar").Start(ctx, "snipey.registrar.register")
	defer span.End()

	logger := xglog.WithComponentFromContext(ctx, "registrar").With().
		Str(xglog.FieldGroupID, group.ID.String()).
		Str(xglog.FieldEventID, meetupID).
		Logger()

	existing, err := r.events.FindEvent(ctx, group.ID, meetupID)
	switch {
	case err == nil:
		metrics.EventsRegisteredTotal.WithLabelValues("existing").Inc()
		return existing, nil
	case !errors.Is(err, store.ErrNotFound):
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return domain.Event{}, fmt.Errorf("find event %s: %w", meetupID, err)
	}

	detail, err := r.fetch(ctx, meetupID)
	if err != nil {
		metrics.EventsRegisteredTotal.WithLabelValues("failed").Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return domain.Event{}, err
	}

	ev := domain.Event{
		GroupID:   group.ID,
		MeetupID:  meetupID,
		Name:      detail.Name,
		CreatedAt: r.now().UTC(),
	}
	openAt, ok, err := timecodec.Decode(detail.OpenTime)
	switch {
	case err != nil:
		logger.Warn().Err(err).
			Str(xglog.FieldEvent, "event.open_time_malformed").
			RawJSON("open_time", detail.OpenTime).
			Msg("ignoring malformed rsvp open time, event treated as open")
	case ok:
		ev.OpenAt = openAt
	}

	stored, created, err := r.events.CreateEvent(ctx, ev)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return domain.Event{}, fmt.Errorf("create event %s: %w", meetupID, err)
	}

	result := "existing"
	if created {
		result = "created"
		evt := logger.Info().
			Str(xglog.FieldEvent, "event.registered").
			Int64("id", stored.ID).
			Str("name", stored.Name)
		if at, has := stored.OpensAt(); has {
			evt = evt.Time("rsvp_open_at", at)
		}
		evt.Msg("event registered")
	}
	metrics.EventsRegisteredTotal.WithLabelValues(result).Inc()

	openLabel := ""
	if at, has := stored.OpensAt(); has {
		openLabel = at.Format(time.RFC3339Nano)
	}
	span.SetAttributes(telemetry.EventAttributes(stored.ID, stored.MeetupID, openLabel, len(group.Subscribers))...)
	return stored, nil
}

// fetch retries retryable upstream failures with exponential backoff.
func (r *Registrar) fetch(ctx context.Context, meetupID string) (upstream.EventDetail, error) {
	logger := xglog.WithComponentFromContext(ctx, "registrar")

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = r.backoff
	b.MaxInterval = 30 * r.backoff

	attempt := 0
	detail, err := backoff.Retry(ctx, func() (upstream.EventDetail, error) {
		attempt++
		d, err := r.source.FetchEvent(ctx, meetupID)
		if err == nil {
			return d, nil
		}
		if !upstream.IsRetryable(err) {
			return upstream.EventDetail{}, backoff.Permanent(err)
		}
		return upstream.EventDetail{}, err
	},
		backoff.WithBackOff(b),
		backoff.WithMaxTries(uint(r.attempts)),
		backoff.WithNotify(func(err error, wait time.Duration) {
			logger.Debug().Err(err).
				Str(xglog.FieldEvent, "event.fetch_retry").
				Str(xglog.FieldEventID, meetupID).
				Int(xglog.FieldAttempt, attempt).
				Dur("wait", wait).
				Msg("event detail fetch failed, retrying")
		}),
	)
	if err != nil {
		return upstream.EventDetail{}, fmt.Errorf("%w: event %s after %d attempt(s): %w", ErrEventFetchFailed, meetupID, attempt, err)
	}
	return detail, nil
}
