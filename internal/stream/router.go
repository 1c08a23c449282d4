// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package stream

import (
	"context"
	"errors"

	"github.com/rs/zerolog"

	"github.com/ManuGH/snipey/internal/domain"
	"github.com/ManuGH/snipey/internal/locator"
	xglog "github.com/ManuGH/snipey/internal/log"
	"github.com/ManuGH/snipey/internal/metrics"
	"github.com/ManuGH/snipey/internal/registrar"
	"github.com/ManuGH/snipey/internal/scheduler"
	"github.com/ManuGH/snipey/internal/subscription"
	"github.com/ManuGH/snipey/internal/telemetry"
)

// Handler routes one decoded notification and reports its outcome label.
// Every outcome except metrics.OutcomeRetry counts as handled; a retry
// outcome is routed again and the cursor does not pass it meanwhile.
type Handler interface {
	Route(ctx context.Context, n domain.Notification) string
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, n domain.Notification) string

// Route calls f.
func (f HandlerFunc) Route(ctx context.Context, n domain.Notification) string { return f(ctx, n) }

// Registrar registers the event a notification refers to.
type Registrar interface {
	Register(ctx context.Context, group domain.Group, meetupID string) (domain.Event, error)
}

// Scheduler schedules snipes for a registered event.
type Scheduler interface {
	ScheduleFor(ctx context.Context, ev domain.Event, subscribers []domain.User) scheduler.Batch
}

// Router chains subscription lookup, reference parsing, registration and
// scheduling. Input the pipeline can never act on is skipped and an event
// whose detail cannot be fetched is dropped. Store failures that left
// nothing for the retrier to pick up report metrics.OutcomeRetry.
type Router struct {
	index     subscription.Index
	registrar Registrar
	scheduler Scheduler
	logger    zerolog.Logger
}

// NewRouter creates a Router.
func NewRouter(index subscription.Index, r Registrar, s Scheduler) *Router {
	return &Router{
		index:     index,
		registrar: r,
		scheduler: s,
		logger:    xglog.WithComponent("stream.router"),
	}
}

// Route implements Handler.
func (r *Router) Route(ctx context.Context, n domain.Notification) string {
	ctx, span := telemetry.Tracer("snipey.stream").Start(ctx, "snipey.stream.route")
	defer span.End()
	span.SetAttributes(telemetry.NotificationAttributes(n.GroupID.String(), n.MtimeMS)...)

	logger := xglog.WithContext(ctx, r.logger).With().
		Str(xglog.FieldGroupID, n.GroupID.String()).
		Logger()

	group, found, err := r.index.ResolveGroup(ctx, n.GroupID)
	if err != nil {
		logger.Error().Err(err).
			Str(xglog.FieldEvent, "notification.lookup_failed").
			Msg("subscription lookup failed, will retry")
		return metrics.OutcomeRetry
	}
	if !found {
		return metrics.OutcomeUnsubscribed
	}
	if !group.HasSubscribers() {
		logger.Debug().Str(xglog.FieldEvent, "notification.no_subscribers").Msg("group has no subscribers")
		return metrics.OutcomeNoSubscriber
	}

	meetupID, err := locator.EventID(n.EventURL)
	if err != nil {
		logger.Warn().Err(err).
			Str(xglog.FieldEvent, "reference.unparsable").
			Str("event_url", n.EventURL).
			Msg("skipping notification with unparsable event reference")
		return metrics.OutcomeUnparsable
	}
	logger = logger.With().Str(xglog.FieldEventID, meetupID).Logger()

	ev, err := r.registrar.Register(ctx, group, meetupID)
	switch {
	case errors.Is(err, registrar.ErrEventFetchFailed):
		logger.Error().Err(err).
			Str(xglog.FieldEvent, "event.fetch_dropped").
			Msg("event detail unavailable, dropping notification")
		return metrics.OutcomeDropped
	case err != nil:
		logger.Error().Err(err).
			Str(xglog.FieldEvent, "event.store_failed").
			Msg("event registration failed, will retry")
		return metrics.OutcomeRetry
	}

	// Stored snipes that failed to dispatch belong to the retrier; a
	// subscriber without a stored snipe needs the notification again.
	batch := r.scheduler.ScheduleFor(ctx, ev, group.Subscribers)
	if unstored := batch.Unstored(); len(unstored) > 0 {
		logger.Error().Err(batch.Err()).
			Str(xglog.FieldEvent, "snipes.store_failed").
			Int("unstored", len(unstored)).
			Msg("snipes could not be stored, will retry")
		return metrics.OutcomeRetry
	}
	return metrics.OutcomeRouted
}
