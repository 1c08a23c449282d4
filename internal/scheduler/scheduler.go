// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Package scheduler creates snipes for registered events and submits their
// deferred tasks.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"

	"github.com/ManuGH/snipey/internal/dispatch"
	"github.com/ManuGH/snipey/internal/domain"
	xglog "github.com/ManuGH/snipey/internal/log"
	"github.com/ManuGH/snipey/internal/metrics"
	"github.com/ManuGH/snipey/internal/store"
	"github.com/ManuGH/snipey/internal/telemetry"
)

// SnipeStore is the subset of store.Store the scheduler writes through.
type SnipeStore interface {
	FindSnipe(ctx context.Context, eventID int64, userID string) (domain.Snipe, error)
	CreateSnipe(ctx context.Context, sn domain.Snipe) (domain.Snipe, bool, error)
	MarkSnipeDispatched(ctx context.Context, id int64, handle string) error
	MarkSnipeFailed(ctx context.Context, id int64, reason string) error
}

// Failure is one subscriber whose snipe could not be created or submitted.
type Failure struct {
	UserID  string
	SnipeID int64 // zero when the snipe was never stored
	Err     error
}

// Batch is the outcome of scheduling one event. Failures never prevent the
// remaining subscribers from being scheduled.
type Batch struct {
	Created    []domain.Snipe
	Existing   []domain.Snipe
	Dispatched int
	Failures   []Failure
}

// Snipes returns created and existing snipes.
func (b Batch) Snipes() []domain.Snipe {
	out := make([]domain.Snipe, 0, len(b.Created)+len(b.Existing))
	out = append(out, b.Created...)
	return append(out, b.Existing...)
}

// Unstored returns the failures of subscribers whose snipe was never
// stored, so no retry sweep can reach them.
func (b Batch) Unstored() []Failure {
	var out []Failure
	for _, f := range b.Failures {
		if f.SnipeID == 0 {
			out = append(out, f)
		}
	}
	return out
}

// Err joins the per-subscriber failures, or returns nil.
func (b Batch) Err() error {
	if len(b.Failures) == 0 {
		return nil
	}
	errs := make([]error, 0, len(b.Failures))
	for _, f := range b.Failures {
		errs = append(errs, fmt.Errorf("user %s: %w", f.UserID, f.Err))
	}
	return errors.Join(errs...)
}

// Scheduler creates one snipe per subscriber and dispatches new ones.
type Scheduler struct {
	snipes     SnipeStore
	dispatcher dispatch.Dispatcher
	taskType   string
	now        func() time.Time
	logger     zerolog.Logger
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithTaskType overrides the dispatched task type.
func WithTaskType(t string) Option {
	return func(s *Scheduler) {
		if t != "" {
			s.taskType = t
		}
	}
}

// WithClock replaces the clock used for immediate trigger instants.
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) { s.now = now }
}

// New creates a Scheduler.
func New(snipes SnipeStore, d dispatch.Dispatcher, opts ...Option) *Scheduler {
	s := &Scheduler{
		snipes:     snipes,
		dispatcher: d,
		taskType:   dispatch.TaskTypeSnipeRSVP,
		now:        time.Now,
		logger:     xglog.WithComponent("scheduler"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ScheduleFor ensures a snipe exists for every subscriber of ev and submits
// a task for each snipe created by this call. Snipes that already existed
// are left to the Retrier.
func (s *Scheduler) ScheduleFor(ctx context.Context, ev domain.Event, subscribers []domain.User) Batch {
	ctx, span := telemetry.Tracer("snipey.scheduler").Start(ctx, "snipey.scheduler.schedule")
	defer span.End()

	logger := xglog.WithContext(ctx, s.logger).With().
		Int64(xglog.FieldEventID, ev.ID).
		Str("meetup_id", ev.MeetupID).
		Logger()

	triggerAt, hasOpen := ev.OpensAt()
	if !hasOpen {
		triggerAt = s.now().UTC()
	}

	var b Batch
	seen := make(map[string]struct{}, len(subscribers))
	for _, u := range subscribers {
		if _, dup := seen[u.ID]; dup || u.ID == "" {
			continue
		}
		seen[u.ID] = struct{}{}

		sn, created, err := s.ensure(ctx, domain.Snipe{
			EventID:   ev.ID,
			MeetupID:  ev.MeetupID,
			GroupID:   ev.GroupID,
			UserID:    u.ID,
			TriggerAt: triggerAt,
			Immediate: !hasOpen,
			Status:    domain.DispatchPending,
		})
		if err != nil {
			b.Failures = append(b.Failures, Failure{UserID: u.ID, Err: err})
			logger.Error().Err(err).
				Str(xglog.FieldEvent, "snipe.create_failed").
				Str(xglog.FieldUserID, u.ID).
				Msg("failed to create snipe")
			continue
		}
		if !created {
			metrics.SnipesTotal.WithLabelValues("existing").Inc()
			b.Existing = append(b.Existing, sn)
			continue
		}
		metrics.SnipesTotal.WithLabelValues("created").Inc()

		sn, err = Submit(ctx, s.snipes, s.dispatcher, s.taskType, sn)
		b.Created = append(b.Created, sn)
		if err != nil {
			b.Failures = append(b.Failures, Failure{UserID: u.ID, SnipeID: sn.ID, Err: err})
			logger.Warn().Err(err).
				Str(xglog.FieldEvent, "snipe.dispatch_failed").
				Str(xglog.FieldUserID, u.ID).
				Int64(xglog.FieldSnipeID, sn.ID).
				Msg("snipe dispatch failed, left for retry")
			continue
		}
		b.Dispatched++
	}

	span.SetAttributes(
		attribute.Int("snipes.created", len(b.Created)),
		attribute.Int("snipes.existing", len(b.Existing)),
		attribute.Int("snipes.failed", len(b.Failures)),
	)
	logger.Info().
		Str(xglog.FieldEvent, "snipes.scheduled").
		Int("created", len(b.Created)).
		Int("existing", len(b.Existing)).
		Int("dispatched", b.Dispatched).
		Int("failed", len(b.Failures)).
		Bool("immediate", !hasOpen).
		Time("trigger_at", triggerAt).
		Msg("snipes scheduled")
	return b
}

func (s *Scheduler) ensure(ctx context.Context, sn domain.Snipe) (domain.Snipe, bool, error) {
	existing, err := s.snipes.FindSnipe(ctx, sn.EventID, sn.UserID)
	if err == nil {
		return existing, false, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return domain.Snipe{}, false, fmt.Errorf("find snipe: %w", err)
	}
	stored, created, err := s.snipes.CreateSnipe(ctx, sn)
	if err != nil {
		return domain.Snipe{}, false, fmt.Errorf("create snipe: %w", err)
	}
	return stored, created, nil
}

// TaskFor builds the dispatch descriptor of sn.
func TaskFor(sn domain.Snipe, taskType string) dispatch.Task {
	t := dispatch.Task{
		ID:        dispatch.TaskID(sn.ID),
		Type:      taskType,
		SnipeID:   sn.ID,
		EventID:   sn.MeetupID,
		GroupID:   sn.GroupID.String(),
		UserID:    sn.UserID,
		Immediate: sn.Immediate,
	}
	if !sn.Immediate {
		t.TriggerAt = sn.TriggerAt
	}
	return t
}

// Submit dispatches sn and records the outcome on the store. The returned
// snipe reflects the recorded status.
func Submit(ctx context.Context, st SnipeStore, d dispatch.Dispatcher, taskType string, sn domain.Snipe) (domain.Snipe, error) {
	handle, err := d.Submit(ctx, TaskFor(sn, taskType))
	sn.Attempts++
	if err != nil {
		sn.Status = domain.DispatchFailed
		sn.LastError = err.Error()
		if markErr := st.MarkSnipeFailed(ctx, sn.ID, err.Error()); markErr != nil {
			return sn, errors.Join(err, fmt.Errorf("record failure: %w", markErr))
		}
		return sn, err
	}
	sn.Status = domain.DispatchSubmitted
	sn.TaskHandle = string(handle)
	sn.LastError = ""
	if err := st.MarkSnipeDispatched(ctx, sn.ID, string(handle)); err != nil {
		// The task is queued; a stale pending row is picked up by the
		// retrier and resubmitted under the same task id.
		return sn, fmt.Errorf("record dispatch: %w", err)
	}
	return sn, nil
}
