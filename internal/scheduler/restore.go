// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/ManuGH/snipey/internal/dispatch"
	"github.com/ManuGH/snipey/internal/domain"
	xglog "github.com/ManuGH/snipey/internal/log"
)

// RestoreStore is the subset of store.Store needed to rebuild the
// in-process timer queue after a restart.
type RestoreStore interface {
	ListDispatchedSnipes(ctx context.Context, handlePrefix string) ([]domain.Snipe, error)
	ReleaseSnipe(ctx context.Context, id int64, reason string) error
}

// RestoreResult counts one restore pass.
type RestoreResult struct {
	Requeued int
	// Overdue counts requeued snipes whose trigger passed while the
	// daemon was down. They fire as soon as the queue runs.
	Overdue  int
	Released int
}

// RestoreTimers resubmits the snipes a previous run left on the timer
// backend that never fired. The stored attempt count is not charged. When
// q is nil the daemon dispatches elsewhere now, so the snipes are
// released to the retrier instead.
func RestoreTimers(ctx context.Context, st RestoreStore, q dispatch.Dispatcher, taskType string, now time.Time) (RestoreResult, error) {
	var res RestoreResult
	logger := xglog.WithComponent("scheduler.restore")

	snipes, err := st.ListDispatchedSnipes(ctx, dispatch.HandlePrefix(dispatch.BackendTimer))
	if err != nil {
		return res, fmt.Errorf("list timer snipes: %w", err)
	}
	if taskType == "" {
		taskType = dispatch.TaskTypeSnipeRSVP
	}

	for _, sn := range snipes {
		if q != nil {
			_, err := q.Submit(ctx, TaskFor(sn, taskType))
			if err == nil {
				res.Requeued++
				if sn.Immediate || !sn.TriggerAt.After(now) {
					res.Overdue++
				}
				continue
			}
			logger.Warn().Err(err).
				Int64(xglog.FieldSnipeID, sn.ID).
				Msg("could not requeue timer snipe, releasing it")
		}
		if err := st.ReleaseSnipe(ctx, sn.ID, "timer task lost on restart"); err != nil {
			return res, fmt.Errorf("release snipe %d: %w", sn.ID, err)
		}
		res.Released++
	}

	if len(snipes) > 0 {
		logger.Info().
			Str(xglog.FieldEvent, "dispatch.timers_restored").
			Int("requeued", res.Requeued).
			Int("overdue", res.Overdue).
			Int("released", res.Released).
			Msg("timer snipes restored")
	}
	return res, nil
}

// FiredStore records tasks that have run.
type FiredStore interface {
	MarkSnipeFired(ctx context.Context, id int64) error
}

// RecordFired wraps next so every task it completes is recorded on st.
// A task that was never recorded is restored by RestoreTimers.
func RecordFired(st FiredStore, next dispatch.Handler) dispatch.Handler {
	logger := xglog.WithComponent("dispatch.worker")
	return func(ctx context.Context, t dispatch.Task) error {
		if err := next(ctx, t); err != nil {
			return err
		}
		if t.SnipeID <= 0 {
			return nil
		}
		if err := st.MarkSnipeFired(ctx, t.SnipeID); err != nil {
			logger.Warn().Err(err).
				Str(xglog.FieldEvent, "snipe.fire_unrecorded").
				Int64(xglog.FieldSnipeID, t.SnipeID).
				Str(xglog.FieldTaskID, t.ID).
				Msg("task ran but could not be recorded")
		}
		return nil
	}
}
