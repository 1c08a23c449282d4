// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package dispatch

import (
	"context"

	"github.com/rs/zerolog"

	xglog "github.com/ManuGH/snipey/internal/log"
)

// LogHandler reports due tasks without acting on them. It stands in for
// the RSVP worker when the timer backend runs without one.
func LogHandler(logger zerolog.Logger) Handler {
	return func(_ context.Context, t Task) error {
		logger.Info().
			Str(xglog.FieldEvent, "snipe.due").
			Str(xglog.FieldTaskID, t.ID).
			Str("type", t.Type).
			Int64(xglog.FieldSnipeID, t.SnipeID).
			Str(xglog.FieldEventID, t.EventID).
			Str(xglog.FieldUserID, t.UserID).
			Time("trigger_at", t.TriggerAt).
			Bool("immediate", t.Immediate).
			Msg("snipe task due")
		return nil
	}
}
