// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package daemon

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

// ShutdownHook is a function that performs cleanup during graceful shutdown.
// Hooks are executed in reverse registration order (LIFO).
type ShutdownHook func(ctx context.Context) error

type namedHook struct {
	name string
	hook ShutdownHook
}

type hooks struct {
	list   []namedHook
	logger zerolog.Logger
}

func (h *hooks) register(name string, hook ShutdownHook) {
	h.list = append(h.list, namedHook{name: name, hook: hook})
}

// run executes and clears every hook, collecting their errors.
func (h *hooks) run(ctx context.Context) error {
	var errs []error
	for i := len(h.list) - 1; i >= 0; i-- {
		hook := h.list[i]
		start := time.Now()
		if err := hook.hook(ctx); err != nil {
			h.logger.Error().
				Err(err).
				Str("hook", hook.name).
				Dur("duration", time.Since(start)).
				Msg("Shutdown hook failed")
			errs = append(errs, fmt.Errorf("hook %s: %w", hook.name, err))
			continue
		}
		h.logger.Debug().
			Str("hook", hook.name).
			Dur("duration", time.Since(start)).
			Msg("Shutdown hook completed")
	}
	h.list = nil
	return errors.Join(errs...)
}
