// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package daemon

import "errors"

var (
	// ErrUnknownDispatchBackend is returned for an unsupported dispatch.backend.
	ErrUnknownDispatchBackend = errors.New("unknown dispatch backend")

	// ErrUnknownCheckpointBackend is returned for an unsupported checkpoint.backend.
	ErrUnknownCheckpointBackend = errors.New("unknown checkpoint backend")

	// ErrAlreadyRunning is returned when Run is called twice.
	ErrAlreadyRunning = errors.New("app already running")
)
