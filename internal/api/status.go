// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package api

import (
	"github.com/ManuGH/snipey/internal/store"
	"github.com/ManuGH/snipey/internal/stream"
)

// Status is the /api/v1/status document.
type Status struct {
	Version       string          `json:"version"`
	Stream        stream.Snapshot `json:"stream"`
	Reconnects    int64           `json:"reconnects"`
	Breaker       string          `json:"breaker,omitempty"`
	Dispatch      DispatchStatus  `json:"dispatch"`
	Store         store.Stats     `json:"store"`
	Subscriptions int             `json:"subscriptions,omitempty"`
}

// DispatchStatus describes the dispatch backend.
type DispatchStatus struct {
	Backend string `json:"backend"`
	Pending *int64 `json:"pending,omitempty"`
}
