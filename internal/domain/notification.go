// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package domain

// Notification is one decoded line of the open-events stream.
type Notification struct {
	GroupID  GroupID
	EventURL string

	// MtimeMS is the upstream modification time in epoch ms. It is the
	// resume position once this notification has been routed.
	MtimeMS  int64
	HasMtime bool
}
