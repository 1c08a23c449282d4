// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package log

// Canonical field name constants for structured logging.
const (
	// Identity fields
	FieldRequestID      = "request_id"
	FieldNotificationID = "notification_id"
	FieldGroupID        = "group_id"
	FieldEventID        = "event_id"
	FieldUserID         = "user_id"
	FieldSnipeID        = "snipe_id"
	FieldTaskID         = "task_id"

	// Process / pipeline fields
	FieldEvent     = "event"
	FieldComponent = "component"
	FieldState     = "state"
	FieldAttempt   = "attempt"
	FieldCursor    = "cursor"
	FieldSeq       = "seq"
	FieldBackend   = "backend"

	// Network fields
	FieldURL        = "url"
	FieldStatusCode = "status_code"
	FieldDurationMS = "duration_ms"
)
