// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Package domain holds the entities shared by the ingestion pipeline.
package domain

import (
	"time"
)

// User is a subscriber that snipes are scheduled for.
type User struct {
	ID   string `json:"id" yaml:"id"`
	Name string `json:"name,omitempty" yaml:"name,omitempty"`
}

// Group is an upstream group with its current subscribers.
// Groups are owned by subscription management and are read-only here.
type Group struct {
	ID          GroupID `json:"id" yaml:"id"`
	Name        string  `json:"name,omitempty" yaml:"name,omitempty"`
	Subscribers []User  `json:"subscribers,omitempty" yaml:"subscribers,omitempty"`
}

// HasSubscribers reports whether any user is subscribed to g.
func (g Group) HasSubscribers() bool {
	return len(g.Subscribers) > 0
}

// Event is a registered upstream event. At most one Event exists per
// (GroupID, MeetupID).
type Event struct {
	ID        int64     `json:"id"`
	GroupID   GroupID   `json:"group_id"`
	MeetupID  string    `json:"meetup_id"`
	Name      string    `json:"name"`
	OpenAt    time.Time `json:"rsvp_open_at,omitzero"`
	CreatedAt time.Time `json:"created_at"`
}

// OpensAt returns the RSVP-open instant, if the upstream supplied one.
func (e Event) OpensAt() (time.Time, bool) {
	if e.OpenAt.IsZero() {
		return time.Time{}, false
	}
	return e.OpenAt, true
}

// DispatchStatus tracks a snipe's hand-off to the dispatch queue.
type DispatchStatus string

const (
	DispatchPending   DispatchStatus = "pending"
	DispatchSubmitted DispatchStatus = "dispatched"
	DispatchFailed    DispatchStatus = "failed"
	DispatchAbandoned DispatchStatus = "abandoned"
	// DispatchFired is recorded once an in-process worker has run the task.
	DispatchFired DispatchStatus = "fired"
)

// IsTerminal returns true once the snipe needs no further dispatch attempts.
func (s DispatchStatus) IsTerminal() bool {
	switch s {
	case DispatchSubmitted, DispatchAbandoned, DispatchFired:
		return true
	}
	return false
}

// Snipe is one scheduled RSVP attempt for a user. At most one Snipe exists per
// (EventID, UserID).
type Snipe struct {
	ID         int64          `json:"id"`
	EventID    int64          `json:"event_id"`
	MeetupID   string         `json:"meetup_id"`
	GroupID    GroupID        `json:"group_id"`
	UserID     string         `json:"user_id"`
	TriggerAt  time.Time      `json:"trigger_at"`
	Immediate  bool           `json:"immediate"`
	Status     DispatchStatus `json:"status"`
	TaskHandle string         `json:"task_handle,omitempty"`
	Attempts   int            `json:"attempts"`
	LastError  string         `json:"last_error,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
	UpdatedAt  time.Time      `json:"updated_at"`
}
