// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Package dispatch hands snipe tasks to the queue that executes them at
// their trigger instant.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// TaskTypeSnipeRSVP is the task type of a scheduled RSVP attempt.
const TaskTypeSnipeRSVP = "snipe.rsvp"

// ErrDispatchUnavailable is returned when a queue cannot accept work.
var ErrDispatchUnavailable = errors.New("dispatch: queue unavailable")

// taskNamespace derives stable task ids from snipe ids.
var taskNamespace = uuid.MustParse("6f1f4d0e-3c55-4a8e-9a40-8f3b8f0c2a11")

// Task is the descriptor handed to the executing worker.
type Task struct {
	ID        string    `json:"id"`
	Type      string    `json:"type"`
	SnipeID   int64     `json:"snipe_id"`
	EventID   string    `json:"event_id"`
	GroupID   string    `json:"group_id"`
	UserID    string    `json:"user_id"`
	TriggerAt time.Time `json:"trigger_at,omitzero"`
	Immediate bool      `json:"immediate"`
}

// TaskID returns the stable task id for a snipe, so resubmitting the same
// snipe replaces rather than duplicates its queue entry.
func TaskID(snipeID int64) string {
	return uuid.NewSHA1(taskNamespace, fmt.Appendf(nil, "snipe/%d", snipeID)).String()
}

// DueAt returns when t should fire. Immediate tasks are due at now.
func (t Task) DueAt(now time.Time) time.Time {
	if t.Immediate || t.TriggerAt.IsZero() {
		return now
	}
	return t.TriggerAt
}

// Validate checks the fields every backend relies on.
func (t Task) Validate() error {
	switch {
	case strings.TrimSpace(t.Type) == "":
		return errors.New("dispatch: task type is required")
	case t.UserID == "":
		return errors.New("dispatch: task user is required")
	case !t.Immediate && t.TriggerAt.IsZero():
		return errors.New("dispatch: deferred task needs a trigger instant")
	}
	return nil
}

// Handle identifies a submitted task within its backend.
type Handle string

func newHandle(backend, id string) Handle {
	return Handle(HandlePrefix(backend) + id)
}

// HandlePrefix returns the prefix shared by every handle of backend.
func HandlePrefix(backend string) string {
	return backend + ":"
}

// Dispatcher accepts tasks for deferred execution.
type Dispatcher interface {
	Submit(ctx context.Context, t Task) (Handle, error)
}

// Runner is implemented by dispatchers that fire tasks in-process.
type Runner interface {
	Run(ctx context.Context) error
}

// Handler executes a task that has come due.
type Handler func(ctx context.Context, t Task) error

func prepare(t Task) (Task, error) {
	if t.ID == "" {
		if t.SnipeID > 0 {
			t.ID = TaskID(t.SnipeID)
		} else {
			t.ID = uuid.NewString()
		}
	}
	if err := t.Validate(); err != nil {
		return Task{}, err
	}
	t.TriggerAt = t.TriggerAt.UTC()
	return t, nil
}

func encode(t Task) ([]byte, error) {
	return json.Marshal(t)
}

func decode(b []byte) (Task, error) {
	var t Task
	if err := json.Unmarshal(b, &t); err != nil {
		return Task{}, fmt.Errorf("dispatch: decode task: %w", err)
	}
	return t, nil
}

func unavailable(backend string, err error) error {
	return fmt.Errorf("%w: %s: %v", ErrDispatchUnavailable, backend, err)
}
