// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Package store persists groups, events, snipes and stream cursors.
//
// Every backend enforces the uniqueness of (group, meetup event) and
// (event, user) atomically, so concurrent workers registering the same
// notification collapse into a single record.
package store

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/ManuGH/snipey/internal/domain"
)

// ErrNotFound is returned by Find* lookups that match no record.
var ErrNotFound = errors.New("store: not found")

// Store is the transactional handle shared by the pipeline components.
type Store interface {
	// FindEvent looks up the event registered for (groupID, meetupID).
	FindEvent(ctx context.Context, groupID domain.GroupID, meetupID string) (domain.Event, error)
	// CreateEvent inserts ev unless one already exists for its key. The
	// returned event is the stored record; created is false when it existed.
	CreateEvent(ctx context.Context, ev domain.Event) (stored domain.Event, created bool, err error)

	// FindSnipe looks up the snipe for (eventID, userID).
	FindSnipe(ctx context.Context, eventID int64, userID string) (domain.Snipe, error)
	// CreateSnipe inserts sn unless one already exists for (EventID, UserID).
	CreateSnipe(ctx context.Context, sn domain.Snipe) (stored domain.Snipe, created bool, err error)
	// ListSnipes returns every snipe of an event ordered by id.
	ListSnipes(ctx context.Context, eventID int64) ([]domain.Snipe, error)
	// MarkSnipeDispatched records a confirmed submission with its task handle.
	// A snipe whose task already fired keeps that status.
	MarkSnipeDispatched(ctx context.Context, id int64, handle string) error
	// MarkSnipeFailed records a failed submission and increments the attempt count.
	MarkSnipeFailed(ctx context.Context, id int64, reason string) error
	// MarkSnipeFired records that the task of a dispatched snipe has run.
	MarkSnipeFired(ctx context.Context, id int64) error
	// MarkSnipeAbandoned gives up on a snipe after its retry budget is spent.
	MarkSnipeAbandoned(ctx context.Context, id int64, reason string) error
	// ListRetryableSnipes returns failed snipes plus pending snipes last
	// touched before staleBefore, oldest first.
	ListRetryableSnipes(ctx context.Context, staleBefore time.Time, limit int) ([]domain.Snipe, error)
	// ListDispatchedSnipes returns dispatched snipes whose task handle starts
	// with handlePrefix, ordered by id.
	ListDispatchedSnipes(ctx context.Context, handlePrefix string) ([]domain.Snipe, error)
	// ReleaseSnipe returns a dispatched snipe to the retrier without
	// charging an attempt, used when its task was lost with the backend.
	ReleaseSnipe(ctx context.Context, id int64, reason string) error

	// PutGroup upserts a group and replaces its subscriber set.
	PutGroup(ctx context.Context, g domain.Group) error
	// ResolveGroup returns the group with its current subscribers.
	ResolveGroup(ctx context.Context, id domain.GroupID) (domain.Group, bool, error)
	// ListGroupIDs returns the ids of every stored group in order.
	ListGroupIDs(ctx context.Context) ([]domain.GroupID, error)
	// DeleteGroup removes a group and its subscribers. Deleting an unknown
	// group is not an error.
	DeleteGroup(ctx context.Context, id domain.GroupID) error

	// LoadCursor returns the persisted position of the named stream in epoch ms.
	LoadCursor(ctx context.Context, name string) (ms int64, ok bool, err error)
	// SaveCursor persists the position of the named stream.
	SaveCursor(ctx context.Context, name string, ms int64) error

	// Stats summarises stored records for the status endpoint.
	Stats(ctx context.Context) (Stats, error)
	Ping(ctx context.Context) error
	Close() error
}

// Stats counts stored records.
type Stats struct {
	Events int64                           `json:"events"`
	Snipes map[domain.DispatchStatus]int64 `json:"snipes"`
}

// Backend names accepted by NewStore.
const (
	BackendMemory   = "memory"
	BackendSQLite   = "sqlite"
	BackendPostgres = "postgres"
)

// Config selects and parameterises a backend.
type Config struct {
	Backend string
	// Path is the sqlite database file, or a directory to place snipey.sqlite in.
	Path string
	// DSN is the postgres connection string.
	DSN string
	// MaxOpenConns bounds the database/sql pool; zero keeps the backend default.
	MaxOpenConns int
}

// NewStore creates a store based on the backend.
func NewStore(ctx context.Context, cfg Config) (Store, error) {
	backend := cfg.Backend
	if backend == "" {
		backend = BackendSQLite
	}

	switch backend {
	case BackendSQLite:
		if cfg.Path == "" {
			return NewMemoryStore(), nil
		}
		path := cfg.Path
		if filepath.Ext(path) == "" {
			path = filepath.Join(path, "snipey.sqlite")
		}
		return OpenSQLite(ctx, path, cfg.MaxOpenConns)
	case BackendPostgres:
		if cfg.DSN == "" {
			return nil, fmt.Errorf("store: postgres backend requires a DSN")
		}
		return OpenPostgres(ctx, cfg.DSN, cfg.MaxOpenConns)
	case BackendMemory:
		return NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("unknown store backend: %s (supported: sqlite, postgres, memory)", backend)
	}
}
