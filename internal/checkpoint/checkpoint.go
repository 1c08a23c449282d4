// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Package checkpoint persists the stream cursor between connections and
// process restarts.
package checkpoint

import (
	"context"
	"sync"
)

// Store loads and saves one stream cursor in epoch milliseconds.
type Store interface {
	Load(ctx context.Context) (ms int64, ok bool, err error)
	Save(ctx context.Context, ms int64) error
}

// Memory keeps the cursor in process memory.
type Memory struct {
	mu sync.Mutex
	ms int64
	ok bool
}

// NewMemory returns an empty Memory checkpoint.
func NewMemory() *Memory { return &Memory{} }

func (m *Memory) Load(context.Context) (int64, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ms, m.ok, nil
}

func (m *Memory) Save(_ context.Context, ms int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ms, m.ok = ms, true
	return nil
}

// CursorStore is implemented by store.Store.
type CursorStore interface {
	LoadCursor(ctx context.Context, name string) (int64, bool, error)
	SaveCursor(ctx context.Context, name string, ms int64) error
}

// Named binds a CursorStore row to one stream name.
type Named struct {
	store CursorStore
	name  string
}

// NewNamed returns a checkpoint stored under name.
func NewNamed(s CursorStore, name string) *Named {
	return &Named{store: s, name: name}
}

func (n *Named) Load(ctx context.Context) (int64, bool, error) {
	return n.store.LoadCursor(ctx, n.name)
}

func (n *Named) Save(ctx context.Context, ms int64) error {
	return n.store.SaveCursor(ctx, n.name, ms)
}
