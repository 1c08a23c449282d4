// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package store

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/ManuGH/snipey/internal/domain"
)

type eventKey struct {
	group    domain.GroupID
	meetupID string
}

type snipeKey struct {
	eventID int64
	userID  string
}

// MemoryStore implements Store in process memory.
type MemoryStore struct {
	mu sync.RWMutex

	now func() time.Time

	nextEventID int64
	nextSnipeID int64

	groups      map[domain.GroupID]domain.Group
	events      map[eventKey]domain.Event
	snipes      map[int64]domain.Snipe
	snipeByPair map[snipeKey]int64
	cursors     map[string]int64
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		now:         time.Now,
		groups:      make(map[domain.GroupID]domain.Group),
		events:      make(map[eventKey]domain.Event),
		snipes:      make(map[int64]domain.Snipe),
		snipeByPair: make(map[snipeKey]int64),
		cursors:     make(map[string]int64),
	}
}

func (m *MemoryStore) FindEvent(_ context.Context, groupID domain.GroupID, meetupID string) (domain.Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ev, ok := m.events[eventKey{groupID, meetupID}]
	if !ok {
		return domain.Event{}, ErrNotFound
	}
	return ev, nil
}

func (m *MemoryStore) CreateEvent(_ context.Context, ev domain.Event) (domain.Event, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := eventKey{ev.GroupID, ev.MeetupID}
	if existing, ok := m.events[key]; ok {
		return existing, false, nil
	}
	m.nextEventID++
	ev.ID = m.nextEventID
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = m.now().UTC()
	}
	m.events[key] = ev
	return ev, true, nil
}

func (m *MemoryStore) FindSnipe(_ context.Context, eventID int64, userID string) (domain.Snipe, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.snipeByPair[snipeKey{eventID, userID}]
	if !ok {
		return domain.Snipe{}, ErrNotFound
	}
	return m.snipes[id], nil
}

func (m *MemoryStore) CreateSnipe(_ context.Context, sn domain.Snipe) (domain.Snipe, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := snipeKey{sn.EventID, sn.UserID}
	if id, ok := m.snipeByPair[key]; ok {
		return m.snipes[id], false, nil
	}
	m.nextSnipeID++
	sn.ID = m.nextSnipeID
	now := m.now().UTC()
	if sn.CreatedAt.IsZero() {
		sn.CreatedAt = now
	}
	sn.UpdatedAt = now
	if sn.Status == "" {
		sn.Status = domain.DispatchPending
	}
	m.snipes[sn.ID] = sn
	m.snipeByPair[key] = sn.ID
	return sn, true, nil
}

func (m *MemoryStore) ListSnipes(_ context.Context, eventID int64) ([]domain.Snipe, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []domain.Snipe
	for _, sn := range m.snipes {
		if sn.EventID == eventID {
			out = append(out, sn)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *MemoryStore) update(id int64, fn func(*domain.Snipe)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	sn, ok := m.snipes[id]
	if !ok {
		return ErrNotFound
	}
	fn(&sn)
	sn.UpdatedAt = m.now().UTC()
	m.snipes[id] = sn
	return nil
}

func (m *MemoryStore) MarkSnipeDispatched(_ context.Context, id int64, handle string) error {
	return m.update(id, func(sn *domain.Snipe) {
		if sn.Status != domain.DispatchFired {
			sn.Status = domain.DispatchSubmitted
		}
		sn.TaskHandle = handle
		sn.Attempts++
		sn.LastError = ""
	})
}

func (m *MemoryStore) MarkSnipeFailed(_ context.Context, id int64, reason string) error {
	return m.update(id, func(sn *domain.Snipe) {
		sn.Status = domain.DispatchFailed
		sn.Attempts++
		sn.LastError = reason
	})
}

func (m *MemoryStore) MarkSnipeFired(_ context.Context, id int64) error {
	return m.update(id, func(sn *domain.Snipe) {
		sn.Status = domain.DispatchFired
	})
}

func (m *MemoryStore) MarkSnipeAbandoned(_ context.Context, id int64, reason string) error {
	return m.update(id, func(sn *domain.Snipe) {
		sn.Status = domain.DispatchAbandoned
		sn.LastError = reason
	})
}

func (m *MemoryStore) ListRetryableSnipes(_ context.Context, staleBefore time.Time, limit int) ([]domain.Snipe, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []domain.Snipe
	for _, sn := range m.snipes {
		switch {
		case sn.Status == domain.DispatchFailed:
		case sn.Status == domain.DispatchPending && sn.UpdatedAt.Before(staleBefore):
		default:
			continue
		}
		out = append(out, sn)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].UpdatedAt.Before(out[j].UpdatedAt)
		}
		return out[i].ID < out[j].ID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) ListDispatchedSnipes(_ context.Context, handlePrefix string) ([]domain.Snipe, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []domain.Snipe
	for _, sn := range m.snipes {
		if sn.Status == domain.DispatchSubmitted && strings.HasPrefix(sn.TaskHandle, handlePrefix) {
			out = append(out, sn)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *MemoryStore) ReleaseSnipe(_ context.Context, id int64, reason string) error {
	return m.update(id, func(sn *domain.Snipe) {
		sn.Status = domain.DispatchFailed
		sn.LastError = reason
	})
}

func (m *MemoryStore) PutGroup(_ context.Context, g domain.Group) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	g.Subscribers = append([]domain.User(nil), g.Subscribers...)
	m.groups[g.ID] = g
	return nil
}

func (m *MemoryStore) ResolveGroup(_ context.Context, id domain.GroupID) (domain.Group, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	g, ok := m.groups[id]
	if !ok {
		return domain.Group{}, false, nil
	}
	g.Subscribers = append([]domain.User(nil), g.Subscribers...)
	return g, true, nil
}

func (m *MemoryStore) ListGroupIDs(context.Context) ([]domain.GroupID, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]domain.GroupID, 0, len(m.groups))
	for id := range m.groups {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}

func (m *MemoryStore) DeleteGroup(_ context.Context, id domain.GroupID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.groups, id)
	return nil
}

func (m *MemoryStore) LoadCursor(_ context.Context, name string) (int64, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ms, ok := m.cursors[name]
	return ms, ok, nil
}

func (m *MemoryStore) SaveCursor(_ context.Context, name string, ms int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cursors[name] = ms
	return nil
}

func (m *MemoryStore) Stats(_ context.Context) (Stats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	st := Stats{Events: int64(len(m.events)), Snipes: make(map[domain.DispatchStatus]int64)}
	for _, sn := range m.snipes {
		st.Snipes[sn.Status]++
	}
	return st, nil
}

func (m *MemoryStore) Ping(context.Context) error { return nil }

func (m *MemoryStore) Close() error { return nil }
