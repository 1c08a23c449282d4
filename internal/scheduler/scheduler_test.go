// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package scheduler

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ManuGH/snipey/internal/dispatch"
	"github.com/ManuGH/snipey/internal/domain"
	"github.com/ManuGH/snipey/internal/store"
)

type fakeDispatcher struct {
	mu    sync.Mutex
	tasks []dispatch.Task
	fail  map[string]bool
}

func (f *fakeDispatcher) Submit(_ context.Context, t dispatch.Task) (dispatch.Handle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail[t.UserID] {
		return "", fmt.Errorf("%w: test", dispatch.ErrDispatchUnavailable)
	}
	f.tasks = append(f.tasks, t)
	return dispatch.Handle("fake:" + t.ID), nil
}

func (f *fakeDispatcher) submitted() []dispatch.Task {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]dispatch.Task(nil), f.tasks...)
}

func registerEvent(t *testing.T, s store.Store, openAt time.Time) domain.Event {
	t.Helper()
	ev, _, err := s.CreateEvent(context.Background(), domain.Event{GroupID: "42", MeetupID: "987", Name: "Meetup", OpenAt: openAt})
	require.NoError(t, err)
	return ev
}

var subscribers = []domain.User{{ID: "U1"}, {ID: "U2"}}

func TestScheduleForWithOpenTime(t *testing.T) {
	s := store.NewMemoryStore()
	d := &fakeDispatcher{}
	openAt := time.Date(2023, 11, 14, 22, 13, 20, 500000000, time.UTC)
	ev := registerEvent(t, s, openAt)

	b := New(s, d).ScheduleFor(context.Background(), ev, subscribers)
	require.NoError(t, b.Err())
	assert.Len(t, b.Created, 2)
	assert.Equal(t, 2, b.Dispatched)

	for _, task := range d.submitted() {
		assert.False(t, task.Immediate)
		assert.True(t, task.TriggerAt.Equal(openAt))
		assert.Equal(t, "987", task.EventID)
		assert.Equal(t, dispatch.TaskTypeSnipeRSVP, task.Type)
	}

	for _, u := range subscribers {
		sn, err := s.FindSnipe(context.Background(), ev.ID, u.ID)
		require.NoError(t, err)
		assert.Equal(t, domain.DispatchSubmitted, sn.Status)
		assert.True(t, sn.TriggerAt.Equal(openAt))
		assert.Contains(t, sn.TaskHandle, "fake:")
	}
}

func TestScheduleForWithoutOpenTimeIsImmediate(t *testing.T) {
	s := store.NewMemoryStore()
	d := &fakeDispatcher{}
	ev := registerEvent(t, s, time.Time{})
	users := []domain.User{{ID: "a"}, {ID: "b"}, {ID: "c"}}

	b := New(s, d).ScheduleFor(context.Background(), ev, users)
	require.NoError(t, b.Err())

	snipes, err := s.ListSnipes(context.Background(), ev.ID)
	require.NoError(t, err)
	assert.Len(t, snipes, len(users))

	tasks := d.submitted()
	require.Len(t, tasks, len(users))
	for _, task := range tasks {
		assert.True(t, task.Immediate)
		assert.True(t, task.TriggerAt.IsZero())
	}
}

func TestScheduleForIsIdempotent(t *testing.T) {
	s := store.NewMemoryStore()
	d := &fakeDispatcher{}
	ev := registerEvent(t, s, time.Time{})
	sched := New(s, d)

	first := sched.ScheduleFor(context.Background(), ev, subscribers)
	second := sched.ScheduleFor(context.Background(), ev, subscribers)

	assert.Len(t, first.Created, 2)
	assert.Empty(t, second.Created)
	assert.Len(t, second.Existing, 2)
	assert.Len(t, d.submitted(), 2)
	assert.Len(t, second.Snipes(), 2)

	snipes, err := s.ListSnipes(context.Background(), ev.ID)
	require.NoError(t, err)
	assert.Len(t, snipes, 2)
}

func TestScheduleForPartialSuccess(t *testing.T) {
	s := store.NewMemoryStore()
	d := &fakeDispatcher{fail: map[string]bool{"U1": true}}
	ev := registerEvent(t, s, time.Time{})

	b := New(s, d).ScheduleFor(context.Background(), ev, subscribers)
	assert.Len(t, b.Created, 2)
	assert.Equal(t, 1, b.Dispatched)
	require.Len(t, b.Failures, 1)
	assert.Equal(t, "U1", b.Failures[0].UserID)
	assert.ErrorIs(t, b.Err(), dispatch.ErrDispatchUnavailable)

	failed, err := s.FindSnipe(context.Background(), ev.ID, "U1")
	require.NoError(t, err)
	assert.Equal(t, domain.DispatchFailed, failed.Status)
	assert.Equal(t, 1, failed.Attempts)

	ok, err := s.FindSnipe(context.Background(), ev.ID, "U2")
	require.NoError(t, err)
	assert.Equal(t, domain.DispatchSubmitted, ok.Status)
}

func TestScheduleForNoSubscribers(t *testing.T) {
	s := store.NewMemoryStore()
	d := &fakeDispatcher{}
	ev := registerEvent(t, s, time.Time{})

	b := New(s, d).ScheduleFor(context.Background(), ev, nil)
	assert.NoError(t, b.Err())
	assert.Empty(t, b.Snipes())
	assert.Empty(t, d.submitted())
}

func TestScheduleForDeduplicatesSubscribers(t *testing.T) {
	s := store.NewMemoryStore()
	d := &fakeDispatcher{}
	ev := registerEvent(t, s, time.Time{})

	b := New(s, d).ScheduleFor(context.Background(), ev, []domain.User{{ID: "U1"}, {ID: "U1"}, {ID: ""}})
	assert.Len(t, b.Created, 1)
	assert.Len(t, d.submitted(), 1)
}

func TestScheduleForConcurrentCollapse(t *testing.T) {
	s := store.NewMemoryStore()
	d := &fakeDispatcher{}
	ev := registerEvent(t, s, time.Time{})
	sched := New(s, d)

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			sched.ScheduleFor(context.Background(), ev, subscribers)
		}()
	}
	wg.Wait()

	snipes, err := s.ListSnipes(context.Background(), ev.ID)
	require.NoError(t, err)
	assert.Len(t, snipes, 2)
	assert.Len(t, d.submitted(), 2)
}
