// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package registrar

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/ManuGH/snipey/internal/domain"
	"github.com/ManuGH/snipey/internal/store"
	"github.com/ManuGH/snipey/internal/upstream"
)

type MockSource struct {
	mock.Mock
}

func (m *MockSource) FetchEvent(ctx context.Context, id string) (upstream.EventDetail, error) {
	args := m.Called(ctx, id)
	return args.Get(0).(upstream.EventDetail), args.Error(1)
}

var group42 = domain.Group{
	ID:          "42",
	Subscribers: []domain.User{{ID: "U1"}, {ID: "U2"}},
}

func unavailable() error {
	return &upstream.APIError{Sentinel: upstream.ErrUpstreamUnavailable, Operation: "event"}
}

func newRegistrar(src EventSource, s EventStore) *Registrar {
	return New(src, s, WithAttempts(3), WithBackoff(time.Millisecond))
}

func TestRegisterCreatesEventWithOpenTime(t *testing.T) {
	src := new(MockSource)
	src.On("FetchEvent", mock.Anything, "987").
		Return(upstream.EventDetail{Name: "Meetup", OpenTime: json.RawMessage("1700000000500")}, nil).Once()

	s := store.NewMemoryStore()
	ev, err := newRegistrar(src, s).Register(context.Background(), group42, "987")
	require.NoError(t, err)

	assert.Equal(t, "987", ev.MeetupID)
	assert.Equal(t, "Meetup", ev.Name)
	assert.Equal(t, domain.GroupID("42"), ev.GroupID)
	assert.Equal(t, "2023-11-14T22:13:20.500000Z", ev.OpenAt.Format("2006-01-02T15:04:05.000000Z07:00"))
	src.AssertExpectations(t)
}

func TestRegisterIsIdempotent(t *testing.T) {
	src := new(MockSource)
	src.On("FetchEvent", mock.Anything, "987").
		Return(upstream.EventDetail{Name: "Meetup"}, nil).Once()

	s := store.NewMemoryStore()
	r := newRegistrar(src, s)

	first, err := r.Register(context.Background(), group42, "987")
	require.NoError(t, err)
	second, err := r.Register(context.Background(), group42, "987")
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
	src.AssertNumberOfCalls(t, "FetchEvent", 1)
}

func TestRegisterWithoutOpenTimeIsImmediate(t *testing.T) {
	src := new(MockSource)
	src.On("FetchEvent", mock.Anything, "1").Return(upstream.EventDetail{Name: "Now"}, nil)

	ev, err := newRegistrar(src, store.NewMemoryStore()).Register(context.Background(), group42, "1")
	require.NoError(t, err)
	_, ok := ev.OpensAt()
	assert.False(t, ok)
}

func TestRegisterMalformedOpenTimeTreatedAsAbsent(t *testing.T) {
	src := new(MockSource)
	src.On("FetchEvent", mock.Anything, "1").
		Return(upstream.EventDetail{Name: "Odd", OpenTime: json.RawMessage(`"tomorrow"`)}, nil)

	ev, err := newRegistrar(src, store.NewMemoryStore()).Register(context.Background(), group42, "1")
	require.NoError(t, err)
	assert.True(t, ev.OpenAt.IsZero())
}

func TestRegisterRetriesTransientFailures(t *testing.T) {
	src := new(MockSource)
	src.On("FetchEvent", mock.Anything, "1").Return(upstream.EventDetail{}, unavailable()).Once()
	src.On("FetchEvent", mock.Anything, "1").Return(upstream.EventDetail{Name: "Later"}, nil).Once()

	ev, err := newRegistrar(src, store.NewMemoryStore()).Register(context.Background(), group42, "1")
	require.NoError(t, err)
	assert.Equal(t, "Later", ev.Name)
	src.AssertNumberOfCalls(t, "FetchEvent", 2)
}

func TestRegisterGivesUpAfterAttempts(t *testing.T) {
	src := new(MockSource)
	src.On("FetchEvent", mock.Anything, "1").Return(upstream.EventDetail{}, unavailable())

	s := store.NewMemoryStore()
	_, err := newRegistrar(src, s).Register(context.Background(), group42, "1")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrEventFetchFailed)
	assert.ErrorIs(t, err, upstream.ErrUpstreamUnavailable)
	src.AssertNumberOfCalls(t, "FetchEvent", 3)

	_, err = s.FindEvent(context.Background(), "42", "1")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestRegisterDoesNotRetryPermanentFailures(t *testing.T) {
	src := new(MockSource)
	src.On("FetchEvent", mock.Anything, "1").
		Return(upstream.EventDetail{}, &upstream.APIError{Sentinel: upstream.ErrNotFound, Operation: "event", Status: 404})

	_, err := newRegistrar(src, store.NewMemoryStore()).Register(context.Background(), group42, "1")
	assert.ErrorIs(t, err, ErrEventFetchFailed)
	assert.ErrorIs(t, err, upstream.ErrNotFound)
	src.AssertNumberOfCalls(t, "FetchEvent", 1)
}

type failingStore struct {
	EventStore
}

func (failingStore) FindEvent(context.Context, domain.GroupID, string) (domain.Event, error) {
	return domain.Event{}, errors.New("disk on fire")
}

func TestRegisterSurfacesStoreErrors(t *testing.T) {
	src := new(MockSource)
	_, err := newRegistrar(src, failingStore{}).Register(context.Background(), group42, "1")
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrEventFetchFailed)
	src.AssertNotCalled(t, "FetchEvent", mock.Anything, mock.Anything)
}

func TestRegisterConcurrentCollapse(t *testing.T) {
	src := new(MockSource)
	src.On("FetchEvent", mock.Anything, "777").Return(upstream.EventDetail{Name: "Race"}, nil)

	s := store.NewMemoryStore()
	r := newRegistrar(src, s)

	const n = 8
	ids := make([]int64, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ev, err := r.Register(context.Background(), group42, "777")
			assert.NoError(t, err)
			ids[i] = ev.ID
		}(i)
	}
	wg.Wait()

	for _, id := range ids {
		assert.Equal(t, ids[0], id)
	}
	stats, err := s.Stats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.Events)
}
