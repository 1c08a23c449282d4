// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package stream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/ManuGH/snipey/internal/checkpoint"
	"github.com/ManuGH/snipey/internal/domain"
	"github.com/ManuGH/snipey/internal/metrics"
)

type openCall struct {
	since    int64
	hasSince bool
}

// scriptedOpener hands out bodies in order. Once exhausted it returns a
// body that stays open until the consumer closes it.
type scriptedOpener struct {
	mu     sync.Mutex
	bodies []io.ReadCloser
	err    error
	calls  []openCall
}

func (o *scriptedOpener) OpenStream(_ context.Context, since int64, hasSince bool) (io.ReadCloser, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.calls = append(o.calls, openCall{since, hasSince})
	if o.err != nil {
		return nil, o.err
	}
	if len(o.bodies) == 0 {
		r, _ := io.Pipe()
		return r, nil
	}
	b := o.bodies[0]
	o.bodies = o.bodies[1:]
	return b, nil
}

func (o *scriptedOpener) history() []openCall {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]openCall(nil), o.calls...)
}

func body(lines ...string) io.ReadCloser {
	return io.NopCloser(strings.NewReader(strings.Join(lines, "\n") + "\n"))
}

func line(group string, id int, mtime int64) string {
	return fmt.Sprintf(`{"group":{"id":%s},"event_url":"http://x/g/events/%d/","mtime":%d}`, group, id, mtime)
}

type collector struct {
	mu   sync.Mutex
	seen []domain.Notification
}

func (c *collector) Route(_ context.Context, n domain.Notification) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.seen = append(c.seen, n)
	return metrics.OutcomeRouted
}

func (c *collector) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.seen)
}

func TestConsumerRoutesLinesAndCommitsCursor(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	opener := &scriptedOpener{bodies: []io.ReadCloser{body(
		line("42", 1, 100),
		"",
		"not json",
		line("42", 2, 200),
	)}}
	h := &collector{}
	cp := checkpoint.NewMemory()
	c := NewConsumer(opener, h, Config{Workers: 2}, WithCheckpoint(cp))

	err := c.Run(context.Background(), Cursor{})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrConnectionLost)
	assert.Equal(t, StateFailed, c.State())

	assert.Equal(t, 2, h.count())
	assert.Equal(t, Cursor{MS: 200, Valid: true}, c.Cursor())
	ms, ok, err := cp.Load(context.Background())
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, int64(200), ms)

	snap := c.Snapshot()
	assert.Equal(t, int64(3), snap.Lines)
	assert.Equal(t, int64(1), snap.Malformed)
	assert.Equal(t, []openCall{{0, false}}, opener.history())
}

func TestConsumerDiscardsOversizedLines(t *testing.T) {
	opener := &scriptedOpener{bodies: []io.ReadCloser{body(
		`{"group":{"id":1},"event_url":"`+strings.Repeat("a", 500)+`"}`,
		line("1", 3, 300),
	)}}
	h := &collector{}
	c := NewConsumer(opener, h, Config{MaxLineBytes: 128})

	_ = c.Run(context.Background(), Cursor{})
	require.Equal(t, 1, h.count())
	assert.Equal(t, "http://x/g/events/3/", h.seen[0].EventURL)
	assert.Equal(t, int64(1), c.Snapshot().Malformed)
}

func TestConsumerCursorNeverMovesBackwards(t *testing.T) {
	opener := &scriptedOpener{bodies: []io.ReadCloser{body(line("1", 1, 50))}}
	c := NewConsumer(opener, &collector{}, Config{Workers: 1})

	_ = c.Run(context.Background(), Cursor{MS: 500, Valid: true})
	assert.Equal(t, Cursor{MS: 500, Valid: true}, c.Cursor())
	assert.Equal(t, []openCall{{500, true}}, opener.history())
}

type blockingHandler struct {
	release chan struct{}
	entered atomic.Int32
	collector
}

func (b *blockingHandler) Route(ctx context.Context, n domain.Notification) string {
	b.entered.Add(1)
	<-b.release
	return b.collector.Route(ctx, n)
}

func TestConsumerBackpressure(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	lines := make([]string, 5)
	for i := range lines {
		lines[i] = line("1", i+1, int64(i+1))
	}
	opener := &scriptedOpener{bodies: []io.ReadCloser{body(lines...)}}
	h := &blockingHandler{release: make(chan struct{})}
	c := NewConsumer(opener, h, Config{QueueSize: 1, Workers: 1})

	done := make(chan error, 1)
	go func() { done <- c.Run(context.Background(), Cursor{}) }()

	// One notification in the worker, one queued, the reader blocked on the third.
	assert.Eventually(t, func() bool {
		s := c.Snapshot()
		return s.QueueDepth == 1 && s.InFlight == 3
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, int64(3), c.Snapshot().Lines)

	close(h.release)
	select {
	case err := <-done:
		assert.ErrorIs(t, err, ErrConnectionLost)
	case <-time.After(2 * time.Second):
		t.Fatal("consumer did not finish")
	}
	assert.Equal(t, 5, h.count())
	assert.Equal(t, Cursor{MS: 5, Valid: true}, c.Cursor())
}

func TestConsumerShutdownReturnsNil(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	c := NewConsumer(&scriptedOpener{}, &collector{}, Config{})
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- c.Run(ctx, Cursor{}) }()
	assert.Eventually(t, func() bool { return c.State() == StateStreaming }, time.Second, 5*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("consumer did not stop")
	}
	assert.Equal(t, StateClosed, c.State())
}

func TestConsumerShutdownFinishesRunningNotification(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	pr, pw := io.Pipe()
	opener := &scriptedOpener{bodies: []io.ReadCloser{pr}}
	h := &blockingHandler{release: make(chan struct{})}
	c := NewConsumer(opener, h, Config{Workers: 1})
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- c.Run(ctx, Cursor{}) }()

	_, err := io.WriteString(pw, line("1", 1, 10)+"\n")
	require.NoError(t, err)
	assert.Eventually(t, func() bool { return h.entered.Load() == 1 }, time.Second, 5*time.Millisecond)

	cancel()
	close(h.release)
	require.NoError(t, <-done)
	_ = pw.Close()

	assert.Equal(t, 1, h.count())
	assert.Equal(t, Cursor{MS: 10, Valid: true}, c.Cursor())
}

func TestConsumerIdleTimeout(t *testing.T) {
	c := NewConsumer(&scriptedOpener{}, &collector{}, Config{IdleTimeout: 30 * time.Millisecond})

	err := c.Run(context.Background(), Cursor{})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrConnectionLost)
	assert.ErrorIs(t, err, errStalled)
}

func TestConsumerOpenFailure(t *testing.T) {
	c := NewConsumer(&scriptedOpener{err: errors.New("dial tcp: refused")}, &collector{}, Config{})

	err := c.Run(context.Background(), Cursor{})
	assert.ErrorIs(t, err, ErrConnectionLost)
	assert.Contains(t, err.Error(), "refused")
	assert.Equal(t, StateFailed, c.State())
	assert.False(t, c.progressed())
}

// flakyHandler asks for a retry until the notification has been offered
// failures+1 times.
type flakyHandler struct {
	failures int32
	calls    atomic.Int32
	collector
}

func (f *flakyHandler) Route(ctx context.Context, n domain.Notification) string {
	if f.failures < 0 || f.calls.Add(1) <= f.failures {
		return metrics.OutcomeRetry
	}
	return f.collector.Route(ctx, n)
}

func TestConsumerRetriesBeforeCommitting(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	opener := &scriptedOpener{bodies: []io.ReadCloser{body(line("42", 1, 100))}}
	h := &flakyHandler{failures: 3}
	cp := checkpoint.NewMemory()
	c := NewConsumer(opener, h, Config{Workers: 1, RetryInitial: time.Millisecond, RetryMax: 2 * time.Millisecond},
		WithCheckpoint(cp))

	err := c.Run(context.Background(), Cursor{})
	assert.ErrorIs(t, err, ErrConnectionLost)
	assert.Equal(t, int32(4), h.calls.Load())
	assert.Equal(t, 1, h.count())
	assert.Equal(t, Cursor{MS: 100, Valid: true}, c.Cursor())
	ms, ok, err := cp.Load(context.Background())
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, int64(100), ms)
}

func TestConsumerHoldsCursorWhileRetrying(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	opener := &scriptedOpener{bodies: []io.ReadCloser{body(line("42", 1, 100), line("42", 2, 200))}}
	h := &flakyHandler{failures: -1}
	cp := checkpoint.NewMemory()
	c := NewConsumer(opener, h, Config{Workers: 2, RetryInitial: time.Millisecond, RetryMax: 5 * time.Millisecond},
		WithCheckpoint(cp))
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- c.Run(ctx, Cursor{MS: 50, Valid: true}) }()
	assert.Eventually(t, func() bool { return h.calls.Load() >= 6 }, time.Second, time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("consumer did not stop")
	}
	assert.Zero(t, h.count())
	assert.Equal(t, Cursor{MS: 50, Valid: true}, c.Cursor())
	_, ok, err := cp.Load(context.Background())
	require.NoError(t, err)
	assert.False(t, ok)
}
