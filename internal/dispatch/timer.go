// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package dispatch

import (
	"container/heap"
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	xglog "github.com/ManuGH/snipey/internal/log"
	"github.com/ManuGH/snipey/internal/metrics"
)

// BackendTimer names the in-process timer queue.
const BackendTimer = "timer"

const defaultTimerCapacity = 100000

// TimerQueue fires tasks in-process at their trigger instant. It keeps a
// min-heap keyed by due time; one Run loop sleeps until the earliest entry.
// Pending entries do not survive a restart, see Pending.
type TimerQueue struct {
	mu       sync.Mutex
	items    taskHeap
	byID     map[string]*timerItem
	seq      uint64
	closed   bool
	capacity int

	wake    chan struct{}
	clock   Clock
	handler Handler
	running sync.WaitGroup
	logger  zerolog.Logger
}

// TimerOption configures a TimerQueue.
type TimerOption func(*TimerQueue)

// WithTimerClock replaces the wall clock.
func WithTimerClock(c Clock) TimerOption {
	return func(q *TimerQueue) { q.clock = c }
}

// WithCapacity bounds the number of pending tasks.
func WithCapacity(n int) TimerOption {
	return func(q *TimerQueue) {
		if n > 0 {
			q.capacity = n
		}
	}
}

// NewTimerQueue creates a queue that calls handler for every due task.
func NewTimerQueue(handler Handler, opts ...TimerOption) *TimerQueue {
	q := &TimerQueue{
		byID:     make(map[string]*timerItem),
		capacity: defaultTimerCapacity,
		wake:     make(chan struct{}, 1),
		clock:    RealClock{},
		handler:  handler,
		logger:   xglog.WithComponent("dispatch.timer"),
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Submit schedules t. Resubmitting a task id replaces its pending entry.
func (q *TimerQueue) Submit(_ context.Context, t Task) (Handle, error) {
	t, err := prepare(t)
	if err != nil {
		return "", err
	}

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		metrics.IncDispatch(BackendTimer, "unavailable")
		return "", unavailable(BackendTimer, errors.New("queue stopped"))
	}
	due := t.DueAt(q.clock.Now())
	if it, ok := q.byID[t.ID]; ok {
		it.task, it.due = t, due
		heap.Fix(&q.items, it.index)
	} else {
		if len(q.items) >= q.capacity {
			q.mu.Unlock()
			metrics.IncDispatch(BackendTimer, "unavailable")
			return "", unavailable(BackendTimer, errors.New("queue full"))
		}
		q.seq++
		it := &timerItem{task: t, due: due, seq: q.seq}
		heap.Push(&q.items, it)
		q.byID[t.ID] = it
	}
	q.mu.Unlock()

	select {
	case q.wake <- struct{}{}:
	default:
	}
	metrics.IncDispatch(BackendTimer, "submitted")
	return newHandle(BackendTimer, t.ID), nil
}

// Len returns the number of pending tasks.
func (q *TimerQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Run fires due tasks until ctx is cancelled, then waits for handlers
// already running. Submit fails once Run has returned.
func (q *TimerQueue) Run(ctx context.Context) error {
	timer := q.clock.NewTimer(time.Hour)
	timer.Stop()
	defer timer.Stop()

	for {
		var timerC <-chan time.Time
		if due, ok := q.peek(); ok {
			wait := due.Sub(q.clock.Now())
			if wait <= 0 {
				q.fireDue(ctx)
				continue
			}
			timer.Reset(wait)
			timerC = timer.C()
		}

		select {
		case <-ctx.Done():
			q.mu.Lock()
			q.closed = true
			pending := len(q.items)
			q.mu.Unlock()
			q.running.Wait()
			if pending > 0 {
				q.logger.Warn().
					Str(xglog.FieldEvent, "dispatch.timer_stopped").
					Int("pending", pending).
					Msg("timer queue stopped with pending tasks")
			}
			return nil
		case <-q.wake:
			timer.Stop()
		case <-timerC:
		}
	}
}

// Pending returns the tasks that never fired. Call after Run returns.
func (q *TimerQueue) Pending() []Task {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]Task, 0, len(q.items))
	for _, it := range q.items {
		out = append(out, it.task)
	}
	return out
}

func (q *TimerQueue) peek() (time.Time, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return time.Time{}, false
	}
	return q.items[0].due, true
}

func (q *TimerQueue) fireDue(ctx context.Context) {
	now := q.clock.Now()

	q.mu.Lock()
	var due []*timerItem
	for len(q.items) > 0 && !q.items[0].due.After(now) {
		it := heap.Pop(&q.items).(*timerItem)
		delete(q.byID, it.task.ID)
		due = append(due, it)
	}
	q.mu.Unlock()

	// In-flight handlers finish even when Run is being cancelled.
	hctx := context.WithoutCancel(ctx)
	for _, it := range due {
		metrics.DispatchFiredTotal.WithLabelValues(BackendTimer).Inc()
		metrics.DispatchLateness.WithLabelValues(BackendTimer).Observe(now.Sub(it.due).Seconds())

		q.running.Add(1)
		go func(t Task) {
			defer q.running.Done()
			if err := q.handler(hctx, t); err != nil {
				q.logger.Error().Err(err).
					Str(xglog.FieldEvent, "dispatch.handler_failed").
					Str(xglog.FieldTaskID, t.ID).
					Str(xglog.FieldUserID, t.UserID).
					Msg("task handler failed")
			}
		}(it.task)
	}
}

type timerItem struct {
	task  Task
	due   time.Time
	seq   uint64
	index int
}

// taskHeap orders by due time, then by submission order.
type taskHeap []*timerItem

func (h taskHeap) Len() int { return len(h) }
func (h taskHeap) Less(i, j int) bool {
	if h[i].due.Equal(h[j].due) {
		return h[i].seq < h[j].seq
	}
	return h[i].due.Before(h[j].due)
}
func (h taskHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}
func (h *taskHeap) Push(x any) {
	it := x.(*timerItem)
	it.index = len(*h)
	*h = append(*h, it)
}
func (h *taskHeap) Pop() any {
	old := *h
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	it.index = -1
	*h = old[:n-1]
	return it
}
