// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Package stream consumes the open-events feed and routes notifications.
package stream

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/rs/zerolog"

	"github.com/ManuGH/snipey/internal/checkpoint"
	"github.com/ManuGH/snipey/internal/domain"
	xglog "github.com/ManuGH/snipey/internal/log"
	"github.com/ManuGH/snipey/internal/metrics"
)

// ErrConnectionLost is returned by Consumer.Run when the stream could not
// be opened or ended while the consumer was still wanted.
var ErrConnectionLost = errors.New("stream: connection lost")

var errStalled = errors.New("no data within idle timeout")

// State is the consumer connection state.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateStreaming    State = "streaming"
	StateFailed       State = "failed"
	StateClosed       State = "closed"
)

// Cursor is a resume position in epoch ms. The zero Cursor means "now".
type Cursor struct {
	MS    int64
	Valid bool
}

func (c Cursor) String() string {
	if !c.Valid {
		return "none"
	}
	return strconv.FormatInt(c.MS, 10)
}

// Opener opens the upstream stream, resuming after since when hasSince.
type Opener interface {
	OpenStream(ctx context.Context, since int64, hasSince bool) (io.ReadCloser, error)
}

// Config tunes a Consumer.
type Config struct {
	QueueSize    int
	Workers      int
	MaxLineBytes int
	// IdleTimeout closes a connection that delivers no bytes, keep-alive
	// newlines included, for this long. Zero disables the check.
	IdleTimeout time.Duration
	// RetryInitial and RetryMax bound the backoff between routing attempts
	// of a notification whose outcome was metrics.OutcomeRetry.
	RetryInitial time.Duration
	RetryMax     time.Duration
}

func (c Config) normalize() Config {
	if c.QueueSize <= 0 {
		c.QueueSize = 256
	}
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.MaxLineBytes <= 0 {
		c.MaxLineBytes = 1 << 20
	}
	if c.RetryInitial <= 0 {
		c.RetryInitial = 200 * time.Millisecond
	}
	if c.RetryMax < c.RetryInitial {
		c.RetryMax = max(30*time.Second, c.RetryInitial)
	}
	return c
}

// Snapshot is a point-in-time view for status reporting.
type Snapshot struct {
	State      State     `json:"state"`
	Cursor     *int64    `json:"cursor_ms,omitempty"`
	QueueDepth int       `json:"queue_depth"`
	InFlight   int       `json:"in_flight"`
	Connects   int64     `json:"connects"`
	Lines      int64     `json:"lines"`
	Malformed  int64     `json:"malformed"`
	LastLineAt time.Time `json:"last_line_at,omitzero"`
}

type queued struct {
	seq uint64
	n   domain.Notification
}

// Consumer reads one connection at a time. A single goroutine reads and
// decodes lines into a bounded queue; workers route them concurrently.
// The reader blocks while the queue is full.
type Consumer struct {
	opener     Opener
	handler    Handler
	checkpoint checkpoint.Store
	cfg        Config
	logger     zerolog.Logger

	state    atomic.Value // State
	cursorMu sync.Mutex
	cursor   Cursor

	connects  atomic.Int64
	lines     atomic.Int64
	malformed atomic.Int64
	lastLine  atomic.Int64 // unix nanos
	queue     atomic.Pointer[chan queued]
	seq       atomic.Pointer[sequencer]

	// routed counts notifications handled during the current attempt.
	routed atomic.Int64
}

// ConsumerOption configures a Consumer.
type ConsumerOption func(*Consumer)

// WithCheckpoint persists every cursor advance to cp.
func WithCheckpoint(cp checkpoint.Store) ConsumerOption {
	return func(c *Consumer) { c.checkpoint = cp }
}

// NewConsumer creates a Consumer.
func NewConsumer(opener Opener, handler Handler, cfg Config, opts ...ConsumerOption) *Consumer {
	c := &Consumer{
		opener:  opener,
		handler: handler,
		cfg:     cfg.normalize(),
		logger:  xglog.WithComponent("stream.consumer"),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.setState(StateDisconnected)
	return c
}

// State returns the current connection state.
func (c *Consumer) State() State {
	return c.state.Load().(State)
}

func (c *Consumer) setState(s State) {
	c.state.Store(s)
	metrics.SetStreamState(string(s))
}

// Cursor returns the position of the last fully routed notification.
func (c *Consumer) Cursor() Cursor {
	c.cursorMu.Lock()
	defer c.cursorMu.Unlock()
	return c.cursor
}

// Snapshot reports counters and state.
func (c *Consumer) Snapshot() Snapshot {
	s := Snapshot{
		State:     c.State(),
		Connects:  c.connects.Load(),
		Lines:     c.lines.Load(),
		Malformed: c.malformed.Load(),
	}
	if cur := c.Cursor(); cur.Valid {
		ms := cur.MS
		s.Cursor = &ms
	}
	if q := c.queue.Load(); q != nil {
		s.QueueDepth = len(*q)
	}
	if seq := c.seq.Load(); seq != nil {
		s.InFlight = seq.inFlight()
	}
	if ns := c.lastLine.Load(); ns > 0 {
		s.LastLineAt = time.Unix(0, ns).UTC()
	}
	return s
}

// Run performs one connection attempt starting at cursor. It returns nil
// when ctx is cancelled and an error wrapping ErrConnectionLost otherwise.
// Notifications already read are routed before Run returns, except on
// cancellation where only those being routed are finished.
func (c *Consumer) Run(ctx context.Context, cursor Cursor) error {
	c.cursorMu.Lock()
	if cursor.Valid && (!c.cursor.Valid || cursor.MS > c.cursor.MS) {
		c.cursor = cursor
	}
	cursor = c.cursor
	c.cursorMu.Unlock()
	c.routed.Store(0)

	logger := c.logger.With().Str(xglog.FieldCursor, cursor.String()).Logger()
	c.setState(StateConnecting)
	c.connects.Add(1)

	body, err := c.opener.OpenStream(ctx, cursor.MS, cursor.Valid)
	if err != nil {
		if ctx.Err() != nil {
			c.setState(StateClosed)
			return nil
		}
		metrics.StreamConnectsTotal.WithLabelValues("failed").Inc()
		c.setState(StateFailed)
		return fmt.Errorf("%w: open: %w", ErrConnectionLost, err)
	}
	metrics.StreamConnectsTotal.WithLabelValues("connected").Inc()
	c.setState(StateStreaming)
	logger.Info().Str(xglog.FieldEvent, "stream.connected").Msg("stream connected")

	src := newWatchedBody(body, c.cfg.IdleTimeout)
	stopWatch := context.AfterFunc(ctx, func() { _ = src.Close() })
	defer stopWatch()
	defer src.Close()

	queue := make(chan queued, c.cfg.QueueSize)
	seq := newSequencer()
	c.queue.Store(&queue)
	c.seq.Store(seq)

	var wg sync.WaitGroup
	for i := 0; i < c.cfg.Workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.work(ctx, queue, seq)
		}()
	}

	readErr := c.read(ctx, src, queue, seq, logger)
	close(queue)
	wg.Wait()
	metrics.StreamQueueDepth.Set(0)

	if ctx.Err() != nil {
		c.setState(StateClosed)
		logger.Info().Str(xglog.FieldEvent, "stream.closed").Msg("stream closed on shutdown")
		return nil
	}

	c.setState(StateFailed)
	if src.stalled() {
		readErr = errStalled
	}
	if readErr == nil || errors.Is(readErr, io.EOF) {
		readErr = errors.New("stream ended by upstream")
	}
	return fmt.Errorf("%w: %w", ErrConnectionLost, readErr)
}

// read is the single reader loop. Blank keep-alive lines are skipped;
// lines longer than MaxLineBytes are discarded as malformed.
func (c *Consumer) read(ctx context.Context, body io.Reader, queue chan<- queued, seq *sequencer, logger zerolog.Logger) error {
	r := bufio.NewReaderSize(body, c.cfg.MaxLineBytes)
	for {
		line, err := r.ReadSlice('\n')
		if errors.Is(err, bufio.ErrBufferFull) {
			c.malformed.Add(1)
			metrics.IncLine(metrics.OutcomeMalformed)
			logger.Warn().
				Str(xglog.FieldEvent, "notification.malformed").
				Int("limit", c.cfg.MaxLineBytes).
				Msg("discarding oversized stream line")
			if err = discardLine(r); err != nil {
				return err
			}
			continue
		}
		if len(bytes.TrimSpace(line)) > 0 {
			c.dispatchLine(ctx, line, queue, seq, logger)
		}
		if err != nil {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
}

func (c *Consumer) dispatchLine(ctx context.Context, line []byte, queue chan<- queued, seq *sequencer, logger zerolog.Logger) {
	c.lines.Add(1)
	c.lastLine.Store(time.Now().UnixNano())

	n, err := DecodeNotification(line)
	if err != nil {
		c.malformed.Add(1)
		metrics.IncLine(metrics.OutcomeMalformed)
		logger.Warn().Err(err).
			Str(xglog.FieldEvent, "notification.malformed").
			Int("bytes", len(line)).
			Msg("skipping malformed stream line")
		return
	}

	item := queued{seq: seq.issue(n.MtimeMS, n.HasMtime), n: n}
	select {
	case queue <- item:
		metrics.StreamQueueDepth.Set(float64(len(queue)))
	case <-ctx.Done():
	}
}

// work routes queued notifications. On cancellation the remaining queue is
// skipped; the cursor never moves past a skipped notification.
func (c *Consumer) work(ctx context.Context, queue <-chan queued, seq *sequencer) {
	routeCtx := context.WithoutCancel(ctx)
	for item := range queue {
		if ctx.Err() != nil {
			continue
		}
		if !c.route(ctx, routeCtx, item) {
			continue
		}
		c.routed.Add(1)

		if ms, ok := seq.complete(item.seq); ok {
			c.commit(routeCtx, ms)
		}
	}
}

// route calls the handler until the notification is handled. It returns
// false when ctx is cancelled while a retry is pending.
func (c *Consumer) route(ctx, routeCtx context.Context, item queued) bool {
	nctx := xglog.ContextWithNotificationID(routeCtx,
		strconv.FormatInt(c.connects.Load(), 10)+"-"+strconv.FormatUint(item.seq, 10))

	var b *backoff.ExponentialBackOff
	for attempt := 1; ; attempt++ {
		start := time.Now()
		outcome := c.handler.Route(nctx, item.n)
		metrics.NotificationDuration.Observe(time.Since(start).Seconds())
		metrics.IncLine(outcome)
		if outcome != metrics.OutcomeRetry {
			return true
		}

		if b == nil {
			b = backoff.NewExponentialBackOff()
			b.InitialInterval = c.cfg.RetryInitial
			b.MaxInterval = c.cfg.RetryMax
			b.Reset()
		}
		wait := b.NextBackOff()
		rl := xglog.WithContext(nctx, c.logger)
		rl.Warn().
			Str(xglog.FieldEvent, "notification.route_retry").
			Str(xglog.FieldGroupID, item.n.GroupID.String()).
			Int(xglog.FieldAttempt, attempt).
			Dur("backoff", wait).
			Msg("routing deferred, cursor held")

		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return false
		case <-t.C:
		}
	}
}

// commit advances the cursor monotonically and persists it.
func (c *Consumer) commit(ctx context.Context, ms int64) {
	c.cursorMu.Lock()
	defer c.cursorMu.Unlock()
	if c.cursor.Valid && ms <= c.cursor.MS {
		return
	}
	c.cursor = Cursor{MS: ms, Valid: true}
	metrics.StreamCursorMillis.Set(float64(ms))

	if c.checkpoint != nil {
		if err := c.checkpoint.Save(ctx, ms); err != nil {
			c.logger.Warn().Err(err).
				Str(xglog.FieldEvent, "cursor.save_failed").
				Int64(xglog.FieldCursor, ms).
				Msg("failed to persist stream cursor")
		}
	}
}

// progressed reports whether the last attempt routed anything.
func (c *Consumer) progressed() bool {
	return c.routed.Load() > 0
}

func discardLine(r *bufio.Reader) error {
	for {
		_, err := r.ReadSlice('\n')
		if errors.Is(err, bufio.ErrBufferFull) {
			continue
		}
		return err
	}
}

// watchedBody closes the underlying body when no Read returns data for
// the idle timeout. Close is idempotent.
type watchedBody struct {
	rc        io.ReadCloser
	timeout   time.Duration
	timer     *time.Timer
	closeOnce sync.Once
	idle      atomic.Bool
}

func newWatchedBody(rc io.ReadCloser, timeout time.Duration) *watchedBody {
	w := &watchedBody{rc: rc, timeout: timeout}
	if timeout > 0 {
		w.timer = time.AfterFunc(timeout, func() {
			w.idle.Store(true)
			_ = w.Close()
		})
	}
	return w
}

func (w *watchedBody) Read(p []byte) (int, error) {
	n, err := w.rc.Read(p)
	if n > 0 && w.timer != nil {
		w.timer.Reset(w.timeout)
	}
	return n, err
}

func (w *watchedBody) Close() error {
	var err error
	w.closeOnce.Do(func() {
		if w.timer != nil {
			w.timer.Stop()
		}
		err = w.rc.Close()
	})
	return err
}

func (w *watchedBody) stalled() bool { return w.idle.Load() }
