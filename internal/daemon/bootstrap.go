// SPDX-License-Identifier: MIT

// Package daemon wires the pipeline components and owns their lifecycle.
package daemon

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/ManuGH/snipey/internal/api"
	"github.com/ManuGH/snipey/internal/checkpoint"
	"github.com/ManuGH/snipey/internal/config"
	"github.com/ManuGH/snipey/internal/dispatch"
	"github.com/ManuGH/snipey/internal/health"
	"github.com/ManuGH/snipey/internal/log"
	"github.com/ManuGH/snipey/internal/registrar"
	"github.com/ManuGH/snipey/internal/resilience"
	"github.com/ManuGH/snipey/internal/scheduler"
	"github.com/ManuGH/snipey/internal/store"
	"github.com/ManuGH/snipey/internal/stream"
	"github.com/ManuGH/snipey/internal/subscription"
	"github.com/ManuGH/snipey/internal/telemetry"
	"github.com/ManuGH/snipey/internal/upstream"
)

// App is the assembled daemon.
type App struct {
	cfg    config.AppConfig
	logger zerolog.Logger

	store      store.Store
	files      *subscription.FileIndex
	breaker    *resilience.CircuitBreaker
	consumer   *stream.Consumer
	supervisor *stream.Supervisor
	retrier    *scheduler.Retrier
	timer      *dispatch.TimerQueue
	redis      *dispatch.RedisQueue
	tasks      dispatch.Handler // runs due tasks for the in-process backends
	health     *health.Manager
	api        *api.Server

	hooks   hooks
	running bool
}

// Option customises Build.
type Option func(*buildOptions)

type buildOptions struct {
	store       store.Store
	taskHandler dispatch.Handler
}

// WithStore injects an already opened store. The App closes it on shutdown.
func WithStore(s store.Store) Option {
	return func(o *buildOptions) { o.store = s }
}

// WithTaskHandler replaces the handler the timer backend and the redis
// poller call for due tasks.
func WithTaskHandler(h dispatch.Handler) Option {
	return func(o *buildOptions) { o.taskHandler = h }
}

// Build opens every resource cfg names and wires the pipeline. On error,
// resources opened so far are released.
func Build(ctx context.Context, cfg config.AppConfig, opts ...Option) (app *App, err error) {
	var o buildOptions
	for _, opt := range opts {
		opt(&o)
	}

	a := &App{cfg: cfg, logger: log.WithComponent("daemon")}
	a.hooks.logger = a.logger
	defer func() {
		if err != nil {
			_ = a.hooks.run(context.WithoutCancel(ctx))
		}
	}()

	tp, err := telemetry.NewProvider(ctx, telemetry.Config{
		Enabled:        cfg.Telemetry.Enabled,
		ServiceName:    cfg.Telemetry.ServiceName,
		ServiceVersion: cfg.Version,
		Environment:    cfg.Telemetry.Environment,
		ExporterType:   cfg.Telemetry.ExporterType,
		Endpoint:       cfg.Telemetry.Endpoint,
		SamplingRate:   cfg.Telemetry.SamplingRate,
	})
	if err != nil {
		return nil, fmt.Errorf("telemetry: %w", err)
	}
	a.hooks.register("telemetry", tp.Shutdown)

	a.store = o.store
	if a.store == nil {
		a.store, err = store.NewStore(ctx, store.Config{
			Backend:      cfg.Store.Backend,
			Path:         cfg.Store.Path,
			DSN:          cfg.Store.DSN,
			MaxOpenConns: cfg.Store.MaxOpenConns,
		})
		if err != nil {
			return nil, fmt.Errorf("open store: %w", err)
		}
	}
	a.hooks.register("store", func(context.Context) error { return a.store.Close() })

	cp, err := a.buildCheckpoint()
	if err != nil {
		return nil, err
	}

	index, err := a.buildIndex(ctx)
	if err != nil {
		return nil, err
	}

	d, err := a.buildDispatcher(ctx, o.taskHandler)
	if err != nil {
		return nil, err
	}
	var timers dispatch.Dispatcher
	if a.timer != nil {
		timers = a.timer
	}
	if _, err := scheduler.RestoreTimers(ctx, a.store, timers, cfg.Dispatch.TaskType, time.Now()); err != nil {
		return nil, fmt.Errorf("restore timers: %w", err)
	}

	up := cfg.Upstream
	a.breaker = upstream.NewEventBreaker(up.BreakerThreshold, up.BreakerReset)
	client := upstream.NewClient(upstream.Options{
		StreamURL:             up.StreamURL,
		BaseURL:               up.BaseURL,
		APIKey:                up.APIKey,
		UserAgent:             up.UserAgent,
		Timeout:               up.Timeout,
		ResponseHeaderTimeout: up.ResponseHeaderTimeout,
		MaxRetries:            up.MaxRetries,
		Backoff:               up.Backoff,
		MaxBackoff:            up.MaxBackoff,
		RateLimit:             rate.Limit(up.RateLimit),
		RateLimitBurst:        up.RateBurst,
		Breaker:               a.breaker,
	})

	reg := registrar.New(client, a.store,
		registrar.WithAttempts(cfg.Registrar.FetchAttempts),
		registrar.WithBackoff(cfg.Registrar.FetchBackoff),
	)
	sched := scheduler.New(a.store, d, scheduler.WithTaskType(cfg.Dispatch.TaskType))
	a.retrier = scheduler.NewRetrier(a.store, d, scheduler.RetryConfig{
		Interval:    cfg.Retry.Interval,
		MaxAttempts: cfg.Retry.MaxAttempts,
		StaleAfter:  cfg.Retry.StaleAfter,
		BatchSize:   cfg.Retry.BatchSize,
		TaskType:    cfg.Dispatch.TaskType,
	})

	router := stream.NewRouter(index, reg, sched)
	a.consumer = stream.NewConsumer(client, router, stream.Config{
		QueueSize:    cfg.Stream.QueueSize,
		Workers:      cfg.Stream.Workers,
		MaxLineBytes: cfg.Stream.MaxLineBytes,
		IdleTimeout:  cfg.Stream.IdleTimeout,
		RetryInitial: cfg.Stream.RouteRetryInitial,
		RetryMax:     cfg.Stream.RouteRetryMax,
	}, stream.WithCheckpoint(cp))
	a.supervisor = stream.NewSupervisor(a.consumer, cp,
		stream.WithReconnectBackoff(cfg.Stream.ReconnectInitial, cfg.Stream.ReconnectMax),
	)

	a.health = health.NewManager(cfg.Version)
	a.health.RegisterChecker(health.StoreChecker{Store: a.store})
	a.health.RegisterChecker(health.StreamChecker{State: func() string { return string(a.consumer.State()) }})

	if cfg.API.ListenAddr != "" {
		a.api = api.New(api.Config{
			ListenAddr: cfg.API.ListenAddr,
			RateLimit:  cfg.API.RateLimit,
			RateWindow: cfg.API.RateWindow,
			Tracing:    cfg.Telemetry.Enabled,
		}, a.health, a.status)
	}

	a.logger.Info().
		Str(log.FieldEvent, "daemon.built").
		Str("store", cfg.Store.Backend).
		Str("checkpoint", cfg.Checkpoint.Backend).
		Str(log.FieldBackend, cfg.Dispatch.Backend).
		Msg("pipeline assembled")
	return a, nil
}

func (a *App) buildCheckpoint() (checkpoint.Store, error) {
	c := a.cfg.Checkpoint
	switch strings.ToLower(c.Backend) {
	case "", "store":
		return checkpoint.NewNamed(a.store, c.Name), nil
	case "file":
		return checkpoint.NewFile(c.Path), nil
	case "memory":
		return checkpoint.NewMemory(), nil
	default:
		return nil, fmt.Errorf("%w: %s (supported: store, file, memory)", ErrUnknownCheckpointBackend, c.Backend)
	}
}

// buildIndex serves subscriptions from the YAML file when one is
// configured, mirroring it into the store; otherwise from the store.
func (a *App) buildIndex(ctx context.Context) (subscription.Index, error) {
	path := a.cfg.Subscriptions.File
	if path == "" {
		return a.store, nil
	}
	files, err := subscription.NewFileIndex(ctx, path, subscription.WithSink(a.store))
	if err != nil {
		return nil, err
	}
	a.files = files
	return files, nil
}

func (a *App) buildDispatcher(ctx context.Context, handler dispatch.Handler) (dispatch.Dispatcher, error) {
	d := a.cfg.Dispatch
	if handler == nil {
		handler = dispatch.LogHandler(log.WithComponent("dispatch.worker"))
	}
	a.tasks = scheduler.RecordFired(a.store, handler)

	switch strings.ToLower(d.Backend) {
	case "", dispatch.BackendTimer:
		// Unfired entries stay dispatched in the store and are restored
		// on the next start.
		a.timer = dispatch.NewTimerQueue(a.tasks)
		return a.timer, nil

	case dispatch.BackendRedis:
		client, err := dispatch.DialRedis(ctx, dispatch.RedisConfig{
			Addr:     d.Redis.Addr,
			Password: d.Redis.Password,
			DB:       d.Redis.DB,
		})
		if err != nil {
			return nil, err
		}
		a.hooks.register("dispatch.redis", func(context.Context) error { return client.Close() })
		a.redis = dispatch.NewRedisQueue(client, d.Redis.Key)
		return a.redis, nil

	case dispatch.BackendKafka:
		q := dispatch.NewKafkaQueue(dispatch.NewKafkaWriter(dispatch.KafkaConfig{
			Brokers: d.Kafka.Brokers,
			Topic:   d.Kafka.Topic,
		}))
		a.hooks.register("dispatch.kafka", func(context.Context) error { return q.Close() })
		return q, nil

	default:
		return nil, fmt.Errorf("%w: %s (supported: timer, redis, kafka)", ErrUnknownDispatchBackend, d.Backend)
	}
}
