// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Default upstream endpoints.
const (
	DefaultStreamURL = "http://stream.meetup.com/2/open_events"
	DefaultBaseURL   = "https://api.meetup.com/2/"
)

// Loader handles configuration loading with precedence
type Loader struct {
	configPath      string
	version         string
	ConsumedEnvKeys map[string]struct{}
}

// NewLoader creates a new configuration loader
func NewLoader(configPath, version string) *Loader {
	return &Loader{
		configPath:      configPath,
		version:         version,
		ConsumedEnvKeys: make(map[string]struct{}),
	}
}

// Load loads configuration with precedence: ENV > File > Defaults,
// then validates the result.
func (l *Loader) Load() (AppConfig, error) {
	cfg := Defaults()
	cfg.Version = l.version

	if l.configPath != "" {
		if err := l.mergeFile(&cfg); err != nil {
			return AppConfig{}, err
		}
	}

	l.mergeEnv(&cfg)
	l.resolvePaths(&cfg)

	if err := Validate(cfg); err != nil {
		return AppConfig{}, err
	}
	return cfg, nil
}

// Defaults returns the built-in configuration.
func Defaults() AppConfig {
	return AppConfig{
		LogLevel: "info",
		DataDir:  "data",
		Upstream: UpstreamConfig{
			StreamURL:             DefaultStreamURL,
			BaseURL:               DefaultBaseURL,
			UserAgent:             "snipey",
			Timeout:               10 * time.Second,
			ResponseHeaderTimeout: 10 * time.Second,
			MaxRetries:            2,
			Backoff:               500 * time.Millisecond,
			MaxBackoff:            5 * time.Second,
			RateLimit:             5,
			RateBurst:             10,
			BreakerThreshold:      5,
			BreakerReset:          30 * time.Second,
		},
		Stream: StreamConfig{
			QueueSize:        256,
			Workers:          4,
			MaxLineBytes:     1 << 20,
			IdleTimeout:      90 * time.Second,
			ReconnectInitial: time.Second,
			ReconnectMax:     2 * time.Minute,

			RouteRetryInitial: 200 * time.Millisecond,
			RouteRetryMax:     30 * time.Second,
		},
		Registrar: RegistrarConfig{
			FetchAttempts: 3,
			FetchBackoff:  time.Second,
		},
		Store: StoreConfig{
			Backend: "sqlite",
		},
		Checkpoint: CheckpointConfig{
			Backend: "store",
			Name:    "open_events",
		},
		Dispatch: DispatchConfig{
			Backend:  "timer",
			TaskType: "snipe.rsvp",
			Redis: RedisConfig{
				Addr:         "localhost:6379",
				Key:          "snipey:tasks",
				PollInterval: 250 * time.Millisecond,
				Consume:      true,
			},
			Kafka: KafkaConfig{
				Topic: "snipey.tasks",
			},
		},
		Retry: RetryConfig{
			Interval:    30 * time.Second,
			MaxAttempts: 5,
			StaleAfter:  5 * time.Minute,
			BatchSize:   100,
		},
		API: APIConfig{
			ListenAddr: ":8089",
			RateLimit:  60,
			RateWindow: time.Minute,
		},
		Telemetry: TelemetryConfig{
			ServiceName:  "snipey",
			Environment:  "production",
			ExporterType: "grpc",
			Endpoint:     "localhost:4317",
			SamplingRate: 1.0,
		},
	}
}

// mergeFile decodes the YAML file over cfg. Unknown keys are rejected.
func (l *Loader) mergeFile(cfg *AppConfig) error {
	data, err := os.ReadFile(l.configPath)
	if err != nil {
		return fmt.Errorf("read config file %s: %w", l.configPath, err)
	}
	data = []byte(os.ExpandEnv(string(data)))

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("parse config file %s: %w", l.configPath, err)
	}
	return nil
}

func (l *Loader) env(key string) string {
	full := EnvPrefix + key
	l.ConsumedEnvKeys[full] = struct{}{}
	return full
}

// mergeEnv overlays SNIPEY_* environment variables.
func (l *Loader) mergeEnv(cfg *AppConfig) {
	cfg.LogLevel = ParseString(l.env("LOG_LEVEL"), cfg.LogLevel)
	cfg.DataDir = ParseString(l.env("DATA_DIR"), cfg.DataDir)

	u := &cfg.Upstream
	u.StreamURL = ParseString(l.env("STREAM_URL"), u.StreamURL)
	u.BaseURL = ParseString(l.env("API_BASE_URL"), u.BaseURL)
	u.APIKey = ParseString(l.env("API_KEY"), u.APIKey)
	u.UserAgent = ParseString(l.env("USER_AGENT"), u.UserAgent)
	u.Timeout = ParseDuration(l.env("UPSTREAM_TIMEOUT"), u.Timeout)
	u.ResponseHeaderTimeout = ParseDuration(l.env("UPSTREAM_RESPONSE_HEADER_TIMEOUT"), u.ResponseHeaderTimeout)
	u.MaxRetries = ParseInt(l.env("UPSTREAM_MAX_RETRIES"), u.MaxRetries)
	u.Backoff = ParseDuration(l.env("UPSTREAM_BACKOFF"), u.Backoff)
	u.MaxBackoff = ParseDuration(l.env("UPSTREAM_MAX_BACKOFF"), u.MaxBackoff)
	u.RateLimit = ParseFloat(l.env("UPSTREAM_RATE_LIMIT"), u.RateLimit)
	u.RateBurst = ParseInt(l.env("UPSTREAM_RATE_BURST"), u.RateBurst)
	u.BreakerThreshold = ParseInt(l.env("UPSTREAM_BREAKER_THRESHOLD"), u.BreakerThreshold)
	u.BreakerReset = ParseDuration(l.env("UPSTREAM_BREAKER_RESET"), u.BreakerReset)

	s := &cfg.Stream
	s.QueueSize = ParseInt(l.env("STREAM_QUEUE_SIZE"), s.QueueSize)
	s.Workers = ParseInt(l.env("STREAM_WORKERS"), s.Workers)
	s.MaxLineBytes = ParseInt(l.env("STREAM_MAX_LINE_BYTES"), s.MaxLineBytes)
	s.IdleTimeout = ParseDuration(l.env("STREAM_IDLE_TIMEOUT"), s.IdleTimeout)
	s.ReconnectInitial = ParseDuration(l.env("STREAM_RECONNECT_INITIAL"), s.ReconnectInitial)
	s.ReconnectMax = ParseDuration(l.env("STREAM_RECONNECT_MAX"), s.ReconnectMax)
	s.RouteRetryInitial = ParseDuration(l.env("STREAM_ROUTE_RETRY_INITIAL"), s.RouteRetryInitial)
	s.RouteRetryMax = ParseDuration(l.env("STREAM_ROUTE_RETRY_MAX"), s.RouteRetryMax)

	cfg.Registrar.FetchAttempts = ParseInt(l.env("FETCH_ATTEMPTS"), cfg.Registrar.FetchAttempts)
	cfg.Registrar.FetchBackoff = ParseDuration(l.env("FETCH_BACKOFF"), cfg.Registrar.FetchBackoff)

	cfg.Store.Backend = ParseString(l.env("STORE_BACKEND"), cfg.Store.Backend)
	cfg.Store.Path = ParseString(l.env("STORE_PATH"), cfg.Store.Path)
	cfg.Store.DSN = ParseString(l.env("STORE_DSN"), cfg.Store.DSN)
	cfg.Store.MaxOpenConns = ParseInt(l.env("STORE_MAX_OPEN_CONNS"), cfg.Store.MaxOpenConns)

	cfg.Checkpoint.Backend = ParseString(l.env("CHECKPOINT_BACKEND"), cfg.Checkpoint.Backend)
	cfg.Checkpoint.Path = ParseString(l.env("CHECKPOINT_PATH"), cfg.Checkpoint.Path)
	cfg.Checkpoint.Name = ParseString(l.env("CHECKPOINT_NAME"), cfg.Checkpoint.Name)

	d := &cfg.Dispatch
	d.Backend = ParseString(l.env("DISPATCH_BACKEND"), d.Backend)
	d.TaskType = ParseString(l.env("DISPATCH_TASK_TYPE"), d.TaskType)
	d.Redis.Addr = ParseString(l.env("REDIS_ADDR"), d.Redis.Addr)
	d.Redis.Password = ParseString(l.env("REDIS_PASSWORD"), d.Redis.Password)
	d.Redis.DB = ParseInt(l.env("REDIS_DB"), d.Redis.DB)
	d.Redis.Key = ParseString(l.env("REDIS_QUEUE"), d.Redis.Key)
	d.Redis.PollInterval = ParseDuration(l.env("REDIS_POLL_INTERVAL"), d.Redis.PollInterval)
	d.Redis.Consume = ParseBool(l.env("REDIS_CONSUME"), d.Redis.Consume)
	d.Kafka.Brokers = ParseStringSlice(l.env("KAFKA_BROKERS"), d.Kafka.Brokers)
	d.Kafka.Topic = ParseString(l.env("KAFKA_TOPIC"), d.Kafka.Topic)

	r := &cfg.Retry
	r.Interval = ParseDuration(l.env("RETRY_INTERVAL"), r.Interval)
	r.MaxAttempts = ParseInt(l.env("RETRY_MAX_ATTEMPTS"), r.MaxAttempts)
	r.StaleAfter = ParseDuration(l.env("RETRY_STALE_AFTER"), r.StaleAfter)
	r.BatchSize = ParseInt(l.env("RETRY_BATCH_SIZE"), r.BatchSize)

	cfg.Subscriptions.File = ParseString(l.env("SUBSCRIPTIONS_FILE"), cfg.Subscriptions.File)
	cfg.Subscriptions.Watch = ParseBool(l.env("SUBSCRIPTIONS_WATCH"), cfg.Subscriptions.Watch)

	cfg.API.ListenAddr = ParseString(l.env("LISTEN"), cfg.API.ListenAddr)
	cfg.API.RateLimit = ParseInt(l.env("API_RATE_LIMIT"), cfg.API.RateLimit)
	cfg.API.RateWindow = ParseDuration(l.env("API_RATE_WINDOW"), cfg.API.RateWindow)

	t := &cfg.Telemetry
	t.Enabled = ParseBool(l.env("TELEMETRY_ENABLED"), t.Enabled)
	t.ServiceName = ParseString(l.env("TELEMETRY_SERVICE_NAME"), t.ServiceName)
	t.Environment = ParseString(l.env("TELEMETRY_ENVIRONMENT"), t.Environment)
	t.ExporterType = ParseString(l.env("TELEMETRY_EXPORTER"), t.ExporterType)
	t.Endpoint = ParseString(l.env("TELEMETRY_ENDPOINT"), t.Endpoint)
	t.SamplingRate = ParseFloat(l.env("TELEMETRY_SAMPLING_RATE"), t.SamplingRate)
}

// resolvePaths anchors relative store and checkpoint paths under DataDir.
func (l *Loader) resolvePaths(cfg *AppConfig) {
	if cfg.Store.Backend == "sqlite" && cfg.Store.Path == "" && cfg.DataDir != "" {
		cfg.Store.Path = filepath.Join(cfg.DataDir, "snipey.sqlite")
	}
	if cfg.Checkpoint.Backend == "file" && cfg.Checkpoint.Path == "" && cfg.DataDir != "" {
		cfg.Checkpoint.Path = filepath.Join(cfg.DataDir, "cursor.json")
	}
}
