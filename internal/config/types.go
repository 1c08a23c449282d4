// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Package config provides configuration management for snipey.
package config

import "time"

// AppConfig is the complete daemon configuration.
type AppConfig struct {
	Version  string `yaml:"-"`
	LogLevel string `yaml:"logLevel"`
	DataDir  string `yaml:"dataDir"`

	Upstream      UpstreamConfig      `yaml:"upstream"`
	Stream        StreamConfig        `yaml:"stream"`
	Registrar     RegistrarConfig     `yaml:"registrar"`
	Store         StoreConfig         `yaml:"store"`
	Checkpoint    CheckpointConfig    `yaml:"checkpoint"`
	Dispatch      DispatchConfig      `yaml:"dispatch"`
	Retry         RetryConfig         `yaml:"retry"`
	Subscriptions SubscriptionsConfig `yaml:"subscriptions"`
	API           APIConfig           `yaml:"api"`
	Telemetry     TelemetryConfig     `yaml:"telemetry"`
}

// UpstreamConfig configures the stream and event-detail HTTP endpoints.
type UpstreamConfig struct {
	StreamURL string `yaml:"streamUrl"`
	BaseURL   string `yaml:"baseUrl"`
	APIKey    string `yaml:"apiKey"`
	UserAgent string `yaml:"userAgent"`

	Timeout               time.Duration `yaml:"timeout"`
	ResponseHeaderTimeout time.Duration `yaml:"responseHeaderTimeout"`
	MaxRetries            int           `yaml:"maxRetries"`
	Backoff               time.Duration `yaml:"backoff"`
	MaxBackoff            time.Duration `yaml:"maxBackoff"`
	RateLimit             float64       `yaml:"rateLimit"`
	RateBurst             int           `yaml:"rateBurst"`

	BreakerThreshold int           `yaml:"breakerThreshold"`
	BreakerReset     time.Duration `yaml:"breakerReset"`
}

// StreamConfig configures the consumer and its reconnect supervisor.
type StreamConfig struct {
	QueueSize        int           `yaml:"queueSize"`
	Workers          int           `yaml:"workers"`
	MaxLineBytes     int           `yaml:"maxLineBytes"`
	IdleTimeout      time.Duration `yaml:"idleTimeout"`
	ReconnectInitial time.Duration `yaml:"reconnectInitial"`
	ReconnectMax     time.Duration `yaml:"reconnectMax"`
	// RouteRetryInitial and RouteRetryMax bound the backoff while a
	// notification is held for a transient store failure.
	RouteRetryInitial time.Duration `yaml:"routeRetryInitial"`
	RouteRetryMax     time.Duration `yaml:"routeRetryMax"`
}

// RegistrarConfig configures the bounded event-detail retry.
type RegistrarConfig struct {
	FetchAttempts int           `yaml:"fetchAttempts"`
	FetchBackoff  time.Duration `yaml:"fetchBackoff"`
}

// StoreConfig selects the persistence backend.
type StoreConfig struct {
	Backend      string `yaml:"backend"`
	Path         string `yaml:"path"`
	DSN          string `yaml:"dsn"`
	MaxOpenConns int    `yaml:"maxOpenConns"`
}

// CheckpointConfig selects where the stream cursor is persisted.
type CheckpointConfig struct {
	Backend string `yaml:"backend"` // store, file, memory
	Path    string `yaml:"path"`
	Name    string `yaml:"name"`
}

// DispatchConfig selects the deferred task queue.
type DispatchConfig struct {
	Backend  string      `yaml:"backend"` // timer, redis, kafka
	TaskType string      `yaml:"taskType"`
	Redis    RedisConfig `yaml:"redis"`
	Kafka    KafkaConfig `yaml:"kafka"`
}

// RedisConfig configures the redis sorted-set queue.
type RedisConfig struct {
	Addr         string        `yaml:"addr"`
	Password     string        `yaml:"password"`
	DB           int           `yaml:"db"`
	Key          string        `yaml:"key"`
	PollInterval time.Duration `yaml:"pollInterval"`
	// Consume runs the due-task poller in the daemon. Disable it when
	// external workers drain the queue.
	Consume bool `yaml:"consume"`
}

// KafkaConfig configures the kafka task topic.
type KafkaConfig struct {
	Brokers []string `yaml:"brokers"`
	Topic   string   `yaml:"topic"`
}

// RetryConfig configures the failed-dispatch sweeper.
type RetryConfig struct {
	Interval    time.Duration `yaml:"interval"`
	MaxAttempts int           `yaml:"maxAttempts"`
	StaleAfter  time.Duration `yaml:"staleAfter"`
	BatchSize   int           `yaml:"batchSize"`
}

// SubscriptionsConfig points at an optional YAML subscription file.
type SubscriptionsConfig struct {
	File  string `yaml:"file"`
	Watch bool   `yaml:"watch"`
}

// APIConfig configures the operational HTTP surface.
type APIConfig struct {
	ListenAddr string        `yaml:"listenAddr"`
	RateLimit  int           `yaml:"rateLimit"`
	RateWindow time.Duration `yaml:"rateWindow"`
}

// TelemetryConfig configures OpenTelemetry tracing.
type TelemetryConfig struct {
	Enabled      bool    `yaml:"enabled"`
	ServiceName  string  `yaml:"serviceName"`
	Environment  string  `yaml:"environment"`
	ExporterType string  `yaml:"exporterType"` // grpc, http
	Endpoint     string  `yaml:"endpoint"`
	SamplingRate float64 `yaml:"samplingRate"`
}
