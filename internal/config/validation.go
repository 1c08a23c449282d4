// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package config

import (
	"strings"
	"time"

	"github.com/ManuGH/snipey/internal/validate"
)

var schemes = []string{"http", "https"}

// Validate validates an AppConfig using the centralized validation package.
func Validate(cfg AppConfig) error {
	v := validate.New()

	v.LogLevel("LogLevel", cfg.LogLevel)
	if cfg.DataDir != "" {
		v.Directory("DataDir", cfg.DataDir, false)
	}

	u := cfg.Upstream
	v.URL("Upstream.StreamURL", u.StreamURL, schemes)
	v.URL("Upstream.BaseURL", u.BaseURL, schemes)
	v.Range("Upstream.MaxRetries", u.MaxRetries, 0, 10)
	v.DurationRange("Upstream.Timeout", u.Timeout, 100*time.Millisecond, 5*time.Minute)
	if u.RateLimit < 0 {
		v.AddError("Upstream.RateLimit", "value cannot be negative", u.RateLimit)
	}
	v.NonNegative("Upstream.RateBurst", u.RateBurst)
	v.Positive("Upstream.BreakerThreshold", u.BreakerThreshold)

	s := cfg.Stream
	v.Range("Stream.QueueSize", s.QueueSize, 1, 100000)
	v.Range("Stream.Workers", s.Workers, 1, 256)
	v.Range("Stream.MaxLineBytes", s.MaxLineBytes, 4096, 64<<20)
	if s.IdleTimeout < 0 {
		v.AddError("Stream.IdleTimeout", "duration cannot be negative", s.IdleTimeout)
	}
	v.DurationRange("Stream.ReconnectInitial", s.ReconnectInitial, time.Millisecond, time.Hour)
	if s.ReconnectMax < s.ReconnectInitial {
		v.AddError("Stream.ReconnectMax", "must not be smaller than Stream.ReconnectInitial", s.ReconnectMax)
	}
	v.DurationRange("Stream.RouteRetryInitial", s.RouteRetryInitial, time.Millisecond, time.Hour)
	if s.RouteRetryMax < s.RouteRetryInitial {
		v.AddError("Stream.RouteRetryMax", "must not be smaller than Stream.RouteRetryInitial", s.RouteRetryMax)
	}

	v.Range("Registrar.FetchAttempts", cfg.Registrar.FetchAttempts, 1, 10)

	v.OneOf("Store.Backend", cfg.Store.Backend, []string{"memory", "sqlite", "postgres"})
	if cfg.Store.Backend == "postgres" {
		v.NotEmpty("Store.DSN", cfg.Store.DSN)
	}

	v.OneOf("Checkpoint.Backend", cfg.Checkpoint.Backend, []string{"store", "file", "memory"})
	v.NotEmpty("Checkpoint.Name", cfg.Checkpoint.Name)
	if cfg.Checkpoint.Backend == "file" {
		v.NotEmpty("Checkpoint.Path", cfg.Checkpoint.Path)
	}

	d := cfg.Dispatch
	v.OneOf("Dispatch.Backend", d.Backend, []string{"timer", "redis", "kafka"})
	v.NotEmpty("Dispatch.TaskType", d.TaskType)
	switch d.Backend {
	case "redis":
		v.NotEmpty("Dispatch.Redis.Addr", d.Redis.Addr)
		v.NotEmpty("Dispatch.Redis.Key", d.Redis.Key)
		if d.Redis.Consume {
			v.DurationRange("Dispatch.Redis.PollInterval", d.Redis.PollInterval, 10*time.Millisecond, time.Minute)
		}
	case "kafka":
		if len(d.Kafka.Brokers) == 0 {
			v.AddError("Dispatch.Kafka.Brokers", "at least one broker is required", d.Kafka.Brokers)
		}
		v.NotEmpty("Dispatch.Kafka.Topic", d.Kafka.Topic)
	}

	v.Positive("Retry.MaxAttempts", cfg.Retry.MaxAttempts)
	v.DurationRange("Retry.Interval", cfg.Retry.Interval, 10*time.Millisecond, 24*time.Hour)
	v.Positive("Retry.BatchSize", cfg.Retry.BatchSize)

	if strings.TrimSpace(cfg.Subscriptions.File) != "" {
		v.File("Subscriptions.File", cfg.Subscriptions.File)
	}

	v.NotEmpty("API.ListenAddr", cfg.API.ListenAddr)
	v.NonNegative("API.RateLimit", cfg.API.RateLimit)

	if cfg.Telemetry.Enabled {
		v.OneOf("Telemetry.ExporterType", cfg.Telemetry.ExporterType, []string{"grpc", "http"})
		v.NotEmpty("Telemetry.Endpoint", cfg.Telemetry.Endpoint)
		if cfg.Telemetry.SamplingRate < 0 || cfg.Telemetry.SamplingRate > 1 {
			v.AddError("Telemetry.SamplingRate", "must be between 0.0 and 1.0", cfg.Telemetry.SamplingRate)
		}
	}

	return v.Err()
}
