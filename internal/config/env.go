// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/ManuGH/snipey/internal/log"
)

// EnvPrefix prefixes every environment key read by the loader.
const EnvPrefix = "SNIPEY_"

func isSensitive(key string) bool {
	lower := strings.ToLower(key)
	return strings.Contains(lower, "key") || strings.Contains(lower, "password") ||
		strings.Contains(lower, "token") || strings.Contains(lower, "dsn")
}

// parseEnv looks up key and converts it with parse. Unset, empty and
// unparsable values fall back to defaultValue. The chosen source is logged
// at debug level; sensitive values are never logged.
func parseEnv[T any](key string, defaultValue T, kind string, parse func(string) (T, error)) T {
	logger := log.WithComponent("config")
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		logger.Debug().
			Str("key", key).
			Interface("default", redact(key, defaultValue)).
			Str("source", "default").
			Msg("using default value")
		return defaultValue
	}

	parsed, err := parse(v)
	if err != nil {
		logger.Warn().
			Str("key", key).
			Interface("value", redact(key, v)).
			Interface("default", redact(key, defaultValue)).
			Msgf("invalid %s in environment variable, using default", kind)
		return defaultValue
	}

	event := logger.Debug().Str("key", key).Str("source", "environment")
	if isSensitive(key) {
		event = event.Bool("sensitive", true)
	} else {
		event = event.Interface("value", parsed)
	}
	event.Msg("using environment variable")
	return parsed
}

func redact(key string, v any) any {
	if isSensitive(key) {
		return "***"
	}
	return v
}

// ParseString reads a string from environment variable or returns default value.
func ParseString(key, defaultValue string) string {
	return parseEnv(key, defaultValue, "string", func(s string) (string, error) { return s, nil })
}

// ParseInt reads an integer from environment variable or returns default value.
func ParseInt(key string, defaultValue int) int {
	return parseEnv(key, defaultValue, "integer", strconv.Atoi)
}

// ParseFloat reads a float64 from environment variable or returns default value.
func ParseFloat(key string, defaultValue float64) float64 {
	return parseEnv(key, defaultValue, "float", func(s string) (float64, error) {
		return strconv.ParseFloat(s, 64)
	})
}

// ParseDuration reads a duration in Go duration format (e.g. "5s").
func ParseDuration(key string, defaultValue time.Duration) time.Duration {
	return parseEnv(key, defaultValue, "duration", time.ParseDuration)
}

// ParseBool reads a boolean; it accepts "true", "false", "1", "0", "yes", "no" (case-insensitive).
func ParseBool(key string, defaultValue bool) bool {
	return parseEnv(key, defaultValue, "boolean", func(s string) (bool, error) {
		switch strings.ToLower(s) {
		case "true", "1", "yes":
			return true, nil
		case "false", "0", "no":
			return false, nil
		}
		return false, strconv.ErrSyntax
	})
}

// ParseStringSlice reads a comma separated list, dropping empty entries.
func ParseStringSlice(key string, defaultValue []string) []string {
	return parseEnv(key, defaultValue, "list", func(s string) ([]string, error) {
		var out []string
		for _, part := range strings.Split(s, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
		return out, nil
	})
}
