// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package health

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/rs/zerolog"

	"github.com/ManuGH/snipey/internal/config"
	"github.com/ManuGH/snipey/internal/log"
)

// PerformStartupChecks validates the environment before the daemon starts.
func PerformStartupChecks(_ context.Context, cfg config.AppConfig) error {
	logger := log.WithComponent("startup-check")

	if needsDataDir(cfg) {
		if err := checkDataDir(logger, cfg.DataDir); err != nil {
			return fmt.Errorf("data directory check failed: %w", err)
		}
	}
	if err := checkListenAddr(cfg.API.ListenAddr); err != nil {
		return err
	}
	for name, raw := range map[string]string{"stream": cfg.Upstream.StreamURL, "api": cfg.Upstream.BaseURL} {
		if err := checkHTTPURL(raw); err != nil {
			return fmt.Errorf("invalid upstream %s URL: %w", name, err)
		}
	}
	if subs := cfg.Subscriptions.File; subs != "" {
		if err := checkFileReadable(subs); err != nil {
			return fmt.Errorf("subscriptions file: %w", err)
		}
	}
	if strings.EqualFold(cfg.Dispatch.Backend, "timer") {
		logger.Warn().
			Str("event", "startup.volatile_dispatch").
			Msg("timer dispatch keeps deferred tasks in memory; pending tasks are marked failed on shutdown")
	}

	logger.Info().Str("event", "startup.checked").Msg("startup checks passed")
	return nil
}

func needsDataDir(cfg config.AppConfig) bool {
	return cfg.DataDir != "" &&
		(strings.EqualFold(cfg.Store.Backend, "sqlite") || strings.EqualFold(cfg.Checkpoint.Backend, "file"))
}

func checkDataDir(logger zerolog.Logger, path string) error {
	if err := os.MkdirAll(path, 0o750); err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}
	info, err := os.Stat(path)
	if err != nil {
		return err
	}
	if !info.IsDir() {
		return fmt.Errorf("path is not a directory: %s", path)
	}

	testFile := filepath.Join(path, ".write_test")
	if err := os.WriteFile(testFile, []byte("ok"), 0o600); err != nil {
		return fmt.Errorf("directory is not writable: %s (error: %v)", path, err)
	}
	_ = os.Remove(testFile)

	logger.Debug().Str("path", path).Msg("data directory is writable")
	return nil
}

func checkListenAddr(addr string) error {
	if addr == "" {
		return nil
	}
	_, port, err := net.SplitHostPort(addr)
	if err != nil {
		return fmt.Errorf("invalid API listen address %q: %w", addr, err)
	}
	portNum, err := strconv.Atoi(port)
	if err != nil || portNum < 0 || portNum > 65535 {
		return fmt.Errorf("invalid API listen port %q in %q", port, addr)
	}
	return nil
}

func checkHTTPURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("scheme must be http or https, got %q", u.Scheme)
	}
	if u.Host == "" {
		return fmt.Errorf("missing host in %q", raw)
	}
	return nil
}

func checkFileReadable(path string) error {
	f, err := os.Open(path) // #nosec G304 -- path comes from operator config
	if err != nil {
		return err
	}
	return f.Close()
}
