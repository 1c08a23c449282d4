// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Command snipeyd consumes the open events stream and schedules snipes for
// subscribed users.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/ManuGH/snipey/internal/config"
	"github.com/ManuGH/snipey/internal/daemon"
	"github.com/ManuGH/snipey/internal/health"
	xglog "github.com/ManuGH/snipey/internal/log"
	"github.com/ManuGH/snipey/internal/version"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(exitCode(err))
	}
}

// exitError carries a process exit code through cobra.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }
func (e *exitError) Unwrap() error { return e.err }

func exitCode(err error) int {
	var ee *exitError
	if errors.As(err, &ee) {
		return ee.code
	}
	return 1
}

func usageError(format string, args ...any) error {
	return &exitError{code: 2, err: fmt.Errorf(format, args...)}
}

func newRootCmd() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:           "snipeyd",
		Short:         "Open events stream consumer and snipe scheduler",
		Long:          "snipeyd follows the open events stream, registers events of subscribed groups and schedules one snipe per subscriber at the RSVP open time.",
		SilenceUsage:  true,
		SilenceErrors: true,
		Version:       version.String(),
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runDaemon(cmd.Context(), configPath)
		},
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", os.Getenv(config.EnvPrefix+"CONFIG"), "path to the YAML config file")

	root.AddCommand(
		newRunCmd(&configPath),
		newVersionCmd(),
		newCursorCmd(&configPath),
		newStoreCmd(&configPath),
	)
	return root
}

func newRunCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the daemon (default)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runDaemon(cmd.Context(), *configPath)
		},
	}
}

func loadConfig(path string) (config.AppConfig, error) {
	cfg, err := config.NewLoader(path, version.Version).Load()
	if err != nil {
		return config.AppConfig{}, fmt.Errorf("load config: %w", err)
	}
	xglog.Reconfigure(xglog.Config{
		Level:   cfg.LogLevel,
		Service: "snipeyd",
		Version: version.Version,
	})
	return cfg, nil
}

func runDaemon(ctx context.Context, configPath string) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	logger := xglog.WithComponent("main")
	logger.Info().
		Str(xglog.FieldEvent, "daemon.starting").
		Str("version", version.String()).
		Str("config", configPath).
		Msg("starting snipeyd")

	if err := health.PerformStartupChecks(ctx, cfg); err != nil {
		return fmt.Errorf("startup checks: %w", err)
	}

	app, err := daemon.Build(ctx, cfg)
	if err != nil {
		return fmt.Errorf("build daemon: %w", err)
	}
	if err := app.Run(ctx); err != nil {
		return err
	}
	logger.Info().Str(xglog.FieldEvent, "daemon.stopped").Msg("snipeyd stopped")
	return nil
}
