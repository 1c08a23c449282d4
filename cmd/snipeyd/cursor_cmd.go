// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package main

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/ManuGH/snipey/internal/checkpoint"
	"github.com/ManuGH/snipey/internal/config"
	"github.com/ManuGH/snipey/internal/store"
)

func newCursorCmd(configPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cursor",
		Short: "Show the persisted stream cursor",
		Long:  "Show the stream cursor the daemon resumes from. The cursor is the mtime (epoch milliseconds) of the last fully handled notification.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(*configPath)
			if err != nil {
				return err
			}
			cp, closeFn, err := openCheckpoint(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer func() { _ = closeFn() }()

			ms, ok, err := cp.Load(cmd.Context())
			if err != nil {
				return fmt.Errorf("load cursor: %w", err)
			}
			return printCursor(cmd.OutOrStdout(), ms, ok)
		},
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "set MS",
		Short: "Overwrite the persisted stream cursor",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ms, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil || ms < 0 {
				return usageError("invalid cursor %q: expected epoch milliseconds", args[0])
			}
			cfg, err := loadConfig(*configPath)
			if err != nil {
				return err
			}
			cp, closeFn, err := openCheckpoint(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer func() { _ = closeFn() }()

			if err := cp.Save(cmd.Context(), ms); err != nil {
				return fmt.Errorf("save cursor: %w", err)
			}
			return printCursor(cmd.OutOrStdout(), ms, true)
		},
	})
	return cmd
}

func printCursor(w io.Writer, ms int64, ok bool) error {
	if !ok {
		_, err := fmt.Fprintln(w, "cursor: none (starts at live edge)")
		return err
	}
	_, err := fmt.Fprintf(w, "cursor: %d (%s)\n", ms, time.UnixMilli(ms).UTC().Format(time.RFC3339Nano))
	return err
}

func openCheckpoint(ctx context.Context, cfg config.AppConfig) (checkpoint.Store, func() error, error) {
	noop := func() error { return nil }
	switch cfg.Checkpoint.Backend {
	case "", "store":
		st, err := store.NewStore(ctx, store.Config{
			Backend:      cfg.Store.Backend,
			Path:         cfg.Store.Path,
			DSN:          cfg.Store.DSN,
			MaxOpenConns: cfg.Store.MaxOpenConns,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("open store: %w", err)
		}
		return checkpoint.NewNamed(st, cfg.Checkpoint.Name), st.Close, nil
	case "file":
		return checkpoint.NewFile(cfg.Checkpoint.Path), noop, nil
	case "memory":
		return nil, nil, usageError("checkpoint backend %q is not persisted", cfg.Checkpoint.Backend)
	default:
		return nil, nil, usageError("unknown checkpoint backend %q", cfg.Checkpoint.Backend)
	}
}
