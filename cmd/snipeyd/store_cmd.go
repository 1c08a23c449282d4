// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/ManuGH/snipey/internal/domain"
	"github.com/ManuGH/snipey/internal/persistence/sqlite"
	"github.com/ManuGH/snipey/internal/store"
)

func newStoreCmd(configPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "store",
		Short: "Store maintenance",
	}
	cmd.AddCommand(newStoreVerifyCmd(configPath), newStoreStatsCmd(configPath))
	return cmd
}

func newStoreVerifyCmd(configPath *string) *cobra.Command {
	var path, mode string

	cmd := &cobra.Command{
		Use:   "verify",
		Short: "Check integrity of the SQLite store",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			mode = strings.ToLower(strings.TrimSpace(mode))
			if mode != "quick" && mode != "full" {
				return usageError("invalid mode %q: use quick or full", mode)
			}
			if path == "" {
				cfg, err := loadConfig(*configPath)
				if err != nil {
					return err
				}
				if cfg.Store.Backend != store.BackendSQLite {
					return usageError("store backend is %q; pass --path to verify a SQLite file", cfg.Store.Backend)
				}
				path = cfg.Store.Path
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(cmd.ErrOrStderr(), "Verifying integrity of %s (mode: %s)...\n", path, mode)
			issues, err := sqlite.VerifyIntegrity(cmd.Context(), path, mode)
			if err != nil {
				return fmt.Errorf("verification interrupted: %w", err)
			}
			if issues != nil {
				for _, issue := range issues {
					fmt.Fprintf(out, "  - %s\n", issue)
				}
				return &exitError{code: 1, err: fmt.Errorf("corruption detected in %s", path)}
			}
			_, err = fmt.Fprintln(out, "Integrity verified: ok")
			return err
		},
	}
	cmd.Flags().StringVar(&path, "path", "", "SQLite database file (defaults to store.path)")
	cmd.Flags().StringVar(&mode, "mode", "quick", "verification mode: quick or full")
	return cmd
}

var snipeStatuses = []domain.DispatchStatus{
	domain.DispatchPending,
	domain.DispatchSubmitted,
	domain.DispatchFailed,
	domain.DispatchAbandoned,
	domain.DispatchFired,
}

func newStoreStatsCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Print event and snipe counts",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(*configPath)
			if err != nil {
				return err
			}
			st, err := store.NewStore(cmd.Context(), store.Config{
				Backend:      cfg.Store.Backend,
				Path:         cfg.Store.Path,
				DSN:          cfg.Store.DSN,
				MaxOpenConns: cfg.Store.MaxOpenConns,
			})
			if err != nil {
				return fmt.Errorf("open store: %w", err)
			}
			defer func() { _ = st.Close() }()

			stats, err := st.Stats(cmd.Context())
			if err != nil {
				return fmt.Errorf("read stats: %w", err)
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "events: %d\n", stats.Events)
			for _, status := range snipeStatuses {
				fmt.Fprintf(out, "snipes.%s: %d\n", status, stats.Snipes[status])
			}
			return nil
		},
	}
}
