// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package store

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"
)

// schemaVersion is bumped whenever migrations gain a step.
const schemaVersion = 1

// dialect captures what differs between the SQL backends. Queries are
// written with "?" placeholders and rebound per dialect.
type dialect struct {
	name       string
	idColumn   string
	rebind     func(string) string
	version    func(ctx context.Context, db *sql.DB) (int, error)
	setVersion func(ctx context.Context, tx *sql.Tx, v int) error
}

var sqliteDialect = dialect{
	name:     BackendSQLite,
	idColumn: "INTEGER PRIMARY KEY AUTOINCREMENT",
	rebind:   func(q string) string { return q },
	version: func(ctx context.Context, db *sql.DB) (int, error) {
		var v int
		err := db.QueryRowContext(ctx, "PRAGMA user_version").Scan(&v)
		return v, err
	},
	setVersion: func(ctx context.Context, tx *sql.Tx, v int) error {
		_, err := tx.ExecContext(ctx, fmt.Sprintf("PRAGMA user_version = %d", v))
		return err
	},
}

var postgresDialect = dialect{
	name:     BackendPostgres,
	idColumn: "BIGSERIAL PRIMARY KEY",
	rebind:   dollarPlaceholders,
	version: func(ctx context.Context, db *sql.DB) (int, error) {
		if _, err := db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_version (version INTEGER NOT NULL)`); err != nil {
			return 0, err
		}
		var v sql.NullInt64
		if err := db.QueryRowContext(ctx, `SELECT MAX(version) FROM schema_version`).Scan(&v); err != nil {
			return 0, err
		}
		return int(v.Int64), nil
	},
	setVersion: func(ctx context.Context, tx *sql.Tx, v int) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM schema_version`); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, `INSERT INTO schema_version (version) VALUES ($1)`, v)
		return err
	},
}

// dollarPlaceholders rewrites "?" placeholders to "$1", "$2", ... for postgres.
// Question marks inside single-quoted literals are left alone.
func dollarPlaceholders(q string) string {
	var b strings.Builder
	b.Grow(len(q) + 8)
	n := 0
	inQuote := false
	for i := 0; i < len(q); i++ {
		c := q[i]
		switch {
		case c == '\'':
			inQuote = !inQuote
			b.WriteByte(c)
		case c == '?' && !inQuote:
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
		default:
			b.WriteByte(c)
		}
	}
	return b.String()
}

// schemaStatements returns the DDL for d, applied in order.
func schemaStatements(d dialect) []string {
	return []string{
		`CREATE TABLE IF NOT EXISTS tracked_groups (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE TABLE IF NOT EXISTS group_subscribers (
			group_id TEXT NOT NULL REFERENCES tracked_groups(id) ON DELETE CASCADE,
			user_id TEXT NOT NULL,
			user_name TEXT NOT NULL DEFAULT '',
			ordinal INTEGER NOT NULL DEFAULT 0,
			PRIMARY KEY (group_id, user_id)
		)`,
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS events (
			id %s,
			group_id TEXT NOT NULL,
			meetup_id TEXT NOT NULL,
			name TEXT NOT NULL DEFAULT '',
			rsvp_open_at_us BIGINT,
			created_at_us BIGINT NOT NULL,
			UNIQUE (group_id, meetup_id)
		)`, d.idColumn),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS snipes (
			id %s,
			event_id BIGINT NOT NULL REFERENCES events(id) ON DELETE CASCADE,
			meetup_id TEXT NOT NULL,
			group_id TEXT NOT NULL,
			user_id TEXT NOT NULL,
			trigger_at_us BIGINT NOT NULL,
			immediate INTEGER NOT NULL DEFAULT 0,
			status TEXT NOT NULL,
			task_handle TEXT NOT NULL DEFAULT '',
			attempts INTEGER NOT NULL DEFAULT 0,
			last_error TEXT NOT NULL DEFAULT '',
			created_at_us BIGINT NOT NULL,
			updated_at_us BIGINT NOT NULL,
			UNIQUE (event_id, user_id)
		)`, d.idColumn),
		`CREATE INDEX IF NOT EXISTS idx_snipes_status ON snipes(status, updated_at_us)`,
		`CREATE TABLE IF NOT EXISTS stream_cursors (
			name TEXT PRIMARY KEY,
			position_ms BIGINT NOT NULL,
			updated_at_us BIGINT NOT NULL
		)`,
	}
}
