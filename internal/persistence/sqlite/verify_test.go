// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package sqlite

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpenAppliesPragmas(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "snipey.sqlite")
	db, err := Open(dbPath, DefaultConfig())
	require.NoError(t, err)
	defer db.Close()

	var mode string
	require.NoError(t, db.QueryRow("PRAGMA journal_mode").Scan(&mode))
	assert.Equal(t, "wal", mode)

	var fk int
	require.NoError(t, db.QueryRow("PRAGMA foreign_keys").Scan(&fk))
	assert.Equal(t, 1, fk)
}

func TestOpenInMemory(t *testing.T) {
	db, err := Open("", MemoryConfig())
	require.NoError(t, err)
	defer db.Close()

	_, err = db.Exec("CREATE TABLE t (id INTEGER PRIMARY KEY)")
	require.NoError(t, err)
	_, err = db.Exec("INSERT INTO t (id) VALUES (1)")
	require.NoError(t, err)

	var n int
	require.NoError(t, db.QueryRow("SELECT COUNT(*) FROM t").Scan(&n))
	assert.Equal(t, 1, n)
}

func TestVerifyIntegrityHealthy(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "healthy.sqlite")
	db, err := Open(dbPath, DefaultConfig())
	require.NoError(t, err)
	_, err = db.Exec("CREATE TABLE test (id INTEGER PRIMARY KEY, data TEXT)")
	require.NoError(t, err)
	require.NoError(t, db.Close())

	issues, err := VerifyIntegrity(context.Background(), dbPath, "quick")
	require.NoError(t, err)
	assert.Nil(t, issues)

	issues, err = VerifyIntegrity(context.Background(), dbPath, "full")
	require.NoError(t, err)
	assert.Nil(t, issues)
}

func TestDSN(t *testing.T) {
	dsn := DSN("/var/lib/snipey/db.sqlite", DefaultConfig())
	assert.Contains(t, dsn, "file:/var/lib/snipey/db.sqlite?")
	assert.Contains(t, dsn, "journal_mode(WAL)")
	assert.Contains(t, dsn, "busy_timeout(5000)")

	assert.Contains(t, DSN("ignored", MemoryConfig()), "file::memory:")
}
