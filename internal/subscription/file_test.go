// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package subscription

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ManuGH/snipey/internal/domain"
	"github.com/ManuGH/snipey/internal/store"
)

const initialSubscriptions = `
groups:
  - id: 42
    name: Go NYC
    subscribers:
      - id: U1
      - id: U2
  - id: "7"
    name: Empty
`

func writeFile(t *testing.T, path, body string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
}

func TestFileIndexResolve(t *testing.T) {
	path := filepath.Join(t.TempDir(), "subscriptions.yaml")
	writeFile(t, path, initialSubscriptions)

	idx, err := NewFileIndex(context.Background(), path)
	require.NoError(t, err)
	assert.Equal(t, 2, idx.Len())

	g, ok, err := idx.ResolveGroup(context.Background(), "42")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "Go NYC", g.Name)
	assert.Equal(t, []domain.User{{ID: "U1"}, {ID: "U2"}}, g.Subscribers)

	g, ok, err = idx.ResolveGroup(context.Background(), "7")
	require.NoError(t, err)
	require.True(t, ok)
	assert.False(t, g.HasSubscribers())

	_, ok, err = idx.ResolveGroup(context.Background(), "404")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestFileIndexRejectsInvalidFile(t *testing.T) {
	dir := t.TempDir()

	unknown := filepath.Join(dir, "unknown.yaml")
	writeFile(t, unknown, "groups: []\nextra: true\n")
	_, err := NewFileIndex(context.Background(), unknown)
	assert.Error(t, err)

	dup := filepath.Join(dir, "dup.yaml")
	writeFile(t, dup, "groups:\n  - id: 1\n  - id: 1\n")
	_, err = NewFileIndex(context.Background(), dup)
	assert.ErrorContains(t, err, "duplicate group 1")

	_, err = NewFileIndex(context.Background(), filepath.Join(dir, "missing.yaml"))
	assert.Error(t, err)
}

func TestFileIndexReloadKeepsPreviousOnError(t *testing.T) {
	path := filepath.Join(t.TempDir(), "subscriptions.yaml")
	writeFile(t, path, initialSubscriptions)
	idx, err := NewFileIndex(context.Background(), path)
	require.NoError(t, err)

	writeFile(t, path, "groups: [")
	require.Error(t, idx.Reload(context.Background()))
	assert.Equal(t, 2, idx.Len())
}

func TestFileIndexSyncsToSink(t *testing.T) {
	path := filepath.Join(t.TempDir(), "subscriptions.yaml")
	writeFile(t, path, initialSubscriptions)

	mem := store.NewMemoryStore()
	_, err := NewFileIndex(context.Background(), path, WithSink(mem))
	require.NoError(t, err)

	g, ok, err := mem.ResolveGroup(context.Background(), "42")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Len(t, g.Subscribers, 2)
}

func TestFileIndexSinkDropsRemovedGroups(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "subscriptions.yaml")
	writeFile(t, path, initialSubscriptions)

	mem := store.NewMemoryStore()
	// Left behind by an earlier run whose file still listed it.
	require.NoError(t, mem.PutGroup(ctx, domain.Group{ID: "13", Subscribers: []domain.User{{ID: "U3"}}}))

	idx, err := NewFileIndex(ctx, path, WithSink(mem))
	require.NoError(t, err)
	ids, err := mem.ListGroupIDs(ctx)
	require.NoError(t, err)
	assert.Equal(t, []domain.GroupID{"42", "7"}, ids)

	writeFile(t, path, "groups:\n  - id: 42\n    subscribers:\n      - id: U1\n")
	require.NoError(t, idx.Reload(ctx))

	_, ok, err := mem.ResolveGroup(ctx, "7")
	require.NoError(t, err)
	assert.False(t, ok)
	g, ok, err := mem.ResolveGroup(ctx, "42")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []domain.User{{ID: "U1"}}, g.Subscribers)
}

func TestFileIndexWatchReloads(t *testing.T) {
	path := filepath.Join(t.TempDir(), "subscriptions.yaml")
	writeFile(t, path, initialSubscriptions)

	idx, err := NewFileIndex(context.Background(), path, WithDebounce(10*time.Millisecond))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- idx.Watch(ctx) }()

	// Give the watcher time to register before mutating the file.
	time.Sleep(100 * time.Millisecond)
	writeFile(t, path, "groups:\n  - id: 99\n    subscribers:\n      - id: U9\n")

	assert.Eventually(t, func() bool {
		_, ok, _ := idx.ResolveGroup(context.Background(), "99")
		return ok
	}, 5*time.Second, 20*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("watcher did not stop")
	}
}

func TestIndexFunc(t *testing.T) {
	var idx Index = IndexFunc(func(_ context.Context, id domain.GroupID) (domain.Group, bool, error) {
		return domain.Group{ID: id}, id == "1", nil
	})
	_, ok, err := idx.ResolveGroup(context.Background(), "1")
	require.NoError(t, err)
	assert.True(t, ok)
}
