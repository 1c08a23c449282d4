// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package subscription

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	"github.com/ManuGH/snipey/internal/domain"
	xglog "github.com/ManuGH/snipey/internal/log"
)

// fileDocument is the on-disk layout of a subscription file:
//
//	groups:
//	  - id: 42
//	    name: Go NYC
//	    subscribers:
//	      - id: U1
type fileDocument struct {
	Groups []domain.Group `yaml:"groups"`
}

// FileIndex serves subscriptions from a YAML file and reloads it on change.
type FileIndex struct {
	path   string
	sink   GroupWriter
	logger zerolog.Logger

	mu     sync.RWMutex
	groups map[domain.GroupID]domain.Group

	debounce time.Duration
}

// FileOption configures a FileIndex.
type FileOption func(*FileIndex)

// WithSink mirrors every successfully loaded file into w. Groups of w that
// the file no longer lists are deleted.
func WithSink(w GroupWriter) FileOption {
	return func(f *FileIndex) { f.sink = w }
}

// WithDebounce overrides the delay between a file event and the reload.
func WithDebounce(d time.Duration) FileOption {
	return func(f *FileIndex) { f.debounce = d }
}

// NewFileIndex loads path and returns an index serving its groups.
func NewFileIndex(ctx context.Context, path string, opts ...FileOption) (*FileIndex, error) {
	f := &FileIndex{
		path:     path,
		logger:   xglog.WithComponent("subscription"),
		groups:   make(map[domain.GroupID]domain.Group),
		debounce: 250 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(f)
	}
	if err := f.Reload(ctx); err != nil {
		return nil, err
	}
	return f, nil
}

// ResolveGroup implements Index.
func (f *FileIndex) ResolveGroup(_ context.Context, id domain.GroupID) (domain.Group, bool, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	g, ok := f.groups[id]
	if !ok {
		return domain.Group{}, false, nil
	}
	g.Subscribers = append([]domain.User(nil), g.Subscribers...)
	return g, true, nil
}

// Len returns the number of groups currently loaded.
func (f *FileIndex) Len() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.groups)
}

// Reload re-reads the file. On error the previous groups stay in effect.
func (f *FileIndex) Reload(ctx context.Context) error {
	data, err := os.ReadFile(f.path)
	if err != nil {
		return fmt.Errorf("read subscriptions %s: %w", f.path, err)
	}

	var doc fileDocument
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&doc); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("parse subscriptions %s: %w", f.path, err)
	}

	groups := make(map[domain.GroupID]domain.Group, len(doc.Groups))
	for i, g := range doc.Groups {
		if g.ID == "" {
			return fmt.Errorf("parse subscriptions %s: group %d has no id", f.path, i)
		}
		if _, dup := groups[g.ID]; dup {
			return fmt.Errorf("parse subscriptions %s: duplicate group %s", f.path, g.ID)
		}
		groups[g.ID] = g
	}

	f.mu.Lock()
	f.groups = groups
	f.mu.Unlock()

	removed, err := f.sync(ctx, doc.Groups, groups)
	if err != nil {
		return err
	}

	f.logger.Info().
		Str(xglog.FieldEvent, "subscriptions.loaded").
		Str("path", f.path).
		Int("groups", len(groups)).
		Int("removed", removed).
		Msg("subscriptions loaded")
	return nil
}

func (f *FileIndex) sync(ctx context.Context, loaded []domain.Group, keep map[domain.GroupID]domain.Group) (int, error) {
	if f.sink == nil {
		return 0, nil
	}
	for _, g := range loaded {
		if err := f.sink.PutGroup(ctx, g); err != nil {
			return 0, fmt.Errorf("sync group %s: %w", g.ID, err)
		}
	}
	ids, err := f.sink.ListGroupIDs(ctx)
	if err != nil {
		return 0, fmt.Errorf("sync groups: %w", err)
	}
	var removed int
	for _, id := range ids {
		if _, ok := keep[id]; ok {
			continue
		}
		if err := f.sink.DeleteGroup(ctx, id); err != nil {
			return removed, fmt.Errorf("remove group %s: %w", id, err)
		}
		removed++
	}
	return removed, nil
}

// Watch reloads the file whenever it changes until ctx is cancelled.
// The parent directory is watched so that editors replacing the file by
// rename are picked up.
func (f *FileIndex) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer func() { _ = watcher.Close() }()

	dir := filepath.Dir(f.path)
	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("watch %s: %w", dir, err)
	}
	target := filepath.Clean(f.path)

	f.logger.Info().
		Str(xglog.FieldEvent, "subscriptions.watcher_started").
		Str("path", f.path).
		Msg("watching subscription file for changes")

	var debounce *time.Timer
	reload := make(chan struct{}, 1)
	defer func() {
		if debounce != nil {
			debounce.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			f.logger.Info().Str(xglog.FieldEvent, "subscriptions.watcher_stopped").Msg("subscription watcher stopped")
			return nil

		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != target {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			if debounce != nil {
				debounce.Stop()
			}
			debounce = time.AfterFunc(f.debounce, func() {
				select {
				case reload <- struct{}{}:
				default:
				}
			})

		case <-reload:
			if err := f.Reload(ctx); err != nil {
				f.logger.Error().
					Err(err).
					Str(xglog.FieldEvent, "subscriptions.reload_failed").
					Msg("subscription reload failed, keeping previous groups")
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			f.logger.Error().
				Err(err).
				Str(xglog.FieldEvent, "subscriptions.watcher_error").
				Msg("subscription watcher error")
		}
	}
}
