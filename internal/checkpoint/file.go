// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package checkpoint

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/renameio/v2"
)

type fileRecord struct {
	CursorMS  int64     `json:"cursor_ms"`
	UpdatedAt time.Time `json:"updated_at"`
}

// File keeps the cursor in a small JSON document replaced atomically on
// every save, so a crash leaves either the old or the new cursor.
type File struct {
	mu   sync.Mutex
	path string
}

// NewFile returns a checkpoint stored at path. The parent directory is
// created on first save.
func NewFile(path string) *File {
	return &File{path: path}
}

// Path returns the checkpoint file path.
func (f *File) Path() string { return f.path }

func (f *File) Load(context.Context) (int64, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	data, err := os.ReadFile(f.path)
	if errors.Is(err, fs.ErrNotExist) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("read checkpoint: %w", err)
	}
	var rec fileRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return 0, false, fmt.Errorf("decode checkpoint %s: %w", f.path, err)
	}
	return rec.CursorMS, true, nil
}

func (f *File) Save(_ context.Context, ms int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	data, err := json.Marshal(fileRecord{CursorMS: ms, UpdatedAt: time.Now().UTC()})
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(f.path), 0o750); err != nil {
		return fmt.Errorf("create checkpoint dir: %w", err)
	}
	// fsync + rename
	if err := renameio.WriteFile(f.path, data, 0o600); err != nil {
		return fmt.Errorf("atomically replace checkpoint: %w", err)
	}
	return nil
}
