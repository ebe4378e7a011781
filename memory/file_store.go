package memory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// FileStore keeps the snapshot in a JSON file. Writes go to a temp file
// first and are renamed into place.
type FileStore struct {
	path string
}

// NewFileStore returns a store rooted at path. Parent directories are
// created on first save.
func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

// Load implements Store.
func (s *FileStore) Load(_ context.Context) (*Snapshot, error) {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("memory: read %s: %w", s.path, err)
	}
	snap := newSnapshot()
	if err := json.Unmarshal(data, snap); err != nil {
		return nil, fmt.Errorf("memory: decode %s: %w", s.path, err)
	}
	return snap, nil
}

// Save implements Store.
func (s *FileStore) Save(_ context.Context, snap *Snapshot) error {
	return writeJSONAtomic(s.path, snap)
}

// Backup implements Store. The backup lands next to the live file as
// <name>.<label>.json.
func (s *FileStore) Backup(_ context.Context, label string, snap *Snapshot) error {
	ext := filepath.Ext(s.path)
	base := strings.TrimSuffix(s.path, ext)
	return writeJSONAtomic(base+"."+label+".json", snap)
}

// Close implements Store.
func (s *FileStore) Close() error { return nil }

func writeJSONAtomic(path string, v any) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("memory: mkdir: %w", err)
	}
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("memory: encode: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".memory-*.tmp")
	if err != nil {
		return fmt.Errorf("memory: create temp: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("memory: write temp: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("memory: close temp: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("memory: rename: %w", err)
	}
	return nil
}
