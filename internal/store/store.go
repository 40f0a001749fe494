// Package store persists session values across process restarts.
package store

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
)

// Store is a small string key-value store.
type Store interface {
	// Get returns the value for key and whether it was present.
	Get(key string) (string, bool)

	// Set writes all values in one update.
	Set(values map[string]string) error

	// Delete removes the given keys. Missing keys are ignored.
	Delete(keys ...string) error
}

// FileStore keeps all values in a single JSON file.
// Writes go to a temporary file first and are renamed into place. The file
// is re-read whenever another process has replaced it, so several processes
// can share one store; concurrent writers still race with last write wins.
type FileStore struct {
	mu     sync.Mutex
	path   string
	values map[string]string

	// loaded describes the file values was read from; nil if it did not exist.
	loaded os.FileInfo
}

var _ Store = (*FileStore)(nil)

// OpenFile opens (or creates) a file-backed store at path.
// The parent directory is created with 0700 permissions.
func OpenFile(path string) (*FileStore, error) {
	if path == "" {
		return nil, fmt.Errorf("store path is empty")
	}

	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("failed to create store directory: %w", err)
	}

	s := &FileStore{
		path:   path,
		values: make(map[string]string),
	}
	if err := s.reloadLocked(); err != nil {
		return nil, err
	}

	slog.Debug("file store opened", "path", path, "keys", len(s.values))

	return s, nil
}

// Path returns the file backing the store.
func (s *FileStore) Path() string {
	return s.path
}

// Get implements Store.
func (s *FileStore) Get(key string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.reloadLocked(); err != nil {
		slog.Warn("using cached store values", "path", s.path, "error", err)
	}

	v, ok := s.values[key]
	return v, ok
}

// Set implements Store.
func (s *FileStore) Set(values map[string]string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.reloadLocked(); err != nil {
		return err
	}

	next := make(map[string]string, len(s.values)+len(values))
	for k, v := range s.values {
		next[k] = v
	}
	for k, v := range values {
		next[k] = v
	}

	if err := s.write(next); err != nil {
		return err
	}
	s.values = next
	return nil
}

// Delete implements Store.
func (s *FileStore) Delete(keys ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.reloadLocked(); err != nil {
		return err
	}

	next := make(map[string]string, len(s.values))
	for k, v := range s.values {
		next[k] = v
	}
	for _, k := range keys {
		delete(next, k)
	}

	if err := s.write(next); err != nil {
		return err
	}
	s.values = next
	return nil
}

// reloadLocked re-reads the file if it changed since it was last read or
// written. Must be called with mu held.
func (s *FileStore) reloadLocked() error {
	fi, err := os.Stat(s.path)
	switch {
	case os.IsNotExist(err):
		if s.loaded != nil {
			s.values = make(map[string]string)
			s.loaded = nil
		}
		return nil
	case err != nil:
		return fmt.Errorf("failed to stat store file: %w", err)
	}

	if s.loaded != nil && os.SameFile(fi, s.loaded) &&
		fi.ModTime().Equal(s.loaded.ModTime()) && fi.Size() == s.loaded.Size() {
		return nil
	}

	data, err := os.ReadFile(s.path) // #nosec G304 -- path comes from configuration
	if err != nil {
		return fmt.Errorf("failed to read store file: %w", err)
	}

	values := make(map[string]string)
	if len(data) > 0 {
		if err := json.Unmarshal(data, &values); err != nil {
			return fmt.Errorf("failed to parse store file: %w", err)
		}
		if values == nil {
			values = make(map[string]string)
		}
	}

	s.values = values
	s.loaded = fi
	return nil
}

// write persists values atomically. Must be called with mu held.
func (s *FileStore) write(values map[string]string) error {
	data, err := json.MarshalIndent(values, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal store: %w", err)
	}

	// CreateTemp uses mode 0600 and a name no other writer shares.
	tmp, err := os.CreateTemp(filepath.Dir(s.path), filepath.Base(s.path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp store file: %w", err)
	}
	tempPath := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tempPath)
		return fmt.Errorf("failed to write store file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tempPath)
		return fmt.Errorf("failed to write store file: %w", err)
	}

	if err := os.Rename(tempPath, s.path); err != nil {
		_ = os.Remove(tempPath)
		return fmt.Errorf("failed to save store file: %w", err)
	}

	if fi, err := os.Stat(s.path); err == nil {
		s.loaded = fi
	} else {
		s.loaded = nil
	}

	return nil
}

// MemoryStore is an in-process Store. Nothing survives a restart.
type MemoryStore struct {
	mu     sync.RWMutex
	values map[string]string
}

var _ Store = (*MemoryStore)(nil)

// NewMemory creates an empty in-memory store.
func NewMemory() *MemoryStore {
	return &MemoryStore{values: make(map[string]string)}
}

// Get implements Store.
func (m *MemoryStore) Get(key string) (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.values[key]
	return v, ok
}

// Set implements Store.
func (m *MemoryStore) Set(values map[string]string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for k, v := range values {
		m.values[k] = v
	}
	return nil
}

// Delete implements Store.
func (m *MemoryStore) Delete(keys ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, k := range keys {
		delete(m.values, k)
	}
	return nil
}

// Len returns the number of stored keys.
func (m *MemoryStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.values)
}
