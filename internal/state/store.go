package state

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/franklinbaldo/julesched/internal/errors"
)

// Store persists State to a JSON file with atomic writes.
type Store struct {
	mu   sync.RWMutex
	path string
}

// NewStore creates a store backed by the given file path.
func NewStore(path string) *Store {
	return &Store{path: path}
}

// Path returns the state file path.
func (s *Store) Path() string {
	return s.path
}

// Load reads the state file. A missing file yields an empty state; a file
// that cannot be decoded yields ErrStateCorrupted rather than silently
// resetting history.
func (s *Store) Load() (*State, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return NewState(), nil
		}
		return nil, errors.NewStateError("failed to read state file", err).WithPath(s.path)
	}

	st := NewState()
	if err := json.Unmarshal(data, st); err != nil {
		return nil, errors.NewStateError("failed to decode state file", err).WithPath(s.path)
	}
	return st, nil
}

// Save writes the state atomically: encode to a temp file in the same
// directory, fsync, then rename over the target.
func (s *Store) Save(st *State) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return errors.NewStateError("failed to encode state", err).WithPath(s.path)
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return errors.NewStateError("failed to create state directory", err).WithPath(s.path)
	}

	if err := atomicWriteFile(s.path, data, 0o644); err != nil {
		return errors.NewStateError("failed to write state file", err).WithPath(s.path)
	}
	return nil
}

// atomicWriteFile writes data to a temporary file and renames it into place.
func atomicWriteFile(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpName := tmp.Name()

	cleanup := func() {
		tmp.Close()
		os.Remove(tmpName)
	}

	if _, err := tmp.Write(data); err != nil {
		cleanup()
		return fmt.Errorf("failed to write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		cleanup()
		return fmt.Errorf("failed to sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to close temp file: %w", err)
	}
	if err := os.Chmod(tmpName, perm); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to chmod temp file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to rename temp file: %w", err)
	}
	return nil
}
