// Package progress persists the last fully recorded backend ID so an
// interrupted run can resume without re-probing.
package progress

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// Store is the resume-state contract. Save must be durable before the next
// probe launches; Clear runs only once the registry is exhausted.
type Store interface {
	// Load returns the last completed backend ID, or "" for a fresh run.
	Load() (string, error)
	Save(backendID string) error
	Clear() error
}

// FileStore keeps the marker in a single small file, written atomically via
// tmp+rename.
type FileStore struct {
	path string
}

func NewFileStore(path string) *FileStore {
	return &FileStore{path: filepath.Clean(path)}
}

func (s *FileStore) Load() (string, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", fmt.Errorf("read progress marker: %w", err)
	}
	return strings.TrimSpace(string(data)), nil
}

func (s *FileStore) Save(backendID string) error {
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create progress directory: %w", err)
	}
	tmpPath := s.path + ".tmp"
	if err := os.WriteFile(tmpPath, []byte(backendID+"\n"), 0o644); err != nil {
		return fmt.Errorf("write progress marker: %w", err)
	}
	if err := os.Rename(tmpPath, s.path); err != nil {
		return fmt.Errorf("replace progress marker: %w", err)
	}
	return nil
}

func (s *FileStore) Clear() error {
	if err := os.Remove(s.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove progress marker: %w", err)
	}
	return nil
}

// MemoryStore is the in-memory stand-in for tests.
type MemoryStore struct {
	mu     sync.Mutex
	marker string
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (s *MemoryStore) Load() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.marker, nil
}

func (s *MemoryStore) Save(backendID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.marker = backendID
	return nil
}

func (s *MemoryStore) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.marker = ""
	return nil
}
