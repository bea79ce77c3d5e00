package storage

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// FileStore writes artifacts under a filesystem root. Used for local
// deployments and tests.
type FileStore struct {
	root string
}

// NewFileStore builds a FileStore rooted at |root|.
func NewFileStore(root string) *FileStore {
	return &FileStore{root: root}
}

// Put writes |data| at |key| below the root and returns its file:// location.
func (s *FileStore) Put(_ context.Context, key string, data []byte, _ string) (string, error) {
	var path = filepath.Join(s.root, filepath.FromSlash(key))
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("creating %s: %w", filepath.Dir(path), err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("writing %s: %w", path, err)
	}
	return "file://" + filepath.ToSlash(path), nil
}

// Get reads back the blob at |location|.
func (s *FileStore) Get(_ context.Context, location string) ([]byte, error) {
	if !strings.HasPrefix(location, "file://") {
		return nil, fmt.Errorf("location %q is not a file URI", location)
	}
	data, err := os.ReadFile(filepath.FromSlash(strings.TrimPrefix(location, "file://")))
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", location, err)
	}
	return data, nil
}

// MemoryStore holds artifacts in process memory. Used in tests.
type MemoryStore struct {
	mu    sync.Mutex
	blobs map[string][]byte
}

// NewMemoryStore builds an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{blobs: make(map[string][]byte)}
}

// Put records |data| under |key| and returns a mem:// location.
func (s *MemoryStore) Put(_ context.Context, key string, data []byte, _ string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.blobs[key] = append([]byte(nil), data...)
	return "mem://" + key, nil
}

// Get reads back the blob at |location|.
func (s *MemoryStore) Get(_ context.Context, location string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, ok := s.blobs[strings.TrimPrefix(location, "mem://")]
	if !ok {
		return nil, fmt.Errorf("no blob at %s", location)
	}
	return append([]byte(nil), data...), nil
}
