package adapter

import (
	"bytes"
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"

	"github.com/m-mizutani/goerr/v2"
	"github.com/nihongo-cloud/kotoba/pkg/model"
)

// fileStorage implements Storage on a local directory, for development without a bucket
type fileStorage struct {
	dir string
}

// NewFileStorage creates a Storage rooted at dir
func NewFileStorage(dir string) (Storage, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, goerr.Wrap(err, "failed to create storage directory", goerr.V("dir", dir))
	}
	return &fileStorage{dir: dir}, nil
}

// path maps a key below dir. Keys that are absolute or contain a ".." segment are rejected.
func (s *fileStorage) path(key string) (string, error) {
	if !filepath.IsLocal(filepath.FromSlash(key)) || slices.Contains(strings.Split(key, "/"), "..") {
		return "", goerr.Wrap(model.ErrInvalidArgument, "storage key escapes its directory", goerr.V("key", key))
	}
	return filepath.Join(s.dir, filepath.FromSlash(key)), nil
}

func (s *fileStorage) Put(ctx context.Context, key string, data []byte) error {
	path, err := s.path(key)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return goerr.Wrap(err, "failed to create directory", goerr.V("key", key))
	}

	// write-then-rename keeps the object all-or-nothing
	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
	if err != nil {
		return goerr.Wrap(err, "failed to create temp file", goerr.V("key", key))
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return goerr.Wrap(err, "failed to write temp file", goerr.V("key", key))
	}
	if err := tmp.Close(); err != nil {
		return goerr.Wrap(err, "failed to close temp file", goerr.V("key", key))
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return goerr.Wrap(err, "failed to rename temp file", goerr.V("key", key))
	}
	return nil
}

func (s *fileStorage) Get(ctx context.Context, key string) ([]byte, error) {
	path, err := s.path(key)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, goerr.Wrap(model.ErrBlobNotFound, "file does not exist", goerr.V("key", key))
		}
		return nil, goerr.Wrap(err, "failed to read file", goerr.V("key", key))
	}
	return data, nil
}

func (s *fileStorage) Exists(ctx context.Context, key string) (bool, error) {
	path, err := s.path(key)
	if err != nil {
		return false, err
	}
	_, err = os.Stat(path)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	return false, goerr.Wrap(err, "failed to stat file", goerr.V("key", key))
}

// MemoryStorage is an in-process Storage used by tests and single-run tools
type MemoryStorage struct {
	mu   sync.RWMutex
	data map[string][]byte
}

func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{data: make(map[string][]byte)}
}

func (s *MemoryStorage) Put(ctx context.Context, key string, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[key] = bytes.Clone(data)
	return nil
}

func (s *MemoryStorage) Get(ctx context.Context, key string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	data, ok := s.data[key]
	if !ok {
		return nil, goerr.Wrap(model.ErrBlobNotFound, "key does not exist", goerr.V("key", key))
	}
	return bytes.Clone(data), nil
}

func (s *MemoryStorage) Exists(ctx context.Context, key string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.data[key]
	return ok, nil
}

// Delete removes a key. It is not part of Storage; tests use it to simulate lost objects.
func (s *MemoryStorage) Delete(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.data, key)
}

// Keys returns the stored keys
func (s *MemoryStorage) Keys() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	keys := make([]string, 0, len(s.data))
	for k := range s.data {
		keys = append(keys, k)
	}
	return keys
}
