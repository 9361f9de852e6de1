package kv

import (
	"encoding/base64"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

// FileStore keeps each value in its own file under dir. Keys are
// encoded so path separators cannot escape the directory.
type FileStore struct {
	dir string
	mu  sync.Mutex
}

// NewFileStore returns a store rooted at dir, creating it if needed.
func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, err
	}
	return &FileStore{dir: dir}, nil
}

func (s *FileStore) path(key string) string {
	name := base64.URLEncoding.EncodeToString([]byte(key)) + ".kv"
	return filepath.Join(s.dir, name)
}

// Get reads the value for key; a missing file is not an error.
func (s *FileStore) Get(key string) ([]byte, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, err := os.ReadFile(s.path(key))
	if errors.Is(err, os.ErrNotExist) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return b, true, nil
}

// Put writes value via a temp file, then atomically replaces the target.
func (s *FileStore) Put(key string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	path := s.path(key)
	f, err := os.CreateTemp(s.dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmp := f.Name()

	// Best-effort cleanup if anything fails before rename.
	defer func() { _ = os.Remove(tmp) }()

	if _, err := f.Write(value); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Chmod(0o600); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// Delete removes the value for key; deleting a missing key is a no-op.
func (s *FileStore) Delete(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	err := os.Remove(s.path(key))
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return err
}

// List returns the stored keys starting with prefix, sorted.
func (s *FileStore) List(prefix string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, err
	}
	var keys []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".kv") {
			continue
		}
		raw, err := base64.URLEncoding.DecodeString(strings.TrimSuffix(e.Name(), ".kv"))
		if err != nil {
			// Not one of ours; skip.
			continue
		}
		if key := string(raw); strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

// Clear removes every stored value.
func (s *FileStore) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".kv") {
			continue
		}
		if err := os.Remove(filepath.Join(s.dir, e.Name())); err != nil {
			return err
		}
	}
	return nil
}

var _ Store = (*FileStore)(nil)
