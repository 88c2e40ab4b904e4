package store

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// File is a Cache keeping one msgpack file per key under a directory.
// GetThenSet is atomic within one process; writes land through a rename so
// readers in other processes never see partial files.
type File struct {
	dir string
	mu  sync.Mutex
}

func NewFile(dir string) (*File, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create cache directory %q: %w", dir, err)
	}
	return &File{dir: dir}, nil
}

type fileEntry struct {
	Key   string `msgpack:"key"`
	Value any    `msgpack:"value"`
}

func (f *File) path(key string) string {
	sum := sha256.Sum256([]byte(key))
	return filepath.Join(f.dir, hex.EncodeToString(sum[:])+".msgpack")
}

func (f *File) Get(key string) (any, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.read(key)
}

func (f *File) Set(key string, value any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.write(key, value)
}

func (f *File) Delete(key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := os.Remove(f.path(key)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to delete %q: %w", key, err)
	}
	return nil
}

func (f *File) GetThenSet(key string, fn UpdateFunc) (any, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	current, ok, err := f.read(key)
	if err != nil {
		return nil, err
	}
	next, err := fn(current, ok)
	if err != nil {
		return nil, err
	}
	if err := f.write(key, next); err != nil {
		return nil, err
	}
	return next, nil
}

func (f *File) Clear() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	matches, err := filepath.Glob(filepath.Join(f.dir, "*.msgpack"))
	if err != nil {
		return err
	}
	for _, m := range matches {
		if err := os.Remove(m); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("failed to clear cache: %w", err)
		}
	}
	return nil
}

func (f *File) Close() error { return nil }

func (f *File) read(key string) (any, bool, error) {
	data, err := os.ReadFile(f.path(key))
	if errors.Is(err, os.ErrNotExist) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to read %q: %w", key, err)
	}
	raw, err := Unmarshal(data)
	if err != nil {
		return nil, false, err
	}
	entry, ok := raw.(map[string]any)
	if !ok || entry["key"] != key {
		return nil, false, fmt.Errorf("corrupted cache entry for %q", key)
	}
	return entry["value"], true, nil
}

func (f *File) write(key string, value any) error {
	data, err := Marshal(fileEntry{Key: key, Value: value})
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(f.dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to write %q: %w", key, err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to write %q: %w", key, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to write %q: %w", key, err)
	}
	return os.Rename(tmp.Name(), f.path(key))
}
