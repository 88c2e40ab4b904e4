// Package store provides the partitioned context shared by every node of a
// run, and the cache interface it is built on.
package store

import (
	"errors"
	"sync"
)

// ErrClosed is returned by caches used after Close.
var ErrClosed = errors.New("cache is closed")

// UpdateFunc receives the current value of a key and returns the value to
// store. Returning an error aborts the write.
type UpdateFunc func(current any, ok bool) (any, error)

// Cache is the pluggable key/value backend. GetThenSet must be atomic with
// respect to every other writer of the same key.
type Cache interface {
	Get(key string) (any, bool, error)
	Set(key string, value any) error
	Delete(key string) error
	GetThenSet(key string, fn UpdateFunc) (any, error)
	Clear() error
	Close() error
}

// Memory is an in-process Cache.
type Memory struct {
	mu     sync.Mutex
	data   map[string]any
	closed bool
}

func NewMemory() *Memory {
	return &Memory{data: make(map[string]any)}
}

func (m *Memory) Get(key string) (any, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, false, ErrClosed
	}
	v, ok := m.data[key]
	return v, ok, nil
}

func (m *Memory) Set(key string, value any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	m.data[key] = value
	return nil
}

func (m *Memory) Delete(key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	delete(m.data, key)
	return nil
}

func (m *Memory) GetThenSet(key string, fn UpdateFunc) (any, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}
	current, ok := m.data[key]
	next, err := fn(current, ok)
	if err != nil {
		return nil, err
	}
	m.data[key] = next
	return next, nil
}

func (m *Memory) Clear() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data = make(map[string]any)
	return nil
}

func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	m.data = nil
	return nil
}
