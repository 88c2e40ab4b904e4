package store

import (
	"errors"
	"fmt"
	"sort"
)

const (
	globalPartition = "__global_key__"
	partitionIndex  = "__all_contexts__"
	partitionPrefix = "__context__:"
)

var (
	ErrPartitionNotFound = errors.New("partition does not exist")
	ErrPartitionExists   = errors.New("partition already exists")
)

// FlowPartition names the partition shared by every node of one run.
func FlowPartition(flow, run string) string {
	return flow + "|" + run
}

// PathPartition names the partition private to one node invocation.
func PathPartition(flow, run, path string) string {
	return FlowPartition(flow, run) + "|" + path
}

// Context is a partitioned key/value store. Each partition is one cache entry
// and every mutation is a single GetThenSet on it, so concurrent writers to a
// partition never lose each other's keys.
type Context struct {
	cache Cache
}

// NewContext wraps a cache and makes sure the global partition exists.
func NewContext(cache Cache) (*Context, error) {
	c := &Context{cache: cache}
	if err := c.Create("", true); err != nil {
		return nil, err
	}
	return c, nil
}

// Cache exposes the backing cache, e.g. for payloads exchanged by id.
func (c *Context) Cache() Cache { return c.cache }

func partitionKey(partition string) string {
	if partition == "" {
		partition = globalPartition
	}
	return partitionPrefix + partition
}

// Create registers a partition. An existing partition is an error unless
// existOK is set.
func (c *Context) Create(partition string, existOK bool) error {
	created := false
	_, err := c.cache.GetThenSet(partitionKey(partition), func(current any, ok bool) (any, error) {
		if ok {
			if !existOK {
				return nil, fmt.Errorf("%w: %q", ErrPartitionExists, partition)
			}
			return current, nil
		}
		created = true
		return map[string]any{}, nil
	})
	if err != nil {
		return err
	}
	if !created {
		return nil
	}
	_, err = c.cache.GetThenSet(partitionIndex, func(current any, ok bool) (any, error) {
		names := toStrings(current)
		for _, n := range names {
			if n == partition {
				return names, nil
			}
		}
		return append(names, partition), nil
	})
	return err
}

// Has reports whether the partition exists.
func (c *Context) Has(partition string) (bool, error) {
	_, ok, err := c.cache.Get(partitionKey(partition))
	return ok, err
}

// Set writes key into the partition.
func (c *Context) Set(key string, value any, partition string) error {
	_, err := c.Update(key, partition, func(any, bool) (any, error) {
		return value, nil
	})
	return err
}

// Update atomically replaces key with the result of fn.
func (c *Context) Update(key, partition string, fn UpdateFunc) (any, error) {
	var result any
	_, err := c.cache.GetThenSet(partitionKey(partition), func(current any, ok bool) (any, error) {
		if !ok {
			return nil, fmt.Errorf("%w: %q", ErrPartitionNotFound, partition)
		}
		values := copyMap(current)
		old, exists := values[key]
		next, err := fn(old, exists)
		if err != nil {
			return nil, err
		}
		values[key] = next
		result = next
		return values, nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// Get reads key from the partition, returning def when the key is absent.
func (c *Context) Get(key string, def any, partition string) (any, error) {
	values, err := c.All(partition)
	if err != nil {
		return nil, err
	}
	if v, ok := values[key]; ok {
		return v, nil
	}
	return def, nil
}

// All returns a copy of every key in the partition.
func (c *Context) All(partition string) (map[string]any, error) {
	current, ok, err := c.cache.Get(partitionKey(partition))
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrPartitionNotFound, partition)
	}
	return copyMap(current), nil
}

// Clear removes key from the partition, or every key when key is empty.
func (c *Context) Clear(key, partition string) error {
	_, err := c.cache.GetThenSet(partitionKey(partition), func(current any, ok bool) (any, error) {
		if !ok {
			return nil, fmt.Errorf("%w: %q", ErrPartitionNotFound, partition)
		}
		if key == "" {
			return map[string]any{}, nil
		}
		values := copyMap(current)
		delete(values, key)
		return values, nil
	})
	return err
}

// Remove drops the partition entirely. Removing a missing partition is a no-op.
func (c *Context) Remove(partition string) error {
	if err := c.cache.Delete(partitionKey(partition)); err != nil {
		return err
	}
	_, err := c.cache.GetThenSet(partitionIndex, func(current any, ok bool) (any, error) {
		names := toStrings(current)
		kept := names[:0]
		for _, n := range names {
			if n != partition {
				kept = append(kept, n)
			}
		}
		return kept, nil
	})
	return err
}

// Partitions lists the registered partitions in sorted order.
func (c *Context) Partitions() ([]string, error) {
	current, _, err := c.cache.Get(partitionIndex)
	if err != nil {
		return nil, err
	}
	names := toStrings(current)
	sort.Strings(names)
	return names, nil
}

func copyMap(v any) map[string]any {
	out := make(map[string]any)
	if m, ok := v.(map[string]any); ok {
		for k, val := range m {
			out[k] = val
		}
	}
	return out
}

func toStrings(v any) []string {
	switch list := v.(type) {
	case []string:
		return append([]string(nil), list...)
	case []any:
		out := make([]string, 0, len(list))
		for _, item := range list {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}
