// Copyright (c) 2025 Z5Labs and Contributors
//
// This software is released under the MIT License.
// https://opensource.org/licenses/MIT

// Package concurrent provides data structures which are safe for concurrent use.
package concurrent

import (
	"maps"
	"slices"
	"sync"
)

// Cache is a map guarded by a mutex.
type Cache[K comparable, V any] struct {
	mu   sync.Mutex
	data map[K]V
}

// NewCache
func NewCache[K comparable, V any]() *Cache[K, V] {
	return &Cache[K, V]{
		data: make(map[K]V),
	}
}

// Get
func (c *Cache[K, V]) Get(k K) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	v, ok := c.data[k]
	return v, ok
}

// GetOr returns the value stored for k or stores and returns the result of f.
// f is called while holding the lock so it is called at most once per key.
func (c *Cache[K, V]) GetOr(k K, f func() (V, error)) (V, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	v, ok := c.data[k]
	if ok {
		return v, nil
	}

	v, err := f()
	if err != nil {
		return v, err
	}

	c.data[k] = v
	return v, nil
}

// Set
func (c *Cache[K, V]) Set(k K, v V) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.data[k] = v
}

// Delete removes k and returns the value it held, if any.
func (c *Cache[K, V]) Delete(k K) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	v, ok := c.data[k]
	delete(c.data, k)
	return v, ok
}

// Snapshot returns a copy of the cache contents.
func (c *Cache[K, V]) Snapshot() map[K]V {
	c.mu.Lock()
	defer c.mu.Unlock()

	return maps.Clone(c.data)
}

// Values returns the cached values in no particular order.
func (c *Cache[K, V]) Values() []V {
	c.mu.Lock()
	defer c.mu.Unlock()

	return slices.Collect(maps.Values(c.data))
}

// Len
func (c *Cache[K, V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	return len(c.data)
}
