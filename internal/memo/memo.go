package memo

import (
	lru "github.com/hashicorp/golang-lru/v2"
)

// Memoization toolkit for the derivation layer.
//
// Each deriver is keyed level by level, outermost to innermost by parameter
// stability (network > txStatus > descriptor > index > store). A level with
// a provably small domain (network ids, statuses) is unbounded; levels keyed
// by descriptor or index are bounded LRUs so unrelated wallets cannot evict
// each other past the configured budget.
//
// The second half of the contract is identity: a recomputed result that is
// shallow-equal to the previous one must be returned as the previous
// reference, so reactive consumers can diff by pointer instead of by deep
// comparison. PinSlice / PinMap implement that comparison.

// Cache is a get-or-create map with optional LRU eviction. A max of 0 means
// unbounded; use that only when the key domain is known to be small.
type Cache[K comparable, V any] struct {
	lru *lru.Cache[K, V]
	m   map[K]V
}

// NewCache creates a cache bounded to max entries (0 = unbounded).
func NewCache[K comparable, V any](max int) *Cache[K, V] {
	if max <= 0 {
		return &Cache[K, V]{m: make(map[K]V)}
	}
	c, err := lru.New[K, V](max)
	if err != nil {
		// lru.New only fails on a non-positive size, which the branch
		// above already excluded.
		panic(err)
	}
	return &Cache[K, V]{lru: c}
}

// Get returns the cached value for k, touching its recency.
func (c *Cache[K, V]) Get(k K) (V, bool) {
	if c.lru != nil {
		return c.lru.Get(k)
	}
	v, ok := c.m[k]
	return v, ok
}

// Add inserts or refreshes k.
func (c *Cache[K, V]) Add(k K, v V) {
	if c.lru != nil {
		c.lru.Add(k, v)
		return
	}
	c.m[k] = v
}

// GetOrCreate returns the cached value for k, creating it with create on a
// miss. If create errors nothing is cached.
func (c *Cache[K, V]) GetOrCreate(k K, create func() (V, error)) (V, error) {
	if v, ok := c.Get(k); ok {
		return v, nil
	}
	v, err := create()
	if err != nil {
		var zero V
		return zero, err
	}
	c.Add(k, v)
	return v, nil
}

// Len returns the number of live entries.
func (c *Cache[K, V]) Len() int {
	if c.lru != nil {
		return c.lru.Len()
	}
	return len(c.m)
}

// EqualSlices reports element-wise identity.
func EqualSlices[T comparable](a, b []T) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// EqualMaps reports same key set with identical value per key.
func EqualMaps[K, V comparable](a, b map[K]V) bool {
	if len(a) != len(b) {
		return false
	}
	for k, v := range b {
		av, ok := a[k]
		if !ok || av != v {
			return false
		}
	}
	return true
}

// PinSlice returns prev when next is element-wise identical to it, keeping
// the established reference alive; otherwise next.
func PinSlice[T comparable](prev, next []T) []T {
	if prev != nil && EqualSlices(prev, next) {
		return prev
	}
	return next
}

// PinMap is PinSlice for maps with comparable values.
func PinMap[K, V comparable](prev, next map[K]V) map[K]V {
	if prev != nil && EqualMaps(prev, next) {
		return prev
	}
	return next
}
