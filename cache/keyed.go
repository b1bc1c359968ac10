package cache

import (
	"slices"
	"sync"
)

// KeyedCache maps full keys to build entries and keeps a secondary index
// from a coarser common key to every full key that shares it.
//
// Contract:
// - Concurrency: safe for concurrent use. The cache mutex guards only map
//   topology and is never held while a build runs.
// - Ownership: returned *Result values stay valid after Reset; they are
//   simply no longer reachable through the cache.
type KeyedCache[K comparable, C comparable, V any] struct {
	mu      sync.Mutex
	entries map[K]*Result[V]
	index   map[C][]K
	common  func(K) C
}

// NewKeyedCache creates an empty cache. common derives the secondary index
// key from a full key.
func NewKeyedCache[K comparable, C comparable, V any](common func(K) C) *KeyedCache[K, C, V] {
	return &KeyedCache[K, C, V]{
		entries: make(map[K]*Result[V]),
		index:   make(map[C][]K),
		common:  common,
	}
}

// GetOrInsert returns the entry for key, creating it in StateInProgress if
// absent. inserted is true for exactly one caller per key; that caller must
// eventually publish on the entry.
func (c *KeyedCache[K, C, V]) GetOrInsert(key K) (entry *Result[V], inserted bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if r, ok := c.entries[key]; ok {
		return r, false
	}
	r := NewResult[V]()
	c.entries[key] = r
	ck := c.common(key)
	c.index[ck] = append(c.index[ck], key)
	return r, true
}

// Get returns the entry for key without inserting.
func (c *KeyedCache[K, C, V]) Get(key K) (*Result[V], bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	r, ok := c.entries[key]
	return r, ok
}

// LookupByCommonKey returns every full key sharing ck, in insertion order.
func (c *KeyedCache[K, C, V]) LookupByCommonKey(ck C) []K {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.lookupLocked(ck)
}

// Len returns the number of entries.
func (c *KeyedCache[K, C, V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	return len(c.entries)
}

// Acquire locks the cache and returns a view over it. The caller must call
// Release; no other operation on the cache proceeds until then.
func (c *KeyedCache[K, C, V]) Acquire() *View[K, C, V] {
	c.mu.Lock()
	return &View[K, C, V]{c: c}
}

func (c *KeyedCache[K, C, V]) lookupLocked(ck C) []K {
	keys := c.index[ck]
	if len(keys) == 0 {
		return nil
	}
	out := make([]K, len(keys))
	copy(out, keys)
	return out
}

func (c *KeyedCache[K, C, V]) resetLocked() {
	c.entries = make(map[K]*Result[V])
	c.index = make(map[C][]K)
}

// evictLocked removes every terminal entry under ck and returns them.
// In-progress entries stay so their builders can still publish to waiters
// that can reach them.
func (c *KeyedCache[K, C, V]) evictLocked(ck C) map[K]*Result[V] {
	keys := c.index[ck]
	if len(keys) == 0 {
		return nil
	}

	removed := make(map[K]*Result[V], len(keys))
	kept := keys[:0]
	for _, k := range keys {
		r := c.entries[k]
		if r != nil && !r.State().Terminal() {
			kept = append(kept, k)
			continue
		}
		removed[k] = r
		delete(c.entries, k)
	}

	if len(kept) == 0 {
		delete(c.index, ck)
	} else {
		c.index[ck] = kept
	}
	return removed
}

// removeLocked deletes key if it still maps to r. It reports whether the
// entry was removed.
func (c *KeyedCache[K, C, V]) removeLocked(key K, r *Result[V]) bool {
	if c.entries[key] != r {
		return false
	}
	delete(c.entries, key)

	ck := c.common(key)
	keys := slices.DeleteFunc(c.index[ck], func(k K) bool { return k == key })
	if len(keys) == 0 {
		delete(c.index, ck)
	} else {
		c.index[ck] = keys
	}
	return true
}

// View is a locked view of a KeyedCache returned by Acquire.
type View[K comparable, C comparable, V any] struct {
	c        *KeyedCache[K, C, V]
	released bool
}

// Len returns the number of entries.
func (v *View[K, C, V]) Len() int {
	return len(v.c.entries)
}

// Get returns the entry for key.
func (v *View[K, C, V]) Get(key K) (*Result[V], bool) {
	r, ok := v.c.entries[key]
	return r, ok
}

// LookupByCommonKey returns every full key sharing ck, in insertion order.
func (v *View[K, C, V]) LookupByCommonKey(ck C) []K {
	return v.c.lookupLocked(ck)
}

// Range calls fn for each entry until fn returns false. Order is
// unspecified. fn must not call back into the cache.
func (v *View[K, C, V]) Range(fn func(K, *Result[V]) bool) {
	for k, r := range v.c.entries {
		if !fn(k, r) {
			return
		}
	}
}

// Release unlocks the cache. Calling it more than once is a no-op.
func (v *View[K, C, V]) Release() {
	if v.released {
		return
	}
	v.released = true
	v.c.mu.Unlock()
}
