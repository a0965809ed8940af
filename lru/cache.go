// Package lru implements a generic, thread-safe LRU cache whose entries
// expire a fixed time after insertion.
//
// Get, Touch, Put, Delete and Len are O(1). Expired entries are dropped lazily on
// access or eagerly via Purge.
package lru

import (
	"sync"
	"time"
)

// node is a doubly linked list node holding a key-value pair.
type node[K comparable, V any] struct {
	key      K
	val      V
	storedAt time.Time
	prev     *node[K, V]
	next     *node[K, V]
}

// Option configures a Cache.
type Option func(*options)

type options struct {
	now func() time.Time
}

// WithClock replaces time.Now, mainly for tests.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// Cache is a generic, thread-safe LRU cache with a per-entry time-to-live.
type Cache[K comparable, V any] struct {
	mu       sync.Mutex
	capacity int
	ttl      time.Duration
	now      func() time.Time
	items    map[K]*node[K, V]
	head     *node[K, V] // most recently used (sentinel)
	tail     *node[K, V] // least recently used (sentinel)
}

// New creates a cache holding at most capacity entries, each valid for ttl
// after it was stored. A ttl <= 0 disables expiry.
// Panics if capacity < 1.
func New[K comparable, V any](capacity int, ttl time.Duration, opts ...Option) *Cache[K, V] {
	if capacity < 1 {
		panic("lru: capacity must be >= 1")
	}
	o := options{now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}

	head := &node[K, V]{}
	tail := &node[K, V]{}
	head.next = tail
	tail.prev = head

	return &Cache[K, V]{
		capacity: capacity,
		ttl:      ttl,
		now:      o.now,
		items:    make(map[K]*node[K, V], capacity),
		head:     head,
		tail:     tail,
	}
}

// TTL returns the configured time-to-live.
func (c *Cache[K, V]) TTL() time.Duration { return c.ttl }

// Get retrieves a live value by key. An entry as old as the TTL or older is
// removed and reported as a miss.
func (c *Cache[K, V]) Get(key K) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	n, ok := c.items[key]
	if !ok {
		var zero V
		return zero, false
	}
	if c.expired(n) {
		c.unlink(n)
		var zero V
		return zero, false
	}

	c.moveToFront(n)
	return n.val, true
}

// Touch returns a live value and restarts its TTL in one step. Unlike a Get
// followed by Put, it never re-inserts a key that was deleted in between.
func (c *Cache[K, V]) Touch(key K) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	n, ok := c.items[key]
	if !ok {
		var zero V
		return zero, false
	}
	if c.expired(n) {
		c.unlink(n)
		var zero V
		return zero, false
	}

	n.storedAt = c.now()
	c.moveToFront(n)
	return n.val, true
}

// Put inserts or replaces a value and restarts its TTL. If the cache is at
// capacity, the least recently used entry is evicted.
// Returns the evicted key and true if an eviction occurred.
func (c *Cache[K, V]) Put(key K, val V) (K, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	if n, ok := c.items[key]; ok {
		n.val = val
		n.storedAt = now
		c.moveToFront(n)
		var zero K
		return zero, false
	}

	var evictedKey K
	evicted := false
	if len(c.items) >= c.capacity {
		victim := c.tail.prev
		c.unlink(victim)
		evictedKey = victim.key
		evicted = true
	}

	n := &node[K, V]{key: key, val: val, storedAt: now}
	c.items[key] = n
	c.pushFront(n)

	return evictedKey, evicted
}

// Delete removes a key. Returns true if the key existed.
func (c *Cache[K, V]) Delete(key K) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	n, ok := c.items[key]
	if !ok {
		return false
	}
	c.unlink(n)
	return true
}

// Len returns the number of stored entries, including expired ones not yet purged.
func (c *Cache[K, V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}

// Keys returns live keys from most to least recently used.
func (c *Cache[K, V]) Keys() []K {
	c.mu.Lock()
	defer c.mu.Unlock()

	keys := make([]K, 0, len(c.items))
	for cur := c.head.next; cur != c.tail; cur = cur.next {
		if !c.expired(cur) {
			keys = append(keys, cur.key)
		}
	}
	return keys
}

// Purge drops every expired entry and returns how many were removed.
func (c *Cache[K, V]) Purge() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	for cur := c.tail.prev; cur != c.head; {
		prev := cur.prev
		if c.expired(cur) {
			c.unlink(cur)
			removed++
		}
		cur = prev
	}
	return removed
}

// Clear removes all entries.
func (c *Cache[K, V]) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.head.next = c.tail
	c.tail.prev = c.head
	c.items = make(map[K]*node[K, V], c.capacity)
}

// --- internal list operations (caller must hold lock) ---

func (c *Cache[K, V]) expired(n *node[K, V]) bool {
	return c.ttl > 0 && c.now().Sub(n.storedAt) >= c.ttl
}

// unlink detaches a node from the list and the index.
func (c *Cache[K, V]) unlink(n *node[K, V]) {
	c.remove(n)
	delete(c.items, n.key)
}

func (c *Cache[K, V]) remove(n *node[K, V]) {
	n.prev.next = n.next
	n.next.prev = n.prev
	n.prev = nil
	n.next = nil
}

func (c *Cache[K, V]) pushFront(n *node[K, V]) {
	n.next = c.head.next
	n.prev = c.head
	c.head.next.prev = n
	c.head.next = n
}

func (c *Cache[K, V]) moveToFront(n *node[K, V]) {
	c.remove(n)
	c.pushFront(n)
}
