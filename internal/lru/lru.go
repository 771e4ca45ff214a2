// Package lru implements a generic, weight-bounded LRU map safe for
// concurrent use.
//
// Every public operation takes the same mutex. Get and Set move the touched
// entry to the head of the recency list; Set evicts from the tail while the
// total weight exceeds the configured maximum.
package lru

import "sync"

// Weigher returns the weight of an entry. It must be non-negative and stable
// for the lifetime of the entry.
type Weigher[K comparable, V any] func(key K, value V) int

// Cache is a fixed-capacity LRU map.
// The zero value is not valid; use New.
type Cache[K comparable, V any] struct {
	mu        sync.Mutex
	items     map[K]*node[K, V]
	head      *node[K, V] // most recently used
	tail      *node[K, V] // least recently used
	weigh     Weigher[K, V]
	maxWeight int
	weight    int
	onEvict   func(K, V)
}

type node[K comparable, V any] struct {
	key    K
	value  V
	weight int
	prev   *node[K, V]
	next   *node[K, V]
}

// Option configures a Cache.
type Option[K comparable, V any] func(*Cache[K, V])

// WithWeigher sets the weigh function. The default weighs every entry as 1.
func WithWeigher[K comparable, V any](w Weigher[K, V]) Option[K, V] {
	return func(c *Cache[K, V]) { c.weigh = w }
}

// WithEvictionCallback registers fn to be called for every entry evicted
// because the cache ran over capacity. fn runs with the cache lock held and
// must not call back into the cache.
func WithEvictionCallback[K comparable, V any](fn func(K, V)) Option[K, V] {
	return func(c *Cache[K, V]) { c.onEvict = fn }
}

// New creates a cache bounded by maxWeight.
func New[K comparable, V any](maxWeight int, opts ...Option[K, V]) *Cache[K, V] {
	c := &Cache[K, V]{
		items:     make(map[K]*node[K, V]),
		maxWeight: maxWeight,
		weigh:     func(K, V) int { return 1 },
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Get returns the value for key and marks it most recently used.
func (c *Cache[K, V]) Get(key K) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	n, ok := c.items[key]
	if !ok {
		var zero V
		return zero, false
	}
	c.moveToHead(n)
	return n.value, true
}

// Set inserts or replaces the value for key, then evicts least recently used
// entries until the total weight fits.
func (c *Cache[K, V]) Set(key K, value V) {
	c.mu.Lock()
	defer c.mu.Unlock()
	w := c.weigh(key, value)
	if n, ok := c.items[key]; ok {
		c.weight += w - n.weight
		n.value = value
		n.weight = w
		c.moveToHead(n)
	} else {
		n := &node[K, V]{key: key, value: value, weight: w}
		c.items[key] = n
		c.pushHead(n)
		c.weight += w
	}
	c.trim()
}

// Remove deletes key and returns the removed value.
func (c *Cache[K, V]) Remove(key K) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	n, ok := c.items[key]
	if !ok {
		var zero V
		return zero, false
	}
	c.unlink(n)
	delete(c.items, key)
	c.weight -= n.weight
	return n.value, true
}

// Clear removes every entry.
func (c *Cache[K, V]) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items = make(map[K]*node[K, V])
	c.head, c.tail = nil, nil
	c.weight = 0
}

// Len returns the number of entries.
func (c *Cache[K, V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}

// Weight returns the current total weight.
func (c *Cache[K, V]) Weight() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.weight
}

// Keys returns keys ordered from most to least recently used.
func (c *Cache[K, V]) Keys() []K {
	c.mu.Lock()
	defer c.mu.Unlock()
	keys := make([]K, 0, len(c.items))
	for n := c.head; n != nil; n = n.next {
		keys = append(keys, n.key)
	}
	return keys
}

// Dump returns a point-in-time copy of all entries. Recency is not affected.
func (c *Cache[K, V]) Dump() map[K]V {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[K]V, len(c.items))
	for k, n := range c.items {
		out[k] = n.value
	}
	return out
}

func (c *Cache[K, V]) trim() {
	for c.weight > c.maxWeight && c.tail != nil {
		n := c.tail
		c.unlink(n)
		delete(c.items, n.key)
		c.weight -= n.weight
		if c.onEvict != nil {
			c.onEvict(n.key, n.value)
		}
	}
}

func (c *Cache[K, V]) pushHead(n *node[K, V]) {
	n.prev = nil
	n.next = c.head
	if c.head != nil {
		c.head.prev = n
	}
	c.head = n
	if c.tail == nil {
		c.tail = n
	}
}

func (c *Cache[K, V]) unlink(n *node[K, V]) {
	if n.prev != nil {
		n.prev.next = n.next
	} else {
		c.head = n.next
	}
	if n.next != nil {
		n.next.prev = n.prev
	} else {
		c.tail = n.prev
	}
	n.prev, n.next = nil, nil
}

func (c *Cache[K, V]) moveToHead(n *node[K, V]) {
	if c.head == n {
		return
	}
	c.unlink(n)
	c.pushHead(n)
}
