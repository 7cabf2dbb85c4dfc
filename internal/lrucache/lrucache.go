// Package lrucache implements a fixed capacity cache that replaces entries
// in circular order once full. Lookups are linear, suited to the handful of
// entries a neighbor table holds.
package lrucache

import "iter"

type node[K comparable, V any] struct {
	k     K
	v     V
	valid bool
}

type Cache[K comparable, V any] struct {
	nodes []node[K, V]
	index uint // points to the last written entry
}

func New[K comparable, V any](maxSize int) Cache[K, V] {
	if maxSize <= 0 {
		maxSize = 1
	}
	return Cache[K, V]{
		nodes: make([]node[K, V], 0, maxSize),
	}
}

// Get returns the value stored under k.
func (c *Cache[K, V]) Get(k K) (v V, ok bool) {
	i := c.find(k)
	if i < 0 {
		return v, false
	}
	return c.nodes[i].v, true
}

// Push stores v under k. An existing entry for k is updated in place, otherwise
// the entry immediately after the last written one is replaced once the cache is full.
func (c *Cache[K, V]) Push(k K, v V) {
	if i := c.find(k); i >= 0 {
		c.nodes[i].v = v
		return
	}
	// Reuse invalidated slots before evicting.
	for i := range c.nodes {
		if !c.nodes[i].valid {
			c.nodes[i] = node[K, V]{k: k, v: v, valid: true}
			c.index = uint(i)
			return
		}
	}
	if len(c.nodes) < cap(c.nodes) {
		c.nodes = append(c.nodes, node[K, V]{k: k, v: v, valid: true})
		c.index = uint(len(c.nodes) - 1)
		return
	}
	c.index++
	if c.index >= uint(len(c.nodes)) {
		c.index = 0
	}
	c.nodes[c.index] = node[K, V]{k: k, v: v, valid: true}
}

// Delete invalidates the entry for k and reports whether it was present.
func (c *Cache[K, V]) Delete(k K) bool {
	i := c.find(k)
	if i < 0 {
		return false
	}
	c.nodes[i] = node[K, V]{}
	return true
}

// Len returns the number of valid entries.
func (c *Cache[K, V]) Len() (n int) {
	for i := range c.nodes {
		if c.nodes[i].valid {
			n++
		}
	}
	return n
}

// Cap returns the maximum number of entries.
func (c *Cache[K, V]) Cap() int { return cap(c.nodes) }

// All iterates over valid entries in slot order.
func (c *Cache[K, V]) All() iter.Seq2[K, V] {
	return func(yield func(K, V) bool) {
		for i := range c.nodes {
			if c.nodes[i].valid && !yield(c.nodes[i].k, c.nodes[i].v) {
				return
			}
		}
	}
}

// Reset invalidates all entries.
func (c *Cache[K, V]) Reset() {
	c.nodes = c.nodes[:0]
	c.index = 0
}

func (c *Cache[K, V]) find(k K) int {
	// lookup starting from the last written entry and then backwards.
	if len(c.nodes) == 0 {
		return -1
	}
	i := c.index
	for range len(c.nodes) {
		n := &c.nodes[i]
		if n.valid && n.k == k {
			return int(i)
		}
		if i == 0 {
			i = uint(len(c.nodes))
		}
		i--
	}
	return -1
}
