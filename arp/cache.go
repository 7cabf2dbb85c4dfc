package arp

import (
	"iter"

	"github.com/hobbyos/knet/internal/lrucache"
)

// DefaultCacheSize is the number of neighbors remembered.
const DefaultCacheSize = 32

// Entry is a resolved neighbor.
type Entry struct {
	MAC [6]byte
	// Tick is the time of the last insert or refresh.
	Tick uint64
}

// Cache maps IPv4 addresses to hardware addresses. When full, the entry
// after the most recently inserted one is replaced.
type Cache struct {
	entries lrucache.Cache[[4]byte, Entry]
	// MaxAge, when nonzero, is the number of ticks after which an entry
	// is reported as a miss.
	MaxAge uint64
}

// NewCache returns a cache that holds up to size entries.
func NewCache(size int, maxAge uint64) *Cache {
	if size <= 0 {
		size = DefaultCacheSize
	}
	return &Cache{entries: lrucache.New[[4]byte, Entry](size), MaxAge: maxAge}
}

// Lookup returns the MAC for ip if present and not expired at tick now.
func (c *Cache) Lookup(ip [4]byte, now uint64) (mac [6]byte, ok bool) {
	e, ok := c.entries.Get(ip)
	if !ok {
		return mac, false
	}
	if c.MaxAge != 0 && now-e.Tick > c.MaxAge {
		c.entries.Delete(ip)
		return mac, false
	}
	return e.MAC, true
}

// Insert adds or refreshes the mapping ip->mac.
func (c *Cache) Insert(ip [4]byte, mac [6]byte, now uint64) {
	c.entries.Push(ip, Entry{MAC: mac, Tick: now})
}

// Remove drops the mapping for ip.
func (c *Cache) Remove(ip [4]byte) bool { return c.entries.Delete(ip) }

// Len returns the number of cached neighbors.
func (c *Cache) Len() int { return c.entries.Len() }

// All iterates over all cached neighbors, including expired ones not yet evicted.
func (c *Cache) All() iter.Seq2[[4]byte, Entry] { return c.entries.All() }
