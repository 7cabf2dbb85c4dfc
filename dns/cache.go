package dns

import (
	"hash/fnv"
	"strings"
)

// DefaultMinTTL is the lower bound in seconds applied to cached records.
const DefaultMinTTL = 60

// Cache is a fixed size direct-mapped name to address cache. A new entry
// overwrites whatever lives in its slot. Names are compared case insensitively.
type Cache struct {
	entries []cacheEntry
	minTTL  uint32
}

type cacheEntry struct {
	name    string
	addr    [4]byte
	expires uint64 // tick
	valid   bool
}

// NewCache returns a cache with size slots. TTLs below minTTL seconds are raised to it.
func NewCache(size int, minTTL uint32) *Cache {
	if size <= 0 {
		size = 32
	}
	return &Cache{entries: make([]cacheEntry, size), minTTL: minTTL}
}

func (c *Cache) slot(name string) *cacheEntry {
	h := fnv.New32a()
	h.Write([]byte(name))
	return &c.entries[h.Sum32()%uint32(len(c.entries))]
}

func canonical(name string) string {
	return strings.ToLower(strings.TrimSuffix(name, "."))
}

// Insert stores name and addr for ttl seconds counted from now (milliseconds).
func (c *Cache) Insert(name string, addr [4]byte, ttl uint32, now uint64) {
	name = canonical(name)
	if name == "" {
		return
	}
	if ttl < c.minTTL {
		ttl = c.minTTL
	}
	*c.slot(name) = cacheEntry{
		name:    name,
		addr:    addr,
		expires: now + uint64(ttl)*1000,
		valid:   true,
	}
}

// Lookup returns the address cached for name.
func (c *Cache) Lookup(name string, now uint64) ([4]byte, bool) {
	name = canonical(name)
	e := c.slot(name)
	if !e.valid || e.name != name {
		return [4]byte{}, false
	} else if now >= e.expires {
		e.valid = false
		return [4]byte{}, false
	}
	return e.addr, true
}

// ReverseLookup returns a cached name resolving to addr.
func (c *Cache) ReverseLookup(addr [4]byte, now uint64) (string, bool) {
	for i := range c.entries {
		e := &c.entries[i]
		if e.valid && e.addr == addr && now < e.expires {
			return e.name, true
		}
	}
	return "", false
}

// Len returns the number of live entries.
func (c *Cache) Len(now uint64) (n int) {
	for i := range c.entries {
		if c.entries[i].valid && now < c.entries[i].expires {
			n++
		}
	}
	return n
}

// Flush invalidates every entry.
func (c *Cache) Flush() { clear(c.entries) }
