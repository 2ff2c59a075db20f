// SPDX-License-Identifier: MIT

package convert

import (
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/viznet/camerad/internal/log"
)

// CacheStats reports cache occupancy for the status endpoint.
type CacheStats struct {
	Entries    int   `json:"entries"`
	Bytes      int64 `json:"bytes"`
	MaxEntries int   `json:"max_entries"`
	MaxBytes   int64 `json:"max_bytes"`
	Evictions  int64 `json:"evictions"`
}

type cacheEntry struct {
	key        string
	path       string
	size       int64
	lastAccess time.Time
	readers    int
}

// Cache is the conversion output index. Inserting past the budget evicts the
// least-recently-used entry without active readers; pinned entries are never
// evicted mid-read. File I/O for conversions happens outside the lock.
type Cache struct {
	lg         zerolog.Logger
	maxEntries int
	maxBytes   int64

	mu        sync.Mutex
	entries   map[string]*cacheEntry
	total     int64
	evictions int64
}

// NewCache creates a cache with the given budget.
func NewCache(maxEntries int, maxBytes int64) *Cache {
	if maxEntries < 1 {
		maxEntries = 1
	}
	return &Cache{
		lg:         log.WithComponent("convert-cache"),
		maxEntries: maxEntries,
		maxBytes:   maxBytes,
		entries:    make(map[string]*cacheEntry),
	}
}

// Acquire pins the entry for reading and returns its path. The release
// function must be called when the reader is done.
func (c *Cache) Acquire(key string) (string, func(), bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok {
		return "", nil, false
	}
	e.lastAccess = time.Now()
	e.readers++
	var once sync.Once
	release := func() {
		once.Do(func() {
			c.mu.Lock()
			e.readers--
			c.mu.Unlock()
		})
	}
	return e.path, release, true
}

// Insert adds a conversion output, evicting LRU entries as needed to stay
// within budget. Entries with active readers are skipped; the next-LRU
// candidate is evicted instead.
func (c *Cache) Insert(key, path string, size int64) {
	c.mu.Lock()
	if old, ok := c.entries[key]; ok {
		c.total -= old.size
		delete(c.entries, key)
	}
	c.entries[key] = &cacheEntry{
		key:        key,
		path:       path,
		size:       size,
		lastAccess: time.Now(),
	}
	c.total += size

	var victims []*cacheEntry
	for c.overBudget() {
		v := c.lruUnpinned(key)
		if v == nil {
			break // everything else is mid-read; budget temporarily exceeded
		}
		delete(c.entries, v.key)
		c.total -= v.size
		c.evictions++
		victims = append(victims, v)
	}
	c.mu.Unlock()

	for _, v := range victims {
		if err := os.Remove(v.path); err != nil && !os.IsNotExist(err) {
			c.lg.Warn().Err(err).Str(log.FieldPath, v.path).Msg("evicted cache file removal failed")
		}
		c.lg.Debug().Str("key", v.key).Int64("size", v.size).Msg("cache entry evicted")
	}
}

func (c *Cache) overBudget() bool {
	if len(c.entries) > c.maxEntries {
		return true
	}
	return c.maxBytes > 0 && c.total > c.maxBytes
}

// lruUnpinned finds the least-recently-used entry without readers, never the
// key just inserted.
func (c *Cache) lruUnpinned(exclude string) *cacheEntry {
	var oldest *cacheEntry
	for _, e := range c.entries {
		if e.key == exclude || e.readers > 0 {
			continue
		}
		if oldest == nil || e.lastAccess.Before(oldest.lastAccess) {
			oldest = e
		}
	}
	return oldest
}

// Remove drops one entry and its file, used when a cached output turns out
// to be unreadable.
func (c *Cache) Remove(key string) {
	c.mu.Lock()
	e, ok := c.entries[key]
	if ok {
		delete(c.entries, key)
		c.total -= e.size
	}
	c.mu.Unlock()
	if ok {
		_ = os.Remove(e.path)
	}
}

// Stats returns current occupancy.
func (c *Cache) Stats() CacheStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return CacheStats{
		Entries:    len(c.entries),
		Bytes:      c.total,
		MaxEntries: c.maxEntries,
		MaxBytes:   c.maxBytes,
		Evictions:  c.evictions,
	}
}

// Clear drops the whole index. Files stay on disk; a later startup re-adopts
// them through adoptExisting.
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]*cacheEntry)
	c.total = 0
}
