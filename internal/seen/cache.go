// Package seen implements a time-bounded deduplication cache.
//
// The peer book records every handshake it hears. Peers re-announce
// themselves on every reconnect and handshakes are retried, so the same
// announcement usually arrives several times in a burst. Keys seen within
// the expiry are skipped instead of rewriting the database.
//
// Entries expire after the configured duration; a background reaper bounds
// memory until Stop is called.
package seen

import (
	"sync"
	"time"
)

const DefaultExpiry = 60 * time.Second

// Cache is a concurrent-safe deduplication store.
type Cache struct {
	mu      sync.Mutex
	entries map[string]time.Time
	expiry  time.Duration

	stopOnce sync.Once
	stop     chan struct{}
}

// New creates a Cache with the given expiry duration.
func New(expiry time.Duration) *Cache {
	if expiry <= 0 {
		expiry = DefaultExpiry
	}
	c := &Cache{
		entries: make(map[string]time.Time),
		expiry:  expiry,
		stop:    make(chan struct{}),
	}
	go c.reap()
	return c
}

// Has returns true if key was previously added and has not expired.
func (c *Cache) Has(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	exp, ok := c.entries[key]
	if !ok {
		return false
	}
	if time.Now().After(exp) {
		delete(c.entries, key)
		return false
	}
	return true
}

// Add records key with the configured expiry time.
// Returns true if the key was not previously seen (i.e. this is new traffic).
func (c *Cache) Add(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if exp, ok := c.entries[key]; ok && time.Now().Before(exp) {
		return false // already seen
	}
	c.entries[key] = time.Now().Add(c.expiry)
	return true
}

// Forget drops key so the next Add reports it as new.
func (c *Cache) Forget(key string) {
	c.mu.Lock()
	delete(c.entries, key)
	c.mu.Unlock()
}

// Len returns the current number of cached entries.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Stop ends the reaper. The cache stays usable; expired entries are then
// only dropped when looked up.
func (c *Cache) Stop() {
	c.stopOnce.Do(func() { close(c.stop) })
}

// reap periodically removes expired entries to bound memory usage.
func (c *Cache) reap() {
	ticker := time.NewTicker(c.expiry / 2)
	defer ticker.Stop()
	for {
		select {
		case <-c.stop:
			return
		case now := <-ticker.C:
			c.mu.Lock()
			for key, exp := range c.entries {
				if now.After(exp) {
					delete(c.entries, key)
				}
			}
			c.mu.Unlock()
		}
	}
}
