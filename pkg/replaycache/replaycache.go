// Package replaycache tracks recently seen signatures to reject replayed
// authenticated requests. The signing window is 60 seconds; entries are
// retained for twice that so a signature cannot be replayed even at the
// edge of its validity window.
package replaycache

import (
	"sync"
	"time"
)

// TTL is how long a signature is remembered after it is first admitted.
const TTL = 120 * time.Second

// Cache is a mutex-guarded set of seen signatures with expiry. It is safe
// for concurrent use.
type Cache struct {
	mu      sync.Mutex
	entries map[string]time.Time // signature -> expiresAt

	cleanupTicker *time.Ticker
	stopCleanup   chan struct{}
}

// New creates a Cache and starts its periodic eviction goroutine.
func New() *Cache {
	c := &Cache{
		entries:     make(map[string]time.Time),
		stopCleanup: make(chan struct{}),
	}
	c.cleanupTicker = time.NewTicker(TTL)
	go c.cleanupLoop()
	return c
}

// Seen reports whether signature was already admitted and is still
// within its TTL window. Expired entries are treated as unseen and are
// lazily dropped.
func (c *Cache) Seen(signature string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	expiresAt, ok := c.entries[signature]
	if !ok {
		return false
	}
	if time.Now().After(expiresAt) {
		delete(c.entries, signature)
		return false
	}
	return true
}

// Remember records signature as admitted. Callers must only call this
// after the corresponding request has been fully verified and debited;
// remembering an unverified signature would let a single malformed
// retry permanently block a legitimate one.
func (c *Cache) Remember(signature string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[signature] = time.Now().Add(TTL)
}

func (c *Cache) cleanupLoop() {
	for {
		select {
		case <-c.cleanupTicker.C:
			c.mu.Lock()
			now := time.Now()
			for sig, expiresAt := range c.entries {
				if now.After(expiresAt) {
					delete(c.entries, sig)
				}
			}
			c.mu.Unlock()
		case <-c.stopCleanup:
			return
		}
	}
}

// Stop halts the eviction goroutine.
func (c *Cache) Stop() {
	c.cleanupTicker.Stop()
	close(c.stopCleanup)
}

// Len returns the number of tracked entries, expired or not. Intended
// for tests and diagnostics.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
