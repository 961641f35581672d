// Package failcache implements the short-TTL negative cache that suppresses
// retry storms after a connection failure to a backend (spec §4.6).
//
// Only connection failures are ever recorded here; sign refusals must not
// be cached, because the user may still be in the middle of authenticating
// in the backend's own UI.
package failcache

import (
	"sync"
	"time"

	"github.com/smnsjas/agentmux"
	"github.com/smnsjas/agentmux/internal/clockutil"
)

// DefaultTTL is used when the configured TTL is zero.
const DefaultTTL = 60 * time.Second

type key struct {
	fingerprint agentmux.Fingerprint
	backend     string
}

// Cache is a mapping from (fingerprint, backend) to an expiry instant.
type Cache struct {
	mu      sync.Mutex
	ttl     time.Duration
	clock   clockutil.Clock
	expires map[key]time.Time
}

// New creates a Cache with the given TTL. A zero or negative ttl uses
// DefaultTTL.
func New(ttl time.Duration) *Cache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Cache{
		ttl:     ttl,
		clock:   clockutil.Real{},
		expires: make(map[key]time.Time),
	}
}

// MarkFailed records a connection failure for (fp, backend), valid until
// now+TTL.
func (c *Cache) MarkFailed(fp agentmux.Fingerprint, backend string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.expires[key{fp, backend}] = c.clock.Now().Add(c.ttl)
}

// IsCached reports whether (fp, backend) has an unexpired failure entry.
func (c *Cache) IsCached(fp agentmux.Fingerprint, backend string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	expiry, ok := c.expires[key{fp, backend}]
	if !ok {
		return false
	}
	if !c.clock.Now().Before(expiry) {
		delete(c.expires, key{fp, backend})
		return false
	}
	return true
}

// Clear removes any failure entry for (fp, backend), used after a
// successful sign.
func (c *Cache) Clear(fp agentmux.Fingerprint, backend string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.expires, key{fp, backend})
}
