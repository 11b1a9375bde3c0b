package infra

import (
	"sync"
	"time"

	"github.com/haasonsaas/openclaw/pkg/models"
)

// DedupeCache is a thread-safe seen-set with TTL expiry and bounded size.
// At capacity the entry closest to expiry is evicted.
type DedupeCache struct {
	mu      sync.RWMutex
	entries map[string]time.Time // key -> expiry
	ttl     time.Duration
	maxSize int
	now     func() time.Time
}

// DedupeCacheConfig configures a DedupeCache.
type DedupeCacheConfig struct {
	// TTL is how long entries remain valid. Default: 5 minutes.
	TTL time.Duration

	// MaxSize bounds the entry count. Default: 10000. 0 keeps the default.
	MaxSize int

	// Now overrides the clock, for tests.
	Now func() time.Time
}

// NewDedupeCache creates a deduplication cache.
func NewDedupeCache(cfg DedupeCacheConfig) *DedupeCache {
	if cfg.TTL <= 0 {
		cfg.TTL = 5 * time.Minute
	}
	if cfg.MaxSize <= 0 {
		cfg.MaxSize = 10000
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &DedupeCache{
		entries: make(map[string]time.Time),
		ttl:     cfg.TTL,
		maxSize: cfg.MaxSize,
		now:     cfg.Now,
	}
}

// IsDuplicate atomically checks-and-marks a key. It returns true when the
// key was already present and unexpired.
func (c *DedupeCache) IsDuplicate(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	if expiry, ok := c.entries[key]; ok && now.Before(expiry) {
		return true
	}

	if len(c.entries) >= c.maxSize {
		c.evictOldestLocked()
	}
	c.entries[key] = now.Add(c.ttl)
	return false
}

// Check reports whether a key is present and unexpired, without marking.
func (c *DedupeCache) Check(key string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	expiry, ok := c.entries[key]
	return ok && c.now().Before(expiry)
}

// Size returns the current entry count, including expired entries not yet
// swept.
func (c *DedupeCache) Size() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// Cleanup removes expired entries and returns how many were dropped.
func (c *DedupeCache) Cleanup() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	removed := 0
	for key, expiry := range c.entries {
		if now.After(expiry) {
			delete(c.entries, key)
			removed++
		}
	}
	return removed
}

func (c *DedupeCache) evictOldestLocked() {
	var oldestKey string
	var oldestExpiry time.Time
	first := true
	for key, expiry := range c.entries {
		if first || expiry.Before(oldestExpiry) {
			oldestKey = key
			oldestExpiry = expiry
			first = false
		}
	}
	if oldestKey != "" {
		delete(c.entries, oldestKey)
	}
}

// EnvelopeDeduper deduplicates inbound envelopes on their
// (channelId, chatId, messageId) fingerprint.
type EnvelopeDeduper struct {
	cache *DedupeCache
}

// NewEnvelopeDeduper creates a deduper with the given TTL window.
func NewEnvelopeDeduper(ttl time.Duration) *EnvelopeDeduper {
	return &EnvelopeDeduper{cache: NewDedupeCache(DedupeCacheConfig{TTL: ttl})}
}

// IsDuplicate reports whether the envelope was observed within the TTL,
// marking it as seen otherwise.
func (d *EnvelopeDeduper) IsDuplicate(env *models.InboundEnvelope) bool {
	if env == nil {
		return false
	}
	return d.cache.IsDuplicate(env.Fingerprint())
}

// Size returns the number of tracked fingerprints.
func (d *EnvelopeDeduper) Size() int {
	return d.cache.Size()
}
