package infra

import (
	"fmt"
	"testing"
	"time"

	"github.com/haasonsaas/openclaw/pkg/models"
)

func TestDedupeCacheIsDuplicate(t *testing.T) {
	cache := NewDedupeCache(DedupeCacheConfig{TTL: time.Minute})

	if cache.IsDuplicate("k1") {
		t.Error("first observation reported as duplicate")
	}
	if !cache.IsDuplicate("k1") {
		t.Error("second observation not reported as duplicate")
	}
	if cache.IsDuplicate("k2") {
		t.Error("distinct key reported as duplicate")
	}
}

func TestDedupeCacheTTLExpiry(t *testing.T) {
	now := time.Now()
	cache := NewDedupeCache(DedupeCacheConfig{
		TTL: time.Minute,
		Now: func() time.Time { return now },
	})

	cache.IsDuplicate("k1")
	now = now.Add(2 * time.Minute)

	if cache.IsDuplicate("k1") {
		t.Error("expired entry still reported as duplicate")
	}
}

func TestDedupeCacheEviction(t *testing.T) {
	cache := NewDedupeCache(DedupeCacheConfig{TTL: time.Minute, MaxSize: 3})

	for i := 0; i < 3; i++ {
		cache.IsDuplicate(fmt.Sprintf("k%d", i))
	}
	cache.IsDuplicate("k3") // evicts the oldest

	if cache.Size() != 3 {
		t.Errorf("size = %d, want 3", cache.Size())
	}
	if cache.Check("k0") {
		t.Error("oldest entry should have been evicted")
	}
	if !cache.Check("k3") {
		t.Error("newest entry missing")
	}
}

func TestDedupeCacheCleanup(t *testing.T) {
	now := time.Now()
	cache := NewDedupeCache(DedupeCacheConfig{
		TTL: time.Minute,
		Now: func() time.Time { return now },
	})
	cache.IsDuplicate("k1")
	cache.IsDuplicate("k2")

	now = now.Add(2 * time.Minute)
	if removed := cache.Cleanup(); removed != 2 {
		t.Errorf("cleanup removed %d, want 2", removed)
	}
	if cache.Size() != 0 {
		t.Errorf("size after cleanup = %d", cache.Size())
	}
}

func TestEnvelopeDeduper(t *testing.T) {
	d := NewEnvelopeDeduper(time.Minute)

	env := &models.InboundEnvelope{ChannelID: "telegram", ChatID: "c1", MessageID: "m1"}
	if d.IsDuplicate(env) {
		t.Error("first envelope reported as duplicate")
	}
	if !d.IsDuplicate(env) {
		t.Error("repeat envelope not reported as duplicate")
	}

	other := &models.InboundEnvelope{ChannelID: "telegram", ChatID: "c1", MessageID: "m2"}
	if d.IsDuplicate(other) {
		t.Error("envelope with different message id reported as duplicate")
	}
}
