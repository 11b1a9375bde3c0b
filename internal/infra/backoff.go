package infra

import (
	"math/rand"
	"time"
)

// Backoff computes exponential delays with jitter for reconnects and
// retries. Not safe for concurrent use; each consumer owns its own.
type Backoff struct {
	// Base is the first delay. Default 500ms.
	Base time.Duration
	// Cap bounds the delay. Default 30s.
	Cap time.Duration
	// Jitter is the random fraction added on top (0..1). Default 0.2.
	Jitter float64

	attempt int
}

// Next returns the delay for the next attempt and advances the counter.
func (b *Backoff) Next() time.Duration {
	base := b.Base
	if base <= 0 {
		base = 500 * time.Millisecond
	}
	cap := b.Cap
	if cap <= 0 {
		cap = 30 * time.Second
	}
	jitter := b.Jitter
	if jitter <= 0 {
		jitter = 0.2
	}

	delay := base << b.attempt
	if delay > cap || delay <= 0 {
		delay = cap
	}
	b.attempt++

	return delay + time.Duration(rand.Float64()*jitter*float64(delay))
}

// Attempt returns how many delays have been handed out.
func (b *Backoff) Attempt() int { return b.attempt }

// Reset restarts the sequence after a successful attempt.
func (b *Backoff) Reset() { b.attempt = 0 }
