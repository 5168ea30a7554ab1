// Package ratelimit provides the per-connection inbound message limiter.
package ratelimit

import (
	"sync"
	"time"
)

// One token is 1e9 nano-tokens, so a rate of X tokens/sec adds X nano-tokens
// per elapsed nanosecond and refills never round.
const nanoTokensPerToken int64 = int64(time.Second)

const maxInt64 = int64(^uint64(0) >> 1)

// TokenBucket refills at an integer rate (tokens/sec) using a Clock.
type TokenBucket struct {
	mu    sync.Mutex
	clock Clock

	capacityNano int64
	fillRate     int64 // tokens/sec

	available int64 // nano-tokens
	last      time.Time
}

// NewTokenBucket returns a full bucket.
func NewTokenBucket(clock Clock, capacityTokens, fillRate int64) *TokenBucket {
	if clock == nil {
		clock = RealClock{}
	}
	if fillRate < 0 {
		fillRate = 0
	}
	capacityNano := tokensToNano(capacityTokens)
	return &TokenBucket{
		clock:        clock,
		capacityNano: capacityNano,
		fillRate:     fillRate,
		available:    capacityNano,
		last:         clock.Now(),
	}
}

// NewMessageLimiter allows a burst of perSecond messages and refills at the
// same rate. perSecond <= 0 yields a limiter that allows everything.
func NewMessageLimiter(clock Clock, perSecond int) *TokenBucket {
	if perSecond <= 0 {
		return nil
	}
	return NewTokenBucket(clock, int64(perSecond), int64(perSecond))
}

// Allow consumes tokens if available. tokens <= 0 always succeeds, as does
// any call on a nil bucket.
func (b *TokenBucket) Allow(tokens int64) bool {
	if b == nil || tokens <= 0 {
		return true
	}
	cost := tokensToNano(tokens)

	b.mu.Lock()
	defer b.mu.Unlock()

	b.refillLocked()
	if b.available < cost {
		return false
	}
	b.available -= cost
	return true
}

func (b *TokenBucket) refillLocked() {
	now := b.clock.Now()
	elapsed := now.Sub(b.last)
	b.last = now
	// A clock that moved backwards only resets the reference point.
	if elapsed <= 0 || b.fillRate == 0 {
		return
	}

	need := b.capacityNano - b.available
	if need <= 0 {
		b.available = b.capacityNano
		return
	}
	// elapsed*rate may overflow; clamp once enough time has passed to fill.
	if elapsed.Nanoseconds() >= need/b.fillRate {
		b.available = b.capacityNano
		return
	}
	b.available += elapsed.Nanoseconds() * b.fillRate
	if b.available > b.capacityNano {
		b.available = b.capacityNano
	}
}

func tokensToNano(tokens int64) int64 {
	if tokens <= 0 {
		return 0
	}
	if tokens > maxInt64/nanoTokensPerToken {
		return maxInt64
	}
	return tokens * nanoTokensPerToken
}
