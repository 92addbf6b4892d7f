// Package limiter implements the token bucket shared by all concurrent
// RPC workers. The bucket is refilled lazily on access and all state
// transitions go through compare-and-swap, so callers never contend on a
// mutex.
package limiter

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/log"
)

// acquireBackoff is how long a blocked Acquire sleeps between attempts.
const acquireBackoff = 100 * time.Millisecond

// Limiter is a token bucket sized from a per-minute request quota. The
// capacity is the per-second share of the quota, giving one second of
// headroom over the provider limit.
type Limiter struct {
	capacity   atomic.Int64 // bucket size, also the per-second refill rate
	tokens     atomic.Int64
	lastRefill atomic.Int64 // unix seconds of the last refill
}

// New creates a limiter for the given requests-per-minute quota. The
// bucket starts full.
func New(requestsPerMinute int) *Limiter {
	l := new(Limiter)
	cap := perSecond(requestsPerMinute)
	l.capacity.Store(cap)
	l.tokens.Store(cap)
	l.lastRefill.Store(time.Now().Unix())
	log.Info("Rate limiter initialised", "rpm", requestsPerMinute, "tokensPerSecond", cap)
	return l
}

func perSecond(requestsPerMinute int) int64 {
	c := int64(requestsPerMinute / 60)
	if c < 1 {
		c = 1
	}
	return c
}

// TryAcquire consumes one token if one is available. It never blocks.
func (l *Limiter) TryAcquire() bool {
	l.refill()
	for {
		tokens := l.tokens.Load()
		if tokens <= 0 {
			return false
		}
		if l.tokens.CompareAndSwap(tokens, tokens-1) {
			return true
		}
	}
}

// Acquire blocks until a token has been consumed or the context is
// cancelled. It returns nil only after consuming a token.
func (l *Limiter) Acquire(ctx context.Context) error {
	for {
		if l.TryAcquire() {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(acquireBackoff):
		}
	}
}

// Available returns the number of tokens currently in the bucket, after
// applying any pending refill.
func (l *Limiter) Available() int64 {
	l.refill()
	return l.tokens.Load()
}

// Reconfigure replaces the bucket capacity at runtime. The bucket is
// reset to full under the new quota.
func (l *Limiter) Reconfigure(requestsPerMinute int) {
	cap := perSecond(requestsPerMinute)
	log.Info("Rate limiter reconfigured", "rpm", requestsPerMinute, "tokensPerSecond", cap)
	l.capacity.Store(cap)
	l.tokens.Store(cap)
	l.lastRefill.Store(time.Now().Unix())
}

// refill credits tokens for the seconds elapsed since the last refill,
// capped at the bucket capacity. Refill granularity is one second, same
// as the quota accounting of the upstream provider.
func (l *Limiter) refill() {
	now := time.Now().Unix()
	last := l.lastRefill.Load()
	if now <= last {
		return
	}
	// Claim the elapsed interval before touching the token count. Only
	// the claimant applies the credit, so concurrent refills cannot
	// credit the same second twice.
	if !l.lastRefill.CompareAndSwap(last, now) {
		return
	}
	cap := l.capacity.Load()
	credit := (now - last) * cap
	for {
		tokens := l.tokens.Load()
		next := tokens + credit
		if next > cap {
			next = cap
		}
		if l.tokens.CompareAndSwap(tokens, next) {
			return
		}
	}
}
