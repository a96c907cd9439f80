// Package ratelimit implements the token-bucket admission controller that
// throttles fetches against the imaging archives. Buckets are in-memory and
// per-process: they gate outbound request rate per worker, not global
// correctness.
package ratelimit

import (
	"fmt"
	"sync"

	"golang.org/x/time/rate"
)

// Keys identify the two archive streams a bucket can throttle.
const (
	KeyPrimary   = "primary"
	KeySecondary = "secondary"
)

var validKeys = map[string]struct{}{
	KeyPrimary:   {},
	KeySecondary: {},
}

// DefaultCapacity is the bucket size used when the service does not
// configure one explicitly.
const DefaultCapacity = 5

// TokenBucket refills continuously at a configurable rate, with one
// independent bucket per key. A zero rate always denies admission, whatever
// the capacity; the refresh-rate control endpoint can raise it at runtime.
type TokenBucket struct {
	mu       sync.Mutex
	capacity int
	rate     float64
	limiters map[string]*rate.Limiter
}

// NewTokenBucket creates a bucket with the given refill rate (tokens per
// second, fractional allowed) and capacity for each key.
func NewTokenBucket(ratePerSecond float64, capacity int) (*TokenBucket, error) {
	if ratePerSecond < 0 {
		return nil, fmt.Errorf("rate must be non-negative, got %v", ratePerSecond)
	}
	if capacity < 1 {
		return nil, fmt.Errorf("capacity must be at least 1, got %d", capacity)
	}
	b := &TokenBucket{
		capacity: capacity,
		rate:     ratePerSecond,
		limiters: make(map[string]*rate.Limiter, len(validKeys)),
	}
	for key := range validKeys {
		b.limiters[key] = rate.NewLimiter(rate.Limit(ratePerSecond), capacity)
	}
	return b, nil
}

// TryAcquire reports whether a token is available for the key and consumes
// it atomically. It never blocks.
func (b *TokenBucket) TryAcquire(key string) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	limiter, ok := b.limiters[key]
	if !ok {
		return false, fmt.Errorf("key must be one of %q or %q, not %q", KeyPrimary, KeySecondary, key)
	}
	// x/time/rate starts a limiter with a full burst, so a zero-rate bucket
	// would admit `capacity` requests before drying up. The contract here is
	// that rate zero never admits.
	if b.rate == 0 {
		return false, nil
	}
	return limiter.Allow(), nil
}

// Rate returns the current refill rate in tokens per second.
func (b *TokenBucket) Rate() float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.rate
}

// SetRate changes the refill rate for every key at runtime.
func (b *TokenBucket) SetRate(ratePerSecond float64) error {
	if ratePerSecond < 0 {
		return fmt.Errorf("rate must be non-negative, got %v", ratePerSecond)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.rate = ratePerSecond
	for _, limiter := range b.limiters {
		limiter.SetLimit(rate.Limit(ratePerSecond))
	}
	return nil
}
