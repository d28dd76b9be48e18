// ABOUTME: Per-key continuous-refill token bucket rate limiter
// ABOUTME: Sharded bucket map with one mutex per bucket and an idle-bucket sweep

package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"math"
	"sync"
	"time"
)

const shardCount = 16

// ErrInvalidPolicy is returned for a policy that cannot admit any request.
var ErrInvalidPolicy = errors.New("invalid rate limit policy")

// Policy describes a bucket: Capacity tokens, fully refilled over Window.
type Policy struct {
	Capacity int
	Window   time.Duration
}

// Validate checks the policy can be used to build a bucket.
func (p Policy) Validate() error {
	if p.Capacity <= 0 {
		return fmt.Errorf("%w: capacity must be positive, got %d", ErrInvalidPolicy, p.Capacity)
	}
	if p.Window < time.Millisecond {
		return fmt.Errorf("%w: window must be at least 1ms, got %v", ErrInvalidPolicy, p.Window)
	}
	return nil
}

func (p Policy) windowMs() float64 {
	return float64(p.Window) / float64(time.Millisecond)
}

// Result is the outcome of an admission check.
type Result struct {
	Allowed    bool
	Limit      int
	Remaining  int
	RetryAfter time.Duration // zero when allowed
	ResetAt    time.Time     // when the bucket will be full again
}

type bucket struct {
	mu         sync.Mutex
	tokens     float64
	policy     Policy
	lastRefill time.Time
	lastAccess time.Time
	evicted    bool
}

// refill adds tokens for the time elapsed since the last refill.
// Must be called with mu held.
func (b *bucket) refill(now time.Time) {
	b.tokens = b.tokensAt(now)
	if now.After(b.lastRefill) {
		b.lastRefill = now
	}
}

// tokensAt computes the token count at now without mutating the bucket.
// Must be called with mu held.
func (b *bucket) tokensAt(now time.Time) float64 {
	elapsed := now.Sub(b.lastRefill)
	if elapsed <= 0 {
		return b.tokens
	}
	elapsedMs := float64(elapsed) / float64(time.Millisecond)
	capacity := float64(b.policy.Capacity)
	return math.Min(capacity, b.tokens+elapsedMs*capacity/b.policy.windowMs())
}

// adopt switches the bucket to a new policy, clamping tokens to the new capacity.
func (b *bucket) adopt(p Policy) {
	if b.policy == p {
		return
	}
	b.policy = p
	b.tokens = math.Min(b.tokens, float64(p.Capacity))
}

func makeResult(p Policy, now time.Time, tokens float64, allowed bool, retry time.Duration) Result {
	capacity := float64(p.Capacity)
	toFull := msDuration((capacity - tokens) * p.windowMs() / capacity)
	return Result{
		Allowed:    allowed,
		Limit:      p.Capacity,
		Remaining:  int(math.Floor(tokens)),
		RetryAfter: retry,
		ResetAt:    now.Add(toFull),
	}
}

// msDuration converts fractional milliseconds into a duration rounded up to
// the next whole millisecond.
func msDuration(ms float64) time.Duration {
	if ms <= 0 {
		return 0
	}
	return time.Duration(math.Ceil(ms)) * time.Millisecond
}

type shard struct {
	mu      sync.Mutex
	buckets map[string]*bucket
}

// Limiter admits requests per key. Keys are typically agent IDs, or client
// IPs before authentication. It is safe for concurrent use.
type Limiter struct {
	shards [shardCount]*shard
	now    func() time.Time
}

// New creates a Limiter using the wall clock.
func New() *Limiter {
	return NewWithClock(time.Now)
}

// NewWithClock creates a Limiter that reads time from now.
func NewWithClock(now func() time.Time) *Limiter {
	l := &Limiter{now: now}
	for i := range l.shards {
		l.shards[i] = &shard{buckets: make(map[string]*bucket)}
	}
	return l
}

func (l *Limiter) shardFor(key string) *shard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return l.shards[h.Sum32()%shardCount]
}

// acquire returns the locked, live bucket for key, creating a full one on
// first use.
func (l *Limiter) acquire(key string, p Policy, now time.Time) *bucket {
	s := l.shardFor(key)
	for {
		s.mu.Lock()
		b, ok := s.buckets[key]
		if !ok {
			b = &bucket{
				tokens:     float64(p.Capacity),
				policy:     p,
				lastRefill: now,
				lastAccess: now,
			}
			s.buckets[key] = b
		}
		s.mu.Unlock()

		b.mu.Lock()
		if !b.evicted {
			return b
		}
		// Swept between lookup and lock; look again.
		b.mu.Unlock()
	}
}

// Check takes one token from key's bucket.
func (l *Limiter) Check(key string, p Policy) (Result, error) {
	return l.Consume(key, 1, p)
}

// Consume takes n tokens from key's bucket. When fewer than n tokens are
// available nothing is taken and RetryAfter reports when n will be available.
// A request for more than the bucket capacity can never succeed and is denied
// with a RetryAfter of one full window.
func (l *Limiter) Consume(key string, n int, p Policy) (Result, error) {
	if err := p.Validate(); err != nil {
		return Result{}, err
	}
	if n <= 0 {
		return Result{}, fmt.Errorf("%w: token count must be positive, got %d", ErrInvalidPolicy, n)
	}

	now := l.now()
	b := l.acquire(key, p, now)
	defer b.mu.Unlock()

	b.adopt(p)
	b.refill(now)
	b.lastAccess = now

	need := float64(n)
	if n > p.Capacity {
		return makeResult(p, now, b.tokens, false, p.Window), nil
	}
	if b.tokens >= need {
		b.tokens -= need
		return makeResult(p, now, b.tokens, true, 0), nil
	}

	retry := msDuration((need - b.tokens) * p.windowMs() / float64(p.Capacity))
	return makeResult(p, now, b.tokens, false, retry), nil
}

// Peek reports key's current state without taking tokens, creating a bucket,
// or recording a refill. Repeated calls at the same instant return the same
// result.
func (l *Limiter) Peek(key string, p Policy) (Result, error) {
	if err := p.Validate(); err != nil {
		return Result{}, err
	}

	now := l.now()
	s := l.shardFor(key)
	s.mu.Lock()
	b, ok := s.buckets[key]
	s.mu.Unlock()

	if !ok {
		return Result{Allowed: true, Limit: p.Capacity, Remaining: p.Capacity, ResetAt: now}, nil
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	tokens := math.Min(b.tokensAt(now), float64(p.Capacity))
	var retry time.Duration
	allowed := tokens >= 1
	if !allowed {
		retry = msDuration((1 - tokens) * p.windowMs() / float64(p.Capacity))
	}
	return makeResult(p, now, tokens, allowed, retry), nil
}

// Reset discards key's bucket so the next request starts full.
func (l *Limiter) Reset(key string) {
	s := l.shardFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()

	if b, ok := s.buckets[key]; ok {
		b.mu.Lock()
		b.evicted = true
		b.mu.Unlock()
		delete(s.buckets, key)
	}
}

// Len returns the number of live buckets.
func (l *Limiter) Len() int {
	total := 0
	for _, s := range l.shards {
		s.mu.Lock()
		total += len(s.buckets)
		s.mu.Unlock()
	}
	return total
}

// Sweep evicts buckets that are full and have been idle for more than twice
// their window. Returns the number evicted.
func (l *Limiter) Sweep() int {
	now := l.now()
	removed := 0
	for _, s := range l.shards {
		s.mu.Lock()
		for key, b := range s.buckets {
			b.mu.Lock()
			idle := now.Sub(b.lastAccess)
			if idle > 2*b.policy.Window && b.tokensAt(now) >= float64(b.policy.Capacity) {
				b.evicted = true
				delete(s.buckets, key)
				removed++
			}
			b.mu.Unlock()
		}
		s.mu.Unlock()
	}
	return removed
}

// Run sweeps every interval until ctx is cancelled.
func (l *Limiter) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			l.Sweep()
		case <-ctx.Done():
			return
		}
	}
}
