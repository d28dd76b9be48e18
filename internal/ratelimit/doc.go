// Package ratelimit implements per-key token bucket admission control.
//
// Each key (an agent ID, or a client IP before authentication) owns a bucket
// of Policy.Capacity tokens that refills continuously at
// Capacity/Window tokens per millisecond. Check takes one token, Consume takes
// n, Peek only looks.
//
// Denied results carry RetryAfter, the time until enough tokens will have
// refilled, rounded up to the millisecond.
//
// Buckets are created lazily and evicted by Sweep once they are full and have
// been idle for more than twice their window. Run performs the sweep on a
// ticker until its context is cancelled.
package ratelimit
