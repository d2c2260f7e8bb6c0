package api

import (
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/time/rate"
)

// maxTrackedCallers bounds limiter memory; the least recently seen caller
// loses its bucket first and starts again with a full burst.
const maxTrackedCallers = 10000

// RateLimiter keeps one token bucket per caller id.
type RateLimiter struct {
	limit   rate.Limit
	burst   int
	buckets *lru.Cache[string, *rate.Limiter]
}

// NewRateLimiter allows rps requests per second per caller with the given
// burst. rps <= 0 disables limiting and returns nil.
func NewRateLimiter(rps float64, burst int) *RateLimiter {
	if rps <= 0 {
		return nil
	}
	if burst < 1 {
		burst = 1
	}
	// Size is a positive constant, so New cannot fail
	buckets, _ := lru.New[string, *rate.Limiter](maxTrackedCallers)
	return &RateLimiter{
		limit:   rate.Limit(rps),
		burst:   burst,
		buckets: buckets,
	}
}

// Allow takes a token for caller. When none is available it returns false
// and how long until one will be.
func (l *RateLimiter) Allow(caller string, now time.Time) (bool, time.Duration) {
	if l == nil {
		return true, 0
	}

	bucket, ok := l.buckets.Get(caller)
	if !ok {
		candidate := rate.NewLimiter(l.limit, l.burst)
		// Another request may have added the bucket since Get
		if prev, found, _ := l.buckets.PeekOrAdd(caller, candidate); found {
			bucket = prev
		} else {
			bucket = candidate
		}
	}

	r := bucket.ReserveN(now, 1)
	if delay := r.DelayFrom(now); delay > 0 {
		r.CancelAt(now)
		return false, delay
	}
	return true, 0
}
