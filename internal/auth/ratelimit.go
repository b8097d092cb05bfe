package auth

import (
	"math"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/emergent-company/taskmcp/internal/fault"
)

// Limiter enforces per-identity token buckets. The bucket refills at the
// configured per-minute rate with a burst of ceil(1.5 x rate). Idle
// buckets are evicted by Sweep.
type Limiter struct {
	rpm   int
	burst int

	mu      sync.Mutex
	buckets map[string]*bucket
	now     func() time.Time
}

type bucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// Headers are the rate-limit response headers for one admission decision.
type Headers struct {
	Limit     int
	Remaining int
	Reset     time.Time
}

// Apply writes the headers onto a setter (http.Header satisfies it).
func (h Headers) Apply(set func(key, value string)) {
	set("X-RateLimit-Limit", strconv.Itoa(h.Limit))
	set("X-RateLimit-Remaining", strconv.Itoa(h.Remaining))
	set("X-RateLimit-Reset", strconv.FormatInt(h.Reset.Unix(), 10))
}

// NewLimiter creates a limiter allowing rpm requests per minute per
// identity.
func NewLimiter(rpm int) *Limiter {
	return &Limiter{
		rpm:     rpm,
		burst:   int(math.Ceil(1.5 * float64(rpm))),
		buckets: make(map[string]*bucket),
		now:     time.Now,
	}
}

// Allow admits or rejects one request for the identity key. Rejections
// are RATE_LIMITED faults carrying a Retry-After estimate.
func (l *Limiter) Allow(key string) (Headers, error) {
	l.mu.Lock()
	b, ok := l.buckets[key]
	if !ok {
		b = &bucket{limiter: rate.NewLimiter(rate.Limit(float64(l.rpm)/60.0), l.burst)}
		l.buckets[key] = b
	}
	b.lastSeen = l.now()
	l.mu.Unlock()

	now := l.now()
	hdrs := Headers{
		Limit: l.rpm,
		Reset: now.Add(time.Minute),
	}

	if !b.limiter.Allow() {
		hdrs.Remaining = 0
		// Next token arrives after 60/rpm seconds.
		retryAfter := int(math.Ceil(60.0 / float64(l.rpm)))
		if retryAfter < 1 {
			retryAfter = 1
		}
		return hdrs, fault.New(fault.CodeRateLimited, "rate limit exceeded").
			WithHint("retry after the window resets").
			WithContext("retryAfterSeconds", retryAfter)
	}

	remaining := int(b.limiter.Tokens())
	if remaining < 0 {
		remaining = 0
	}
	hdrs.Remaining = remaining
	return hdrs, nil
}

// Sweep drops buckets idle longer than maxIdle; run it from a background
// worker, never a module-level timer.
func (l *Limiter) Sweep(maxIdle time.Duration) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	cutoff := l.now().Add(-maxIdle)
	removed := 0
	for key, b := range l.buckets {
		if b.lastSeen.Before(cutoff) {
			delete(l.buckets, key)
			removed++
		}
	}
	return removed
}

// Tracked returns the number of live buckets, for the security metrics
// endpoint.
func (l *Limiter) Tracked() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buckets)
}
