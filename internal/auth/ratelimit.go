package auth

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Rate limiter buckets.
const (
	LimitIssueIP     = "issue_ip"
	LimitIssueClient = "issue_client"
	LimitRefresh     = "refresh"
	LimitRefreshIP   = "refresh_ip"
)

// pruneInterval controls how often idle buckets are reaped.
const pruneInterval = time.Minute

// Limit bounds one bucket. A zero PerHour disables the bucket; a zero
// Burst allows PerHour requests back to back.
type Limit struct {
	PerHour int
	Burst   int
}

type bucket struct {
	limiter *rate.Limiter
	seen    time.Time
	// refill is how long an untouched bucket takes to fill up again,
	// after which dropping it changes nothing.
	refill time.Duration
}

// RateLimiter keeps a token bucket per (bucket name, identity). Requests
// over the limit are refused immediately with the time until a token is
// available; nothing waits.
type RateLimiter struct {
	mu        sync.Mutex
	limits    map[string]Limit
	buckets   map[string]*bucket
	now       func() time.Time
	lastPrune time.Time
}

// NewRateLimiter returns a limiter enforcing limits, keyed by bucket name.
// A nil now uses time.Now.
func NewRateLimiter(limits map[string]Limit, now func() time.Time) *RateLimiter {
	if now == nil {
		now = time.Now
	}
	return &RateLimiter{
		limits:  limits,
		buckets: make(map[string]*bucket),
		now:     now,
	}
}

// Allow takes one token from the identity's bucket under name. When the
// bucket is empty it returns false and how long until a retry can succeed.
func (l *RateLimiter) Allow(name, identity string) (time.Duration, bool) {
	lim, ok := l.limits[name]
	if !ok || lim.PerHour <= 0 {
		return 0, true
	}

	burst := lim.Burst
	if burst <= 0 {
		burst = lim.PerHour
	}

	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()

	l.prune(now)

	key := name + "\x00" + identity
	b, ok := l.buckets[key]
	if !ok {
		perSecond := float64(lim.PerHour) / time.Hour.Seconds()
		b = &bucket{
			limiter: rate.NewLimiter(rate.Limit(perSecond), burst),
			refill:  time.Duration(float64(burst) / perSecond * float64(time.Second)),
		}
		l.buckets[key] = b
	}

	b.seen = now

	r := b.limiter.ReserveN(now, 1)
	if !r.OK() {
		return time.Hour, false
	}

	if delay := r.DelayFrom(now); delay > 0 {
		r.CancelAt(now)
		return delay, false
	}

	return 0, true
}

// prune drops buckets idle long enough to have refilled. Callers hold mu.
func (l *RateLimiter) prune(now time.Time) {
	if now.Sub(l.lastPrune) < pruneInterval {
		return
	}
	l.lastPrune = now

	for key, b := range l.buckets {
		if now.Sub(b.seen) >= b.refill {
			delete(l.buckets, key)
		}
	}
}
