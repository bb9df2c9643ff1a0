// Package ratelimit implements the per-(session_id, method) token bucket
// gate the dispatcher runs requests through before handing them to a method
// handler.
package ratelimit

import (
	"sync"

	"golang.org/x/time/rate"
)

// Limiter holds one token bucket per (session, method) pair, lazily
// created on first use with the configured rate/burst.
type Limiter struct {
	mu      sync.Mutex
	buckets map[string]*rate.Limiter

	rps   rate.Limit
	burst int
}

// New creates a Limiter allowing ratePerSecond sustained requests per
// (session, method) pair, with burst capacity burst.
func New(ratePerSecond float64, burst int) *Limiter {
	if burst <= 0 {
		burst = 1
	}
	return &Limiter{
		buckets: map[string]*rate.Limiter{},
		rps:     rate.Limit(ratePerSecond),
		burst:   burst,
	}
}

func key(sessionID, method string) string {
	return sessionID + "\x00" + method
}

// Allow reports whether a request for (sessionID, method) may proceed right
// now, consuming a token if so.
func (l *Limiter) Allow(sessionID, method string) bool {
	return l.bucketFor(sessionID, method).Allow()
}

// RetryAfterSeconds returns how many whole seconds the caller should wait
// before retrying (sessionID, method), rounding up so a client that honors
// it never retries early.
func (l *Limiter) RetryAfterSeconds(sessionID, method string) int {
	b := l.bucketFor(sessionID, method)
	reservation := b.Reserve()
	defer reservation.Cancel()
	delay := reservation.Delay()
	seconds := int(delay.Seconds())
	if delay > 0 && delay.Seconds() > float64(seconds) {
		seconds++
	}
	return seconds
}

func (l *Limiter) bucketFor(sessionID, method string) *rate.Limiter {
	k := key(sessionID, method)
	l.mu.Lock()
	defer l.mu.Unlock()
	b, ok := l.buckets[k]
	if !ok {
		b = rate.NewLimiter(l.rps, l.burst)
		l.buckets[k] = b
	}
	return b
}

// Reset drops every bucket tracked for sessionID, e.g. on session close.
func (l *Limiter) Reset(sessionID string) {
	prefix := sessionID + "\x00"
	l.mu.Lock()
	defer l.mu.Unlock()
	for k := range l.buckets {
		if len(k) >= len(prefix) && k[:len(prefix)] == prefix {
			delete(l.buckets, k)
		}
	}
}
