package main

import (
	"strings"
	"sync"
	"time"
)

// FreeTierSuffix marks model identifiers subject to stricter provider-side
// rate limits. Classification is purely a naming convention on the ID.
const FreeTierSuffix = ":free"

// IsFreeTierModel reports whether a model identifier is flagged free-tier.
func IsFreeTierModel(model string) bool {
	return strings.HasSuffix(model, FreeTierSuffix)
}

// RateLimiter enforces a minimum spacing between successive dispatches to the
// same free-tier model, process-wide. One instance is shared by every model
// call; tests construct their own with a fake clock.
//
// The mutex deliberately covers the whole read-decide-sleep-write sequence:
// two concurrent callers must never both observe a stale timestamp and
// proceed without the required spacing.
type RateLimiter struct {
	mu           sync.Mutex
	lastDispatch map[string]time.Time
	minInterval  time.Duration

	now   func() time.Time
	sleep func(time.Duration)
}

// NewRateLimiter creates a rate limiter with the given minimum interval.
func NewRateLimiter(minInterval time.Duration) *RateLimiter {
	return &RateLimiter{
		lastDispatch: make(map[string]time.Time),
		minInterval:  minInterval,
		now:          time.Now,
		sleep:        time.Sleep,
	}
}

// Throttle blocks until the model may be dispatched and returns how long the
// caller waited. Non-free-tier models pass through immediately with no side
// effect.
func (r *RateLimiter) Throttle(model string) time.Duration {
	if !IsFreeTierModel(model) {
		return 0
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	if last, ok := r.lastDispatch[model]; ok {
		if elapsed := now.Sub(last); elapsed < r.minInterval {
			wait := r.minInterval - elapsed
			r.sleep(wait)
			r.lastDispatch[model] = r.now()
			return wait
		}
	}

	r.lastDispatch[model] = now
	return 0
}

// RecordDispatch stamps the model's last-dispatch time. The client calls this
// after a successful request so the spacing also covers calls whose throttle
// wait elapsed naturally before the network round trip finished.
func (r *RateLimiter) RecordDispatch(model string) {
	if !IsFreeTierModel(model) {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.lastDispatch[model] = r.now()
}
