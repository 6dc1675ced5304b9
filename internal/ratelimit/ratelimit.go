// Package ratelimit tracks provider throttling signals and decides how long
// fetches should back off before the next attempt against a host.
package ratelimit

import (
	"log"
	"net/http"
	"sync"
	"time"
)

// RetryStrategy defines the backoff intervals applied to successive
// rate-limit hits against the same host.
type RetryStrategy struct {
	Intervals  []time.Duration
	MaxRetries int
}

// DefaultRetryStrategy returns the default schedule. Unlike an interactive
// app that can afford multi-minute pauses, a batch run keeps intervals in
// the seconds range and gives up on a tile quickly; the tile degrades to a
// fetch failure rather than stalling the whole run.
func DefaultRetryStrategy() *RetryStrategy {
	return &RetryStrategy{
		Intervals: []time.Duration{
			2 * time.Second,
			5 * time.Second,
			10 * time.Second,
		},
		MaxRetries: 2,
	}
}

// event records one rate-limit occurrence for a host.
type event struct {
	statusCode  int
	attempt     int
	nextRetryAt time.Time
}

// Tracker maintains per-host throttle state. Shared by all in-flight
// fetches; safe for concurrent use.
type Tracker struct {
	mu       sync.RWMutex
	limited  map[string]*event
	strategy *RetryStrategy
}

func NewTracker(strategy *RetryStrategy) *Tracker {
	if strategy == nil {
		strategy = DefaultRetryStrategy()
	}
	return &Tracker{
		limited:  make(map[string]*event),
		strategy: strategy,
	}
}

// IsRateLimitStatus reports whether an HTTP status code is a throttling
// signal. 403 is included because the provider uses it for rate limiting,
// not just authorization.
func IsRateLimitStatus(code int) bool {
	return code == http.StatusTooManyRequests ||
		code == http.StatusForbidden ||
		code == 509 // Bandwidth Limit Exceeded
}

// CheckResponse inspects a response for throttling indicators, updating the
// host state either way. Returns true when the host is rate limited.
func (t *Tracker) CheckResponse(host string, resp *http.Response) bool {
	if !IsRateLimitStatus(resp.StatusCode) {
		t.clear(host)
		return false
	}
	t.record(host, resp.StatusCode)
	return true
}

// record registers a rate-limit hit and schedules the next allowed attempt.
func (t *Tracker) record(host string, statusCode int) {
	t.mu.Lock()
	defer t.mu.Unlock()

	attempt := 0
	if prev, ok := t.limited[host]; ok {
		attempt = prev.attempt + 1
	}

	interval := t.strategy.Intervals[len(t.strategy.Intervals)-1]
	if attempt < len(t.strategy.Intervals) {
		interval = t.strategy.Intervals[attempt]
	}

	t.limited[host] = &event{
		statusCode:  statusCode,
		attempt:     attempt,
		nextRetryAt: time.Now().Add(interval),
	}

	log.Printf("[RateLimit] %s throttled (HTTP %d, hit %d), next attempt after %s",
		host, statusCode, attempt+1, interval)
}

func (t *Tracker) clear(host string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.limited[host]; ok {
		delete(t.limited, host)
		log.Printf("[RateLimit] %s recovered", host)
	}
}

// IsLimited reports whether a host is currently throttled.
func (t *Tracker) IsLimited(host string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	_, ok := t.limited[host]
	return ok
}

// Backoff returns how long to wait before the next attempt against host,
// and whether another attempt is allowed at all under the retry budget.
// A spent budget blocks attempts only inside the current throttle window;
// once it passes, probe attempts are allowed so a recovered host is
// rediscovered instead of staying poisoned for the rest of the run.
func (t *Tracker) Backoff(host string) (time.Duration, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	ev, ok := t.limited[host]
	if !ok {
		return 0, true
	}
	wait := time.Until(ev.nextRetryAt)
	if wait < 0 {
		wait = 0
	}
	if ev.attempt >= t.strategy.MaxRetries {
		if wait > 0 {
			return 0, false
		}
		return 0, true
	}
	return wait, true
}
