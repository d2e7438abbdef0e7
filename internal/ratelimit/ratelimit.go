// Package ratelimit implements fixed-window admission control keyed by client identity.
package ratelimit

import (
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// DefaultCapacity bounds the number of identifiers tracked at once.
const DefaultCapacity = 10000

// Policy is a ceiling of Limit admissions per Window.
type Policy struct {
	Limit  int
	Window time.Duration
}

// Decision is the outcome of one admission check.
type Decision struct {
	Allowed   bool
	Limit     int
	Remaining int
	ResetAt   time.Time
}

// RetryAfter returns how long the caller should wait before the window resets.
func (d Decision) RetryAfter(now time.Time) time.Duration {
	if wait := d.ResetAt.Sub(now); wait > 0 {
		return wait
	}
	return 0
}

type record struct {
	count   int
	resetAt time.Time
}

// Limiter admits at most Policy.Limit requests per identifier within each window.
// Records live in an expiring LRU so memory stays bounded; an evicted identifier
// simply starts a fresh window on its next request.
type Limiter struct {
	mu      sync.Mutex
	policy  Policy
	records *expirable.LRU[string, *record]
	now     func() time.Time
}

// Option configures a Limiter.
type Option func(*Limiter)

// WithClock overrides time.Now. Used by tests.
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) { l.now = now }
}

// New returns a Limiter for policy tracking at most capacity identifiers.
// capacity <= 0 uses DefaultCapacity.
func New(policy Policy, capacity int, opts ...Option) *Limiter {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	l := &Limiter{
		policy:  policy,
		records: expirable.NewLRU[string, *record](capacity, nil, policy.Window),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Policy returns the limiter's ceiling.
func (l *Limiter) Policy() Policy {
	return l.policy
}

// Allow records one attempt for id. A missing or expired record starts a new window
// with count 1; otherwise the count is incremented unless it has reached the limit,
// in which case the request is rejected and the count is left unchanged.
func (l *Limiter) Allow(id string) Decision {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	rec, ok := l.records.Get(id)
	if !ok || now.After(rec.resetAt) {
		rec = &record{count: 1, resetAt: now.Add(l.policy.Window)}
		l.records.Add(id, rec)
		return l.decision(true, rec)
	}
	if rec.count >= l.policy.Limit {
		return l.decision(false, rec)
	}
	rec.count++
	return l.decision(true, rec)
}

func (l *Limiter) decision(allowed bool, rec *record) Decision {
	remaining := l.policy.Limit - rec.count
	if remaining < 0 {
		remaining = 0
	}
	return Decision{Allowed: allowed, Limit: l.policy.Limit, Remaining: remaining, ResetAt: rec.resetAt}
}

// Len returns the number of identifiers currently tracked.
func (l *Limiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.records.Len()
}

// Reset forgets id. Used by tests and operator tooling.
func (l *Limiter) Reset(id string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.records.Remove(id)
}
