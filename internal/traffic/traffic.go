// Package traffic keeps sliding windows of request outcomes. It is the single source
// for the health endpoint's overloaded and degraded verdicts.
package traffic

import (
	"sync"
	"time"
)

// Outcome classifies a finished request.
type Outcome int

const (
	// Success is a request answered without an upstream or internal failure.
	Success Outcome = iota
	// Failure is an upstream error, timeout or configuration error.
	Failure
	// Denied is an admission rejection (429).
	Denied
)

// DefaultRetention bounds how far back outcomes are kept.
const DefaultRetention = 5 * time.Minute

// Counts are the outcomes seen inside one window.
type Counts struct {
	Success int
	Errors  int
	Denied  int
}

// Total includes denials.
func (c Counts) Total() int {
	return c.Success + c.Errors + c.Denied
}

// ErrorPct is errors as a percentage of answered requests; denials are excluded.
func (c Counts) ErrorPct() float64 {
	answered := c.Success + c.Errors
	if answered == 0 {
		return 0
	}
	return float64(c.Errors) * 100 / float64(answered)
}

var defaultTracker = NewTracker(DefaultRetention, nil)

// Record adds an outcome to the process-wide tracker.
func Record(o Outcome) {
	defaultTracker.Record(o)
}

// Snapshot counts process-wide outcomes within window.
func Snapshot(window time.Duration) Counts {
	return defaultTracker.Snapshot(window)
}

// RequestCount returns all outcomes (denials included) within window.
func RequestCount(window time.Duration) int {
	return defaultTracker.Snapshot(window).Total()
}

// DenialCount returns the denials within window.
func DenialCount(window time.Duration) int {
	return defaultTracker.Snapshot(window).Denied
}

// Reset clears the process-wide tracker. For tests only.
func Reset() {
	defaultTracker.Reset()
}

// Tracker holds outcome timestamps, oldest first, per outcome kind.
type Tracker struct {
	mu        sync.Mutex
	retention time.Duration
	now       func() time.Time
	times     [3][]time.Time
}

// NewTracker returns a Tracker keeping retention worth of history. A nil now uses time.Now.
func NewTracker(retention time.Duration, now func() time.Time) *Tracker {
	if retention <= 0 {
		retention = DefaultRetention
	}
	if now == nil {
		now = time.Now
	}
	return &Tracker{retention: retention, now: now}
}

// Record stamps one outcome at the current time.
func (t *Tracker) Record(o Outcome) {
	if o < Success || o > Denied {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	now := t.now()
	t.times[o] = append(t.times[o], now)
	t.pruneLocked(now)
}

// Snapshot counts outcomes not older than window.
func (t *Tracker) Snapshot(window time.Duration) Counts {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := t.now()
	t.pruneLocked(now)
	cutoff := now.Add(-window)
	return Counts{
		Success: countSince(t.times[Success], cutoff),
		Errors:  countSince(t.times[Failure], cutoff),
		Denied:  countSince(t.times[Denied], cutoff),
	}
}

// Reset drops all history.
func (t *Tracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.times = [3][]time.Time{}
}

// countSince relies on ascending order: it scans back from the newest stamp.
func countSince(times []time.Time, cutoff time.Time) int {
	n := 0
	for i := len(times) - 1; i >= 0 && !times[i].Before(cutoff); i-- {
		n++
	}
	return n
}

// pruneLocked must be called with mu held.
func (t *Tracker) pruneLocked(now time.Time) {
	cutoff := now.Add(-t.retention)
	for k := range t.times {
		times := t.times[k]
		i := 0
		for i < len(times) && times[i].Before(cutoff) {
			i++
		}
		if i > 0 {
			t.times[k] = append(times[:0], times[i:]...)
		}
	}
}
