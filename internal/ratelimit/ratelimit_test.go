package ratelimit

import (
	"fmt"
	"sync"
	"testing"
	"time"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestLimiter(limit int, window time.Duration) (*Limiter, *fakeClock) {
	clock := &fakeClock{now: time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)}
	return New(Policy{Limit: limit, Window: window}, 0, WithClock(clock.Now)), clock
}

// TestLimiter_FixedWindow verifies that the 101st request inside a 100/60s window is
// rejected and that the identifier is admitted again once the window has passed.
func TestLimiter_FixedWindow(t *testing.T) {
	l, clock := newTestLimiter(100, 60*time.Second)

	for i := 1; i <= 100; i++ {
		if d := l.Allow("10.0.0.1"); !d.Allowed {
			t.Fatalf("request %d rejected, want allowed", i)
		}
		clock.Advance(100 * time.Millisecond)
	}
	d := l.Allow("10.0.0.1")
	if d.Allowed {
		t.Fatal("request 101 allowed, want rejected")
	}
	if d.Remaining != 0 {
		t.Errorf("Remaining = %d, want 0", d.Remaining)
	}

	clock.Advance(51 * time.Second) // 61s after the first request
	d = l.Allow("10.0.0.1")
	if !d.Allowed {
		t.Fatal("request after window rejected, want allowed")
	}
	if d.Remaining != 99 {
		t.Errorf("Remaining after reset = %d, want 99", d.Remaining)
	}
}

func TestLimiter_RejectionDoesNotExtendCount(t *testing.T) {
	l, clock := newTestLimiter(2, time.Minute)

	l.Allow("a")
	l.Allow("a")
	for i := 0; i < 5; i++ {
		if l.Allow("a").Allowed {
			t.Fatalf("attempt %d over limit allowed", i)
		}
	}

	clock.Advance(time.Minute + time.Second)
	if d := l.Allow("a"); !d.Allowed || d.Remaining != 1 {
		t.Errorf("Allow() after reset = %+v, want allowed with 1 remaining", d)
	}
}

func TestLimiter_BoundaryIsInclusive(t *testing.T) {
	l, clock := newTestLimiter(1, time.Minute)

	l.Allow("a")
	clock.Advance(time.Minute)
	if l.Allow("a").Allowed {
		t.Error("Allow() exactly at resetAt allowed, want rejected")
	}
	clock.Advance(time.Nanosecond)
	if !l.Allow("a").Allowed {
		t.Error("Allow() just after resetAt rejected, want allowed")
	}
}

func TestLimiter_IdentifiersAreIndependent(t *testing.T) {
	l, _ := newTestLimiter(1, time.Minute)

	if !l.Allow("a").Allowed {
		t.Fatal("first a rejected")
	}
	if !l.Allow("b").Allowed {
		t.Error("first b rejected, want independent window")
	}
	if l.Allow("a").Allowed {
		t.Error("second a allowed")
	}
}

func TestLimiter_CapacityBoundsMemory(t *testing.T) {
	l := New(Policy{Limit: 5, Window: time.Hour}, 3)

	for i := 0; i < 10; i++ {
		l.Allow(fmt.Sprintf("client-%d", i))
	}

	if got := l.Len(); got != 3 {
		t.Errorf("Len() = %d, want 3", got)
	}
}

func TestLimiter_ConcurrentAllowNeverExceedsLimit(t *testing.T) {
	l := New(Policy{Limit: 50, Window: time.Hour}, 0)

	var wg sync.WaitGroup
	var mu sync.Mutex
	allowed := 0
	for i := 0; i < 200; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if l.Allow("shared").Allowed {
				mu.Lock()
				allowed++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if allowed != 50 {
		t.Errorf("allowed = %d, want 50", allowed)
	}
}

func TestDecision_RetryAfter(t *testing.T) {
	now := time.Now()
	d := Decision{ResetAt: now.Add(30 * time.Second)}
	if got := d.RetryAfter(now); got != 30*time.Second {
		t.Errorf("RetryAfter() = %v, want 30s", got)
	}
	if got := d.RetryAfter(now.Add(time.Minute)); got != 0 {
		t.Errorf("RetryAfter() past reset = %v, want 0", got)
	}
}
