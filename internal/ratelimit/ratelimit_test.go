package ratelimit

import (
	"testing"
	"time"

	"github.com/manpreetbhatti/sketchsync/internal/clock"
)

var epoch = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

func TestLimiterBurstAndRefill(t *testing.T) {
	c := clock.NewFake(epoch)
	l := NewLimiterWithClock(10, 3, c)

	for i := 0; i < 3; i++ {
		if !l.Allow() {
			t.Fatalf("Expected call %d within burst to be allowed", i)
		}
	}
	if l.Allow() {
		t.Error("Expected call beyond burst to be rejected")
	}

	c.Advance(100 * time.Millisecond)
	if !l.Allow() {
		t.Error("Expected one token after 100ms at 10/s")
	}
	if l.Allow() {
		t.Error("Expected bucket to be empty again")
	}
}

func TestLimiterDelay(t *testing.T) {
	c := clock.NewFake(epoch)
	l := NewLimiterWithClock(10, 1, c)

	if d := l.Delay(); d != 0 {
		t.Errorf("Expected no delay with a full bucket, got %v", d)
	}
	l.Allow()
	if d := l.Delay(); d < 99*time.Millisecond || d > 101*time.Millisecond {
		t.Errorf("Expected ~100ms delay, got %v", d)
	}
}

func TestPoolReuse(t *testing.T) {
	p := NewPool(10, 5)
	defer p.Stop()

	a := p.Get("member-a")
	if p.Get("member-a") != a {
		t.Error("Expected the same bucket for the same key")
	}
	if p.Get("member-b") == a {
		t.Error("Expected distinct buckets per key")
	}
	if p.Len() != 2 {
		t.Errorf("Expected 2 buckets, got %d", p.Len())
	}

	p.Release("member-a")
	if p.Len() != 1 {
		t.Errorf("Expected 1 bucket after release, got %d", p.Len())
	}
}

func TestPoolEvictsIdleBuckets(t *testing.T) {
	c := clock.NewFake(epoch)
	p := NewPoolWithClock(10, 5, time.Minute, c)
	defer p.Stop()

	p.Get("quiet")
	c.Advance(30 * time.Second)
	p.Get("busy").Allow()

	c.Advance(30 * time.Second)
	if p.Len() != 1 {
		t.Fatalf("Expected only the busy bucket to survive, got %d", p.Len())
	}

	c.Advance(time.Minute)
	if p.Len() != 0 {
		t.Errorf("Expected every bucket evicted, got %d", p.Len())
	}
}

func TestPoolStop(t *testing.T) {
	c := clock.NewFake(epoch)
	p := NewPoolWithClock(10, 5, time.Minute, c)
	p.Get("a")
	p.Stop()
	p.Stop()

	if p.Len() != 0 {
		t.Errorf("Expected an empty pool after stop, got %d", p.Len())
	}
	if l := p.Get("b"); l == nil || p.Len() != 0 {
		t.Error("Expected a detached bucket from a stopped pool")
	}
}

func TestThrottleLeadingAndTrailing(t *testing.T) {
	c := clock.NewFake(epoch)
	th := NewThrottle(c, 50*time.Millisecond, nil)

	var calls []int
	th.Call(func() { calls = append(calls, 1) })
	if len(calls) != 1 {
		t.Fatalf("Expected leading call to run immediately, got %v", calls)
	}

	c.Advance(10 * time.Millisecond)
	th.Call(func() { calls = append(calls, 2) })
	th.Call(func() { calls = append(calls, 3) })
	if len(calls) != 1 {
		t.Fatalf("Expected calls inside the window to wait, got %v", calls)
	}

	c.Advance(45 * time.Millisecond)
	if len(calls) != 2 || calls[1] != 3 {
		t.Fatalf("Expected one trailing call with the latest fn, got %v", calls)
	}

	c.Advance(time.Second)
	th.Call(func() { calls = append(calls, 4) })
	if len(calls) != 3 {
		t.Errorf("Expected call after a quiet period to run immediately, got %v", calls)
	}
}

func TestThrottleCancel(t *testing.T) {
	c := clock.NewFake(epoch)
	th := NewThrottle(c, 50*time.Millisecond, nil)

	count := 0
	th.Call(func() { count++ })
	th.Call(func() { count++ })
	th.Cancel()

	c.Advance(time.Second)
	if count != 1 {
		t.Errorf("Expected cancelled trailing call to be dropped, got %d calls", count)
	}
}
