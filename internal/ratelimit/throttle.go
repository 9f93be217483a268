package ratelimit

import (
	"sync"
	"time"

	"github.com/manpreetbhatti/sketchsync/internal/clock"
)

// Throttle runs at most one call per interval. The first call in a quiet
// period runs immediately; calls inside the interval collapse into a
// single trailing call carrying the latest fn.
type Throttle struct {
	limiter *Limiter
	clock   clock.Clock
	post    func(func())

	mu      sync.Mutex
	pending func()
	timer   clock.Timer
}

// NewThrottle builds a throttle. post schedules the trailing call; pass
// nil to run it on the timer's goroutine.
func NewThrottle(c clock.Clock, interval time.Duration, post func(func())) *Throttle {
	if post == nil {
		post = func(fn func()) { fn() }
	}
	return &Throttle{
		limiter: NewLimiterWithClock(float64(time.Second)/float64(interval), 1, c),
		clock:   c,
		post:    post,
	}
}

func (t *Throttle) Call(fn func()) {
	t.mu.Lock()
	if t.timer == nil && t.limiter.Allow() {
		t.mu.Unlock()
		fn()
		return
	}

	t.pending = fn
	if t.timer == nil {
		t.timer = t.clock.AfterFunc(t.limiter.Delay(), t.fire)
	}
	t.mu.Unlock()
}

func (t *Throttle) fire() {
	t.post(func() {
		t.mu.Lock()
		fn := t.pending
		t.pending = nil
		t.timer = nil
		if fn != nil {
			t.limiter.take()
		}
		t.mu.Unlock()

		if fn != nil {
			fn()
		}
	})
}

// Cancel drops any trailing call
func (t *Throttle) Cancel() {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
	t.pending = nil
}
