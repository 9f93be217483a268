package ratelimit

import (
	"math"
	"sync"
	"time"

	"github.com/manpreetbhatti/sketchsync/internal/clock"
)

type Limiter struct {
	rate       float64
	burst      int
	tokens     float64
	lastUpdate time.Time
	clock      clock.Clock
	mu         sync.Mutex
}

func NewLimiter(rate float64, burst int) *Limiter {
	return NewLimiterWithClock(rate, burst, clock.Real())
}

func NewLimiterWithClock(rate float64, burst int, c clock.Clock) *Limiter {
	return &Limiter{
		rate:       rate,
		burst:      burst,
		tokens:     float64(burst),
		lastUpdate: c.Now(),
		clock:      c,
	}
}

func (l *Limiter) Allow() bool {
	return l.AllowN(1)
}

func (l *Limiter) AllowN(n int) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.refillLocked()

	if l.tokens >= float64(n) {
		l.tokens -= float64(n)
		return true
	}

	return false
}

// Delay returns how long until one token is available
func (l *Limiter) Delay() time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.refillLocked()

	if l.tokens >= 1 || l.rate <= 0 {
		return 0
	}
	missing := 1 - l.tokens
	return time.Duration(math.Ceil(missing / l.rate * float64(time.Second)))
}

// take consumes a token even when the bucket is short
func (l *Limiter) take() {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.refillLocked()
	l.tokens--
	if l.tokens < 0 {
		l.tokens = 0
	}
}

func (l *Limiter) refillLocked() {
	now := l.clock.Now()
	elapsed := now.Sub(l.lastUpdate).Seconds()
	l.lastUpdate = now

	l.tokens += elapsed * l.rate
	if l.tokens > float64(l.burst) {
		l.tokens = float64(l.burst)
	}
}

// idleFor reports how long the bucket has gone unused
func (l *Limiter) idleFor(now time.Time) time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()
	return now.Sub(l.lastUpdate)
}

// DefaultIdle is how long an unused bucket survives in a Pool
const DefaultIdle = 5 * time.Minute

// Pool hands out one token bucket per key. Buckets unused for longer
// than the idle window are evicted by a sweep that runs on the clock.
type Pool struct {
	rate  float64
	burst int
	idle  time.Duration
	clock clock.Clock

	mu      sync.Mutex
	buckets map[string]*Limiter
	sweep   clock.Timer
	stopped bool
}

func NewPool(rate float64, burst int) *Pool {
	return NewPoolWithClock(rate, burst, DefaultIdle, clock.Real())
}

func NewPoolWithClock(rate float64, burst int, idle time.Duration, c clock.Clock) *Pool {
	p := &Pool{
		rate:    rate,
		burst:   burst,
		idle:    idle,
		clock:   c,
		buckets: make(map[string]*Limiter),
	}
	p.sweep = c.AfterFunc(idle, p.evict)
	return p
}

// Get returns the bucket for key, creating a full one on first use
func (p *Pool) Get(key string) *Limiter {
	p.mu.Lock()
	defer p.mu.Unlock()

	if l, ok := p.buckets[key]; ok {
		return l
	}
	l := NewLimiterWithClock(p.rate, p.burst, p.clock)
	if !p.stopped {
		p.buckets[key] = l
	}
	return l
}

func (p *Pool) Release(key string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.buckets, key)
}

func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.buckets)
}

func (p *Pool) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopped {
		return
	}
	p.stopped = true
	p.sweep.Stop()
	p.buckets = make(map[string]*Limiter)
}

func (p *Pool) evict() {
	now := p.clock.Now()

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopped {
		return
	}
	for key, l := range p.buckets {
		if l.idleFor(now) >= p.idle {
			delete(p.buckets, key)
		}
	}
	p.sweep = p.clock.AfterFunc(p.idle, p.evict)
}
