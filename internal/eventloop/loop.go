// Package eventloop runs engine callbacks one at a time on a single
// goroutine. Socket reads, timers and UI calls all post into the same
// loop, so engine state is only ever touched from that goroutine.
package eventloop

import (
	"context"
	"sync"

	"go.uber.org/zap"
)

type Loop struct {
	mu      sync.Mutex
	queue   []func()
	wake    chan struct{}
	stopped bool
	done    chan struct{}
	log     *zap.Logger
}

func New(log *zap.Logger) *Loop {
	if log == nil {
		log = zap.NewNop()
	}
	return &Loop{
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
		log:  log,
	}
}

// Run processes posted functions until ctx is cancelled or Stop is called
func (l *Loop) Run(ctx context.Context) {
	defer close(l.done)

	for {
		l.mu.Lock()
		batch := l.queue
		l.queue = nil
		stopped := l.stopped
		l.mu.Unlock()

		if stopped {
			return
		}

		for _, fn := range batch {
			l.run(fn)
		}

		if len(batch) > 0 {
			continue
		}

		select {
		case <-ctx.Done():
			l.Stop()
			return
		case <-l.wake:
		}
	}
}

func (l *Loop) run(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			l.log.Error("event handler panicked", zap.Any("panic", r), zap.Stack("stack"))
		}
	}()
	fn()
}

// Post queues fn without waiting. It reports false once the loop is stopped.
func (l *Loop) Post(fn func()) bool {
	l.mu.Lock()
	if l.stopped {
		l.mu.Unlock()
		return false
	}
	l.queue = append(l.queue, fn)
	l.mu.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
	}
	return true
}

// Do runs fn on the loop and waits for it to finish. Never call Do from
// inside a loop callback.
func (l *Loop) Do(fn func()) bool {
	finished := make(chan struct{})
	ok := l.Post(func() {
		defer close(finished)
		fn()
	})
	if !ok {
		return false
	}

	select {
	case <-finished:
		return true
	case <-l.done:
		return false
	}
}

// Flush waits until everything posted so far has run
func (l *Loop) Flush() bool {
	return l.Do(func() {})
}

func (l *Loop) Stop() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.stopped {
		return
	}
	l.stopped = true
	l.queue = nil

	select {
	case l.wake <- struct{}{}:
	default:
	}
}

// Done is closed when Run returns
func (l *Loop) Done() <-chan struct{} {
	return l.done
}
