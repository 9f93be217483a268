package fanout

import (
	"context"
	"sync"
)

// Memory is an in-process bus. Several hubs sharing one Memory behave
// like relay nodes sharing a redis server. Each subscriber is fed from
// its own queue so a publisher never runs subscriber code.
type Memory struct {
	mu     sync.RWMutex
	subs   map[int]chan Envelope
	nextID int
	closed bool
}

const memoryQueue = 1024

func NewMemory() *Memory {
	return &Memory{subs: make(map[int]chan Envelope)}
}

func (m *Memory) Publish(ctx context.Context, e Envelope) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return ErrClosed
	}
	for _, queue := range m.subs {
		select {
		case queue <- e:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// Subscribe delivers envelopes to fn, in publish order, until ctx is
// done or the bus is closed
func (m *Memory) Subscribe(ctx context.Context, fn func(Envelope)) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	id := m.nextID
	m.nextID++
	queue := make(chan Envelope, memoryQueue)
	m.subs[id] = queue
	m.mu.Unlock()

	go func() {
		defer m.unsubscribe(id)
		for {
			select {
			case <-ctx.Done():
				return
			case e, ok := <-queue:
				if !ok {
					return
				}
				fn(e)
			}
		}
	}()
	return nil
}

func (m *Memory) unsubscribe(id int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if queue, ok := m.subs[id]; ok {
		delete(m.subs, id)
		close(queue)
	}
}

func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	for id, queue := range m.subs {
		delete(m.subs, id)
		close(queue)
	}
	return nil
}
