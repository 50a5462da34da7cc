package bus

import (
	"context"
	"sync"
)

// Memory is an in-process bus used in tests and single-process setups.
// It mirrors pub/sub semantics: no redelivery, no persistence.
type Memory struct {
	mu     sync.Mutex
	ch     chan []byte
	closed bool
}

// NewMemory creates an in-memory bus with a buffered queue.
func NewMemory() *Memory {
	return &Memory{ch: make(chan []byte, 100)}
}

// Consume delivers published payloads until ctx ends.
func (m *Memory) Consume(ctx context.Context, handler Handler) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case payload, ok := <-m.ch:
			if !ok {
				return ErrClosed
			}
			handler(ctx, payload)
		}
	}
}

// Publish queues a payload for the consumer.
func (m *Memory) Publish(ctx context.Context, payload []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	select {
	case m.ch <- payload:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Pending returns the number of queued payloads.
func (m *Memory) Pending() int {
	return len(m.ch)
}

// Close shuts down the bus; a second Close is a no-op.
func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	close(m.ch)
	return nil
}
