package bridge

import (
	"context"
	"errors"
	"sync"
	"time"
)

var ErrBrokerClosed = errors.New("broker closed")

// MemoryBroker is an in-process broker for single-node deployments.
type MemoryBroker struct {
	queue        chan Delivery
	pollInterval time.Duration

	mu     sync.Mutex
	closed bool
	done   chan struct{}
}

// NewMemoryBroker creates a broker buffering up to size deliveries.
func NewMemoryBroker(size int) *MemoryBroker {
	return &MemoryBroker{
		queue:        make(chan Delivery, size),
		pollInterval: 100 * time.Millisecond,
		done:         make(chan struct{}),
	}
}

func (b *MemoryBroker) Subscribe(ctx context.Context, sink Sink, running func() bool) error {
	ticker := time.NewTicker(b.pollInterval)
	defer ticker.Stop()

	for running() {
		select {
		case d := <-b.queue:
			sink(d)
		case <-ticker.C:
		case <-ctx.Done():
			return nil
		case <-b.done:
			return ErrBrokerClosed
		}
	}
	return nil
}

func (b *MemoryBroker) Publish(ctx context.Context, d Delivery) error {
	b.mu.Lock()
	closed := b.closed
	b.mu.Unlock()
	if closed {
		return ErrBrokerClosed
	}
	select {
	case b.queue <- d:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (b *MemoryBroker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.closed {
		b.closed = true
		close(b.done)
	}
	return nil
}
