package source

import (
	"context"
	"sync"
)

// MockSource is a channel-fed Source for testing consumers.
type MockSource struct {
	batches chan []Message

	mu     sync.Mutex
	closed bool

	// ConsumeErr, when set, is returned after the queued batches drain.
	ConsumeErr error
}

func NewMockSource() *MockSource {
	return &MockSource{batches: make(chan []Message, 16)}
}

// Push queues a batch for delivery to the consumer.
func (m *MockSource) Push(batch []Message) {
	m.batches <- batch
}

// Consume delivers pushed batches until the context is cancelled or the
// source is closed.
func (m *MockSource) Consume(ctx context.Context, handler Handler) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case batch, ok := <-m.batches:
			if !ok {
				return m.ConsumeErr
			}
			if err := handler(ctx, batch); err != nil {
				return err
			}
		}
	}
}

func (m *MockSource) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.closed {
		m.closed = true
		close(m.batches)
	}
	return nil
}
