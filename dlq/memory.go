package dlq

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/sluicedb/sluice/common"
)

// MemoryStore is an in-process Store used by tests and single-node
// development setups. Entries do not survive a restart.
type MemoryStore struct {
	mu      sync.Mutex
	queues  map[string]*memoryQueue
	nextSeq uint64
	closed  bool
}

type memoryQueue struct {
	key      common.RoutingKey
	pending  []*memoryEntry // Ordered by seq
	inflight map[Handle]*memoryEntry
}

type memoryEntry struct {
	seq         uint64
	msg         *common.DeadLetterMessage
	deliveredAt time.Time
}

// NewMemoryStore creates an empty in-memory dead letter store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		queues: make(map[string]*memoryQueue),
	}
}

func (s *MemoryStore) queue(key common.RoutingKey, create bool) *memoryQueue {
	name := key.QueueName()
	q, ok := s.queues[name]
	if !ok && create {
		q = &memoryQueue{
			key:      key,
			inflight: make(map[Handle]*memoryEntry),
		}
		s.queues[name] = q
	}
	return q
}

func (s *MemoryStore) Enqueue(ctx context.Context, msg *common.DeadLetterMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrClosed
	}

	s.nextSeq++
	q := s.queue(msg.Key(), true)
	q.pending = append(q.pending, &memoryEntry{seq: s.nextSeq, msg: msg})
	return nil
}

func (s *MemoryStore) DequeueBatch(ctx context.Context, key common.RoutingKey, max int) ([]Delivery, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, ErrClosed
	}

	q := s.queue(key, false)
	if q == nil || len(q.pending) == 0 {
		return nil, nil
	}

	n := max
	if n <= 0 || n > len(q.pending) {
		n = len(q.pending)
	}

	now := time.Now()
	deliveries := make([]Delivery, 0, n)
	for _, entry := range q.pending[:n] {
		entry.deliveredAt = now
		handle := Handle(fmt.Sprintf("%016x", entry.seq))
		q.inflight[handle] = entry
		deliveries = append(deliveries, Delivery{Handle: handle, Message: entry.msg})
	}
	q.pending = q.pending[n:]

	return deliveries, nil
}

func (s *MemoryStore) Acknowledge(ctx context.Context, key common.RoutingKey, handles []Handle) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrClosed
	}

	q := s.queue(key, false)
	if q == nil {
		return nil
	}

	for _, handle := range handles {
		delete(q.inflight, handle)
	}
	return nil
}

func (s *MemoryStore) ReclaimStale(ctx context.Context, key common.RoutingKey, minIdle time.Duration, max int) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return 0, ErrClosed
	}

	q := s.queue(key, false)
	if q == nil {
		return 0, nil
	}

	cutoff := time.Now().Add(-minIdle)
	reclaimed := make([]*memoryEntry, 0)
	for handle, entry := range q.inflight {
		if max > 0 && len(reclaimed) >= max {
			break
		}
		if entry.deliveredAt.Before(cutoff) {
			delete(q.inflight, handle)
			reclaimed = append(reclaimed, entry)
		}
	}

	// Reclaimed entries go back in original submission order
	sort.Slice(reclaimed, func(i, j int) bool { return reclaimed[i].seq < reclaimed[j].seq })
	q.pending = append(reclaimed, q.pending...)

	return len(reclaimed), nil
}

func (s *MemoryStore) HasMessages(ctx context.Context, key common.RoutingKey) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return false, ErrClosed
	}

	q := s.queue(key, false)
	return q != nil && (len(q.pending) > 0 || len(q.inflight) > 0), nil
}

func (s *MemoryStore) ListRoutingKeys(ctx context.Context) ([]common.RoutingKey, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, ErrClosed
	}

	keys := make([]common.RoutingKey, 0, len(s.queues))
	for _, q := range s.queues {
		keys = append(keys, q.key)
	}
	return keys, nil
}

func (s *MemoryStore) Purge(ctx context.Context, key common.RoutingKey, maxRetry int, maxAge time.Duration) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return 0, ErrClosed
	}

	q := s.queue(key, false)
	if q == nil {
		return 0, nil
	}

	cutoff := time.Now().Add(-maxAge).UnixMilli()
	kept := q.pending[:0]
	purged := 0
	for _, entry := range q.pending {
		if entry.msg.RetryCount >= maxRetry || entry.msg.FirstFailedAt < cutoff {
			purged++
			continue
		}
		kept = append(kept, entry)
	}
	q.pending = kept

	return purged, nil
}

func (s *MemoryStore) DeleteQueue(ctx context.Context, key common.RoutingKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrClosed
	}

	delete(s.queues, key.QueueName())
	return nil
}

func (s *MemoryStore) Depths(ctx context.Context) (map[string]int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, ErrClosed
	}

	depths := make(map[string]int64, len(s.queues))
	for _, q := range s.queues {
		depths[q.key.String()] = int64(len(q.pending) + len(q.inflight))
	}
	return depths, nil
}

func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}
