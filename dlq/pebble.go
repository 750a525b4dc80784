package dlq

import (
	"context"
	"encoding/binary"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/pebble"
	"github.com/rs/zerolog/log"
	"github.com/sluicedb/sluice/common"
	"github.com/sluicedb/sluice/encoding"
)

// Key prefixes for Pebble storage
const (
	prefixPending  = "/dlq/p/" // /dlq/p/{queue}/{16-digit-zero-padded-seq}
	prefixInflight = "/dlq/f/" // /dlq/f/{queue}/{16-digit-zero-padded-seq}
	prefixKeys     = "/dlq/k/" // /dlq/k/{queue} -> RoutingKey
	prefixSeq      = "/dlq/seq"
)

// Pebble configuration constants
const (
	memTableSize                = 64 << 20 // 64MB
	memTableStopWritesThreshold = 4
	l0CompactionThreshold       = 2
	l0StopWritesThreshold       = 12
	lBaseMaxBytes               = 256 << 20 // 256MB
	maxConcurrentCompactions    = 3
)

// inflightRecord wraps a claimed entry with its delivery time so stale
// claims can be detected after a consumer crash.
type inflightRecord struct {
	DeliveredAt int64  `msgpack:"delivered_at"` // unix ms
	Payload     []byte `msgpack:"payload"`
}

// PebbleStore is an embedded, single-process dead letter backend. Claimed
// entries move from the pending prefix to the in-flight prefix in one
// batch, so a crash leaves them reclaimable, never lost.
type PebbleStore struct {
	db   *pebble.DB
	path string

	// Serializes claim/reclaim so two consumers never claim one entry
	claimMu sync.Mutex

	nextSeq atomic.Uint64
	closed  atomic.Bool
}

// NewPebbleStore creates or opens a Pebble-backed dead letter store under
// dataDir.
func NewPebbleStore(dataDir string) (*PebbleStore, error) {
	storePath := filepath.Join(dataDir, "dead_letter")

	opts := &pebble.Options{
		MemTableSize:                memTableSize,
		MemTableStopWritesThreshold: memTableStopWritesThreshold,
		L0CompactionThreshold:       l0CompactionThreshold,
		L0StopWritesThreshold:       l0StopWritesThreshold,
		LBaseMaxBytes:               lBaseMaxBytes,
		MaxConcurrentCompactions:    func() int { return maxConcurrentCompactions },
		DisableWAL:                  false,
	}

	db, err := pebble.Open(storePath, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open dead letter store at %s: %w", storePath, err)
	}

	s := &PebbleStore{
		db:   db,
		path: storePath,
	}

	if err := s.loadNextSeq(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to load sequence number: %w", err)
	}

	return s, nil
}

func (s *PebbleStore) loadNextSeq() error {
	val, closer, err := s.db.Get([]byte(prefixSeq))
	if err == pebble.ErrNotFound {
		s.nextSeq.Store(0)
		return nil
	}
	if err != nil {
		return err
	}
	defer closer.Close()

	if len(val) != 8 {
		return fmt.Errorf("invalid sequence value length: %d", len(val))
	}

	s.nextSeq.Store(binary.LittleEndian.Uint64(val))
	return nil
}

func pendingKey(queue string, seq uint64) []byte {
	return []byte(fmt.Sprintf("%s%s/%016x", prefixPending, queue, seq))
}

func inflightKey(queue string, handle Handle) []byte {
	return []byte(fmt.Sprintf("%s%s/%s", prefixInflight, queue, handle))
}

func (s *PebbleStore) Enqueue(ctx context.Context, msg *common.DeadLetterMessage) error {
	if s.closed.Load() {
		return ErrClosed
	}

	key := msg.Key()
	queue := key.QueueName()

	val, err := encoding.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal dead letter message: %w", err)
	}

	keyVal, err := encoding.Marshal(&key)
	if err != nil {
		return fmt.Errorf("failed to marshal routing key: %w", err)
	}

	seq := s.nextSeq.Add(1)
	seqBuf := make([]byte, 8)
	binary.LittleEndian.PutUint64(seqBuf, seq)

	batch := s.db.NewBatch()
	defer batch.Close()

	if err := batch.Set(pendingKey(queue, seq), val, pebble.Sync); err != nil {
		return fmt.Errorf("failed to write entry: %w", err)
	}
	if err := batch.Set([]byte(prefixKeys+queue), keyVal, pebble.Sync); err != nil {
		return fmt.Errorf("failed to write key registry: %w", err)
	}
	if err := batch.Set([]byte(prefixSeq), seqBuf, pebble.Sync); err != nil {
		return fmt.Errorf("failed to update sequence: %w", err)
	}

	if err := batch.Commit(pebble.Sync); err != nil {
		return fmt.Errorf("failed to commit enqueue: %w", err)
	}

	return nil
}

func (s *PebbleStore) DequeueBatch(ctx context.Context, key common.RoutingKey, max int) ([]Delivery, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}

	s.claimMu.Lock()
	defer s.claimMu.Unlock()

	queue := key.QueueName()
	prefix := []byte(prefixPending + queue + "/")

	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: prefixUpperBound(prefix),
	})
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	now := time.Now().UnixMilli()
	batch := s.db.NewBatch()
	defer batch.Close()

	deliveries := make([]Delivery, 0, max)
	for iter.SeekGE(prefix); iter.Valid() && len(deliveries) < max; iter.Next() {
		val, err := iter.ValueAndErr()
		if err != nil {
			return nil, err
		}

		var msg common.DeadLetterMessage
		if err := encoding.Unmarshal(val, &msg); err != nil {
			// Skip corrupted entries; they stay pending for inspection
			log.Warn().Err(err).Str("key", string(iter.Key())).Msg("Failed to unmarshal dead letter entry")
			continue
		}

		handle := Handle(string(iter.Key()[len(prefix):]))
		record, err := encoding.Marshal(&inflightRecord{DeliveredAt: now, Payload: append([]byte(nil), val...)})
		if err != nil {
			return nil, fmt.Errorf("failed to marshal inflight record: %w", err)
		}

		if err := batch.Delete(append([]byte(nil), iter.Key()...), pebble.Sync); err != nil {
			return nil, err
		}
		if err := batch.Set(inflightKey(queue, handle), record, pebble.Sync); err != nil {
			return nil, err
		}

		deliveries = append(deliveries, Delivery{Handle: handle, Message: &msg})
	}

	if err := iter.Error(); err != nil {
		return nil, err
	}

	if len(deliveries) == 0 {
		return nil, nil
	}

	if err := batch.Commit(pebble.Sync); err != nil {
		return nil, fmt.Errorf("failed to commit claim: %w", err)
	}

	return deliveries, nil
}

func (s *PebbleStore) Acknowledge(ctx context.Context, key common.RoutingKey, handles []Handle) error {
	if s.closed.Load() {
		return ErrClosed
	}

	queue := key.QueueName()
	batch := s.db.NewBatch()
	defer batch.Close()

	for _, handle := range handles {
		if err := batch.Delete(inflightKey(queue, handle), pebble.Sync); err != nil {
			return err
		}
	}

	if err := batch.Commit(pebble.Sync); err != nil {
		return fmt.Errorf("failed to commit acknowledge: %w", err)
	}
	return nil
}

func (s *PebbleStore) ReclaimStale(ctx context.Context, key common.RoutingKey, minIdle time.Duration, max int) (int, error) {
	if s.closed.Load() {
		return 0, ErrClosed
	}

	s.claimMu.Lock()
	defer s.claimMu.Unlock()

	queue := key.QueueName()
	prefix := []byte(prefixInflight + queue + "/")

	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: prefixUpperBound(prefix),
	})
	if err != nil {
		return 0, err
	}
	defer iter.Close()

	cutoff := time.Now().Add(-minIdle).UnixMilli()
	batch := s.db.NewBatch()
	defer batch.Close()

	reclaimed := 0
	for iter.SeekGE(prefix); iter.Valid(); iter.Next() {
		if max > 0 && reclaimed >= max {
			break
		}

		val, err := iter.ValueAndErr()
		if err != nil {
			return 0, err
		}

		var record inflightRecord
		if err := encoding.Unmarshal(val, &record); err != nil {
			log.Warn().Err(err).Str("key", string(iter.Key())).Msg("Failed to unmarshal inflight record")
			continue
		}

		if record.DeliveredAt > cutoff {
			continue
		}

		// Move back to pending under the original sequence so submission
		// order is kept among reclaimed entries
		handle := string(iter.Key()[len(prefix):])
		if err := batch.Delete(append([]byte(nil), iter.Key()...), pebble.Sync); err != nil {
			return 0, err
		}
		if err := batch.Set([]byte(prefixPending+queue+"/"+handle), record.Payload, pebble.Sync); err != nil {
			return 0, err
		}
		reclaimed++
	}

	if err := iter.Error(); err != nil {
		return 0, err
	}

	if reclaimed == 0 {
		return 0, nil
	}

	if err := batch.Commit(pebble.Sync); err != nil {
		return 0, fmt.Errorf("failed to commit reclaim: %w", err)
	}

	return reclaimed, nil
}

func (s *PebbleStore) HasMessages(ctx context.Context, key common.RoutingKey) (bool, error) {
	if s.closed.Load() {
		return false, ErrClosed
	}

	queue := key.QueueName()
	for _, p := range []string{prefixPending, prefixInflight} {
		prefix := []byte(p + queue + "/")
		found, err := s.prefixNonEmpty(prefix)
		if err != nil {
			return false, err
		}
		if found {
			return true, nil
		}
	}
	return false, nil
}

func (s *PebbleStore) prefixNonEmpty(prefix []byte) (bool, error) {
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: prefixUpperBound(prefix),
	})
	if err != nil {
		return false, err
	}
	defer iter.Close()

	return iter.SeekGE(prefix), iter.Error()
}

func (s *PebbleStore) ListRoutingKeys(ctx context.Context) ([]common.RoutingKey, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}

	prefix := []byte(prefixKeys)
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: prefixUpperBound(prefix),
	})
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	var keys []common.RoutingKey
	for iter.SeekGE(prefix); iter.Valid(); iter.Next() {
		val, err := iter.ValueAndErr()
		if err != nil {
			return nil, err
		}

		var key common.RoutingKey
		if err := encoding.Unmarshal(val, &key); err != nil {
			log.Warn().Err(err).Str("key", string(iter.Key())).Msg("Failed to unmarshal routing key")
			continue
		}
		keys = append(keys, key)
	}

	return keys, iter.Error()
}

func (s *PebbleStore) Purge(ctx context.Context, key common.RoutingKey, maxRetry int, maxAge time.Duration) (int, error) {
	if s.closed.Load() {
		return 0, ErrClosed
	}

	s.claimMu.Lock()
	defer s.claimMu.Unlock()

	queue := key.QueueName()
	prefix := []byte(prefixPending + queue + "/")

	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: prefixUpperBound(prefix),
	})
	if err != nil {
		return 0, err
	}
	defer iter.Close()

	cutoff := time.Now().Add(-maxAge).UnixMilli()
	batch := s.db.NewBatch()
	defer batch.Close()

	purged := 0
	for iter.SeekGE(prefix); iter.Valid(); iter.Next() {
		val, err := iter.ValueAndErr()
		if err != nil {
			return 0, err
		}

		var msg common.DeadLetterMessage
		if err := encoding.Unmarshal(val, &msg); err != nil {
			continue
		}

		if msg.RetryCount >= maxRetry || msg.FirstFailedAt < cutoff {
			if err := batch.Delete(append([]byte(nil), iter.Key()...), pebble.Sync); err != nil {
				return 0, err
			}
			purged++
		}
	}

	if err := iter.Error(); err != nil {
		return 0, err
	}

	if purged == 0 {
		return 0, nil
	}

	if err := batch.Commit(pebble.Sync); err != nil {
		return 0, fmt.Errorf("failed to commit purge: %w", err)
	}

	return purged, nil
}

func (s *PebbleStore) DeleteQueue(ctx context.Context, key common.RoutingKey) error {
	if s.closed.Load() {
		return ErrClosed
	}

	queue := key.QueueName()
	batch := s.db.NewBatch()
	defer batch.Close()

	for _, p := range []string{prefixPending, prefixInflight} {
		prefix := []byte(p + queue + "/")
		if err := batch.DeleteRange(prefix, prefixUpperBound(prefix), pebble.Sync); err != nil {
			return err
		}
	}
	if err := batch.Delete([]byte(prefixKeys+queue), pebble.Sync); err != nil {
		return err
	}

	if err := batch.Commit(pebble.Sync); err != nil {
		return fmt.Errorf("failed to commit queue delete: %w", err)
	}
	return nil
}

func (s *PebbleStore) Depths(ctx context.Context) (map[string]int64, error) {
	keys, err := s.ListRoutingKeys(ctx)
	if err != nil {
		return nil, err
	}

	depths := make(map[string]int64, len(keys))
	for _, key := range keys {
		queue := key.QueueName()
		var count int64
		for _, p := range []string{prefixPending, prefixInflight} {
			prefix := []byte(p + queue + "/")
			n, err := s.countPrefix(prefix)
			if err != nil {
				return nil, err
			}
			count += n
		}
		depths[key.String()] = count
	}
	return depths, nil
}

func (s *PebbleStore) countPrefix(prefix []byte) (int64, error) {
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: prefixUpperBound(prefix),
	})
	if err != nil {
		return 0, err
	}
	defer iter.Close()

	var count int64
	for iter.SeekGE(prefix); iter.Valid(); iter.Next() {
		count++
	}
	return count, iter.Error()
}

func (s *PebbleStore) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return ErrClosed
	}
	return s.db.Close()
}

// prefixUpperBound returns the upper bound for a prefix scan
func prefixUpperBound(prefix []byte) []byte {
	end := make([]byte, len(prefix))
	copy(end, prefix)
	for i := len(end) - 1; i >= 0; i-- {
		end[i]++
		if end[i] != 0 {
			return end
		}
	}
	return nil // Prefix is all 0xff
}
