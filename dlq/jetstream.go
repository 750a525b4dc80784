package dlq

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/puzpuzpuz/xsync/v3"
	"github.com/rs/zerolog/log"
	"github.com/sluicedb/sluice/common"
	"github.com/sluicedb/sluice/encoding"
)

const (
	streamPrefix        = "dlq_"
	durableConsumerName = "recovery"
	fetchWait           = 2 * time.Second
	purgeFetchMax       = 500
)

// Stream metadata keys carrying the routing key, since queue names are
// lossy (long table names get hashed).
const (
	metaSourceID      = "source_id"
	metaTable         = "table"
	metaDestinationID = "destination_id"
)

// JetStreamStore backs the dead letter store with one work-queue stream
// per routing key. Acknowledged messages are removed by the server;
// unacknowledged ones redeliver after the ack wait, which is what makes
// entries from a crashed consumer reclaimable.
type JetStreamStore struct {
	nc      *nats.Conn
	js      jetstream.JetStream
	ackWait time.Duration

	// Claimed messages waiting for acknowledgment, keyed by reply subject
	inflight *xsync.MapOf[string, *inflightMsg]
}

type inflightMsg struct {
	msg         jetstream.Msg
	deliveredAt time.Time
}

// NewJetStreamStore connects to NATS and returns a JetStream-backed store.
func NewJetStreamStore(url string, ackWait time.Duration) (*JetStreamStore, error) {
	nc, err := nats.Connect(url,
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to create JetStream context: %w", err)
	}

	return &JetStreamStore{
		nc:       nc,
		js:       js,
		ackWait:  ackWait,
		inflight: xsync.NewMapOf[string, *inflightMsg](),
	}, nil
}

func (s *JetStreamStore) ensureStream(ctx context.Context, key common.RoutingKey) (jetstream.Stream, error) {
	name := key.QueueName()
	return s.js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      name,
		Subjects:  []string{name},
		Storage:   jetstream.FileStorage,
		Retention: jetstream.WorkQueuePolicy,
		Metadata: map[string]string{
			metaSourceID:      strconv.FormatInt(key.SourceID, 10),
			metaTable:         key.Table,
			metaDestinationID: strconv.FormatInt(key.DestinationID, 10),
		},
	})
}

func (s *JetStreamStore) consumer(ctx context.Context, key common.RoutingKey) (jetstream.Consumer, error) {
	stream, err := s.ensureStream(ctx, key)
	if err != nil {
		return nil, err
	}

	return stream.CreateOrUpdateConsumer(ctx, jetstream.ConsumerConfig{
		Durable:   durableConsumerName,
		AckPolicy: jetstream.AckExplicitPolicy,
		AckWait:   s.ackWait,
		// Retry bookkeeping lives in the message itself; never give up here
		MaxDeliver: -1,
	})
}

func (s *JetStreamStore) Enqueue(ctx context.Context, msg *common.DeadLetterMessage) error {
	key := msg.Key()
	if _, err := s.ensureStream(ctx, key); err != nil {
		return fmt.Errorf("failed to ensure stream for %s: %w", key, err)
	}

	data, err := encoding.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal dead letter message: %w", err)
	}

	// Publish is synchronous: the server has persisted the message once
	// this returns, which the retry-rewrite path depends on
	if _, err := s.js.Publish(ctx, key.QueueName(), data); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", key, err)
	}

	return nil
}

func (s *JetStreamStore) DequeueBatch(ctx context.Context, key common.RoutingKey, max int) ([]Delivery, error) {
	cons, err := s.consumer(ctx, key)
	if err != nil {
		return nil, err
	}

	batch, err := cons.Fetch(max, jetstream.FetchMaxWait(fetchWait))
	if err != nil {
		return nil, fmt.Errorf("failed to fetch from %s: %w", key, err)
	}

	now := time.Now()
	var deliveries []Delivery
	for msg := range batch.Messages() {
		var dlm common.DeadLetterMessage
		if err := encoding.Unmarshal(msg.Data(), &dlm); err != nil {
			// Poison entry: terminate so it stops redelivering
			log.Warn().Err(err).Str("routing_key", key.String()).Msg("Failed to unmarshal dead letter entry, terminating")
			_ = msg.TermWithReason("unmarshalable dead letter entry")
			continue
		}

		handle := msg.Reply()
		s.inflight.Store(handle, &inflightMsg{msg: msg, deliveredAt: now})
		deliveries = append(deliveries, Delivery{Handle: Handle(handle), Message: &dlm})
	}

	if err := batch.Error(); err != nil {
		return deliveries, fmt.Errorf("fetch error on %s: %w", key, err)
	}

	return deliveries, nil
}

func (s *JetStreamStore) Acknowledge(ctx context.Context, key common.RoutingKey, handles []Handle) error {
	var firstErr error
	for _, handle := range handles {
		entry, ok := s.inflight.LoadAndDelete(string(handle))
		if !ok {
			// Claim lapsed and was redelivered elsewhere; nothing to ack
			continue
		}
		// DoubleAck waits for server confirmation so the entry is
		// durably removed before the caller proceeds
		if err := entry.msg.DoubleAck(ctx); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("failed to ack on %s: %w", key, err)
		}
	}
	return firstErr
}

func (s *JetStreamStore) ReclaimStale(ctx context.Context, key common.RoutingKey, minIdle time.Duration, max int) (int, error) {
	cutoff := time.Now().Add(-minIdle)
	reclaimed := 0

	s.inflight.Range(func(handle string, entry *inflightMsg) bool {
		if max > 0 && reclaimed >= max {
			return false
		}
		if entry.deliveredAt.After(cutoff) {
			return true
		}
		if _, ok := s.inflight.LoadAndDelete(handle); ok {
			// Nak requests immediate redelivery instead of waiting out
			// the remaining ack window
			if err := entry.msg.Nak(); err == nil {
				reclaimed++
			}
		}
		return true
	})

	// Entries claimed by a crashed process have no local record; the
	// server redelivers them once the ack wait lapses
	return reclaimed, nil
}

func (s *JetStreamStore) HasMessages(ctx context.Context, key common.RoutingKey) (bool, error) {
	stream, err := s.js.Stream(ctx, key.QueueName())
	if err != nil {
		if errors.Is(err, jetstream.ErrStreamNotFound) {
			return false, nil
		}
		return false, err
	}

	info, err := stream.Info(ctx)
	if err != nil {
		return false, err
	}

	return info.State.Msgs > 0, nil
}

func (s *JetStreamStore) ListRoutingKeys(ctx context.Context) ([]common.RoutingKey, error) {
	var keys []common.RoutingKey

	lister := s.js.ListStreams(ctx)
	for info := range lister.Info() {
		if !strings.HasPrefix(info.Config.Name, streamPrefix) {
			continue
		}

		key, ok := routingKeyFromMetadata(info.Config.Metadata)
		if !ok {
			log.Warn().Str("stream", info.Config.Name).Msg("Dead letter stream missing routing key metadata")
			continue
		}
		keys = append(keys, key)
	}

	if err := lister.Err(); err != nil {
		return nil, err
	}
	return keys, nil
}

func routingKeyFromMetadata(meta map[string]string) (common.RoutingKey, bool) {
	src, err1 := strconv.ParseInt(meta[metaSourceID], 10, 64)
	dst, err2 := strconv.ParseInt(meta[metaDestinationID], 10, 64)
	table := meta[metaTable]
	if err1 != nil || err2 != nil || table == "" {
		return common.RoutingKey{}, false
	}
	return common.RoutingKey{SourceID: src, Table: table, DestinationID: dst}, true
}

// Purge drains up to purgeFetchMax entries, removing those past the retry
// or age limit and returning the rest to the queue.
func (s *JetStreamStore) Purge(ctx context.Context, key common.RoutingKey, maxRetry int, maxAge time.Duration) (int, error) {
	cons, err := s.consumer(ctx, key)
	if err != nil {
		return 0, err
	}

	batch, err := cons.Fetch(purgeFetchMax, jetstream.FetchMaxWait(fetchWait))
	if err != nil {
		return 0, fmt.Errorf("failed to fetch for purge on %s: %w", key, err)
	}

	cutoff := time.Now().Add(-maxAge).UnixMilli()
	purged := 0
	for msg := range batch.Messages() {
		var dlm common.DeadLetterMessage
		if err := encoding.Unmarshal(msg.Data(), &dlm); err != nil {
			_ = msg.TermWithReason("unmarshalable dead letter entry")
			continue
		}

		if dlm.RetryCount >= maxRetry || dlm.FirstFailedAt < cutoff {
			if err := msg.Ack(); err == nil {
				purged++
			}
			continue
		}

		_ = msg.Nak()
	}

	if err := batch.Error(); err != nil {
		return purged, fmt.Errorf("purge fetch error on %s: %w", key, err)
	}
	return purged, nil
}

func (s *JetStreamStore) DeleteQueue(ctx context.Context, key common.RoutingKey) error {
	err := s.js.DeleteStream(ctx, key.QueueName())
	if errors.Is(err, jetstream.ErrStreamNotFound) {
		return nil
	}
	return err
}

func (s *JetStreamStore) Depths(ctx context.Context) (map[string]int64, error) {
	depths := make(map[string]int64)

	lister := s.js.ListStreams(ctx)
	for info := range lister.Info() {
		if !strings.HasPrefix(info.Config.Name, streamPrefix) {
			continue
		}
		key, ok := routingKeyFromMetadata(info.Config.Metadata)
		if !ok {
			continue
		}
		depths[key.String()] = int64(info.State.Msgs)
	}

	if err := lister.Err(); err != nil {
		return nil, err
	}
	return depths, nil
}

func (s *JetStreamStore) Close() error {
	if s.nc != nil {
		s.nc.Close()
	}
	return nil
}
