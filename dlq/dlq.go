// Package dlq implements the durable dead letter store: a per-routing-key,
// competing-consumer queue holding failed destination writes for replay.
//
// Delivery semantics are at-least-once: a dequeued entry stays in flight
// until acknowledged, and unacknowledged entries become claimable again
// after a stale threshold (crashed consumers included). Within one routing
// key, replay preserves enqueue order except that reclaimed entries may be
// redelivered after later-enqueued ones.
package dlq

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sluicedb/sluice/cfg"
	"github.com/sluicedb/sluice/common"
)

// Handle is an opaque per-delivery token used to acknowledge an entry.
type Handle string

// Delivery is one dequeued dead letter entry awaiting acknowledgment.
type Delivery struct {
	Handle  Handle
	Message *common.DeadLetterMessage
}

// ErrClosed is returned by operations on a closed store.
var ErrClosed = errors.New("dead letter store is closed")

// Store is the durable dead letter queue contract. Implementations must be
// safe for concurrent producers and competing consumers.
type Store interface {
	// Enqueue durably appends a message to its routing key's queue.
	Enqueue(ctx context.Context, msg *common.DeadLetterMessage) error

	// DequeueBatch claims up to max entries for this consumer. Claimed
	// entries are invisible to other consumers until acknowledged or
	// reclaimed as stale.
	DequeueBatch(ctx context.Context, key common.RoutingKey, max int) ([]Delivery, error)

	// Acknowledge permanently removes claimed entries.
	Acknowledge(ctx context.Context, key common.RoutingKey, handles []Handle) error

	// ReclaimStale makes entries claimed longer than minIdle ago claimable
	// again, up to max. Returns the number reclaimed.
	ReclaimStale(ctx context.Context, key common.RoutingKey, minIdle time.Duration, max int) (int, error)

	// HasMessages reports whether the queue holds any entries, claimed or
	// not. Non-destructive.
	HasMessages(ctx context.Context, key common.RoutingKey) (bool, error)

	// ListRoutingKeys enumerates routing keys with an existing queue.
	ListRoutingKeys(ctx context.Context) ([]common.RoutingKey, error)

	// Purge removes entries whose retry count reached maxRetry or whose
	// first failure is older than maxAge. Returns the number removed.
	Purge(ctx context.Context, key common.RoutingKey, maxRetry int, maxAge time.Duration) (int, error)

	// DeleteQueue removes the queue and everything in it.
	DeleteQueue(ctx context.Context, key common.RoutingKey) error

	// Depths reports pending entry counts per routing key (String() form).
	Depths(ctx context.Context) (map[string]int64, error)

	Close() error
}

// NewStore constructs the configured dead letter backend.
func NewStore(conf cfg.DeadLetterConfiguration, dataDir string) (Store, error) {
	switch conf.Backend {
	case cfg.DeadLetterJetStream:
		return NewJetStreamStore(conf.NatsURL, time.Duration(conf.AckWaitSeconds)*time.Second)
	case cfg.DeadLetterPebble:
		return NewPebbleStore(dataDir)
	case cfg.DeadLetterMemory:
		return NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("unknown dead letter backend: %s", conf.Backend)
	}
}
