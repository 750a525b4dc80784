package dlq

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/sluicedb/sluice/common"
	"github.com/sluicedb/sluice/encoding"
)

func testMessage(key common.RoutingKey, pk int64) *common.DeadLetterMessage {
	return &common.DeadLetterMessage{
		PipelineID:            7,
		SourceID:              key.SourceID,
		DestinationID:         key.DestinationID,
		PipelineDestinationID: 11,
		SourceTable:           key.Table,
		TargetTable:           "tgt_" + key.Table,
		Event: common.ChangeEvent{
			Table:      key.Table,
			Operation:  common.OpUpdate,
			Keys:       map[string]interface{}{"id": pk},
			Values:     map[string]interface{}{"id": pk, "name": "row"},
			CapturedAt: time.Now().UnixMilli(),
		},
		Route: common.TableSyncRoute{
			PipelineDestinationID: 11,
			SourceTable:           key.Table,
			TargetTable:           "tgt_" + key.Table,
		},
		RetryCount:    0,
		FirstFailedAt: time.Now().UnixMilli(),
	}
}

// Both embedded backends run the same behavioral suite.
func backends(t *testing.T) map[string]Store {
	t.Helper()

	pebbleStore, err := NewPebbleStore(t.TempDir())
	require.NoError(t, err)

	return map[string]Store{
		"memory": NewMemoryStore(),
		"pebble": pebbleStore,
	}
}

func TestEnqueueDequeueAck(t *testing.T) {
	ctx := context.Background()
	key := common.RoutingKey{SourceID: 1, Table: "users", DestinationID: 2}

	for name, store := range backends(t) {
		t.Run(name, func(t *testing.T) {
			defer store.Close()

			for i := int64(0); i < 3; i++ {
				require.NoError(t, store.Enqueue(ctx, testMessage(key, i)))
			}

			has, err := store.HasMessages(ctx, key)
			require.NoError(t, err)
			assert.True(t, has)

			deliveries, err := store.DequeueBatch(ctx, key, 10)
			require.NoError(t, err)
			require.Len(t, deliveries, 3)

			// FIFO within a routing key
			for i, d := range deliveries {
				assert.EqualValues(t, i, d.Message.Event.Keys["id"])
			}

			handles := make([]Handle, 0, len(deliveries))
			for _, d := range deliveries {
				handles = append(handles, d.Handle)
			}
			require.NoError(t, store.Acknowledge(ctx, key, handles))

			has, err = store.HasMessages(ctx, key)
			require.NoError(t, err)
			assert.False(t, has)
		})
	}
}

func TestDequeueIsExclusive(t *testing.T) {
	ctx := context.Background()
	key := common.RoutingKey{SourceID: 1, Table: "orders", DestinationID: 3}

	for name, store := range backends(t) {
		t.Run(name, func(t *testing.T) {
			defer store.Close()

			for i := int64(0); i < 4; i++ {
				require.NoError(t, store.Enqueue(ctx, testMessage(key, i)))
			}

			first, err := store.DequeueBatch(ctx, key, 2)
			require.NoError(t, err)
			require.Len(t, first, 2)

			// A competing consumer must not see claimed entries
			second, err := store.DequeueBatch(ctx, key, 10)
			require.NoError(t, err)
			require.Len(t, second, 2)

			seen := map[interface{}]bool{}
			for _, d := range append(first, second...) {
				id := d.Message.Event.Keys["id"]
				assert.False(t, seen[id], "entry delivered twice")
				seen[id] = true
			}
		})
	}
}

func TestReclaimStale(t *testing.T) {
	ctx := context.Background()
	key := common.RoutingKey{SourceID: 2, Table: "events", DestinationID: 5}

	for name, store := range backends(t) {
		t.Run(name, func(t *testing.T) {
			defer store.Close()

			require.NoError(t, store.Enqueue(ctx, testMessage(key, 1)))

			claimed, err := store.DequeueBatch(ctx, key, 10)
			require.NoError(t, err)
			require.Len(t, claimed, 1)

			// Still claimed: nothing pending
			empty, err := store.DequeueBatch(ctx, key, 10)
			require.NoError(t, err)
			require.Empty(t, empty)

			// minIdle zero treats the claim as stale immediately, as if
			// the claiming worker had crashed
			reclaimed, err := store.ReclaimStale(ctx, key, 0, 10)
			require.NoError(t, err)
			assert.Equal(t, 1, reclaimed)

			redelivered, err := store.DequeueBatch(ctx, key, 10)
			require.NoError(t, err)
			require.Len(t, redelivered, 1)
			assert.EqualValues(t, 1, redelivered[0].Message.Event.Keys["id"])
		})
	}
}

func TestReclaimRespectsMinIdle(t *testing.T) {
	ctx := context.Background()
	key := common.RoutingKey{SourceID: 2, Table: "fresh", DestinationID: 5}

	for name, store := range backends(t) {
		t.Run(name, func(t *testing.T) {
			defer store.Close()

			require.NoError(t, store.Enqueue(ctx, testMessage(key, 1)))
			_, err := store.DequeueBatch(ctx, key, 1)
			require.NoError(t, err)

			reclaimed, err := store.ReclaimStale(ctx, key, time.Hour, 10)
			require.NoError(t, err)
			assert.Zero(t, reclaimed)
		})
	}
}

func TestPurgeRetryAndAgeLimits(t *testing.T) {
	ctx := context.Background()
	key := common.RoutingKey{SourceID: 3, Table: "items", DestinationID: 1}

	for name, store := range backends(t) {
		t.Run(name, func(t *testing.T) {
			defer store.Close()

			exhausted := testMessage(key, 1)
			exhausted.RetryCount = 10

			ancient := testMessage(key, 2)
			ancient.FirstFailedAt = time.Now().Add(-48 * time.Hour).UnixMilli()

			healthy := testMessage(key, 3)

			require.NoError(t, store.Enqueue(ctx, exhausted))
			require.NoError(t, store.Enqueue(ctx, ancient))
			require.NoError(t, store.Enqueue(ctx, healthy))

			purged, err := store.Purge(ctx, key, 10, 24*time.Hour)
			require.NoError(t, err)
			assert.Equal(t, 2, purged)

			remaining, err := store.DequeueBatch(ctx, key, 10)
			require.NoError(t, err)
			require.Len(t, remaining, 1)
			assert.EqualValues(t, 3, remaining[0].Message.Event.Keys["id"])
		})
	}
}

func TestListRoutingKeysAndDepths(t *testing.T) {
	ctx := context.Background()
	keyA := common.RoutingKey{SourceID: 1, Table: "users", DestinationID: 2}
	keyB := common.RoutingKey{SourceID: 1, Table: "orders", DestinationID: 2}

	for name, store := range backends(t) {
		t.Run(name, func(t *testing.T) {
			defer store.Close()

			require.NoError(t, store.Enqueue(ctx, testMessage(keyA, 1)))
			require.NoError(t, store.Enqueue(ctx, testMessage(keyA, 2)))
			require.NoError(t, store.Enqueue(ctx, testMessage(keyB, 3)))

			keys, err := store.ListRoutingKeys(ctx)
			require.NoError(t, err)
			assert.Len(t, keys, 2)

			depths, err := store.Depths(ctx)
			require.NoError(t, err)
			assert.EqualValues(t, 2, depths[keyA.String()])
			assert.EqualValues(t, 1, depths[keyB.String()])
		})
	}
}

func TestDeleteQueue(t *testing.T) {
	ctx := context.Background()
	key := common.RoutingKey{SourceID: 4, Table: "gone", DestinationID: 9}

	for name, store := range backends(t) {
		t.Run(name, func(t *testing.T) {
			defer store.Close()

			require.NoError(t, store.Enqueue(ctx, testMessage(key, 1)))
			require.NoError(t, store.DeleteQueue(ctx, key))

			has, err := store.HasMessages(ctx, key)
			require.NoError(t, err)
			assert.False(t, has)
		})
	}
}

func TestMessageRoundTrip(t *testing.T) {
	key := common.RoutingKey{SourceID: 1, Table: "users", DestinationID: 2}
	original := testMessage(key, 42)
	original.Event.Schema = map[string]string{"id": "bigint", "name": "varchar"}
	original.Route.RowFilter = "status = 'active'"
	original.RetryCount = 3

	data, err := encoding.Marshal(original)
	require.NoError(t, err)

	var decoded common.DeadLetterMessage
	require.NoError(t, encoding.Unmarshal(data, &decoded))

	assert.Equal(t, original.PipelineID, decoded.PipelineID)
	assert.Equal(t, original.SourceID, decoded.SourceID)
	assert.Equal(t, original.DestinationID, decoded.DestinationID)
	assert.Equal(t, original.SourceTable, decoded.SourceTable)
	assert.Equal(t, original.TargetTable, decoded.TargetTable)
	assert.Equal(t, original.RetryCount, decoded.RetryCount)
	assert.Equal(t, original.FirstFailedAt, decoded.FirstFailedAt)
	assert.Equal(t, original.Route, decoded.Route)
	assert.Equal(t, original.Event.Table, decoded.Event.Table)
	assert.Equal(t, original.Event.Operation, decoded.Event.Operation)
	assert.EqualValues(t, 42, decoded.Event.Keys["id"])
	assert.Equal(t, "row", decoded.Event.Values["name"])
	assert.Equal(t, original.Event.Schema, decoded.Event.Schema)
	assert.Equal(t, key, decoded.Key())
}

func TestPebbleSurvivesReopen(t *testing.T) {
	ctx := context.Background()
	key := common.RoutingKey{SourceID: 1, Table: "durable", DestinationID: 2}
	dir := t.TempDir()

	store, err := NewPebbleStore(dir)
	require.NoError(t, err)
	require.NoError(t, store.Enqueue(ctx, testMessage(key, 1)))
	require.NoError(t, store.Close())

	reopened, err := NewPebbleStore(dir)
	require.NoError(t, err)
	defer reopened.Close()

	deliveries, err := reopened.DequeueBatch(ctx, key, 10)
	require.NoError(t, err)
	require.Len(t, deliveries, 1)
}
