package common

import (
	"fmt"
	"strings"

	"github.com/cespare/xxhash/v2"
)

// TableSyncRoute maps one source table to one destination table.
// A pipeline destination may own many routes, but a (destination, table)
// pair owns at most one.
type TableSyncRoute struct {
	ID                    int64  `msgpack:"id"`
	PipelineDestinationID int64  `msgpack:"pdid"`
	SourceTable           string `msgpack:"src_tbl"`
	TargetTable           string `msgpack:"tgt_tbl"`
	RowFilter             string `msgpack:"filter"`    // Optional WHERE fragment
	TransformQuery        string `msgpack:"transform"` // Optional user SELECT over staged rows
	IsError               bool   `msgpack:"is_err"`
	ErrorMessage          string `msgpack:"err_msg"`
}

// RoutingKey identifies one dead-letter queue: the failed writes of a
// single (source, table, destination) combination.
type RoutingKey struct {
	SourceID      int64  `msgpack:"src"`
	Table         string `msgpack:"tbl"`
	DestinationID int64  `msgpack:"dst"`
}

func (k RoutingKey) String() string {
	return fmt.Sprintf("%d.%s.%d", k.SourceID, k.Table, k.DestinationID)
}

// maxQueueNameLen bounds generated queue/stream names. Backends like
// JetStream reject long or dotted stream names.
const maxQueueNameLen = 48

// QueueName converts the routing key into a backend-safe queue name.
// Table names that would overflow the limit are replaced by their hash.
func (k RoutingKey) QueueName() string {
	table := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_':
			return r
		default:
			return '_'
		}
	}, k.Table)

	name := fmt.Sprintf("dlq_%d_%s_%d", k.SourceID, table, k.DestinationID)
	if len(name) > maxQueueNameLen {
		name = fmt.Sprintf("dlq_%d_h%016x_%d", k.SourceID, xxhash.Sum64String(k.Table), k.DestinationID)
	}
	return name
}
