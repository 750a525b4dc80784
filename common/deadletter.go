package common

// DeadLetterMessage is one failed write held for replay. The route is
// snapshotted so replay does not depend on live configuration.
//
// Retried messages are never mutated in place: the recovery worker writes
// a new entry with an incremented RetryCount and acknowledges the original
// only after the new entry is durable.
type DeadLetterMessage struct {
	PipelineID            int64          `msgpack:"pid"`
	SourceID              int64          `msgpack:"src"`
	DestinationID         int64          `msgpack:"dst"`
	PipelineDestinationID int64          `msgpack:"pdid"`
	SourceTable           string         `msgpack:"src_tbl"`
	TargetTable           string         `msgpack:"tgt_tbl"`
	Event                 ChangeEvent    `msgpack:"event"`
	Route                 TableSyncRoute `msgpack:"route"`
	RetryCount            int            `msgpack:"retries"`
	FirstFailedAt         int64          `msgpack:"failed_at"` // unix ms
}

// Key returns the routing key this message queues under.
func (m *DeadLetterMessage) Key() RoutingKey {
	return RoutingKey{
		SourceID:      m.SourceID,
		Table:         m.SourceTable,
		DestinationID: m.DestinationID,
	}
}
