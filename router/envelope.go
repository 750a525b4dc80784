package router

import (
	"encoding/json"
	"strings"

	"github.com/sluicedb/sluice/common"
	"github.com/sluicedb/sluice/source"
)

// envelope is the JSON change envelope the capture connector publishes.
// Before/after images plus an operation code; key columns separated so
// writers never have to guess the primary key.
type envelope struct {
	Op     string                 `json:"op"`
	Keys   map[string]interface{} `json:"keys"`
	Before map[string]interface{} `json:"before"`
	After  map[string]interface{} `json:"after"`
	Schema map[string]string      `json:"schema"`
	TsMs   int64                  `json:"ts_ms"`
}

var opCodes = map[string]uint8{
	"c": common.OpCreate,
	"u": common.OpUpdate,
	"d": common.OpDelete,
	"r": common.OpRead,
}

// Drop reasons for the events_dropped counter.
const (
	dropHeartbeat = "heartbeat"
	dropMalformed = "malformed"
	dropUnknownOp = "unknown_op"
	dropFiltered  = "filtered"
	dropNoRoute   = "no_route"
)

// parseEvent decodes one capture message. A non-empty reason means the
// message is silently dropped: heartbeats and transaction markers (non
// 3-segment paths), malformed payloads, unknown op codes.
func parseEvent(msg source.Message) (common.ChangeEvent, string) {
	segments := strings.Split(msg.Subject, ".")
	if len(segments) != 3 {
		return common.ChangeEvent{}, dropHeartbeat
	}
	table := segments[1] + "." + segments[2]

	var env envelope
	if err := json.Unmarshal(msg.Payload, &env); err != nil {
		return common.ChangeEvent{}, dropMalformed
	}

	op, known := opCodes[env.Op]
	if !known {
		return common.ChangeEvent{}, dropUnknownOp
	}

	values := env.After
	if op == common.OpDelete {
		values = env.Before
	}

	return common.ChangeEvent{
		Table:      table,
		Operation:  op,
		Keys:       env.Keys,
		Values:     values,
		Schema:     env.Schema,
		CapturedAt: env.TsMs,
	}, ""
}
