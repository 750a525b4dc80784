package common

// Operation types for change events
const (
	OpCreate uint8 = 0
	OpUpdate uint8 = 1
	OpDelete uint8 = 2
	// OpRead marks synthetic rows emitted by backfill loads
	OpRead uint8 = 3
)

// OperationName returns the human readable name for an operation code.
func OperationName(op uint8) string {
	switch op {
	case OpCreate:
		return "create"
	case OpUpdate:
		return "update"
	case OpDelete:
		return "delete"
	case OpRead:
		return "read"
	default:
		return "unknown"
	}
}

// ChangeEvent is a single row-level change flowing through the runtime.
// Immutable once constructed; routers and writers must not mutate it.
type ChangeEvent struct {
	Table      string                 `msgpack:"tbl"`
	Operation  uint8                  `msgpack:"op"`
	Keys       map[string]interface{} `msgpack:"keys"`   // Primary key columns
	Values     map[string]interface{} `msgpack:"vals"`   // Full row values (after image)
	Schema     map[string]string      `msgpack:"schema"` // Optional column type hints
	CapturedAt int64                  `msgpack:"ts"`     // Capture timestamp (unix ms)
}

// KeyColumns returns the primary key column names of the event.
func (e *ChangeEvent) KeyColumns() []string {
	cols := make([]string, 0, len(e.Keys))
	for col := range e.Keys {
		cols = append(cols, col)
	}
	return cols
}
