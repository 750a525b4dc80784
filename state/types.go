// Package state is the runtime's narrow window onto the external config &
// state database. The CRUD API owns these rows; the runtime only reads
// configuration and writes back status, error, and progress columns.
package state

import (
	"time"

	"github.com/sluicedb/sluice/common"
)

// PipelineStatus values the supervisor reconciles against
const (
	PipelineRunning          = "running"
	PipelinePaused           = "paused"
	PipelineRefreshRequested = "refresh_requested"
)

// BackfillStatus values for the job state machine
const (
	JobPending   = "pending"
	JobExecuting = "executing"
	JobCompleted = "completed"
	JobFailed    = "failed"
	JobCancelled = "cancelled"
)

// Source is an operational database changes are captured from.
type Source struct {
	ID     int64  `db:"id"`
	Name   string `db:"name"`
	Driver string `db:"driver"` // database/sql driver name
	DSN    string `db:"dsn"`
}

// Destination is a configured warehouse target.
type Destination struct {
	ID       int64  `db:"id"`
	Name     string `db:"name"`
	DestType string `db:"dest_type"` // Writer factory key: "streaming" or "merge"
	Config   string `db:"config"`    // JSON writer configuration
}

// PipelineDestination attaches a destination to a pipeline and carries the
// destination-level error flag.
type PipelineDestination struct {
	ID            int64      `db:"id"`
	PipelineID    int64      `db:"pipeline_id"`
	DestinationID int64      `db:"destination_id"`
	IsError       bool       `db:"is_error"`
	ErrorMessage  string     `db:"error_message"`
	LastErrorAt   *time.Time `db:"last_error_at"`

	Destination Destination            `db:"-"`
	Routes      []common.TableSyncRoute `db:"-"`
}

// Pipeline is one configured CDC pipeline with its destinations and routes
// loaded.
type Pipeline struct {
	ID            int64     `db:"id"`
	Name          string    `db:"name"`
	Status        string    `db:"status"`
	SourceID      int64     `db:"source_id"`
	ConfigVersion time.Time `db:"updated_at"` // Newer version forces a unit restart

	Source       Source                `db:"-"`
	Destinations []PipelineDestination `db:"-"`
}

// BackfillJob is one resumable bulk load. Created by the external API,
// mutated only by the backfill engine.
type BackfillJob struct {
	ID             int64  `db:"id"`
	PipelineID     int64  `db:"pipeline_id"`
	SourceID       int64  `db:"source_id"`
	TableName      string `db:"table_name"`
	Filter         string `db:"filter"`
	Status         string `db:"status"`
	CountRecord    int64  `db:"count_record"`
	TotalRecord    int64  `db:"total_record"`
	LastPKValue    string `db:"last_pk_value"` // Checkpoint cursor, stringified
	PKColumn       string `db:"pk_column"`     // Cached after detection
	ResumeAttempts int    `db:"resume_attempts"`
	ErrorMessage   string `db:"error_message"`
}
