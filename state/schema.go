package state

import (
	"context"
	"database/sql"
	"fmt"
)

// Schema for the config & state tables. The external configuration API
// owns these in production; this bootstrap exists for tests and local
// single-binary setups on sqlite.
var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS sources (
		id INTEGER PRIMARY KEY,
		name TEXT NOT NULL,
		driver TEXT NOT NULL,
		dsn TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS destinations (
		id INTEGER PRIMARY KEY,
		name TEXT NOT NULL,
		dest_type TEXT NOT NULL,
		config TEXT NOT NULL DEFAULT '{}'
	)`,
	`CREATE TABLE IF NOT EXISTS pipelines (
		id INTEGER PRIMARY KEY,
		name TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'paused',
		source_id INTEGER NOT NULL,
		updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
	)`,
	`CREATE TABLE IF NOT EXISTS pipeline_destinations (
		id INTEGER PRIMARY KEY,
		pipeline_id INTEGER NOT NULL,
		destination_id INTEGER NOT NULL,
		is_error BOOLEAN NOT NULL DEFAULT 0,
		error_message TEXT,
		last_error_at TIMESTAMP
	)`,
	`CREATE TABLE IF NOT EXISTS table_sync_routes (
		id INTEGER PRIMARY KEY,
		pipeline_destination_id INTEGER NOT NULL,
		source_table TEXT NOT NULL,
		target_table TEXT NOT NULL,
		row_filter TEXT,
		transform_query TEXT,
		is_error BOOLEAN NOT NULL DEFAULT 0,
		error_message TEXT,
		last_error_at TIMESTAMP,
		UNIQUE (pipeline_destination_id, source_table)
	)`,
	`CREATE TABLE IF NOT EXISTS backfill_jobs (
		id INTEGER PRIMARY KEY,
		pipeline_id INTEGER NOT NULL,
		source_id INTEGER NOT NULL,
		table_name TEXT NOT NULL,
		filter TEXT,
		status TEXT NOT NULL DEFAULT 'pending',
		count_record BIGINT NOT NULL DEFAULT 0,
		total_record BIGINT NOT NULL DEFAULT 0,
		last_pk_value TEXT,
		pk_column TEXT,
		resume_attempts INTEGER NOT NULL DEFAULT 0,
		error_message TEXT
	)`,
}

// Migrate applies the state schema, idempotently.
func Migrate(ctx context.Context, db *sql.DB) error {
	for _, stmt := range schemaStatements {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to apply schema: %w", err)
		}
	}
	return nil
}
