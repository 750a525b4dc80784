package writer

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/doug-martin/goqu/v9"
	_ "github.com/doug-martin/goqu/v9/dialect/mysql"
	_ "github.com/doug-martin/goqu/v9/dialect/sqlite3"
	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog/log"
	"github.com/sluicedb/sluice/cfg"
	"github.com/sluicedb/sluice/common"
	"github.com/sluicedb/sluice/state"
)

// stagingTable is recreated per batch inside the writer's local SQLite
// database. Row filters and transform queries run against it.
const stagingTable = "staging"

func init() {
	RegisterWriter("merge", func(dest state.Destination) (Writer, error) {
		var conf MergeDestConfig
		if err := json.Unmarshal([]byte(dest.Config), &conf); err != nil {
			return nil, fmt.Errorf("invalid merge destination config: %w", err)
		}
		stagingPath := filepath.Join(cfg.Config.DataDir, fmt.Sprintf("staging_dest_%d.db", dest.ID))
		return NewMergeWriter(conf, stagingPath)
	})
}

// MergeDestConfig is the destination Config JSON for the
// relational-merge variant.
type MergeDestConfig struct {
	Driver string `json:"driver"` // database/sql driver name of the target
	DSN    string `json:"dsn"`
}

// MergeWriter applies change batches to a relational target with a
// delete-then-insert merge. Incoming rows are staged in a local SQLite
// database first so row filters and transform queries run as plain SQL
// before anything touches the target.
//
// Safe for interleaved use by the consumption and recovery loops.
type MergeWriter struct {
	conf        MergeDestConfig
	stagingPath string

	mu      sync.Mutex
	target  *sql.DB
	staging *sql.DB
	dialect goqu.DialectWrapper
}

// NewMergeWriter builds the writer; connections open on Init.
func NewMergeWriter(conf MergeDestConfig, stagingPath string) (*MergeWriter, error) {
	if conf.Driver == "" || conf.DSN == "" {
		return nil, fmt.Errorf("merge destination requires driver and dsn")
	}
	return &MergeWriter{
		conf:        conf,
		stagingPath: stagingPath,
		dialect:     goqu.Dialect(conf.Driver),
	}, nil
}

// Init opens the target and staging databases. Idempotent; an already
// open writer just re-probes the target.
func (w *MergeWriter) Init(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.target == nil {
		target, err := sql.Open(w.conf.Driver, w.conf.DSN)
		if err != nil {
			return &common.ConnectionError{Message: "failed to open target database", Cause: err}
		}
		w.target = target
	}
	if err := w.target.PingContext(ctx); err != nil {
		return &common.ConnectionError{Message: "target database unreachable", Cause: err}
	}

	if w.staging == nil {
		staging, err := sql.Open("sqlite3", w.stagingPath)
		if err != nil {
			return &common.ConnectionError{Message: "failed to open staging database", Cause: err}
		}
		w.staging = staging
	}
	return nil
}

// TestConnection probes the target database.
func (w *MergeWriter) TestConnection(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.target == nil {
		return &common.ConnectionError{Message: "merge writer not initialized"}
	}
	if err := w.target.PingContext(ctx); err != nil {
		return &common.ConnectionError{Message: "target database unreachable", Cause: err}
	}
	return nil
}

func (w *MergeWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	var firstErr error
	if w.staging != nil {
		if err := w.staging.Close(); err != nil {
			firstErr = err
		}
		w.staging = nil
	}
	if w.target != nil {
		if err := w.target.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		w.target = nil
	}
	return firstErr
}

// WriteBatch merges the batch into the target table. Upserted rows are
// staged, filtered/transformed, then applied as delete-then-insert in
// one target transaction keyed by primary key. Replaying the same batch
// converges to the same target rows.
func (w *MergeWriter) WriteBatch(ctx context.Context, route common.TableSyncRoute, events []common.ChangeEvent) error {
	if len(events) == 0 {
		return nil
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if w.target == nil || w.staging == nil {
		return &common.ConnectionError{Message: "merge writer not initialized"}
	}

	var upserts []common.ChangeEvent
	keySets := make([]map[string]interface{}, 0, len(events))
	for _, e := range events {
		if len(e.Keys) == 0 {
			return &common.DestinationError{
				Category: common.CategoryData,
				Message:  fmt.Sprintf("event for table %s has no primary key", route.SourceTable),
			}
		}
		keySets = append(keySets, e.Keys)
		if e.Operation != common.OpDelete {
			upserts = append(upserts, e)
		}
	}

	cols, rows, err := w.stageAndSelect(ctx, route, upserts)
	if err != nil {
		return err
	}

	return w.merge(ctx, route.TargetTable, keySets, cols, rows)
}

// stageAndSelect loads the upserted rows into the staging table and
// reads back the rows that survive the route's filter or transform.
func (w *MergeWriter) stageAndSelect(ctx context.Context, route common.TableSyncRoute, upserts []common.ChangeEvent) ([]string, [][]interface{}, error) {
	if len(upserts) == 0 {
		return nil, nil, nil
	}

	cols := columnUnion(upserts)

	if err := w.rebuildStaging(ctx, cols); err != nil {
		return nil, nil, err
	}

	insert := w.stagingDialect().Insert(stagingTable).Cols(toAny(cols)...)
	for _, e := range upserts {
		vals := make([]interface{}, len(cols))
		for i, col := range cols {
			vals[i] = e.Values[col]
		}
		insert = insert.Vals(vals)
	}
	query, args, err := insert.ToSQL()
	if err != nil {
		return nil, nil, err
	}
	if _, err := w.staging.ExecContext(ctx, query, args...); err != nil {
		return nil, nil, &common.DestinationError{
			Category: common.CategoryData,
			Message:  "failed to stage batch rows",
			Cause:    err,
		}
	}

	selectSQL := "SELECT * FROM " + stagingTable
	switch {
	case route.TransformQuery != "":
		selectSQL = route.TransformQuery
	case route.RowFilter != "":
		selectSQL += " WHERE " + route.RowFilter
	}

	rows, err := w.staging.QueryContext(ctx, selectSQL)
	if err != nil {
		return nil, nil, &common.DestinationError{
			Category: common.CategorySchema,
			Message:  fmt.Sprintf("row filter or transform failed for table %s", route.SourceTable),
			Cause:    err,
		}
	}
	defer rows.Close()

	outCols, err := rows.Columns()
	if err != nil {
		return nil, nil, err
	}

	var out [][]interface{}
	for rows.Next() {
		vals := make([]interface{}, len(outCols))
		ptrs := make([]interface{}, len(outCols))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, nil, err
		}
		out = append(out, vals)
	}
	return outCols, out, rows.Err()
}

func (w *MergeWriter) rebuildStaging(ctx context.Context, cols []string) error {
	if _, err := w.staging.ExecContext(ctx, "DROP TABLE IF EXISTS "+stagingTable); err != nil {
		return err
	}

	defs := make([]string, len(cols))
	for i, col := range cols {
		defs[i] = fmt.Sprintf("%q", col)
	}
	create := fmt.Sprintf("CREATE TABLE %s (%s)", stagingTable, strings.Join(defs, ", "))
	if _, err := w.staging.ExecContext(ctx, create); err != nil {
		return fmt.Errorf("failed to rebuild staging table: %w", err)
	}
	return nil
}

// merge deletes every batch key from the target, then inserts the
// filtered rows, in one transaction.
func (w *MergeWriter) merge(ctx context.Context, targetTable string, keySets []map[string]interface{}, cols []string, rows [][]interface{}) error {
	tx, err := w.target.BeginTx(ctx, nil)
	if err != nil {
		return &common.ConnectionError{Message: "failed to begin target transaction", Cause: err}
	}
	defer tx.Rollback()

	keyPredicates := make([]goqu.Expression, 0, len(keySets))
	for _, keys := range keySets {
		keyPredicates = append(keyPredicates, goqu.Ex(keys))
	}
	deleteSQL, deleteArgs, err := w.dialect.Delete(targetTable).
		Where(goqu.Or(keyPredicates...)).
		ToSQL()
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, deleteSQL, deleteArgs...); err != nil {
		return classifyMergeError("delete", targetTable, err)
	}

	if len(rows) > 0 {
		insert := w.dialect.Insert(targetTable).Cols(toAny(cols)...)
		for _, row := range rows {
			insert = insert.Vals(row)
		}
		insertSQL, insertArgs, err := insert.ToSQL()
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, insertSQL, insertArgs...); err != nil {
			return classifyMergeError("insert", targetTable, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return &common.ConnectionError{Message: "failed to commit merge", Cause: err}
	}

	log.Debug().Str("table", targetTable).Int("rows", len(rows)).Int("keys", len(keySets)).Msg("Merged batch")
	return nil
}

// stagingDialect is always sqlite3 regardless of the target dialect.
func (w *MergeWriter) stagingDialect() goqu.DialectWrapper {
	return goqu.Dialect("sqlite3")
}

// columnUnion collects every column seen across the batch, sorted for a
// stable staging schema.
func columnUnion(events []common.ChangeEvent) []string {
	seen := make(map[string]struct{})
	for _, e := range events {
		for col := range e.Values {
			seen[col] = struct{}{}
		}
	}
	cols := make([]string, 0, len(seen))
	for col := range seen {
		cols = append(cols, col)
	}
	sort.Strings(cols)
	return cols
}

func toAny(cols []string) []interface{} {
	out := make([]interface{}, len(cols))
	for i, col := range cols {
		out[i] = col
	}
	return out
}

// classifyMergeError maps target failures to typed errors. Constraint
// and type failures will fail the same way on replay, so they are
// non-transient.
func classifyMergeError(phase, table string, err error) error {
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "no such table") || strings.Contains(msg, "doesn't exist") ||
		strings.Contains(msg, "unknown column") || strings.Contains(msg, "no such column"):
		return &common.DestinationError{
			Category: common.CategorySchema,
			Message:  fmt.Sprintf("target table %s rejected %s: schema mismatch", table, phase),
			Cause:    err,
		}
	case strings.Contains(msg, "constraint") || strings.Contains(msg, "data too long") ||
		strings.Contains(msg, "incorrect") || strings.Contains(msg, "out of range"):
		return &common.DestinationError{
			Category: common.CategoryData,
			Message:  fmt.Sprintf("target table %s rejected %s: bad data", table, phase),
			Cause:    err,
		}
	default:
		return &common.ConnectionError{
			Message: fmt.Sprintf("%s on target table %s failed", phase, table),
			Cause:   err,
		}
	}
}
