package backfill

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/doug-martin/goqu/v9"
	_ "github.com/doug-martin/goqu/v9/dialect/mysql"
	_ "github.com/doug-martin/goqu/v9/dialect/sqlite3"
	"github.com/rs/zerolog/log"
	"github.com/sluicedb/sluice/common"
	"github.com/sluicedb/sluice/router"
	"github.com/sluicedb/sluice/state"
	"github.com/sluicedb/sluice/telemetry"
	"github.com/sluicedb/sluice/writer"
)

// jobRunner executes one claimed backfill job with its own source
// connection and destination writers, torn down when the job ends.
type jobRunner struct {
	engine   *Engine
	job      *state.BackfillJob
	pipeline *state.Pipeline

	sourceDB *sql.DB
	dialect  goqu.DialectWrapper
	writers  map[int64]writer.Writer
	router   *router.Router

	predicate  string
	pkColumn   string
	offsetMode bool
}

func newJobRunner(e *Engine, job *state.BackfillJob) (*jobRunner, error) {
	ctx := context.Background()

	pipeline, err := e.store.GetPipeline(ctx, job.PipelineID)
	if err != nil {
		return nil, err
	}
	if pipeline == nil {
		return nil, fmt.Errorf("pipeline %d not found", job.PipelineID)
	}

	src, err := e.store.GetSource(ctx, job.SourceID)
	if err != nil {
		return nil, err
	}
	if src == nil {
		return nil, fmt.Errorf("source %d not found", job.SourceID)
	}

	sourceDB, err := sql.Open(src.Driver, src.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open source database: %w", err)
	}
	if err := sourceDB.PingContext(ctx); err != nil {
		sourceDB.Close()
		return nil, fmt.Errorf("source database unreachable: %w", err)
	}

	predicate, err := BuildPredicate(job.Filter)
	if err != nil {
		sourceDB.Close()
		return nil, err
	}

	// The job owns its writers; they are not shared with the pipeline's
	// streaming unit. Init failures leave the destination degraded, and
	// its rows fall to the dead letter store through the router.
	writers := make(map[int64]writer.Writer)
	for _, pd := range pipeline.Destinations {
		w, err := writer.New(pd.Destination)
		if err != nil {
			log.Error().Err(err).Int64("destination", pd.DestinationID).
				Int64("job", job.ID).Msg("Failed to construct backfill writer")
			continue
		}
		if err := w.Init(ctx); err != nil {
			log.Warn().Err(err).Int64("destination", pd.DestinationID).
				Int64("job", job.ID).Msg("Backfill writer init failed, destination degraded")
		}
		writers[pd.DestinationID] = w
	}

	return &jobRunner{
		engine:    e,
		job:       job,
		pipeline:  pipeline,
		sourceDB:  sourceDB,
		dialect:   goqu.Dialect(src.Driver),
		writers:   writers,
		router:    router.New(pipeline, writers, nil, e.store, e.queue, e.notifier),
		predicate: predicate,
	}, nil
}

func (r *jobRunner) close() {
	for _, w := range r.writers {
		if err := w.Close(); err != nil {
			log.Warn().Err(err).Int64("job", r.job.ID).Msg("Failed to close backfill writer")
		}
	}
	if r.sourceDB != nil {
		r.sourceDB.Close()
	}
}

// run pages through the source table, checkpointing after every page,
// until exhaustion, cancellation, or failure. Returns the terminal
// status it recorded.
func (r *jobRunner) run(ctx context.Context) (string, error) {
	if err := r.resolvePrimaryKey(ctx); err != nil {
		return "", err
	}
	r.estimateTotal(ctx)

	count := r.job.CountRecord
	lastPK := r.job.LastPKValue

	for {
		// Engine shutdown: leave the job in executing; the next process
		// resumes it from the checkpoint via the orphan reset.
		if ctx.Err() != nil {
			log.Info().Int64("job", r.job.ID).Int64("count", count).
				Msg("Backfill interrupted, checkpoint preserved")
			return state.JobExecuting, nil
		}

		cancelled, err := r.pollCancellation(ctx)
		if err != nil {
			return "", err
		}
		if cancelled {
			log.Info().Int64("job", r.job.ID).Msg("Backfill job cancelled externally")
			return state.JobCancelled, nil
		}

		start := time.Now()
		rows, err := r.fetchPage(ctx, count, lastPK)
		if err != nil {
			return "", err
		}
		if len(rows) == 0 {
			break
		}

		events := r.toEvents(rows)
		r.router.RouteEvents(ctx, map[string][]common.ChangeEvent{r.job.TableName: events})

		count += int64(len(rows))
		if !r.offsetMode {
			lastPK = stringifyPK(rows[len(rows)-1][r.pkColumn])
		}

		// The crash-safe checkpoint: cursor and count move together.
		if err := r.engine.store.SaveCheckpoint(ctx, r.job.ID, count, lastPK); err != nil {
			return "", fmt.Errorf("failed to persist checkpoint: %w", err)
		}

		telemetry.BackfillRowsTotal.Add(float64(len(rows)))
		telemetry.BackfillPagesTotal.Add(1)
		telemetry.BackfillPageSeconds.Observe(time.Since(start).Seconds())
	}

	if err := r.engine.store.UpdateJobStatus(ctx, r.job.ID, state.JobCompleted, ""); err != nil {
		return "", err
	}
	log.Info().Int64("job", r.job.ID).Str("table", r.job.TableName).
		Int64("rows", count).Msg("Backfill job completed")
	return state.JobCompleted, nil
}

func (r *jobRunner) pollCancellation(ctx context.Context) (bool, error) {
	current, err := r.engine.store.GetJob(ctx, r.job.ID)
	if err != nil {
		return false, err
	}
	if current == nil {
		return false, fmt.Errorf("job %d disappeared mid-flight", r.job.ID)
	}
	return current.Status == state.JobCancelled, nil
}

// resolvePrimaryKey detects a single-column primary key, caching it on
// the job row. Composite or absent keys degrade to offset paging.
func (r *jobRunner) resolvePrimaryKey(ctx context.Context) error {
	if r.job.PKColumn != "" {
		r.pkColumn = r.job.PKColumn
		return nil
	}

	cols, err := detectPrimaryKey(ctx, r.sourceDB, r.job.TableName)
	if err != nil {
		return err
	}

	if len(cols) != 1 {
		r.offsetMode = true
		log.Warn().Int64("job", r.job.ID).Str("table", r.job.TableName).Int("pk_columns", len(cols)).
			Msg("No single-column primary key, degrading to offset paging")
		return nil
	}

	r.pkColumn = cols[0]
	if err := r.engine.store.SetJobPKColumn(ctx, r.job.ID, r.pkColumn); err != nil {
		log.Warn().Err(err).Int64("job", r.job.ID).Msg("Failed to cache pk column")
	}
	return nil
}

// estimateTotal records the row count the job will copy, for progress
// reporting. Failures are logged, not fatal.
func (r *jobRunner) estimateTotal(ctx context.Context) {
	ds := r.dialect.From(goqu.I(r.job.TableName)).Select(goqu.COUNT(goqu.Star()))
	if r.predicate != "" {
		ds = ds.Where(goqu.L(r.predicate))
	}
	query, args, err := ds.ToSQL()
	if err != nil {
		return
	}

	var total int64
	if err := r.sourceDB.QueryRowContext(ctx, query, args...).Scan(&total); err != nil {
		log.Warn().Err(err).Int64("job", r.job.ID).Msg("Failed to estimate backfill total")
		return
	}
	if err := r.engine.store.SetJobTotal(ctx, r.job.ID, total); err != nil {
		log.Warn().Err(err).Int64("job", r.job.ID).Msg("Failed to record backfill total")
	}
}

// fetchPage reads one page: keyset (`pk > last`) when a primary key
// exists, OFFSET otherwise.
func (r *jobRunner) fetchPage(ctx context.Context, count int64, lastPK string) ([]map[string]interface{}, error) {
	ds := r.dialect.From(goqu.I(r.job.TableName)).Select(goqu.Star()).
		Limit(uint(r.engine.conf.PageSize))
	if r.predicate != "" {
		ds = ds.Where(goqu.L(r.predicate))
	}

	if r.offsetMode {
		ds = ds.Offset(uint(count))
	} else {
		ds = ds.Order(goqu.C(r.pkColumn).Asc())
		if lastPK != "" {
			ds = ds.Where(goqu.C(r.pkColumn).Gt(pkArgument(lastPK)))
		}
	}

	query, args, err := ds.ToSQL()
	if err != nil {
		return nil, err
	}

	rows, err := r.sourceDB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch backfill page: %w", err)
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, err
	}

	var page []map[string]interface{}
	for rows.Next() {
		vals := make([]interface{}, len(cols))
		ptrs := make([]interface{}, len(cols))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, err
		}

		row := make(map[string]interface{}, len(cols))
		for i, col := range cols {
			if b, ok := vals[i].([]byte); ok {
				row[col] = string(b)
			} else {
				row[col] = vals[i]
			}
		}
		page = append(page, row)
	}
	return page, rows.Err()
}

// toEvents wraps page rows as synthetic read events. Without a primary
// key the whole row is the identity.
func (r *jobRunner) toEvents(rows []map[string]interface{}) []common.ChangeEvent {
	now := time.Now().UnixMilli()
	events := make([]common.ChangeEvent, len(rows))
	for i, row := range rows {
		keys := row
		if !r.offsetMode {
			keys = map[string]interface{}{r.pkColumn: row[r.pkColumn]}
		}
		events[i] = common.ChangeEvent{
			Table:      r.job.TableName,
			Operation:  common.OpRead,
			Keys:       keys,
			Values:     row,
			CapturedAt: now,
		}
	}
	return events
}

// detectPrimaryKey returns the primary key column names of a table. It
// probes the sqlite pragma first and falls back to information_schema,
// which covers the supported source drivers without a dialect switch.
func detectPrimaryKey(ctx context.Context, db *sql.DB, table string) ([]string, error) {
	if cols, err := sqlitePrimaryKey(ctx, db, table); err == nil {
		return cols, nil
	}
	return mysqlPrimaryKey(ctx, db, table)
}

func sqlitePrimaryKey(ctx context.Context, db *sql.DB, table string) ([]string, error) {
	// PRAGMA takes the bare table name.
	name := table
	if idx := strings.LastIndex(table, "."); idx >= 0 {
		name = table[idx+1:]
	}

	rows, err := db.QueryContext(ctx, fmt.Sprintf("PRAGMA table_info(%q)", name))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var cols []string
	found := false
	for rows.Next() {
		var cid int
		var colName, colType string
		var notNull, pk int
		var dflt sql.NullString
		if err := rows.Scan(&cid, &colName, &colType, &notNull, &dflt, &pk); err != nil {
			return nil, err
		}
		found = true
		if pk > 0 {
			cols = append(cols, colName)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if !found {
		return nil, fmt.Errorf("table %s not found via pragma", table)
	}
	return cols, nil
}

func mysqlPrimaryKey(ctx context.Context, db *sql.DB, table string) ([]string, error) {
	schema, name := "", table
	if idx := strings.LastIndex(table, "."); idx >= 0 {
		schema, name = table[:idx], table[idx+1:]
	}

	query := `SELECT COLUMN_NAME FROM information_schema.KEY_COLUMN_USAGE
		WHERE TABLE_NAME = ? AND CONSTRAINT_NAME = 'PRIMARY'
		AND TABLE_SCHEMA = IF(? = '', DATABASE(), ?)
		ORDER BY ORDINAL_POSITION`

	rows, err := db.QueryContext(ctx, query, name, schema, schema)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var cols []string
	for rows.Next() {
		var col string
		if err := rows.Scan(&col); err != nil {
			return nil, err
		}
		cols = append(cols, col)
	}
	return cols, rows.Err()
}

// pkArgument passes numeric-looking cursors as numbers so keyset
// comparisons stay numeric on loosely typed engines.
func pkArgument(v string) interface{} {
	if !numericValue.MatchString(v) {
		return v
	}
	if n, err := strconv.ParseInt(v, 10, 64); err == nil {
		return n
	}
	if f, err := strconv.ParseFloat(v, 64); err == nil {
		return f
	}
	return v
}

func stringifyPK(v interface{}) string {
	switch t := v.(type) {
	case []byte:
		return string(t)
	case nil:
		return ""
	default:
		return fmt.Sprint(t)
	}
}

func sanitizeJobError(err error) (string, string) {
	return common.Sanitize(err)
}
