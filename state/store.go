package state

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/doug-martin/goqu/v9"
	_ "github.com/doug-martin/goqu/v9/dialect/mysql"
	_ "github.com/doug-martin/goqu/v9/dialect/sqlite3"
	"github.com/sluicedb/sluice/common"
)

// Store is the repository contract between the runtime and the config &
// state database.
type Store interface {
	ListPipelines(ctx context.Context) ([]Pipeline, error)
	GetPipeline(ctx context.Context, id int64) (*Pipeline, error)
	UpdatePipelineStatus(ctx context.Context, id int64, status string) error
	GetSource(ctx context.Context, id int64) (*Source, error)

	SetDestinationError(ctx context.Context, pipelineDestinationID int64, message string) error
	ClearDestinationError(ctx context.Context, pipelineDestinationID int64) error
	SetRouteError(ctx context.Context, routeID int64, message string) error
	ClearRouteError(ctx context.Context, routeID int64) error

	ListJobs(ctx context.Context, statuses ...string) ([]BackfillJob, error)
	GetJob(ctx context.Context, id int64) (*BackfillJob, error)
	ClaimJob(ctx context.Context, id int64) (bool, error)
	ResetOrphanedJobs(ctx context.Context, maxResumeAttempts int) (int, int, error)
	UpdateJobStatus(ctx context.Context, id int64, status, errorMessage string) error
	SaveCheckpoint(ctx context.Context, id int64, countRecord int64, lastPK string) error
	SetJobTotal(ctx context.Context, id int64, total int64) error
	SetJobPKColumn(ctx context.Context, id int64, column string) error
}

// SQLStore implements Store over the shared pool with goqu-built queries.
type SQLStore struct {
	pool *Pool
	d    goqu.DialectWrapper
}

// NewSQLStore builds a store for the pool's dialect.
func NewSQLStore(pool *Pool) *SQLStore {
	return &SQLStore{pool: pool, d: goqu.Dialect(pool.Driver())}
}

// withConn runs fn on a validated connection checked out from the pool
// for one unit of work, then returns it.
func (s *SQLStore) withConn(ctx context.Context, fn func(conn *sql.Conn) error) error {
	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()
	return fn(conn)
}

func (s *SQLStore) exec(ctx context.Context, query string, args []interface{}) error {
	return s.withConn(ctx, func(conn *sql.Conn) error {
		_, err := conn.ExecContext(ctx, query, args...)
		return err
	})
}

func (s *SQLStore) execAffected(ctx context.Context, query string, args []interface{}) (int64, error) {
	var affected int64
	err := s.withConn(ctx, func(conn *sql.Conn) error {
		res, err := conn.ExecContext(ctx, query, args...)
		if err != nil {
			return err
		}
		affected, err = res.RowsAffected()
		return err
	})
	return affected, err
}

func (s *SQLStore) ListPipelines(ctx context.Context) ([]Pipeline, error) {
	query, args, err := s.d.From("pipelines").
		Select("id", "name", "status", "source_id", "updated_at").
		Order(goqu.I("id").Asc()).
		ToSQL()
	if err != nil {
		return nil, err
	}

	var pipelines []Pipeline
	err = s.withConn(ctx, func(conn *sql.Conn) error {
		rows, err := conn.QueryContext(ctx, query, args...)
		if err != nil {
			return fmt.Errorf("failed to list pipelines: %w", err)
		}
		defer rows.Close()

		for rows.Next() {
			var p Pipeline
			if err := rows.Scan(&p.ID, &p.Name, &p.Status, &p.SourceID, &p.ConfigVersion); err != nil {
				return err
			}
			pipelines = append(pipelines, p)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}

	for i := range pipelines {
		if err := s.loadPipelineDetail(ctx, &pipelines[i]); err != nil {
			return nil, err
		}
	}
	return pipelines, nil
}

func (s *SQLStore) GetPipeline(ctx context.Context, id int64) (*Pipeline, error) {
	query, args, err := s.d.From("pipelines").
		Select("id", "name", "status", "source_id", "updated_at").
		Where(goqu.C("id").Eq(id)).
		ToSQL()
	if err != nil {
		return nil, err
	}

	var p Pipeline
	found := true
	err = s.withConn(ctx, func(conn *sql.Conn) error {
		row := conn.QueryRowContext(ctx, query, args...)
		if err := row.Scan(&p.ID, &p.Name, &p.Status, &p.SourceID, &p.ConfigVersion); err != nil {
			if err == sql.ErrNoRows {
				found = false
				return nil
			}
			return fmt.Errorf("failed to get pipeline %d: %w", id, err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, nil
	}

	if err := s.loadPipelineDetail(ctx, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

func (s *SQLStore) loadPipelineDetail(ctx context.Context, p *Pipeline) error {
	source, err := s.GetSource(ctx, p.SourceID)
	if err != nil {
		return err
	}
	if source != nil {
		p.Source = *source
	}

	query, args, err := s.d.From(goqu.T("pipeline_destinations").As("pd")).
		Join(goqu.T("destinations").As("d"), goqu.On(goqu.Ex{"pd.destination_id": goqu.I("d.id")})).
		Select("pd.id", "pd.pipeline_id", "pd.destination_id", "pd.is_error", "pd.error_message",
			"d.id", "d.name", "d.dest_type", "d.config").
		Where(goqu.I("pd.pipeline_id").Eq(p.ID)).
		Order(goqu.I("pd.id").Asc()).
		ToSQL()
	if err != nil {
		return err
	}

	err = s.withConn(ctx, func(conn *sql.Conn) error {
		rows, err := conn.QueryContext(ctx, query, args...)
		if err != nil {
			return fmt.Errorf("failed to load destinations for pipeline %d: %w", p.ID, err)
		}
		defer rows.Close()

		for rows.Next() {
			var pd PipelineDestination
			var errMsg sql.NullString
			if err := rows.Scan(&pd.ID, &pd.PipelineID, &pd.DestinationID, &pd.IsError, &errMsg,
				&pd.Destination.ID, &pd.Destination.Name, &pd.Destination.DestType, &pd.Destination.Config); err != nil {
				return err
			}
			pd.ErrorMessage = errMsg.String
			p.Destinations = append(p.Destinations, pd)
		}
		return rows.Err()
	})
	if err != nil {
		return err
	}

	for i := range p.Destinations {
		routes, err := s.loadRoutes(ctx, p.Destinations[i].ID)
		if err != nil {
			return err
		}
		p.Destinations[i].Routes = routes
	}
	return nil
}

func (s *SQLStore) loadRoutes(ctx context.Context, pipelineDestinationID int64) ([]common.TableSyncRoute, error) {
	query, args, err := s.d.From("table_sync_routes").
		Select("id", "pipeline_destination_id", "source_table", "target_table", "row_filter", "transform_query",
			"is_error", "error_message").
		Where(goqu.C("pipeline_destination_id").Eq(pipelineDestinationID)).
		Order(goqu.I("id").Asc()).
		ToSQL()
	if err != nil {
		return nil, err
	}

	var routes []common.TableSyncRoute
	err = s.withConn(ctx, func(conn *sql.Conn) error {
		rows, err := conn.QueryContext(ctx, query, args...)
		if err != nil {
			return fmt.Errorf("failed to load routes: %w", err)
		}
		defer rows.Close()

		for rows.Next() {
			var r common.TableSyncRoute
			var filter, transform, errMsg sql.NullString
			if err := rows.Scan(&r.ID, &r.PipelineDestinationID, &r.SourceTable, &r.TargetTable, &filter, &transform,
				&r.IsError, &errMsg); err != nil {
				return err
			}
			r.RowFilter = filter.String
			r.TransformQuery = transform.String
			r.ErrorMessage = errMsg.String
			routes = append(routes, r)
		}
		return rows.Err()
	})
	return routes, err
}

func (s *SQLStore) UpdatePipelineStatus(ctx context.Context, id int64, status string) error {
	query, args, err := s.d.Update("pipelines").
		Set(goqu.Record{"status": status}).
		Where(goqu.C("id").Eq(id)).
		ToSQL()
	if err != nil {
		return err
	}
	return s.exec(ctx, query, args)
}

func (s *SQLStore) GetSource(ctx context.Context, id int64) (*Source, error) {
	query, args, err := s.d.From("sources").
		Select("id", "name", "driver", "dsn").
		Where(goqu.C("id").Eq(id)).
		ToSQL()
	if err != nil {
		return nil, err
	}

	var src Source
	found := true
	err = s.withConn(ctx, func(conn *sql.Conn) error {
		row := conn.QueryRowContext(ctx, query, args...)
		if err := row.Scan(&src.ID, &src.Name, &src.Driver, &src.DSN); err != nil {
			if err == sql.ErrNoRows {
				found = false
				return nil
			}
			return fmt.Errorf("failed to get source %d: %w", id, err)
		}
		return nil
	})
	if err != nil || !found {
		return nil, err
	}
	return &src, nil
}

func (s *SQLStore) SetDestinationError(ctx context.Context, pipelineDestinationID int64, message string) error {
	query, args, err := s.d.Update("pipeline_destinations").
		Set(goqu.Record{
			"is_error":      true,
			"error_message": message,
			"last_error_at": time.Now().UTC(),
		}).
		Where(goqu.C("id").Eq(pipelineDestinationID)).
		ToSQL()
	if err != nil {
		return err
	}
	return s.exec(ctx, query, args)
}

func (s *SQLStore) ClearDestinationError(ctx context.Context, pipelineDestinationID int64) error {
	query, args, err := s.d.Update("pipeline_destinations").
		Set(goqu.Record{"is_error": false, "error_message": ""}).
		Where(goqu.C("id").Eq(pipelineDestinationID)).
		ToSQL()
	if err != nil {
		return err
	}
	return s.exec(ctx, query, args)
}

func (s *SQLStore) SetRouteError(ctx context.Context, routeID int64, message string) error {
	query, args, err := s.d.Update("table_sync_routes").
		Set(goqu.Record{
			"is_error":      true,
			"error_message": message,
			"last_error_at": time.Now().UTC(),
		}).
		Where(goqu.C("id").Eq(routeID)).
		ToSQL()
	if err != nil {
		return err
	}
	return s.exec(ctx, query, args)
}

func (s *SQLStore) ClearRouteError(ctx context.Context, routeID int64) error {
	query, args, err := s.d.Update("table_sync_routes").
		Set(goqu.Record{"is_error": false, "error_message": ""}).
		Where(goqu.C("id").Eq(routeID)).
		ToSQL()
	if err != nil {
		return err
	}
	return s.exec(ctx, query, args)
}

func (s *SQLStore) ListJobs(ctx context.Context, statuses ...string) ([]BackfillJob, error) {
	ds := s.d.From("backfill_jobs").
		Select("id", "pipeline_id", "source_id", "table_name", "filter", "status",
			"count_record", "total_record", "last_pk_value", "pk_column", "resume_attempts", "error_message").
		Order(goqu.I("id").Asc())
	if len(statuses) > 0 {
		ds = ds.Where(goqu.C("status").In(statuses))
	}

	query, args, err := ds.ToSQL()
	if err != nil {
		return nil, err
	}

	var jobs []BackfillJob
	err = s.withConn(ctx, func(conn *sql.Conn) error {
		rows, err := conn.QueryContext(ctx, query, args...)
		if err != nil {
			return fmt.Errorf("failed to list jobs: %w", err)
		}
		defer rows.Close()

		for rows.Next() {
			job, err := scanJob(rows)
			if err != nil {
				return err
			}
			jobs = append(jobs, *job)
		}
		return rows.Err()
	})
	return jobs, err
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanJob(row rowScanner) (*BackfillJob, error) {
	var job BackfillJob
	var filter, lastPK, pkCol, errMsg sql.NullString
	if err := row.Scan(&job.ID, &job.PipelineID, &job.SourceID, &job.TableName, &filter, &job.Status,
		&job.CountRecord, &job.TotalRecord, &lastPK, &pkCol, &job.ResumeAttempts, &errMsg); err != nil {
		return nil, err
	}
	job.Filter = filter.String
	job.LastPKValue = lastPK.String
	job.PKColumn = pkCol.String
	job.ErrorMessage = errMsg.String
	return &job, nil
}

func (s *SQLStore) GetJob(ctx context.Context, id int64) (*BackfillJob, error) {
	query, args, err := s.d.From("backfill_jobs").
		Select("id", "pipeline_id", "source_id", "table_name", "filter", "status",
			"count_record", "total_record", "last_pk_value", "pk_column", "resume_attempts", "error_message").
		Where(goqu.C("id").Eq(id)).
		ToSQL()
	if err != nil {
		return nil, err
	}

	var job *BackfillJob
	err = s.withConn(ctx, func(conn *sql.Conn) error {
		job, err = scanJob(conn.QueryRowContext(ctx, query, args...))
		if err != nil {
			if err == sql.ErrNoRows {
				job = nil
				return nil
			}
			return fmt.Errorf("failed to get job %d: %w", id, err)
		}
		return nil
	})
	return job, err
}

// ClaimJob transitions a pending job to executing and charges its resume
// budget. The status guard makes the claim atomic across competing
// engine instances.
func (s *SQLStore) ClaimJob(ctx context.Context, id int64) (bool, error) {
	query, args, err := s.d.Update("backfill_jobs").
		Set(goqu.Record{
			"status":          JobExecuting,
			"resume_attempts": goqu.L("resume_attempts + 1"),
		}).
		Where(goqu.C("id").Eq(id), goqu.C("status").Eq(JobPending)).
		ToSQL()
	if err != nil {
		return false, err
	}

	affected, err := s.execAffected(ctx, query, args)
	if err != nil {
		return false, err
	}
	return affected == 1, nil
}

// ResetOrphanedJobs handles jobs left in executing by a dead process:
// those with resume budget left go back to pending, the rest fail.
// Returns (reset, failed).
func (s *SQLStore) ResetOrphanedJobs(ctx context.Context, maxResumeAttempts int) (int, int, error) {
	failQuery, failArgs, err := s.d.Update("backfill_jobs").
		Set(goqu.Record{
			"status":        JobFailed,
			"error_message": "resume budget exhausted after process restart",
		}).
		Where(goqu.C("status").Eq(JobExecuting), goqu.C("resume_attempts").Gte(maxResumeAttempts)).
		ToSQL()
	if err != nil {
		return 0, 0, err
	}

	failed, err := s.execAffected(ctx, failQuery, failArgs)
	if err != nil {
		return 0, 0, err
	}

	resetQuery, resetArgs, err := s.d.Update("backfill_jobs").
		Set(goqu.Record{"status": JobPending}).
		Where(goqu.C("status").Eq(JobExecuting)).
		ToSQL()
	if err != nil {
		return 0, int(failed), err
	}

	reset, err := s.execAffected(ctx, resetQuery, resetArgs)
	if err != nil {
		return 0, int(failed), err
	}

	return int(reset), int(failed), nil
}

func (s *SQLStore) UpdateJobStatus(ctx context.Context, id int64, status, errorMessage string) error {
	query, args, err := s.d.Update("backfill_jobs").
		Set(goqu.Record{"status": status, "error_message": errorMessage}).
		Where(goqu.C("id").Eq(id)).
		ToSQL()
	if err != nil {
		return err
	}
	return s.exec(ctx, query, args)
}

// SaveCheckpoint persists the crash-safe resume point. Count and cursor
// move in one statement so a crash never splits them.
func (s *SQLStore) SaveCheckpoint(ctx context.Context, id int64, countRecord int64, lastPK string) error {
	query, args, err := s.d.Update("backfill_jobs").
		Set(goqu.Record{"count_record": countRecord, "last_pk_value": lastPK}).
		Where(goqu.C("id").Eq(id)).
		ToSQL()
	if err != nil {
		return err
	}
	return s.exec(ctx, query, args)
}

func (s *SQLStore) SetJobTotal(ctx context.Context, id int64, total int64) error {
	query, args, err := s.d.Update("backfill_jobs").
		Set(goqu.Record{"total_record": total}).
		Where(goqu.C("id").Eq(id)).
		ToSQL()
	if err != nil {
		return err
	}
	return s.exec(ctx, query, args)
}

func (s *SQLStore) SetJobPKColumn(ctx context.Context, id int64, column string) error {
	query, args, err := s.d.Update("backfill_jobs").
		Set(goqu.Record{"pk_column": column}).
		Where(goqu.C("id").Eq(id)).
		ToSQL()
	if err != nil {
		return err
	}
	return s.exec(ctx, query, args)
}
