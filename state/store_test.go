package state

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"

	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *SQLStore {
	t.Helper()

	db, err := sql.Open("sqlite3", filepath.Join(t.TempDir(), "state.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	require.NoError(t, Migrate(context.Background(), db))
	return NewSQLStore(NewPoolFromDB(db, "sqlite3"))
}

func seedPipeline(t *testing.T, store *SQLStore) {
	t.Helper()
	ctx := context.Background()
	db := store.pool.DB()

	stmts := []string{
		`INSERT INTO sources (id, name, driver, dsn) VALUES (1, 'orders-db', 'mysql', 'root@tcp(localhost)/orders')`,
		`INSERT INTO destinations (id, name, dest_type, config) VALUES (10, 'warehouse', 'streaming', '{"account":"acme"}')`,
		`INSERT INTO pipelines (id, name, status, source_id) VALUES (100, 'orders', 'running', 1)`,
		`INSERT INTO pipeline_destinations (id, pipeline_id, destination_id) VALUES (1000, 100, 10)`,
		`INSERT INTO table_sync_routes (id, pipeline_destination_id, source_table, target_table, row_filter)
		 VALUES (5000, 1000, 'orders', 'ORDERS', 'region = ''eu''')`,
	}
	for _, stmt := range stmts {
		_, err := db.ExecContext(ctx, stmt)
		require.NoError(t, err)
	}
}

func TestListPipelinesLoadsDetail(t *testing.T) {
	store := openTestStore(t)
	seedPipeline(t, store)

	pipelines, err := store.ListPipelines(context.Background())
	require.NoError(t, err)
	require.Len(t, pipelines, 1)

	p := pipelines[0]
	assert.Equal(t, int64(100), p.ID)
	assert.Equal(t, PipelineRunning, p.Status)
	assert.Equal(t, "orders-db", p.Source.Name)
	assert.False(t, p.ConfigVersion.IsZero())

	require.Len(t, p.Destinations, 1)
	pd := p.Destinations[0]
	assert.Equal(t, "streaming", pd.Destination.DestType)
	assert.False(t, pd.IsError)

	require.Len(t, pd.Routes, 1)
	assert.Equal(t, "orders", pd.Routes[0].SourceTable)
	assert.Equal(t, "ORDERS", pd.Routes[0].TargetTable)
	assert.Equal(t, "region = 'eu'", pd.Routes[0].RowFilter)
}

func TestGetPipelineMissing(t *testing.T) {
	store := openTestStore(t)

	p, err := store.GetPipeline(context.Background(), 404)
	require.NoError(t, err)
	assert.Nil(t, p)
}

func TestUpdatePipelineStatusWriteBack(t *testing.T) {
	store := openTestStore(t)
	seedPipeline(t, store)
	ctx := context.Background()

	require.NoError(t, store.UpdatePipelineStatus(ctx, 100, PipelinePaused))

	p, err := store.GetPipeline(ctx, 100)
	require.NoError(t, err)
	assert.Equal(t, PipelinePaused, p.Status)
}

func TestDestinationErrorFlagRoundTrip(t *testing.T) {
	store := openTestStore(t)
	seedPipeline(t, store)
	ctx := context.Background()

	require.NoError(t, store.SetDestinationError(ctx, 1000, "channel rejected batch"))

	p, err := store.GetPipeline(ctx, 100)
	require.NoError(t, err)
	assert.True(t, p.Destinations[0].IsError)
	assert.Equal(t, "channel rejected batch", p.Destinations[0].ErrorMessage)

	require.NoError(t, store.ClearDestinationError(ctx, 1000))

	p, err = store.GetPipeline(ctx, 100)
	require.NoError(t, err)
	assert.False(t, p.Destinations[0].IsError)
}

func TestRouteErrorFlagRoundTrip(t *testing.T) {
	store := openTestStore(t)
	seedPipeline(t, store)
	ctx := context.Background()

	require.NoError(t, store.SetRouteError(ctx, 5000, "target table missing"))

	// The flag must survive a full reload so a restarted unit can clear it.
	p, err := store.GetPipeline(ctx, 100)
	require.NoError(t, err)
	route := p.Destinations[0].Routes[0]
	assert.True(t, route.IsError)
	assert.Equal(t, "target table missing", route.ErrorMessage)

	require.NoError(t, store.ClearRouteError(ctx, 5000))

	p, err = store.GetPipeline(ctx, 100)
	require.NoError(t, err)
	assert.False(t, p.Destinations[0].Routes[0].IsError)
}

func seedJob(t *testing.T, store *SQLStore, id int64, status string, resumeAttempts int) {
	t.Helper()
	_, err := store.pool.DB().ExecContext(context.Background(),
		`INSERT INTO backfill_jobs (id, pipeline_id, source_id, table_name, status, resume_attempts)
		 VALUES (?, 100, 1, 'orders', ?, ?)`, id, status, resumeAttempts)
	require.NoError(t, err)
}

func TestClaimJobIsExclusive(t *testing.T) {
	store := openTestStore(t)
	seedJob(t, store, 1, JobPending, 0)
	ctx := context.Background()

	claimed, err := store.ClaimJob(ctx, 1)
	require.NoError(t, err)
	assert.True(t, claimed)

	// Second claim sees executing status and loses.
	claimed, err = store.ClaimJob(ctx, 1)
	require.NoError(t, err)
	assert.False(t, claimed)

	job, err := store.GetJob(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, JobExecuting, job.Status)
	assert.Equal(t, 1, job.ResumeAttempts)
}

func TestResetOrphanedJobs(t *testing.T) {
	store := openTestStore(t)
	seedJob(t, store, 1, JobExecuting, 2)
	seedJob(t, store, 2, JobExecuting, 5)
	seedJob(t, store, 3, JobCompleted, 1)
	ctx := context.Background()

	reset, failed, err := store.ResetOrphanedJobs(ctx, 5)
	require.NoError(t, err)
	assert.Equal(t, 1, reset)
	assert.Equal(t, 1, failed)

	job, err := store.GetJob(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, JobPending, job.Status)

	job, err = store.GetJob(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, JobFailed, job.Status)
	assert.NotEmpty(t, job.ErrorMessage)

	job, err = store.GetJob(ctx, 3)
	require.NoError(t, err)
	assert.Equal(t, JobCompleted, job.Status)
}

func TestSaveCheckpointMovesCountAndCursorTogether(t *testing.T) {
	store := openTestStore(t)
	seedJob(t, store, 1, JobExecuting, 1)
	ctx := context.Background()

	require.NoError(t, store.SaveCheckpoint(ctx, 1, 10000, "48213"))

	job, err := store.GetJob(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(10000), job.CountRecord)
	assert.Equal(t, "48213", job.LastPKValue)
}

func TestListJobsFiltersByStatus(t *testing.T) {
	store := openTestStore(t)
	seedJob(t, store, 1, JobPending, 0)
	seedJob(t, store, 2, JobExecuting, 1)
	seedJob(t, store, 3, JobFailed, 5)
	ctx := context.Background()

	jobs, err := store.ListJobs(ctx, JobPending, JobExecuting)
	require.NoError(t, err)
	require.Len(t, jobs, 2)
	assert.Equal(t, int64(1), jobs[0].ID)
	assert.Equal(t, int64(2), jobs[1].ID)

	all, err := store.ListJobs(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 3)
}
