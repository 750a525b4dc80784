package state

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// flakyDriver hands out a configurable run of dead connections before
// healthy ones. Dead connections fail their liveness probe, forcing
// Acquire down its discard-and-retry path.
type flakyDriver struct {
	mu    sync.Mutex
	dead  int
	opens int
}

func (d *flakyDriver) Open(string) (driver.Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.opens++
	if d.dead > 0 {
		d.dead--
		return &flakyConn{dead: true}, nil
	}
	return &flakyConn{}, nil
}

func (d *flakyDriver) reset(dead int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dead = dead
	d.opens = 0
}

func (d *flakyDriver) opened() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.opens
}

type flakyConn struct{ dead bool }

func (c *flakyConn) Prepare(string) (driver.Stmt, error) { return nil, errors.New("not supported") }
func (c *flakyConn) Close() error                        { return nil }
func (c *flakyConn) Begin() (driver.Tx, error)           { return nil, errors.New("not supported") }

func (c *flakyConn) Ping(context.Context) error {
	if c.dead {
		return driver.ErrBadConn
	}
	return nil
}

var flaky = &flakyDriver{}

func init() { sql.Register("flaky", flaky) }

func TestAcquireDiscardsDeadConnections(t *testing.T) {
	flaky.reset(2)

	db, err := sql.Open("flaky", "state")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	pool := NewPoolFromDB(db, "flaky")
	conn, err := pool.Acquire(context.Background())
	require.NoError(t, err)
	require.NoError(t, conn.Close())

	// Two dead connections discarded before the healthy third.
	assert.Equal(t, 3, flaky.opened())
}

func TestAcquireGivesUpAfterRetries(t *testing.T) {
	flaky.reset(10)

	db, err := sql.Open("flaky", "state")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	pool := NewPoolFromDB(db, "flaky")
	_, err = pool.Acquire(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no healthy connection")
}

func TestStoreOperationsRunOnValidatedConnections(t *testing.T) {
	store := openTestStore(t)
	seedPipeline(t, store)
	ctx := context.Background()

	// Reads and writes both go through checked-out connections.
	pipelines, err := store.ListPipelines(ctx)
	require.NoError(t, err)
	require.Len(t, pipelines, 1)

	require.NoError(t, store.UpdatePipelineStatus(ctx, 100, PipelinePaused))
	p, err := store.GetPipeline(ctx, 100)
	require.NoError(t, err)
	assert.Equal(t, PipelinePaused, p.Status)
}
