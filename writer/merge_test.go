package writer

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"

	_ "github.com/mattn/go-sqlite3"
	"github.com/sluicedb/sluice/common"
	"github.com/sluicedb/sluice/state"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openMergeWriter(t *testing.T) (*MergeWriter, *sql.DB) {
	t.Helper()
	dir := t.TempDir()
	targetPath := filepath.Join(dir, "target.db")

	target, err := sql.Open("sqlite3", targetPath)
	require.NoError(t, err)
	t.Cleanup(func() { target.Close() })

	_, err = target.Exec(`CREATE TABLE ORDERS (id INTEGER PRIMARY KEY, status TEXT, region TEXT)`)
	require.NoError(t, err)

	w, err := NewMergeWriter(
		MergeDestConfig{Driver: "sqlite3", DSN: targetPath},
		filepath.Join(dir, "staging.db"),
	)
	require.NoError(t, err)
	require.NoError(t, w.Init(context.Background()))
	t.Cleanup(func() { w.Close() })

	return w, target
}

func orderEvent(id int, op uint8, status, region string) common.ChangeEvent {
	return common.ChangeEvent{
		Table:     "app.orders",
		Operation: op,
		Keys:      map[string]interface{}{"id": id},
		Values:    map[string]interface{}{"id": id, "status": status, "region": region},
	}
}

func countOrders(t *testing.T, target *sql.DB) int {
	t.Helper()
	var n int
	require.NoError(t, target.QueryRow(`SELECT COUNT(*) FROM ORDERS`).Scan(&n))
	return n
}

func orderStatus(t *testing.T, target *sql.DB, id int) string {
	t.Helper()
	var status string
	require.NoError(t, target.QueryRow(`SELECT status FROM ORDERS WHERE id = ?`, id).Scan(&status))
	return status
}

func TestMergeInsertsRows(t *testing.T) {
	w, target := openMergeWriter(t)

	err := w.WriteBatch(context.Background(), testRoute(), []common.ChangeEvent{
		orderEvent(1, common.OpCreate, "new", "eu"),
		orderEvent(2, common.OpCreate, "new", "us"),
	})
	require.NoError(t, err)

	assert.Equal(t, 2, countOrders(t, target))
	assert.Equal(t, "new", orderStatus(t, target, 1))
}

func TestMergeUpdateReplacesRow(t *testing.T) {
	w, target := openMergeWriter(t)
	ctx := context.Background()

	require.NoError(t, w.WriteBatch(ctx, testRoute(), []common.ChangeEvent{
		orderEvent(1, common.OpCreate, "new", "eu"),
	}))
	require.NoError(t, w.WriteBatch(ctx, testRoute(), []common.ChangeEvent{
		orderEvent(1, common.OpUpdate, "shipped", "eu"),
	}))

	assert.Equal(t, 1, countOrders(t, target))
	assert.Equal(t, "shipped", orderStatus(t, target, 1))
}

func TestMergeDeleteRemovesRow(t *testing.T) {
	w, target := openMergeWriter(t)
	ctx := context.Background()

	require.NoError(t, w.WriteBatch(ctx, testRoute(), []common.ChangeEvent{
		orderEvent(1, common.OpCreate, "new", "eu"),
		orderEvent(2, common.OpCreate, "new", "us"),
	}))
	require.NoError(t, w.WriteBatch(ctx, testRoute(), []common.ChangeEvent{
		orderEvent(1, common.OpDelete, "", ""),
	}))

	assert.Equal(t, 1, countOrders(t, target))
}

func TestMergeReplayIsIdempotent(t *testing.T) {
	w, target := openMergeWriter(t)
	ctx := context.Background()

	batch := []common.ChangeEvent{
		orderEvent(1, common.OpCreate, "new", "eu"),
		orderEvent(2, common.OpCreate, "new", "us"),
	}
	require.NoError(t, w.WriteBatch(ctx, testRoute(), batch))
	require.NoError(t, w.WriteBatch(ctx, testRoute(), batch))

	assert.Equal(t, 2, countOrders(t, target))
}

func TestMergeAppliesRowFilter(t *testing.T) {
	w, target := openMergeWriter(t)

	route := testRoute()
	route.RowFilter = `region = 'eu'`

	err := w.WriteBatch(context.Background(), route, []common.ChangeEvent{
		orderEvent(1, common.OpCreate, "new", "eu"),
		orderEvent(2, common.OpCreate, "new", "us"),
	})
	require.NoError(t, err)

	assert.Equal(t, 1, countOrders(t, target))
	assert.Equal(t, "new", orderStatus(t, target, 1))
}

func TestMergeAppliesTransformQuery(t *testing.T) {
	w, target := openMergeWriter(t)

	route := testRoute()
	route.TransformQuery = `SELECT id, upper(status) AS status, region FROM staging`

	err := w.WriteBatch(context.Background(), route, []common.ChangeEvent{
		orderEvent(1, common.OpCreate, "shipped", "eu"),
	})
	require.NoError(t, err)

	assert.Equal(t, "SHIPPED", orderStatus(t, target, 1))
}

func TestMergeMissingTargetTableIsSchemaError(t *testing.T) {
	w, _ := openMergeWriter(t)

	route := testRoute()
	route.TargetTable = "MISSING"

	err := w.WriteBatch(context.Background(), route, []common.ChangeEvent{
		orderEvent(1, common.OpCreate, "new", "eu"),
	})
	require.Error(t, err)

	category, _ := common.Sanitize(err)
	assert.Equal(t, common.CategorySchema, category)
}

func TestMergeRejectsEventWithoutKeys(t *testing.T) {
	w, _ := openMergeWriter(t)

	err := w.WriteBatch(context.Background(), testRoute(), []common.ChangeEvent{{
		Table:     "app.orders",
		Operation: common.OpCreate,
		Values:    map[string]interface{}{"status": "new"},
	}})
	require.Error(t, err)

	category, _ := common.Sanitize(err)
	assert.Equal(t, common.CategoryData, category)
}

func TestNewUnknownDestinationType(t *testing.T) {
	_, err := New(state.Destination{DestType: "carrier-pigeon", Config: "{}"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown destination type")
}
