package ops

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sluicedb/sluice/common"
	"github.com/sluicedb/sluice/dlq"
	"github.com/sluicedb/sluice/notify"
	"github.com/sluicedb/sluice/state"
	"github.com/sluicedb/sluice/supervisor"
	"github.com/sluicedb/sluice/telemetry"
)

func TestMain(m *testing.M) {
	telemetry.InitializeTelemetry()
	os.Exit(m.Run())
}

func newTestServer(t *testing.T) (*Server, *state.MockStore, dlq.Store) {
	t.Helper()

	store := state.NewMockStore()
	store.Pipelines[1] = &state.Pipeline{
		ID: 1, Name: "orders", Status: state.PipelineRunning, SourceID: 1,
		Destinations: []state.PipelineDestination{
			{
				ID: 1000, PipelineID: 1, DestinationID: 10,
				IsError: true, ErrorMessage: "connection: refused",
				Destination: state.Destination{ID: 10, Name: "warehouse", DestType: "streaming"},
				Routes: []common.TableSyncRoute{
					{ID: 5000, SourceTable: "app.orders", TargetTable: "ORDERS"},
				},
			},
		},
	}

	queue := dlq.NewMemoryStore()
	notifier := notify.NewWithDeliverers(time.Minute, &notify.LogDeliverer{})
	sup := supervisor.New(store, queue, notifier)
	return NewServer(store, queue, sup, notifier), store, queue
}

func get(t *testing.T, s *Server, path string) (*httptest.ResponseRecorder, map[string]interface{}) {
	t.Helper()
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))

	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return rec, body
}

func TestHealthz(t *testing.T) {
	s, store, _ := newTestServer(t)

	rec, body := get(t, s, "/healthz")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", body["data"].(map[string]interface{})["status"])

	store.FailWith = assert.AnError
	rec, body = get(t, s, "/healthz")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.NotEmpty(t, body["error"])
}

func TestPipelinesListing(t *testing.T) {
	s, _, _ := newTestServer(t)

	rec, body := get(t, s, "/pipelines")
	require.Equal(t, http.StatusOK, rec.Code)

	pipelines := body["data"].([]interface{})
	require.Len(t, pipelines, 1)

	p := pipelines[0].(map[string]interface{})
	assert.Equal(t, "orders", p["name"])
	assert.Equal(t, false, p["unit_running"])

	dests := p["destinations"].([]interface{})
	require.Len(t, dests, 1)
	d := dests[0].(map[string]interface{})
	assert.Equal(t, true, d["is_error"])
	assert.Equal(t, "connection: refused", d["error_message"])
	assert.Equal(t, float64(1), d["routes"])
}

func TestPipelineByID(t *testing.T) {
	s, _, _ := newTestServer(t)

	rec, body := get(t, s, "/pipelines/1")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "orders", body["data"].(map[string]interface{})["name"])

	rec, _ = get(t, s, "/pipelines/99")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec, _ = get(t, s, "/pipelines/nope")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestJobsFilteredByStatus(t *testing.T) {
	s, store, _ := newTestServer(t)
	store.Jobs[1] = &state.BackfillJob{ID: 1, PipelineID: 1, TableName: "app.orders", Status: state.JobPending}
	store.Jobs[2] = &state.BackfillJob{ID: 2, PipelineID: 1, TableName: "app.users", Status: state.JobCompleted, CountRecord: 50, TotalRecord: 50}

	rec, body := get(t, s, "/jobs?status=completed")
	require.Equal(t, http.StatusOK, rec.Code)

	jobs := body["data"].([]interface{})
	require.Len(t, jobs, 1)
	assert.Equal(t, "app.users", jobs[0].(map[string]interface{})["table_name"])

	rec, body = get(t, s, "/jobs")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, body["data"].([]interface{}), 2)
}

func TestDeadLetterDepths(t *testing.T) {
	s, _, queue := newTestServer(t)

	key := common.RoutingKey{SourceID: 1, Table: "app.orders", DestinationID: 10}
	for i := 0; i < 3; i++ {
		require.NoError(t, queue.Enqueue(context.Background(), &common.DeadLetterMessage{
			SourceID:      key.SourceID,
			DestinationID: key.DestinationID,
			SourceTable:   key.Table,
			Event:         common.ChangeEvent{Table: "app.orders", Operation: common.OpCreate},
		}))
	}

	rec, body := get(t, s, "/dlq")
	require.Equal(t, http.StatusOK, rec.Code)

	data := body["data"].(map[string]interface{})
	assert.Equal(t, float64(3), data["total"])
	queues := data["queues"].(map[string]interface{})
	assert.Equal(t, float64(3), queues[key.String()])
}

func TestNotificationAckLiftsWindow(t *testing.T) {
	s, _, _ := newTestServer(t)

	event := notify.Event{Pipeline: "orders", Destination: "warehouse", Table: "app.orders", Category: "connection"}
	require.True(t, s.notifier.Notify(context.Background(), event))
	require.False(t, s.notifier.Notify(context.Background(), event))

	body := strings.NewReader(`{"pipeline":"orders","destination":"warehouse","table":"app.orders","category":"connection"}`)
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/notifications/ack", body))
	require.Equal(t, http.StatusOK, rec.Code)

	var resp map[string]map[string]bool
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.True(t, resp["data"]["acknowledged"])

	// The next failure on the acknowledged key notifies immediately.
	assert.True(t, s.notifier.Notify(context.Background(), event))
}

func TestNotificationAckRejectsBadRequests(t *testing.T) {
	s, _, _ := newTestServer(t)

	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/notifications/ack", strings.NewReader("not json")))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = httptest.NewRecorder()
	s.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/notifications/ack", strings.NewReader(`{"table":"t"}`)))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestMetricsEndpointServes(t *testing.T) {
	s, _, _ := newTestServer(t)

	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}
