package supervisor

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sluicedb/sluice/cfg"
	"github.com/sluicedb/sluice/common"
	"github.com/sluicedb/sluice/dlq"
	"github.com/sluicedb/sluice/notify"
	"github.com/sluicedb/sluice/source"
	"github.com/sluicedb/sluice/state"
	"github.com/sluicedb/sluice/writer"
)

var testWriterFactory func(dest state.Destination) (writer.Writer, error)

func init() {
	writer.RegisterWriter("supervisor-test", func(dest state.Destination) (writer.Writer, error) {
		return testWriterFactory(dest)
	})
}

// sourceRecorder hands out mock sources and remembers them per durable
// name so tests can inspect and feed each unit's consumer.
type sourceRecorder struct {
	mu      sync.Mutex
	created map[string][]*source.MockSource
}

func newSourceRecorder() *sourceRecorder {
	return &sourceRecorder{created: make(map[string][]*source.MockSource)}
}

func (r *sourceRecorder) factory(_ cfg.CaptureConfiguration, durable string) (source.Source, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	src := source.NewMockSource()
	r.created[durable] = append(r.created[durable], src)
	return src, nil
}

func (r *sourceRecorder) latest(durable string) *source.MockSource {
	r.mu.Lock()
	defer r.mu.Unlock()
	sources := r.created[durable]
	if len(sources) == 0 {
		return nil
	}
	return sources[len(sources)-1]
}

func (r *sourceRecorder) count(durable string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.created[durable])
}

type supervisorFixture struct {
	store   *state.MockStore
	sup     *Supervisor
	sources *sourceRecorder
	writer  *writer.MockWriter
}

func testPipeline(id int64, status string) *state.Pipeline {
	return &state.Pipeline{
		ID:            id,
		Name:          "orders",
		Status:        status,
		SourceID:      1,
		ConfigVersion: time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC),
		Destinations: []state.PipelineDestination{
			{
				ID:            1000,
				PipelineID:    id,
				DestinationID: 10,
				Destination:   state.Destination{ID: 10, DestType: "supervisor-test", Config: "{}"},
				Routes: []common.TableSyncRoute{
					{ID: 5000, PipelineDestinationID: 1000, SourceTable: "app.orders", TargetTable: "ORDERS"},
				},
			},
		},
	}
}

func newSupervisorFixture(t *testing.T, pipelines ...*state.Pipeline) *supervisorFixture {
	t.Helper()

	mock := &writer.MockWriter{}
	testWriterFactory = func(dest state.Destination) (writer.Writer, error) { return mock, nil }

	store := state.NewMockStore()
	for _, p := range pipelines {
		store.Pipelines[p.ID] = p
	}

	recorder := newSourceRecorder()
	sup := New(store, dlq.NewMemoryStore(), notify.NewWithDeliverers(time.Minute))
	sup.sourceFactory = recorder.factory

	return &supervisorFixture{store: store, sup: sup, sources: recorder, writer: mock}
}

func TestReconcileStartsRunningPipelines(t *testing.T) {
	f := newSupervisorFixture(t, testPipeline(1, state.PipelineRunning), testPipeline(2, state.PipelineRunning))

	f.sup.Reconcile(context.Background())

	assert.Equal(t, 2, f.sup.UnitCount())
	assert.NotNil(t, f.sources.latest("sluice_p1"))
	assert.NotNil(t, f.sources.latest("sluice_p2"))

	f.sup.units.Range(func(_ int64, u *Unit) bool {
		u.stop(time.Second)
		return true
	})
}

func TestPausedPipelineStopsWithinOneCycle(t *testing.T) {
	f := newSupervisorFixture(t, testPipeline(1, state.PipelineRunning))

	f.sup.Reconcile(context.Background())
	require.Equal(t, 1, f.sup.UnitCount())

	f.store.Pipelines[1].Status = state.PipelinePaused
	f.sup.Reconcile(context.Background())

	assert.Equal(t, 0, f.sup.UnitCount())
	assert.Contains(t, f.store.StatusWrites, state.PipelinePaused)
}

func TestRemovedPipelineStops(t *testing.T) {
	f := newSupervisorFixture(t, testPipeline(1, state.PipelineRunning))

	f.sup.Reconcile(context.Background())
	require.Equal(t, 1, f.sup.UnitCount())

	delete(f.store.Pipelines, 1)
	f.sup.Reconcile(context.Background())

	assert.Equal(t, 0, f.sup.UnitCount())
	assert.Empty(t, f.store.StatusWrites)
}

func TestRefreshRequestedRestartsAndWritesRunning(t *testing.T) {
	f := newSupervisorFixture(t, testPipeline(1, state.PipelineRunning))

	f.sup.Reconcile(context.Background())
	require.Equal(t, 1, f.sources.count("sluice_p1"))

	f.store.Pipelines[1].Status = state.PipelineRefreshRequested
	f.sup.Reconcile(context.Background())

	assert.Equal(t, 1, f.sup.UnitCount())
	assert.Equal(t, 2, f.sources.count("sluice_p1"))
	assert.Contains(t, f.store.StatusWrites, state.PipelineRunning)

	u, _ := f.sup.units.Load(int64(1))
	u.stop(time.Second)
}

func TestNewerConfigVersionRestartsUnit(t *testing.T) {
	f := newSupervisorFixture(t, testPipeline(1, state.PipelineRunning))

	f.sup.Reconcile(context.Background())
	require.Equal(t, 1, f.sources.count("sluice_p1"))

	f.store.Pipelines[1].ConfigVersion = f.store.Pipelines[1].ConfigVersion.Add(time.Minute)
	f.sup.Reconcile(context.Background())

	assert.Equal(t, 2, f.sources.count("sluice_p1"))

	// An unchanged version leaves the unit alone.
	f.sup.Reconcile(context.Background())
	assert.Equal(t, 2, f.sources.count("sluice_p1"))

	u, _ := f.sup.units.Load(int64(1))
	u.stop(time.Second)
}

func TestDeadUnitIsRestarted(t *testing.T) {
	f := newSupervisorFixture(t, testPipeline(1, state.PipelineRunning))

	f.sup.Reconcile(context.Background())
	src := f.sources.latest("sluice_p1")
	require.NotNil(t, src)

	// Closing the source makes the consumption loop return.
	require.NoError(t, src.Close())
	u, _ := f.sup.units.Load(int64(1))
	require.Eventually(t, func() bool { return !u.Alive() }, time.Second, 5*time.Millisecond)

	f.sup.Reconcile(context.Background())

	assert.Equal(t, 2, f.sources.count("sluice_p1"))
	replacement, _ := f.sup.units.Load(int64(1))
	assert.True(t, replacement.Alive())

	replacement.stop(time.Second)
}

func TestUnitDeliversCapturedChanges(t *testing.T) {
	f := newSupervisorFixture(t, testPipeline(1, state.PipelineRunning))

	f.sup.Reconcile(context.Background())
	src := f.sources.latest("sluice_p1")
	require.NotNil(t, src)

	payload, err := json.Marshal(map[string]interface{}{
		"op":    "c",
		"keys":  map[string]interface{}{"id": 7},
		"after": map[string]interface{}{"id": 7, "status": "new"},
		"ts_ms": time.Now().UnixMilli(),
	})
	require.NoError(t, err)
	src.Push([]source.Message{{Subject: "cdc.app.orders", Payload: payload}})

	require.Eventually(t, func() bool {
		return len(f.writer.WrittenEvents("app.orders")) == 1
	}, time.Second, 5*time.Millisecond)

	event := f.writer.WrittenEvents("app.orders")[0]
	assert.Equal(t, common.OpCreate, event.Operation)
	assert.Equal(t, "new", event.Values["status"])

	u, _ := f.sup.units.Load(int64(1))
	u.stop(time.Second)
}

func TestWriterInitFailureDegradesNotFatal(t *testing.T) {
	f := newSupervisorFixture(t, testPipeline(1, state.PipelineRunning))
	f.writer.InitErr = assert.AnError

	f.sup.Reconcile(context.Background())

	// The unit still comes up; the destination's writes will fail and
	// land in the dead letter store until recovery revives it.
	assert.Equal(t, 1, f.sup.UnitCount())

	u, _ := f.sup.units.Load(int64(1))
	u.stop(time.Second)
}

func TestStartStopLifecycle(t *testing.T) {
	f := newSupervisorFixture(t, testPipeline(1, state.PipelineRunning))
	f.sup.pollInterval = 10 * time.Millisecond

	f.sup.Start()
	require.Eventually(t, func() bool { return f.sup.UnitCount() == 1 }, time.Second, 5*time.Millisecond)

	ids := f.sup.RunningPipelines()
	require.Len(t, ids, 1)
	assert.Equal(t, int64(1), ids[0])

	f.sup.Stop()
	assert.Equal(t, 0, f.sup.UnitCount())
	assert.True(t, f.writer.Closed())

	// Stop is idempotent.
	f.sup.Stop()
}
