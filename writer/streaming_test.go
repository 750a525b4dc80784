package writer

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"testing"

	"github.com/klauspost/compress/gzip"
	"github.com/sluicedb/sluice/cfg"
	"github.com/sluicedb/sluice/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeIngest simulates the control plane and ingest host in one server.
type fakeIngest struct {
	mu sync.Mutex

	server *httptest.Server

	tokensIssued int
	validToken   string

	channelsOpened int
	continuation   int
	lastSequencer  int64

	staleNextWrite bool
	rejectStatus   int // When set, write calls fail with this status

	rows []map[string]interface{}

	writeCalls int
	callSizes  []int
}

func newFakeIngest(t *testing.T) *fakeIngest {
	f := &fakeIngest{lastSequencer: -1}
	f.server = httptest.NewServer(http.HandlerFunc(f.handle))
	t.Cleanup(f.server.Close)
	return f
}

func (f *fakeIngest) config() StreamingDestConfig {
	return StreamingDestConfig{
		AccountURL: f.server.URL,
		KeyID:      "key",
		KeySecret:  "secret",
		Database:   "ANALYTICS",
		Schema:     "PUBLIC",
	}
}

func (f *fakeIngest) handle(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()

	switch {
	case r.Method == http.MethodPost && r.URL.Path == "/oauth/token":
		f.tokensIssued++
		f.validToken = fmt.Sprintf("tok-%d", f.tokensIssued)
		json.NewEncoder(w).Encode(map[string]string{"token": f.validToken})
		return

	case r.Method == http.MethodGet && r.URL.Path == "/v1/hostname":
		if !f.authorized(r) {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		u, _ := url.Parse(f.server.URL)
		json.NewEncoder(w).Encode(map[string]string{"hostname": u.Host})
		return

	case r.Method == http.MethodPut && strings.HasPrefix(r.URL.Path, "/v1/channels/"):
		if !f.authorized(r) {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		f.channelsOpened++
		f.lastSequencer = -1
		json.NewEncoder(w).Encode(map[string]string{
			"channel_id":         fmt.Sprintf("ch-%d", f.channelsOpened),
			"continuation_token": f.nextContinuation(),
		})
		return

	case r.Method == http.MethodPost && strings.HasSuffix(r.URL.Path, "/rows"):
		f.handleWrite(w, r)
		return
	}

	w.WriteHeader(http.StatusNotFound)
}

func (f *fakeIngest) handleWrite(w http.ResponseWriter, r *http.Request) {
	if !f.authorized(r) {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}
	if f.rejectStatus != 0 {
		w.WriteHeader(f.rejectStatus)
		return
	}
	if f.staleNextWrite {
		f.staleNextWrite = false
		w.WriteHeader(http.StatusConflict)
		return
	}

	seq, _ := strconv.ParseInt(r.Header.Get(sequencerHeader), 10, 64)
	if seq <= f.lastSequencer {
		w.WriteHeader(http.StatusConflict)
		return
	}
	f.lastSequencer = seq

	if r.Header.Get(continuationHeader) != fmt.Sprintf("cont-%d", f.continuation) {
		w.WriteHeader(http.StatusConflict)
		return
	}

	gz, err := gzip.NewReader(r.Body)
	if err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	size := 0
	scanner := bufio.NewScanner(gz)
	for scanner.Scan() {
		size += len(scanner.Bytes()) + 1
		var row map[string]interface{}
		if err := json.Unmarshal(scanner.Bytes(), &row); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		f.rows = append(f.rows, row)
	}

	f.writeCalls++
	f.callSizes = append(f.callSizes, size)
	json.NewEncoder(w).Encode(map[string]string{"continuation_token": f.nextContinuation()})
}

func (f *fakeIngest) authorized(r *http.Request) bool {
	return r.Header.Get("Authorization") == "Bearer "+f.validToken && f.validToken != ""
}

func (f *fakeIngest) nextContinuation() string {
	f.continuation++
	return fmt.Sprintf("cont-%d", f.continuation)
}

func (f *fakeIngest) expireToken() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.validToken = ""
}

func streamingRuntime(maxPayload int) cfg.StreamingConfiguration {
	return cfg.StreamingConfiguration{MaxPayloadBytes: maxPayload, RequestTimeoutMS: 5000}
}

func testRoute() common.TableSyncRoute {
	return common.TableSyncRoute{
		ID:                    1,
		PipelineDestinationID: 1,
		SourceTable:           "app.orders",
		TargetTable:           "ORDERS",
	}
}

func makeEvents(n int, op uint8) []common.ChangeEvent {
	events := make([]common.ChangeEvent, n)
	for i := range events {
		events[i] = common.ChangeEvent{
			Table:     "app.orders",
			Operation: op,
			Keys:      map[string]interface{}{"id": i + 1},
			Values:    map[string]interface{}{"id": i + 1, "status": "shipped"},
		}
	}
	return events
}

func TestStreamingWriteBatch(t *testing.T) {
	ingest := newFakeIngest(t)
	w, err := NewStreamingWriter(ingest.config(), streamingRuntime(3_500_000))
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, w.Init(ctx))
	require.NoError(t, w.WriteBatch(ctx, testRoute(), makeEvents(3, common.OpCreate)))

	assert.Equal(t, 1, ingest.channelsOpened)
	assert.Equal(t, 1, ingest.writeCalls)
	require.Len(t, ingest.rows, 3)
	assert.Equal(t, "create", ingest.rows[0]["op"])
	assert.NotNil(t, ingest.rows[0]["data"])
}

func TestStreamingDeleteCarriesKeysOnly(t *testing.T) {
	ingest := newFakeIngest(t)
	w, err := NewStreamingWriter(ingest.config(), streamingRuntime(3_500_000))
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, w.Init(ctx))
	require.NoError(t, w.WriteBatch(ctx, testRoute(), makeEvents(1, common.OpDelete)))

	require.Len(t, ingest.rows, 1)
	assert.Equal(t, "delete", ingest.rows[0]["op"])
	assert.NotNil(t, ingest.rows[0]["keys"])
	assert.Nil(t, ingest.rows[0]["data"])
}

func TestStreamingChunksUnderPayloadCeiling(t *testing.T) {
	ingest := newFakeIngest(t)
	// Tiny ceiling so a modest batch splits into several calls.
	w, err := NewStreamingWriter(ingest.config(), streamingRuntime(200))
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, w.Init(ctx))
	require.NoError(t, w.WriteBatch(ctx, testRoute(), makeEvents(10, common.OpCreate)))

	assert.Greater(t, ingest.writeCalls, 1)
	assert.Len(t, ingest.rows, 10)
	for _, size := range ingest.callSizes {
		assert.LessOrEqual(t, size, 200)
	}
}

func TestStreamingSequencerIncreasesPerCall(t *testing.T) {
	ingest := newFakeIngest(t)
	w, err := NewStreamingWriter(ingest.config(), streamingRuntime(3_500_000))
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, w.Init(ctx))
	require.NoError(t, w.WriteBatch(ctx, testRoute(), makeEvents(2, common.OpCreate)))
	require.NoError(t, w.WriteBatch(ctx, testRoute(), makeEvents(2, common.OpCreate)))

	// The fake rejects non-increasing sequencers, so reaching call 2
	// proves monotonicity.
	assert.Equal(t, 2, ingest.writeCalls)
	assert.Equal(t, int64(1), ingest.lastSequencer)
}

func TestStreamingReauthenticatesOn401(t *testing.T) {
	ingest := newFakeIngest(t)
	w, err := NewStreamingWriter(ingest.config(), streamingRuntime(3_500_000))
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, w.Init(ctx))
	require.NoError(t, w.WriteBatch(ctx, testRoute(), makeEvents(1, common.OpCreate)))

	ingest.expireToken()
	require.NoError(t, w.WriteBatch(ctx, testRoute(), makeEvents(1, common.OpCreate)))

	assert.Equal(t, 2, ingest.tokensIssued)
	assert.Len(t, ingest.rows, 2)
}

func TestStreamingReopensStaleChannelOnce(t *testing.T) {
	ingest := newFakeIngest(t)
	w, err := NewStreamingWriter(ingest.config(), streamingRuntime(3_500_000))
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, w.Init(ctx))
	require.NoError(t, w.WriteBatch(ctx, testRoute(), makeEvents(1, common.OpCreate)))

	ingest.mu.Lock()
	ingest.staleNextWrite = true
	ingest.mu.Unlock()

	require.NoError(t, w.WriteBatch(ctx, testRoute(), makeEvents(1, common.OpCreate)))
	assert.Equal(t, 2, ingest.channelsOpened)
	assert.Len(t, ingest.rows, 2)
}

func TestStreamingClassifiesSchemaRejection(t *testing.T) {
	ingest := newFakeIngest(t)
	w, err := NewStreamingWriter(ingest.config(), streamingRuntime(3_500_000))
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, w.Init(ctx))

	ingest.mu.Lock()
	ingest.rejectStatus = http.StatusUnprocessableEntity
	ingest.mu.Unlock()

	err = w.WriteBatch(ctx, testRoute(), makeEvents(1, common.OpCreate))
	require.Error(t, err)

	category, _ := common.Sanitize(err)
	assert.Equal(t, common.CategorySchema, category)
}

func TestStreamingWriteBeforeInitFails(t *testing.T) {
	ingest := newFakeIngest(t)
	w, err := NewStreamingWriter(ingest.config(), streamingRuntime(3_500_000))
	require.NoError(t, err)

	err = w.WriteBatch(context.Background(), testRoute(), makeEvents(1, common.OpCreate))
	require.Error(t, err)
	category, _ := common.Sanitize(err)
	assert.Equal(t, common.CategoryConnection, category)
}

func TestChunkLines(t *testing.T) {
	lines := [][]byte{
		[]byte("aaaa"), []byte("bbbb"), []byte("cccc"),
	}

	chunks := chunkLines(lines, 10)
	require.Len(t, chunks, 2)
	assert.Equal(t, "aaaa\nbbbb\n", string(chunks[0]))
	assert.Equal(t, "cccc\n", string(chunks[1]))

	// One oversized line is emitted alone rather than dropped.
	chunks = chunkLines([][]byte{[]byte("0123456789abcdef")}, 10)
	require.Len(t, chunks, 1)
}
