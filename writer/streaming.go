package writer

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/rs/zerolog/log"
	"github.com/sluicedb/sluice/cfg"
	"github.com/sluicedb/sluice/common"
	"github.com/sluicedb/sluice/state"
)

const (
	sequencerHeader    = "X-Sequencer"
	continuationHeader = "X-Continuation-Token"
	ndjsonContentType  = "application/x-ndjson"
)

func init() {
	RegisterWriter("streaming", func(dest state.Destination) (Writer, error) {
		var conf StreamingDestConfig
		if err := json.Unmarshal([]byte(dest.Config), &conf); err != nil {
			return nil, fmt.Errorf("invalid streaming destination config: %w", err)
		}
		return NewStreamingWriter(conf, cfg.Config.Streaming)
	})
}

// StreamingDestConfig is the destination Config JSON for the
// streaming-ingest variant.
type StreamingDestConfig struct {
	AccountURL string `json:"account_url"` // Control-plane base URL
	KeyID      string `json:"key_id"`
	KeySecret  string `json:"key_secret"`
	Database   string `json:"database"`
	Schema     string `json:"schema"`
}

// channel is one per-table append target. The sequencer increases by one
// per write call and the continuation token returned by each call feeds
// the next.
type channel struct {
	id           string
	continuation string
	sequencer    uint64
}

// StreamingWriter ships change batches to a streaming ingest service:
// hostname discovery on the account host, then a channel per target
// table, writing newline-delimited JSON in chunks under the wire payload
// ceiling.
//
// Safe for interleaved use by the consumption and recovery loops.
type StreamingWriter struct {
	conf      StreamingDestConfig
	maxChunk  int
	client    *http.Client
	ingestURL string

	mu       sync.Mutex
	token    string
	channels map[string]*channel
}

// NewStreamingWriter builds the writer; no network calls until Init.
func NewStreamingWriter(conf StreamingDestConfig, runtime cfg.StreamingConfiguration) (*StreamingWriter, error) {
	if conf.AccountURL == "" {
		return nil, fmt.Errorf("streaming destination requires account_url")
	}
	if conf.KeyID == "" || conf.KeySecret == "" {
		return nil, fmt.Errorf("streaming destination requires key_id and key_secret")
	}

	return &StreamingWriter{
		conf:     conf,
		maxChunk: runtime.MaxPayloadBytes,
		client: &http.Client{
			Timeout: time.Duration(runtime.RequestTimeoutMS) * time.Millisecond,
		},
		channels: make(map[string]*channel),
	}, nil
}

// Init authenticates and discovers the ingest hostname. Idempotent;
// rerunning refreshes both.
func (w *StreamingWriter) Init(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.refreshToken(ctx); err != nil {
		return err
	}
	return w.discoverHostname(ctx)
}

// TestConnection probes the control plane with the current token.
func (w *StreamingWriter) TestConnection(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.token == "" {
		if err := w.refreshToken(ctx); err != nil {
			return err
		}
	}
	return w.discoverHostname(ctx)
}

// WriteBatch appends the batch to the table's channel, splitting across
// calls so no single payload exceeds the ceiling. Appends are keyed by
// primary key downstream, so replaying a batch is safe.
func (w *StreamingWriter) WriteBatch(ctx context.Context, route common.TableSyncRoute, events []common.ChangeEvent) error {
	if len(events) == 0 {
		return nil
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if w.ingestURL == "" {
		return &common.ConnectionError{Message: "streaming writer not initialized"}
	}

	ch, err := w.channelFor(ctx, route.TargetTable)
	if err != nil {
		return err
	}

	lines, err := encodeRows(events)
	if err != nil {
		return err
	}

	for _, chunk := range chunkLines(lines, w.maxChunk) {
		if err := w.writeChunk(ctx, route.TargetTable, ch, chunk); err != nil {
			return err
		}
	}
	return nil
}

func (w *StreamingWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.channels = make(map[string]*channel)
	w.token = ""
	return nil
}

// encodeRows serializes events to NDJSON lines. Deletes carry only the
// key columns; everything else carries the after image.
func encodeRows(events []common.ChangeEvent) ([][]byte, error) {
	lines := make([][]byte, 0, len(events))
	for i := range events {
		e := &events[i]
		row := map[string]interface{}{
			"op":   common.OperationName(e.Operation),
			"keys": e.Keys,
		}
		if e.Operation != common.OpDelete {
			row["data"] = e.Values
		}

		line, err := json.Marshal(row)
		if err != nil {
			return nil, &common.DestinationError{
				Category: common.CategoryData,
				Message:  "row not serializable to JSON",
				Cause:    err,
			}
		}
		lines = append(lines, line)
	}
	return lines, nil
}

// chunkLines packs NDJSON lines into payloads each at most maxBytes. A
// single oversized line still goes out alone; the service enforces its
// own row ceiling.
func chunkLines(lines [][]byte, maxBytes int) [][]byte {
	var chunks [][]byte
	var buf bytes.Buffer
	for _, line := range lines {
		if buf.Len() > 0 && buf.Len()+len(line)+1 > maxBytes {
			chunks = append(chunks, append([]byte(nil), buf.Bytes()...))
			buf.Reset()
		}
		buf.Write(line)
		buf.WriteByte('\n')
	}
	if buf.Len() > 0 {
		chunks = append(chunks, append([]byte(nil), buf.Bytes()...))
	}
	return chunks
}

// channelFor returns the open channel for a table, opening one on first
// use.
func (w *StreamingWriter) channelFor(ctx context.Context, table string) (*channel, error) {
	if ch, ok := w.channels[table]; ok {
		return ch, nil
	}
	ch, err := w.openChannel(ctx, table)
	if err != nil {
		return nil, err
	}
	w.channels[table] = ch
	return ch, nil
}

type openChannelResponse struct {
	ChannelID         string `json:"channel_id"`
	ContinuationToken string `json:"continuation_token"`
}

func (w *StreamingWriter) openChannel(ctx context.Context, table string) (*channel, error) {
	path := fmt.Sprintf("/v1/channels/%s/%s/%s",
		url.PathEscape(w.conf.Database), url.PathEscape(w.conf.Schema), url.PathEscape(table))

	body, err := w.do(ctx, http.MethodPut, w.ingestURL+path, nil, nil)
	if err != nil {
		return nil, err
	}

	var resp openChannelResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, &common.ConnectionError{Message: "malformed open-channel response", Cause: err}
	}

	log.Debug().Str("table", table).Str("channel", resp.ChannelID).Msg("Opened ingest channel")
	return &channel{id: resp.ChannelID, continuation: resp.ContinuationToken}, nil
}

type writeRowsResponse struct {
	ContinuationToken string `json:"continuation_token"`
}

// writeChunk sends one payload on the channel. A stale channel or
// sequencer rejection reopens the channel once and retries the chunk.
func (w *StreamingWriter) writeChunk(ctx context.Context, table string, ch *channel, payload []byte) error {
	body, err := w.postRows(ctx, ch, payload)
	if isStaleChannel(err) {
		log.Warn().Str("table", table).Str("channel", ch.id).Msg("Channel stale, reopening")
		fresh, openErr := w.openChannel(ctx, table)
		if openErr != nil {
			return openErr
		}
		*ch = *fresh
		body, err = w.postRows(ctx, ch, payload)
	}
	if err != nil {
		return err
	}

	var resp writeRowsResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return &common.ConnectionError{Message: "malformed write-rows response", Cause: err}
	}
	ch.continuation = resp.ContinuationToken
	ch.sequencer++
	return nil
}

func (w *StreamingWriter) postRows(ctx context.Context, ch *channel, payload []byte) ([]byte, error) {
	var compressed bytes.Buffer
	gz := gzip.NewWriter(&compressed)
	if _, err := gz.Write(payload); err != nil {
		return nil, &common.ConnectionError{Message: "failed to compress payload", Cause: err}
	}
	if err := gz.Close(); err != nil {
		return nil, &common.ConnectionError{Message: "failed to compress payload", Cause: err}
	}

	headers := map[string]string{
		"Content-Type":     ndjsonContentType,
		"Content-Encoding": "gzip",
		sequencerHeader:    strconv.FormatUint(ch.sequencer, 10),
		continuationHeader: ch.continuation,
	}
	return w.do(ctx, http.MethodPost,
		fmt.Sprintf("%s/v1/channels/%s/rows", w.ingestURL, url.PathEscape(ch.id)),
		compressed.Bytes(), headers)
}

// do issues one authenticated request. A 401 re-issues the bearer token
// once and retries.
func (w *StreamingWriter) do(ctx context.Context, method, requestURL string, payload []byte, headers map[string]string) ([]byte, error) {
	body, status, err := w.doOnce(ctx, method, requestURL, payload, headers)
	if err != nil {
		return nil, err
	}
	if status == http.StatusUnauthorized {
		log.Debug().Str("url", requestURL).Msg("Token expired, re-authenticating")
		if err := w.refreshToken(ctx); err != nil {
			return nil, err
		}
		body, status, err = w.doOnce(ctx, method, requestURL, payload, headers)
		if err != nil {
			return nil, err
		}
	}

	if status >= 300 {
		return nil, classifyStatus(status, body)
	}
	return body, nil
}

func (w *StreamingWriter) doOnce(ctx context.Context, method, requestURL string, payload []byte, headers map[string]string) ([]byte, int, error) {
	var reader io.Reader
	if payload != nil {
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, requestURL, reader)
	if err != nil {
		return nil, 0, &common.ConnectionError{Message: "failed to build request", Cause: err}
	}
	req.Header.Set("Authorization", "Bearer "+w.token)
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := w.client.Do(req)
	if err != nil {
		return nil, 0, &common.ConnectionError{Message: "ingest request failed", Cause: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, 0, &common.ConnectionError{Message: "failed to read response", Cause: err}
	}
	return body, resp.StatusCode, nil
}

type tokenResponse struct {
	Token string `json:"token"`
}

// refreshToken exchanges the key pair for a bearer token on the control
// plane.
func (w *StreamingWriter) refreshToken(ctx context.Context) error {
	payload, _ := json.Marshal(map[string]string{
		"key_id":     w.conf.KeyID,
		"key_secret": w.conf.KeySecret,
	})

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		w.conf.AccountURL+"/oauth/token", bytes.NewReader(payload))
	if err != nil {
		return &common.ConnectionError{Message: "failed to build token request", Cause: err}
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.client.Do(req)
	if err != nil {
		return &common.ConnectionError{Message: "token request failed", Cause: err}
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		return &common.DestinationError{
			Category: common.CategoryAuth,
			Message:  fmt.Sprintf("authentication rejected with status %d", resp.StatusCode),
		}
	}

	var tok tokenResponse
	if err := json.Unmarshal(body, &tok); err != nil || tok.Token == "" {
		return &common.DestinationError{
			Category: common.CategoryAuth,
			Message:  "malformed token response",
			Cause:    err,
		}
	}
	w.token = tok.Token
	return nil
}

type hostnameResponse struct {
	Hostname string `json:"hostname"`
}

// discoverHostname resolves the per-account ingest host from the control
// plane. The ingest URL keeps the account URL's scheme.
func (w *StreamingWriter) discoverHostname(ctx context.Context) error {
	body, err := w.do(ctx, http.MethodGet, w.conf.AccountURL+"/v1/hostname", nil, nil)
	if err != nil {
		return err
	}

	var resp hostnameResponse
	if err := json.Unmarshal(body, &resp); err != nil || resp.Hostname == "" {
		return &common.ConnectionError{Message: "malformed hostname response", Cause: err}
	}

	account, err := url.Parse(w.conf.AccountURL)
	if err != nil {
		return &common.ConnectionError{Message: "invalid account_url", Cause: err}
	}
	w.ingestURL = account.Scheme + "://" + resp.Hostname
	return nil
}

// isStaleChannel matches the rejection the service issues when another
// writer advanced the channel or the sequencer fell behind.
func isStaleChannel(err error) bool {
	var destErr *common.DestinationError
	if !errors.As(err, &destErr) {
		return false
	}
	return destErr.Message == staleChannelMessage
}

const staleChannelMessage = "stale channel or sequencer"

// classifyStatus maps HTTP rejections to typed errors.
func classifyStatus(status int, body []byte) error {
	detail := string(body)
	if len(detail) > 256 {
		detail = detail[:256]
	}

	switch {
	case status == http.StatusConflict:
		return &common.DestinationError{Category: common.CategoryData, Message: staleChannelMessage}
	case status == http.StatusForbidden:
		return &common.DestinationError{Category: common.CategoryAuth,
			Message: fmt.Sprintf("access denied with status %d", status)}
	case status == http.StatusRequestEntityTooLarge || status == http.StatusBadRequest:
		return &common.DestinationError{Category: common.CategoryData,
			Message: fmt.Sprintf("ingest rejected payload with status %d: %s", status, detail)}
	case status == http.StatusUnprocessableEntity:
		return &common.DestinationError{Category: common.CategorySchema,
			Message: fmt.Sprintf("ingest rejected rows with status %d: %s", status, detail)}
	default:
		return &common.ConnectionError{
			Message: fmt.Sprintf("ingest returned status %d", status)}
	}
}
