package source

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/sluicedb/sluice/cfg"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewUnknownTransport(t *testing.T) {
	_, err := New(cfg.CaptureConfiguration{Transport: "carrier-pigeon"}, "worker-1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown capture transport")
}

func TestNatsFactoryRequiresURL(t *testing.T) {
	_, err := New(cfg.CaptureConfiguration{Transport: cfg.CaptureNATS}, "worker-1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "nats_url")
}

func TestKafkaFactoryRequiresBrokers(t *testing.T) {
	_, err := New(cfg.CaptureConfiguration{Transport: cfg.CaptureKafka}, "worker-1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "broker")
}

func TestTableFilterEmptyAllowsAll(t *testing.T) {
	f, err := NewTableFilter(nil)
	require.NoError(t, err)
	assert.True(t, f.Allows("app.orders"))
	assert.True(t, f.Allows("anything"))
}

func TestTableFilterGlobPatterns(t *testing.T) {
	f, err := NewTableFilter([]string{"app.orders", "billing.*"})
	require.NoError(t, err)

	assert.True(t, f.Allows("app.orders"))
	assert.True(t, f.Allows("billing.invoices"))
	assert.True(t, f.Allows("billing.payments"))
	assert.False(t, f.Allows("app.users"))
	assert.False(t, f.Allows("audit.billing"))
}

func TestTableFilterRejectsBadPattern(t *testing.T) {
	_, err := NewTableFilter([]string{"app.[orders"})
	require.Error(t, err)
}

func TestMockSourceDeliversBatches(t *testing.T) {
	src := NewMockSource()
	src.Push([]Message{{Subject: "cdc.app.orders", Payload: []byte(`{}`)}})
	src.Push([]Message{{Subject: "cdc.app.users", Payload: []byte(`{}`)}})
	src.Close()

	var subjects []string
	err := src.Consume(context.Background(), func(ctx context.Context, batch []Message) error {
		for _, m := range batch {
			subjects = append(subjects, m.Subject)
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, []string{"cdc.app.orders", "cdc.app.users"}, subjects)
}

func TestMockSourceStopsOnHandlerError(t *testing.T) {
	src := NewMockSource()
	src.Push([]Message{{Subject: "cdc.app.orders"}})
	src.Push([]Message{{Subject: "cdc.app.users"}})

	wantErr := errors.New("router unavailable")
	calls := 0
	err := src.Consume(context.Background(), func(ctx context.Context, batch []Message) error {
		calls++
		return wantErr
	})

	assert.ErrorIs(t, err, wantErr)
	assert.Equal(t, 1, calls)
}

func TestMockSourceStopsOnContextCancel(t *testing.T) {
	src := NewMockSource()
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	err := src.Consume(ctx, func(ctx context.Context, batch []Message) error {
		t.Fatal("no batches were pushed")
		return nil
	})
	require.NoError(t, err)
}

func TestCaptureStreamName(t *testing.T) {
	assert.Equal(t, "capture_cdc", captureStreamName("cdc"))
	assert.Equal(t, "capture_cdc_prod", captureStreamName("cdc.prod"))
}

func TestKafkaReaderBoundsQueueDepth(t *testing.T) {
	src := NewKafkaSource(cfg.CaptureConfiguration{
		KafkaBrokers:  []string{"localhost:9092"},
		SubjectPrefix: "cdc",
		BatchSize:     100,
		QueueDepth:    7,
	}, "sluice_p1")
	t.Cleanup(func() { src.Close() })

	assert.Equal(t, 7, src.reader.Config().QueueCapacity)
}

func TestCaptureConsumerBoundsPendingAtQueueDepth(t *testing.T) {
	conf := captureConsumerConfig("sluice_p1", 32)
	assert.Equal(t, "sluice_p1", conf.Durable)
	assert.Equal(t, 32, conf.MaxAckPending)
}
