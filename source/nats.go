package source

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog/log"
	"github.com/sluicedb/sluice/cfg"
)

const (
	captureStreamMaxAge = 7 * 24 * time.Hour
	captureFetchWait    = 2 * time.Second
)

func init() {
	RegisterSource(cfg.CaptureNATS, func(config cfg.CaptureConfiguration, durable string) (Source, error) {
		if config.NatsURL == "" {
			return nil, fmt.Errorf("nats capture requires nats_url")
		}
		return NewNatsSource(config, durable)
	})
}

// NatsSource consumes change events from a JetStream stream covering the
// capture subject prefix. The durable consumer name carries the
// resumption offset across restarts.
type NatsSource struct {
	nc         *nats.Conn
	js         jetstream.JetStream
	durable    string
	prefix     string
	batchSize  int
	queueDepth int
}

// NewNatsSource connects and ensures the capture stream exists.
func NewNatsSource(config cfg.CaptureConfiguration, durable string) (*NatsSource, error) {
	nc, err := nats.Connect(config.NatsURL,
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to create JetStream context: %w", err)
	}

	return &NatsSource{
		nc:         nc,
		js:         js,
		durable:    durable,
		prefix:     config.SubjectPrefix,
		batchSize:  config.BatchSize,
		queueDepth: config.QueueDepth,
	}, nil
}

// captureConsumerConfig bounds in-flight deliveries at the configured
// queue depth so a stalled handler cannot pile up unacked messages.
func captureConsumerConfig(durable string, queueDepth int) jetstream.ConsumerConfig {
	return jetstream.ConsumerConfig{
		Durable:       durable,
		AckPolicy:     jetstream.AckExplicitPolicy,
		DeliverPolicy: jetstream.DeliverAllPolicy,
		MaxDeliver:    -1,
		MaxAckPending: queueDepth,
	}
}

func (s *NatsSource) consumer(ctx context.Context) (jetstream.Consumer, error) {
	// The capture connector normally creates this stream; creating it
	// here too keeps startup order irrelevant.
	stream, err := s.js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      captureStreamName(s.prefix),
		Subjects:  []string{s.prefix + ".>"},
		Storage:   jetstream.FileStorage,
		Retention: jetstream.LimitsPolicy,
		MaxAge:    captureStreamMaxAge,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to ensure capture stream: %w", err)
	}

	consumer, err := stream.CreateOrUpdateConsumer(ctx, captureConsumerConfig(s.durable, s.queueDepth))
	if err != nil {
		return nil, fmt.Errorf("failed to ensure durable consumer %s: %w", s.durable, err)
	}
	return consumer, nil
}

// Consume fetches batches and acknowledges them only after the handler
// accepts the batch. A handler error leaves the batch unacked for
// redelivery and stops the loop.
func (s *NatsSource) Consume(ctx context.Context, handler Handler) error {
	consumer, err := s.consumer(ctx)
	if err != nil {
		return err
	}

	for {
		if ctx.Err() != nil {
			return nil
		}

		fetched, err := consumer.Fetch(s.batchSize, jetstream.FetchMaxWait(captureFetchWait))
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return nil
			}
			log.Warn().Err(err).Str("durable", s.durable).Msg("Capture fetch failed")
			continue
		}

		var batch []Message
		var raw []jetstream.Msg
		for msg := range fetched.Messages() {
			batch = append(batch, Message{Subject: msg.Subject(), Payload: msg.Data()})
			raw = append(raw, msg)
		}
		if fetched.Error() != nil && !errors.Is(fetched.Error(), nats.ErrTimeout) {
			log.Warn().Err(fetched.Error()).Msg("Capture fetch interrupted")
		}
		if len(batch) == 0 {
			continue
		}

		if err := handler(ctx, batch); err != nil {
			return fmt.Errorf("capture handler rejected batch: %w", err)
		}

		for _, msg := range raw {
			if err := msg.Ack(); err != nil {
				log.Warn().Err(err).Msg("Failed to ack capture message")
			}
		}
	}
}

// Close releases the NATS connection.
func (s *NatsSource) Close() error {
	if s.nc != nil {
		s.nc.Close()
	}
	return nil
}

// captureStreamName converts the subject prefix to a valid stream name.
// Stream names can't contain "." so it is replaced with "_".
func captureStreamName(prefix string) string {
	result := make([]byte, len(prefix))
	for i, c := range prefix {
		if c == '.' {
			result[i] = '_'
		} else {
			result[i] = byte(c)
		}
	}
	return "capture_" + string(result)
}
