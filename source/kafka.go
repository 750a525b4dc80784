package source

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/segmentio/kafka-go"
	"github.com/sluicedb/sluice/cfg"
)

const (
	kafkaMinBytes  = 1
	kafkaMaxBytes  = 10 << 20 // 10MB
	kafkaDrainWait = 100 * time.Millisecond
)

// subjectHeader carries the logical change path when the capture
// connector routes everything through one aggregate topic.
const subjectHeader = "subject"

func init() {
	RegisterSource(cfg.CaptureKafka, func(config cfg.CaptureConfiguration, durable string) (Source, error) {
		if len(config.KafkaBrokers) == 0 {
			return nil, fmt.Errorf("kafka capture requires at least one broker address")
		}
		return NewKafkaSource(config, durable), nil
	})
}

// KafkaSource consumes change events from a Kafka topic through a
// consumer group. The group ID is the durable identity; committed
// offsets are the resumption cursor.
type KafkaSource struct {
	reader    *kafka.Reader
	batchSize int
}

// NewKafkaSource builds a consumer-group reader over the capture topic.
func NewKafkaSource(config cfg.CaptureConfiguration, durable string) *KafkaSource {
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:       config.KafkaBrokers,
		GroupID:       durable,
		Topic:         config.SubjectPrefix,
		MinBytes:      kafkaMinBytes,
		MaxBytes:      kafkaMaxBytes,
		QueueCapacity: config.QueueDepth,
		StartOffset:   kafka.FirstOffset,
	})

	return &KafkaSource{reader: reader, batchSize: config.BatchSize}
}

// Consume fetches messages, batches them, and commits offsets only after
// the handler accepts the batch.
func (s *KafkaSource) Consume(ctx context.Context, handler Handler) error {
	for {
		batch, raw, err := s.fetchBatch(ctx)
		if err != nil {
			return err
		}
		if len(batch) == 0 {
			if ctx.Err() != nil {
				return nil
			}
			continue
		}

		if err := handler(ctx, batch); err != nil {
			// Uncommitted offsets make the batch redeliverable.
			return fmt.Errorf("capture handler rejected batch: %w", err)
		}

		if err := s.reader.CommitMessages(ctx, raw...); err != nil {
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return fmt.Errorf("failed to commit capture offsets: %w", err)
		}
	}
}

// fetchBatch blocks for the first message, then drains whatever else is
// immediately available up to the batch size.
func (s *KafkaSource) fetchBatch(ctx context.Context) ([]Message, []kafka.Message, error) {
	first, err := s.reader.FetchMessage(ctx)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, io.EOF) {
			return nil, nil, nil
		}
		return nil, nil, fmt.Errorf("failed to fetch capture message: %w", err)
	}

	batch := []Message{toMessage(first)}
	raw := []kafka.Message{first}

	for len(batch) < s.batchSize {
		drainCtx, cancel := context.WithTimeout(ctx, kafkaDrainWait)
		msg, err := s.reader.FetchMessage(drainCtx)
		cancel()
		if err != nil {
			if !errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, context.Canceled) {
				log.Warn().Err(err).Msg("Capture drain fetch failed")
			}
			break
		}
		batch = append(batch, toMessage(msg))
		raw = append(raw, msg)
	}

	return batch, raw, nil
}

func toMessage(msg kafka.Message) Message {
	subject := msg.Topic
	for _, h := range msg.Headers {
		if h.Key == subjectHeader {
			subject = string(h.Value)
			break
		}
	}
	return Message{Subject: subject, Payload: msg.Value}
}

// Close releases the reader and its group membership.
func (s *KafkaSource) Close() error {
	return s.reader.Close()
}
