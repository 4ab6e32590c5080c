package changefeed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"

	"github.com/rzpsarthak13/sheetsync/internal/config"
	"github.com/rzpsarthak13/sheetsync/internal/core"
)

// Kafka message headers.
const (
	headerEventID = "event_id"
	headerAttempt = "attempt"
)

// KafkaFeed publishes events to a topic keyed by record id. The hash
// balancer sends every event of a record to the same partition, which keeps
// their relative order.
type KafkaFeed struct {
	writer   *kafka.Writer
	reader   *kafka.Reader
	topic    string
	groupID  string
	pollWait time.Duration
	logger   zerolog.Logger

	mu     sync.RWMutex
	closed bool
	size   int // approximate
}

// NewKafkaFeed creates a Kafka-backed feed.
func NewKafkaFeed(cfg config.KafkaConfig, logger zerolog.Logger) (*KafkaFeed, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("at least one Kafka broker is required")
	}
	if cfg.Topic == "" {
		return nil, fmt.Errorf("Kafka topic is required")
	}
	if cfg.GroupID == "" {
		cfg.GroupID = "sheetsync-worker"
	}
	pollWait := cfg.ReadTimeout
	if pollWait <= 0 {
		pollWait = time.Second
	}

	writer := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{},
		BatchSize:    cfg.BatchSize,
		BatchTimeout: cfg.BatchTimeout,
		WriteTimeout: cfg.WriteTimeout,
		RequiredAcks: kafka.RequiredAcks(cfg.RequiredAcks),
		MaxAttempts:  3,
	}
	if cfg.MaxMessageBytes > 0 {
		writer.BatchBytes = int64(cfg.MaxMessageBytes)
	}

	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:     cfg.Brokers,
		Topic:       cfg.Topic,
		GroupID:     cfg.GroupID,
		MinBytes:    cfg.MinBytes,
		MaxBytes:    cfg.MaxBytes,
		MaxWait:     cfg.MaxWait,
		StartOffset: kafka.FirstOffset,
	})

	logger = logger.With().Str("component", "kafka_feed").Str("topic", cfg.Topic).Logger()
	logger.Info().Strs("brokers", cfg.Brokers).Str("group_id", cfg.GroupID).Msg("kafka feed initialized")

	return &KafkaFeed{
		writer:   writer,
		reader:   reader,
		topic:    cfg.Topic,
		groupID:  cfg.GroupID,
		pollWait: pollWait,
		logger:   logger,
	}, nil
}

func encodeMessage(event *core.ChangeEvent) (kafka.Message, error) {
	data, err := json.Marshal(event)
	if err != nil {
		return kafka.Message{}, fmt.Errorf("failed to marshal change event: %w", err)
	}
	observed := event.ObservedAt
	if observed.IsZero() {
		observed = time.Now()
	}
	return kafka.Message{
		Key:   []byte(event.RecordID),
		Value: data,
		Time:  observed,
		Headers: []kafka.Header{
			{Key: headerEventID, Value: []byte(event.ID)},
			{Key: headerAttempt, Value: []byte(fmt.Sprint(event.Attempt))},
		},
	}, nil
}

func decodeMessage(msg kafka.Message) (*core.ChangeEvent, error) {
	var event core.ChangeEvent
	if err := json.Unmarshal(msg.Value, &event); err != nil {
		return nil, err
	}
	if event.RecordID == "" {
		event.RecordID = string(msg.Key)
	}
	return &event, nil
}

// Publish implements core.ChangeFeed.
func (f *KafkaFeed) Publish(ctx context.Context, event *core.ChangeEvent) error {
	f.mu.RLock()
	closed := f.closed
	f.mu.RUnlock()
	if closed {
		return ErrFeedClosed
	}
	if err := validate(event); err != nil {
		return err
	}

	msg, err := encodeMessage(event)
	if err != nil {
		return err
	}
	start := time.Now()
	if err := f.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("failed to write message to Kafka: %w", err)
	}

	f.mu.Lock()
	f.size++
	f.mu.Unlock()

	f.logger.Debug().
		Str("record_id", event.RecordID).
		Int("attempt", event.Attempt).
		Dur("duration", time.Since(start)).
		Msg("event produced")
	return nil
}

// Dequeue implements core.ChangeFeed. It waits at most the poll interval for
// each message; offsets are committed once a message has been decoded.
func (f *KafkaFeed) Dequeue(ctx context.Context, batchSize int) ([]*core.ChangeEvent, error) {
	f.mu.RLock()
	closed := f.closed
	f.mu.RUnlock()
	if closed {
		return nil, ErrFeedClosed
	}
	if batchSize <= 0 {
		batchSize = defaultBatchSize
	}

	events := make([]*core.ChangeEvent, 0, batchSize)
	for len(events) < batchSize {
		readCtx, cancel := context.WithTimeout(ctx, f.pollWait)
		msg, err := f.reader.FetchMessage(readCtx)
		cancel()
		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
				break
			}
			return events, fmt.Errorf("failed to read from topic %s: %w", f.topic, err)
		}

		event, err := decodeMessage(msg)
		if err != nil {
			f.logger.Warn().Err(err).Int("partition", msg.Partition).Int64("offset", msg.Offset).Msg("skipping undecodable message")
		} else {
			events = append(events, event)
		}
		if err := f.reader.CommitMessages(ctx, msg); err != nil {
			f.logger.Warn().Err(err).Int("partition", msg.Partition).Int64("offset", msg.Offset).Msg("failed to commit offset")
		}
	}

	if len(events) > 0 {
		f.mu.Lock()
		f.size = max(f.size-len(events), 0)
		f.mu.Unlock()
		f.logger.Debug().Int("events", len(events)).Str("group_id", f.groupID).Msg("events consumed")
	}
	return events, nil
}

// Size implements core.ChangeFeed with the events produced by this process
// minus those consumed by it.
func (f *KafkaFeed) Size() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.size
}

// Close implements core.ChangeFeed.
func (f *KafkaFeed) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return nil
	}
	f.closed = true

	werr := f.writer.Close()
	rerr := f.reader.Close()
	return errors.Join(werr, rerr)
}
