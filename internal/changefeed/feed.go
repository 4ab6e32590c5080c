// Package changefeed carries change events from the upstream source to the
// sync workers. Every implementation preserves the relative order of events
// that share a record id.
package changefeed

import (
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/rzpsarthak13/sheetsync/internal/config"
	"github.com/rzpsarthak13/sheetsync/internal/core"
)

var (
	// ErrFeedClosed is returned when publishing to a closed feed.
	ErrFeedClosed = errors.New("change feed is closed")

	// ErrFeedFull is returned when an in-memory feed has no room left.
	ErrFeedFull = errors.New("change feed is full")

	// ErrInvalidEvent is returned for events without a record id.
	ErrInvalidEvent = errors.New("invalid change event")

	// ErrListOperationsNotSupported is returned when the document store
	// cannot serve a list-backed feed.
	ErrListOperationsNotSupported = errors.New("document store does not support list operations")
)

// Feed types.
const (
	TypeMemory = "memory"
	TypeRedis  = "redis"
	TypeKafka  = "kafka"
)

const defaultBatchSize = 100

// New creates the change feed selected by cfg. The redis feed reuses the
// document store's connection and requires a Redis store.
func New(cfg config.FeedConfig, store core.DocumentStore, logger zerolog.Logger) (core.ChangeFeed, error) {
	switch cfg.Type {
	case "", TypeMemory:
		return NewMemoryFeed(cfg.BufferSize), nil
	case TypeRedis:
		ops, ok := store.(ListOperations)
		if !ok {
			return nil, ErrListOperationsNotSupported
		}
		return NewRedisFeed(ops, cfg.RedisKey), nil
	case TypeKafka:
		return NewKafkaFeed(cfg.Kafka, logger)
	default:
		return nil, fmt.Errorf("unsupported change feed type: %s", cfg.Type)
	}
}

func validate(event *core.ChangeEvent) error {
	if event == nil {
		return ErrInvalidEvent
	}
	if event.RecordID == "" {
		return fmt.Errorf("%w: record id is required", ErrInvalidEvent)
	}
	return nil
}
