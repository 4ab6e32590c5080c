package changefeed

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"

	"github.com/rzpsarthak13/sheetsync/internal/core"
)

// ListOperations are the Redis list commands a list-backed feed needs.
// kvstore.RedisStore implements them.
type ListOperations interface {
	// ListPush adds a value to the end of a list (RPUSH).
	ListPush(ctx context.Context, key string, value []byte) error

	// ListPop removes and returns the first element of a list (LPOP).
	// Returns nil if the list is empty.
	ListPop(ctx context.Context, key string) ([]byte, error)

	// ListLength returns the length of a list (LLEN).
	ListLength(ctx context.Context, key string) (int64, error)
}

// RedisFeed keeps events in a single Redis list. RPUSH/LPOP give global FIFO
// order across every producer and consumer sharing the key.
type RedisFeed struct {
	ops    ListOperations
	key    string
	closed atomic.Bool
}

// NewRedisFeed creates a list-backed feed. key defaults to "sheetsync:feed".
func NewRedisFeed(ops ListOperations, key string) *RedisFeed {
	if key == "" {
		key = "sheetsync:feed"
	}
	return &RedisFeed{ops: ops, key: key}
}

// Publish implements core.ChangeFeed.
func (f *RedisFeed) Publish(ctx context.Context, event *core.ChangeEvent) error {
	if f.closed.Load() {
		return ErrFeedClosed
	}
	if err := validate(event); err != nil {
		return err
	}

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal change event: %w", err)
	}
	if err := f.ops.ListPush(ctx, f.key, data); err != nil {
		return fmt.Errorf("failed to publish change event: %w", err)
	}
	return nil
}

// Dequeue implements core.ChangeFeed. Entries that cannot be decoded are
// dropped.
func (f *RedisFeed) Dequeue(ctx context.Context, batchSize int) ([]*core.ChangeEvent, error) {
	if f.closed.Load() {
		return nil, ErrFeedClosed
	}
	if batchSize <= 0 {
		batchSize = defaultBatchSize
	}

	events := make([]*core.ChangeEvent, 0, batchSize)
	for len(events) < batchSize {
		data, err := f.ops.ListPop(ctx, f.key)
		if err != nil {
			return events, fmt.Errorf("failed to dequeue change event: %w", err)
		}
		if data == nil {
			break
		}
		var event core.ChangeEvent
		if err := json.Unmarshal(data, &event); err != nil {
			continue
		}
		events = append(events, &event)
	}
	return events, nil
}

// Size implements core.ChangeFeed.
func (f *RedisFeed) Size() int {
	if f.closed.Load() {
		return 0
	}
	n, err := f.ops.ListLength(context.Background(), f.key)
	if err != nil {
		return 0
	}
	return int(n)
}

// Close implements core.ChangeFeed. The list itself is left in Redis.
func (f *RedisFeed) Close() error {
	f.closed.Store(true)
	return nil
}
