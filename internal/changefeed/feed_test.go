package changefeed

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rzpsarthak13/sheetsync/internal/config"
	"github.com/rzpsarthak13/sheetsync/internal/core"
	"github.com/rzpsarthak13/sheetsync/internal/kvstore"
)

func event(id, recordID string) *core.ChangeEvent {
	return &core.ChangeEvent{
		ID:       id,
		RecordID: recordID,
		After: &core.Record{
			ID:       recordID,
			Category: "electricas",
			Data:     map[string]any{"nombre": "Panel " + id},
		},
		ObservedAt: time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC),
	}
}

func TestMemoryFeed(t *testing.T) {
	ctx := context.Background()
	feed := NewMemoryFeed(3)

	require.NoError(t, feed.Publish(ctx, event("e1", "p1")))
	require.NoError(t, feed.Publish(ctx, event("e2", "p2")))
	require.NoError(t, feed.Publish(ctx, event("e3", "p1")))
	assert.ErrorIs(t, feed.Publish(ctx, event("e4", "p1")), ErrFeedFull)
	assert.ErrorIs(t, feed.Publish(ctx, &core.ChangeEvent{}), ErrInvalidEvent)
	assert.Equal(t, 3, feed.Size())

	got, err := feed.Dequeue(ctx, 2)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "e1", got[0].ID)
	assert.Equal(t, "e2", got[1].ID)

	require.NoError(t, feed.Close())
	assert.ErrorIs(t, feed.Publish(ctx, event("e5", "p1")), ErrFeedClosed)

	got, err = feed.Dequeue(ctx, 10)
	require.NoError(t, err)
	require.Len(t, got, 1, "queued events survive close")
	assert.Equal(t, "e3", got[0].ID)
}

type fakeLists struct {
	mu    sync.Mutex
	lists map[string][][]byte
}

func (f *fakeLists) ListPush(_ context.Context, key string, value []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.lists == nil {
		f.lists = map[string][][]byte{}
	}
	f.lists[key] = append(f.lists[key], value)
	return nil
}

func (f *fakeLists) ListPop(_ context.Context, key string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.lists[key]) == 0 {
		return nil, nil
	}
	v := f.lists[key][0]
	f.lists[key] = f.lists[key][1:]
	return v, nil
}

func (f *fakeLists) ListLength(_ context.Context, key string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return int64(len(f.lists[key])), nil
}

func TestRedisFeed_RoundTripsEvents(t *testing.T) {
	ctx := context.Background()
	lists := &fakeLists{}
	feed := NewRedisFeed(lists, "")

	e := event("e1", "p1")
	e.Attempt = 2
	e.Before = &core.Record{ID: "p1", Category: "sanitarias", Data: map[string]any{}}
	require.NoError(t, feed.Publish(ctx, e))
	require.NoError(t, feed.Publish(ctx, event("e2", "p1")))
	require.NoError(t, lists.ListPush(ctx, "sheetsync:feed", []byte("{not json")))
	require.NoError(t, feed.Publish(ctx, event("e3", "p2")))
	assert.Equal(t, 4, feed.Size())

	got, err := feed.Dequeue(ctx, 10)
	require.NoError(t, err)
	require.Len(t, got, 3, "undecodable entries are dropped")
	assert.Equal(t, []string{"e1", "e2", "e3"}, []string{got[0].ID, got[1].ID, got[2].ID})
	assert.Equal(t, 2, got[0].Attempt)
	assert.Equal(t, "electricas", got[0].After.Category)
	assert.Equal(t, "sanitarias", got[0].Before.Category)
	assert.Equal(t, 0, feed.Size())

	require.NoError(t, feed.Close())
	assert.ErrorIs(t, feed.Publish(ctx, event("e4", "p1")), ErrFeedClosed)
}

func TestKafkaMessageCodec(t *testing.T) {
	e := event("e1", "p1")
	e.Attempt = 1

	msg, err := encodeMessage(e)
	require.NoError(t, err)
	assert.Equal(t, []byte("p1"), msg.Key)
	assert.Equal(t, e.ObservedAt, msg.Time)
	require.Len(t, msg.Headers, 2)
	assert.Equal(t, "1", string(msg.Headers[1].Value))

	back, err := decodeMessage(msg)
	require.NoError(t, err)
	assert.Equal(t, "e1", back.ID)
	assert.Equal(t, "p1", back.RecordID)
	assert.Equal(t, 1, back.Attempt)
}

func TestNew(t *testing.T) {
	feed, err := New(config.FeedConfig{Type: TypeMemory, BufferSize: 5}, nil, zerolog.Nop())
	require.NoError(t, err)
	assert.IsType(t, &MemoryFeed{}, feed)

	_, err = New(config.FeedConfig{Type: TypeRedis}, kvstore.NewMemoryStore(), zerolog.Nop())
	assert.ErrorIs(t, err, ErrListOperationsNotSupported)

	_, err = New(config.FeedConfig{Type: TypeKafka}, nil, zerolog.Nop())
	assert.Error(t, err)

	_, err = New(config.FeedConfig{Type: "sqs"}, nil, zerolog.Nop())
	assert.Error(t, err)
}
