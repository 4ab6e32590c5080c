package kvstore

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rzpsarthak13/sheetsync/internal/config"
	"github.com/rzpsarthak13/sheetsync/internal/core"
)

func TestMemoryStore_GetSetDelete(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	_, err := store.Get(ctx, "c/a")
	assert.ErrorIs(t, err, core.ErrNotFound)

	doc := core.Document{"name": "a", "n": 1}
	require.NoError(t, store.Set(ctx, "c/a", doc))
	doc["name"] = "mutated"

	got, err := store.Get(ctx, "c/a")
	require.NoError(t, err)
	assert.Equal(t, "a", got["name"], "stored documents are not aliased")
	assert.Equal(t, 1, got.Int("n"))

	require.NoError(t, store.Delete(ctx, "c/a"))
	require.NoError(t, store.Delete(ctx, "c/a"))
	_, err = store.Get(ctx, "c/a")
	assert.ErrorIs(t, err, core.ErrNotFound)

	assert.Error(t, store.Set(ctx, "no-collection", doc))
}

func TestMemoryStore_ListPagesDirectChildren(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	require.NoError(t, store.BatchSet(ctx, map[string]core.Document{
		"items/b":        {"v": "b"},
		"items/a":        {"v": "a"},
		"items/c":        {"v": "c"},
		"items/a/rows/1": {"v": "nested"},
		"other/z":        {"v": "z"},
	}))

	page, err := store.List(ctx, "items", "", 2)
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, "a", page[0].ID)
	assert.Equal(t, "b", page[1].ID)

	page, err = store.List(ctx, "items", "b", 2)
	require.NoError(t, err)
	require.Len(t, page, 1)
	assert.Equal(t, "c", page[0].ID)

	rows, err := store.List(ctx, "items/a/rows", "", 0)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "nested", rows[0].Data["v"])
}

func TestMemoryStore_TransactionReadYourWrites(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	err := store.RunTransaction(ctx, func(ctx context.Context, tx core.Transaction) error {
		_, err := tx.Get(ctx, "c/x")
		require.ErrorIs(t, err, core.ErrNotFound)
		tx.Set("c/x", core.Document{"n": 1})
		doc, err := tx.Get(ctx, "c/x")
		require.NoError(t, err)
		assert.Equal(t, 1, doc.Int("n"))
		tx.Delete("c/x")
		_, err = tx.Get(ctx, "c/x")
		assert.ErrorIs(t, err, core.ErrNotFound)
		tx.Set("c/y", core.Document{"n": 2})
		return nil
	})
	require.NoError(t, err)

	_, err = store.Get(ctx, "c/x")
	assert.ErrorIs(t, err, core.ErrNotFound)
	doc, err := store.Get(ctx, "c/y")
	require.NoError(t, err)
	assert.Equal(t, 2, doc.Int("n"))
}

func TestMemoryStore_TransactionErrorDiscardsWrites(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	boom := errors.New("boom")

	err := store.RunTransaction(ctx, func(ctx context.Context, tx core.Transaction) error {
		tx.Set("c/x", core.Document{"n": 1})
		return boom
	})
	assert.ErrorIs(t, err, boom)
	_, err = store.Get(ctx, "c/x")
	assert.ErrorIs(t, err, core.ErrNotFound)
}

func TestMemoryStore_ConcurrentIncrements(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	require.NoError(t, store.Set(ctx, "c/counter", core.Document{"n": 0}))

	const workers = 8
	var wg sync.WaitGroup
	errs := make(chan error, 2*workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- core.MergeDocument(ctx, store, "c/unused", core.Document{"touched": true})
			errs <- store.RunTransaction(ctx, func(ctx context.Context, tx core.Transaction) error {
				doc, err := tx.Get(ctx, "c/counter")
				if err != nil {
					return err
				}
				doc["n"] = doc.Int("n") + 1
				tx.Set("c/counter", doc)
				return nil
			})
		}()
	}
	wg.Wait()
	close(errs)

	var conflicts int
	for err := range errs {
		if errors.Is(err, core.ErrTxConflict) {
			conflicts++
			continue
		}
		require.NoError(t, err)
	}

	doc, err := store.Get(ctx, "c/counter")
	require.NoError(t, err)
	assert.Equal(t, workers-conflicts, doc.Int("n"))
}

func TestMemoryStore_ConflictingCommitRetries(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	require.NoError(t, store.Set(ctx, "c/a", core.Document{"n": 1}))

	calls := 0
	err := store.RunTransaction(ctx, func(ctx context.Context, tx core.Transaction) error {
		calls++
		doc, err := tx.Get(ctx, "c/a")
		if err != nil {
			return err
		}
		if calls == 1 {
			require.NoError(t, store.Set(ctx, "c/a", core.Document{"n": 10}))
		}
		doc["n"] = doc.Int("n") + 1
		tx.Set("c/a", doc)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 2, calls)

	doc, err := store.Get(ctx, "c/a")
	require.NoError(t, err)
	assert.Equal(t, 11, doc.Int("n"))
}

func TestMemoryStore_Closed(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	require.NoError(t, store.Close())

	_, err := store.Get(ctx, "c/a")
	assert.ErrorIs(t, err, core.ErrStoreClosed)
	assert.ErrorIs(t, store.Set(ctx, "c/a", core.Document{}), core.ErrStoreClosed)
}

func TestFactory_CreateMemory(t *testing.T) {
	assert.True(t, IsTypeRegistered("memory"))
	assert.Contains(t, GetRegisteredTypes(), "redis")
	assert.Contains(t, GetRegisteredTypes(), "dynamodb")

	store, err := Create(context.Background(), config.StoreConfig{Type: "memory"}, zerolog.Nop())
	require.NoError(t, err)
	assert.IsType(t, &MemoryStore{}, store)

	_, err = Create(context.Background(), config.StoreConfig{Type: "cassandra"}, zerolog.Nop())
	assert.Error(t, err)

	_, err = Create(context.Background(), config.StoreConfig{Type: "redis"}, zerolog.Nop())
	assert.ErrorContains(t, err, "endpoint")
}

func TestRedisConfigValidator(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Store = config.StoreConfig{
		Type:         "redis",
		Redis:        config.RedisConfig{Endpoints: []string{"localhost:6379"}, PoolSize: 10},
		DialTimeout:  1,
		ReadTimeout:  1,
		WriteTimeout: 1,
	}
	v := &RedisConfigValidator{}
	require.NoError(t, v.Validate(cfg))

	cfg.Store.Redis.DB = 16
	assert.Error(t, v.Validate(cfg))

	cfg.Store.Redis.DB = 0
	cfg.Store.Redis.PoolSize = 0
	assert.Error(t, v.Validate(cfg))
}

func TestDynamoDBConfigValidator(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Store = config.StoreConfig{Type: "dynamodb"}
	v := &DynamoDBConfigValidator{}
	assert.Error(t, v.Validate(cfg))

	cfg.Store.DynamoDB = config.DynamoDBConfig{Region: "us-east-1", TableName: "documents"}
	assert.NoError(t, v.Validate(cfg))
}

func ExampleMemoryStore_List() {
	ctx := context.Background()
	store := NewMemoryStore()
	_ = store.Set(ctx, "productos/p2", core.Document{"nombre": "B"})
	_ = store.Set(ctx, "productos/p1", core.Document{"nombre": "A"})

	page, _ := store.List(ctx, "productos", "", 10)
	for _, snap := range page {
		fmt.Println(snap.ID, snap.Data["nombre"])
	}
	// Output:
	// p1 A
	// p2 B
}
