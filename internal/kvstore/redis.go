package kvstore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/rzpsarthak13/sheetsync/internal/config"
	"github.com/rzpsarthak13/sheetsync/internal/core"
)

// RedisStore implements core.DocumentStore on Redis. Each document is a string
// key holding its JSON body; a sorted set per collection indexes the ids so
// List can page in id order with ZRANGEBYLEX.
type RedisStore struct {
	client *redis.Client
	prefix string
	logger zerolog.Logger
	closed atomic.Bool
}

// NewRedisStore creates a Redis document store and pings the server.
func NewRedisStore(cfg config.StoreConfig, logger zerolog.Logger) (*RedisStore, error) {
	rc := cfg.Redis
	if len(rc.Endpoints) == 0 {
		return nil, fmt.Errorf("at least one endpoint is required")
	}

	// Single-node only; cluster mode would need hash tags on the index keys.
	client := redis.NewClient(&redis.Options{
		Addr:         rc.Endpoints[0],
		Password:     rc.Password,
		DB:           rc.DB,
		PoolSize:     rc.PoolSize,
		MinIdleConns: rc.MinIdleConns,
		MaxRetries:   cfg.MaxRetries,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	})

	dialTimeout := cfg.DialTimeout
	if dialTimeout <= 0 {
		dialTimeout = 5 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), dialTimeout)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return NewRedisStoreWithClient(client, rc.KeyPrefix, logger), nil
}

// NewRedisStoreWithClient wraps an existing client.
func NewRedisStoreWithClient(client *redis.Client, prefix string, logger zerolog.Logger) *RedisStore {
	return &RedisStore{
		client: client,
		prefix: prefix,
		logger: logger.With().Str("component", "redis_store").Logger(),
	}
}

func (r *RedisStore) docKey(path string) string {
	return r.prefix + "doc:" + strings.Trim(path, "/")
}

func (r *RedisStore) indexKey(collection string) string {
	return r.prefix + "idx:" + strings.Trim(collection, "/")
}

// Get implements core.DocumentStore.
func (r *RedisStore) Get(ctx context.Context, path string) (core.Document, error) {
	if r.closed.Load() {
		return nil, core.ErrStoreClosed
	}
	val, err := r.client.Get(ctx, r.docKey(path)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("%w: %s", core.ErrNotFound, path)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get %s: %w", path, err)
	}
	return core.DecodeDocument(val)
}

// Set implements core.DocumentStore.
func (r *RedisStore) Set(ctx context.Context, path string, doc core.Document) error {
	return r.BatchSet(ctx, map[string]core.Document{path: doc})
}

// Delete implements core.DocumentStore.
func (r *RedisStore) Delete(ctx context.Context, path string) error {
	if r.closed.Load() {
		return core.ErrStoreClosed
	}
	collection, id, err := core.SplitPath(path)
	if err != nil {
		return err
	}
	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, r.docKey(path))
		pipe.ZRem(ctx, r.indexKey(collection), id)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to delete %s: %w", path, err)
	}
	return nil
}

// BatchSet implements core.DocumentStore. The whole batch goes out in one
// MULTI/EXEC pipeline.
func (r *RedisStore) BatchSet(ctx context.Context, docs map[string]core.Document) error {
	if r.closed.Load() {
		return core.ErrStoreClosed
	}
	if len(docs) == 0 {
		return nil
	}

	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for path, doc := range docs {
			if err := r.queueSet(ctx, pipe, path, doc); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to write %d documents: %w", len(docs), err)
	}
	r.logger.Debug().Int("documents", len(docs)).Msg("batch written")
	return nil
}

func (r *RedisStore) queueSet(ctx context.Context, pipe redis.Pipeliner, path string, doc core.Document) error {
	collection, id, err := core.SplitPath(path)
	if err != nil {
		return err
	}
	data, err := core.EncodeDocument(doc)
	if err != nil {
		return err
	}
	pipe.Set(ctx, r.docKey(path), data, 0)
	pipe.ZAdd(ctx, r.indexKey(collection), redis.Z{Score: 0, Member: id})
	return nil
}

// List implements core.DocumentStore.
func (r *RedisStore) List(ctx context.Context, collection, after string, limit int) ([]core.Snapshot, error) {
	if r.closed.Load() {
		return nil, core.ErrStoreClosed
	}

	lower := "-"
	if after != "" {
		lower = "(" + after
	}
	rangeBy := &redis.ZRangeBy{Min: lower, Max: "+"}
	if limit > 0 {
		rangeBy.Count = int64(limit)
	}
	ids, err := r.client.ZRangeByLex(ctx, r.indexKey(collection), rangeBy).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list %s: %w", collection, err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = r.docKey(core.JoinPath(collection, id))
	}
	vals, err := r.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", collection, err)
	}

	out := make([]core.Snapshot, 0, len(ids))
	for i, v := range vals {
		s, ok := v.(string)
		if !ok {
			// Index entry without a body; the document was deleted concurrently.
			continue
		}
		doc, err := core.DecodeDocument([]byte(s))
		if err != nil {
			return nil, err
		}
		out = append(out, core.Snapshot{ID: ids[i], Data: doc})
	}
	return out, nil
}

// RunTransaction implements core.DocumentStore with WATCH/MULTI/EXEC. Every
// key read through the transaction is watched; the queued writes are
// committed in one EXEC and the callback is re-run on redis.TxFailedErr.
func (r *RedisStore) RunTransaction(ctx context.Context, fn func(ctx context.Context, tx core.Transaction) error) error {
	if r.closed.Load() {
		return core.ErrStoreClosed
	}

	for attempt := 0; attempt < maxTxAttempts; attempt++ {
		err := r.client.Watch(ctx, func(rtx *redis.Tx) error {
			tx := &redisTx{store: r, rtx: rtx, writes: make(map[string]*core.Document)}
			if err := fn(ctx, tx); err != nil {
				return err
			}
			if len(tx.writes) == 0 {
				return nil
			}
			_, err := rtx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				for path, doc := range tx.writes {
					if doc == nil {
						collection, id, err := core.SplitPath(path)
						if err != nil {
							return err
						}
						pipe.Del(ctx, r.docKey(path))
						pipe.ZRem(ctx, r.indexKey(collection), id)
						continue
					}
					if err := r.queueSet(ctx, pipe, path, *doc); err != nil {
						return err
					}
				}
				return nil
			})
			return err
		})
		if errors.Is(err, redis.TxFailedErr) {
			r.logger.Debug().Int("attempt", attempt+1).Msg("transaction conflict, retrying")
			continue
		}
		return err
	}
	return core.ErrTxConflict
}

// Close implements core.DocumentStore.
func (r *RedisStore) Close() error {
	if !r.closed.CompareAndSwap(false, true) {
		return nil
	}
	return r.client.Close()
}

// ListPush adds a value to the end of a list (RPUSH).
func (r *RedisStore) ListPush(ctx context.Context, key string, value []byte) error {
	if r.closed.Load() {
		return core.ErrStoreClosed
	}
	return r.client.RPush(ctx, r.prefix+key, value).Err()
}

// ListPop removes and returns the first element from a list (LPOP). It
// returns nil when the list is empty.
func (r *RedisStore) ListPop(ctx context.Context, key string) ([]byte, error) {
	if r.closed.Load() {
		return nil, core.ErrStoreClosed
	}
	val, err := r.client.LPop(ctx, r.prefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	return val, err
}

// ListLength returns the length of a list (LLEN).
func (r *RedisStore) ListLength(ctx context.Context, key string) (int64, error) {
	if r.closed.Load() {
		return 0, core.ErrStoreClosed
	}
	return r.client.LLen(ctx, r.prefix+key).Result()
}

type redisTx struct {
	store  *RedisStore
	rtx    *redis.Tx
	writes map[string]*core.Document
}

func (t *redisTx) Get(ctx context.Context, path string) (core.Document, error) {
	if doc, ok := t.writes[path]; ok {
		if doc == nil {
			return nil, fmt.Errorf("%w: %s", core.ErrNotFound, path)
		}
		return cloneDocument(*doc)
	}

	key := t.store.docKey(path)
	if err := t.rtx.Watch(ctx, key).Err(); err != nil {
		return nil, fmt.Errorf("failed to watch %s: %w", path, err)
	}
	val, err := t.rtx.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("%w: %s", core.ErrNotFound, path)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get %s: %w", path, err)
	}
	return core.DecodeDocument(val)
}

func (t *redisTx) Set(path string, doc core.Document) {
	t.writes[path] = &doc
}

func (t *redisTx) Delete(path string) {
	t.writes[path] = nil
}

func cloneDocument(doc core.Document) (core.Document, error) {
	data, err := core.EncodeDocument(doc)
	if err != nil {
		return nil, err
	}
	return core.DecodeDocument(data)
}

// RedisStoreFactory creates Redis document stores.
type RedisStoreFactory struct{}

// Type returns the type identifier for this factory.
func (f *RedisStoreFactory) Type() string {
	return "redis"
}

// Create implements StoreFactory.
func (f *RedisStoreFactory) Create(_ context.Context, cfg config.StoreConfig, logger zerolog.Logger) (core.DocumentStore, error) {
	return NewRedisStore(cfg, logger)
}

// RedisConfigValidator validates the Redis store section.
type RedisConfigValidator struct{}

// Type returns the type identifier for this validator.
func (v *RedisConfigValidator) Type() string {
	return "redis"
}

// Validate implements config.ConfigValidator.
func (v *RedisConfigValidator) Validate(cfg *config.Config) error {
	if cfg == nil {
		return fmt.Errorf("config cannot be nil")
	}
	store := cfg.Store
	if store.Type != "redis" {
		return fmt.Errorf("invalid type for Redis validator: %s", store.Type)
	}

	rc := store.Redis
	if len(rc.Endpoints) == 0 {
		return fmt.Errorf("at least one endpoint is required for Redis")
	}
	if rc.DB < 0 || rc.DB > 15 {
		return fmt.Errorf("Redis DB must be between 0 and 15, got: %d", rc.DB)
	}
	if rc.PoolSize <= 0 {
		return fmt.Errorf("pool_size must be greater than 0, got: %d", rc.PoolSize)
	}
	if rc.MinIdleConns < 0 {
		return fmt.Errorf("min_idle_conns must be non-negative, got: %d", rc.MinIdleConns)
	}
	if store.DialTimeout <= 0 {
		return fmt.Errorf("dial_timeout must be greater than 0, got: %v", store.DialTimeout)
	}
	if store.ReadTimeout <= 0 {
		return fmt.Errorf("read_timeout must be greater than 0, got: %v", store.ReadTimeout)
	}
	if store.WriteTimeout <= 0 {
		return fmt.Errorf("write_timeout must be greater than 0, got: %v", store.WriteTimeout)
	}
	if store.MaxRetries < 0 {
		return fmt.Errorf("max_retries must be non-negative, got: %d", store.MaxRetries)
	}
	return nil
}

func init() {
	RegisterFactory(&RedisStoreFactory{})
	config.RegisterValidator(&RedisConfigValidator{})
}
