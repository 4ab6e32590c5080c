package kvstore

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"github.com/rzpsarthak13/sheetsync/internal/config"
	"github.com/rzpsarthak13/sheetsync/internal/core"
)

type memoryEntry struct {
	data    []byte
	version uint64
}

// MemoryStore is an in-process document store. Documents are kept encoded so
// callers never share maps with the store. Transactions are optimistic: reads
// record the version they saw and the commit fails if any of them moved.
type MemoryStore struct {
	mu      sync.RWMutex
	docs    map[string]memoryEntry
	version uint64
	closed  bool
}

// NewMemoryStore creates an empty in-memory document store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{docs: make(map[string]memoryEntry)}
}

func (m *MemoryStore) read(path string) (memoryEntry, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return memoryEntry{}, false, core.ErrStoreClosed
	}
	entry, ok := m.docs[path]
	return entry, ok, nil
}

// Get implements core.DocumentStore.
func (m *MemoryStore) Get(_ context.Context, path string) (core.Document, error) {
	entry, ok, err := m.read(path)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", core.ErrNotFound, path)
	}
	return core.DecodeDocument(entry.data)
}

// Set implements core.DocumentStore.
func (m *MemoryStore) Set(ctx context.Context, path string, doc core.Document) error {
	return m.BatchSet(ctx, map[string]core.Document{path: doc})
}

// Delete implements core.DocumentStore.
func (m *MemoryStore) Delete(_ context.Context, path string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return core.ErrStoreClosed
	}
	delete(m.docs, path)
	m.version++
	return nil
}

// BatchSet implements core.DocumentStore.
func (m *MemoryStore) BatchSet(_ context.Context, docs map[string]core.Document) error {
	encoded := make(map[string][]byte, len(docs))
	for path, doc := range docs {
		if _, _, err := core.SplitPath(path); err != nil {
			return err
		}
		data, err := core.EncodeDocument(doc)
		if err != nil {
			return err
		}
		encoded[path] = data
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return core.ErrStoreClosed
	}
	for path, data := range encoded {
		m.version++
		m.docs[path] = memoryEntry{data: data, version: m.version}
	}
	return nil
}

// List implements core.DocumentStore. Only direct children of the collection
// are returned, not documents of nested subcollections.
func (m *MemoryStore) List(_ context.Context, collection, after string, limit int) ([]core.Snapshot, error) {
	prefix := strings.Trim(collection, "/") + "/"

	m.mu.RLock()
	if m.closed {
		m.mu.RUnlock()
		return nil, core.ErrStoreClosed
	}
	var ids []string
	for path := range m.docs {
		id, ok := strings.CutPrefix(path, prefix)
		if !ok || strings.Contains(id, "/") || id <= after {
			continue
		}
		ids = append(ids, id)
	}
	sort.Strings(ids)
	if limit > 0 && len(ids) > limit {
		ids = ids[:limit]
	}
	raw := make([][]byte, len(ids))
	for i, id := range ids {
		raw[i] = m.docs[prefix+id].data
	}
	m.mu.RUnlock()

	out := make([]core.Snapshot, 0, len(ids))
	for i, id := range ids {
		doc, err := core.DecodeDocument(raw[i])
		if err != nil {
			return nil, err
		}
		out = append(out, core.Snapshot{ID: id, Data: doc})
	}
	return out, nil
}

// RunTransaction implements core.DocumentStore.
func (m *MemoryStore) RunTransaction(ctx context.Context, fn func(ctx context.Context, tx core.Transaction) error) error {
	for attempt := 0; attempt < maxTxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		tx := &memoryTx{store: m, reads: make(map[string]uint64), writes: make(map[string]*core.Document)}
		if err := fn(ctx, tx); err != nil {
			return err
		}
		err := m.commit(tx)
		if errors.Is(err, core.ErrTxConflict) {
			continue
		}
		return err
	}
	return core.ErrTxConflict
}

func (m *MemoryStore) commit(tx *memoryTx) error {
	encoded := make(map[string][]byte, len(tx.writes))
	for path, doc := range tx.writes {
		if doc == nil {
			continue
		}
		data, err := core.EncodeDocument(*doc)
		if err != nil {
			return err
		}
		encoded[path] = data
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return core.ErrStoreClosed
	}
	for path, seen := range tx.reads {
		if m.docs[path].version != seen {
			return core.ErrTxConflict
		}
	}
	for path, doc := range tx.writes {
		m.version++
		if doc == nil {
			delete(m.docs, path)
			continue
		}
		m.docs[path] = memoryEntry{data: encoded[path], version: m.version}
	}
	return nil
}

// Close implements core.DocumentStore.
func (m *MemoryStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

// memoryTx buffers writes; a nil entry in writes is a delete.
type memoryTx struct {
	store  *MemoryStore
	reads  map[string]uint64
	writes map[string]*core.Document
}

func (t *memoryTx) Get(_ context.Context, path string) (core.Document, error) {
	if doc, ok := t.writes[path]; ok {
		if doc == nil {
			return nil, fmt.Errorf("%w: %s", core.ErrNotFound, path)
		}
		data, err := core.EncodeDocument(*doc)
		if err != nil {
			return nil, err
		}
		return core.DecodeDocument(data)
	}

	entry, ok, err := t.store.read(path)
	if err != nil {
		return nil, err
	}
	if _, seen := t.reads[path]; !seen {
		t.reads[path] = entry.version
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", core.ErrNotFound, path)
	}
	return core.DecodeDocument(entry.data)
}

func (t *memoryTx) Set(path string, doc core.Document) {
	t.writes[path] = &doc
}

func (t *memoryTx) Delete(path string) {
	t.writes[path] = nil
}

// MemoryStoreFactory creates in-memory document stores.
type MemoryStoreFactory struct{}

// Type returns the type identifier for this factory.
func (f *MemoryStoreFactory) Type() string {
	return "memory"
}

// Create implements StoreFactory.
func (f *MemoryStoreFactory) Create(_ context.Context, _ config.StoreConfig, logger zerolog.Logger) (core.DocumentStore, error) {
	logger.Debug().Str("component", "store").Str("type", "memory").Msg("using in-memory document store")
	return NewMemoryStore(), nil
}

// MemoryConfigValidator accepts any memory store configuration.
type MemoryConfigValidator struct{}

// Type returns the type identifier for this validator.
func (v *MemoryConfigValidator) Type() string {
	return "memory"
}

// Validate implements config.ConfigValidator.
func (v *MemoryConfigValidator) Validate(cfg *config.Config) error {
	if cfg == nil {
		return fmt.Errorf("config cannot be nil")
	}
	if cfg.Store.Type != "memory" {
		return fmt.Errorf("invalid type for memory validator: %s", cfg.Store.Type)
	}
	return nil
}

func init() {
	RegisterFactory(&MemoryStoreFactory{})
	config.RegisterValidator(&MemoryConfigValidator{})
}
