package registry

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/rzpsarthak13/sheetsync/internal/core"
)

// ErrSchemaNotFound is returned by a SchemaSource when no schema document
// exists for a category. The registry turns it into a not-found signal.
var ErrSchemaNotFound = errors.New("schema not found")

// SchemaSource loads the schema of one category.
type SchemaSource interface {
	Load(ctx context.Context, categoryID string) (*core.Schema, error)
}

// SchemaMetadata describes a cached schema resolution.
type SchemaMetadata struct {
	Schema   *core.Schema
	LoadedAt time.Time
}

// SchemaRegistry resolves category schemas and caches successful
// resolutions for the lifetime of the registry. Misses are not cached so a
// schema bootstrapped later is picked up on the next resolve.
type SchemaRegistry struct {
	mu      sync.RWMutex
	source  SchemaSource
	schemas map[string]*SchemaMetadata
	group   singleflight.Group
	now     func() time.Time
}

// NewSchemaRegistry creates a registry backed by source.
func NewSchemaRegistry(source SchemaSource) *SchemaRegistry {
	return &SchemaRegistry{
		source:  source,
		schemas: make(map[string]*SchemaMetadata),
		now:     time.Now,
	}
}

// Resolve returns the schema for a category. found is false, with a nil
// error, when the category has no schema; callers skip such records.
func (r *SchemaRegistry) Resolve(ctx context.Context, categoryID string) (schema *core.Schema, found bool, err error) {
	if categoryID == "" {
		return nil, false, nil
	}

	r.mu.RLock()
	meta, cached := r.schemas[categoryID]
	r.mu.RUnlock()
	if cached {
		return meta.Schema, true, nil
	}

	// The shared load outlives the caller that started it.
	loadCtx := context.WithoutCancel(ctx)
	ch := r.group.DoChan(categoryID, func() (any, error) {
		loaded, err := r.source.Load(loadCtx, categoryID)
		if err != nil {
			return nil, err
		}
		loaded.CategoryID = categoryID
		loaded.EnsureIDColumn()
		if err := loaded.Validate(); err != nil {
			return nil, fmt.Errorf("schema for %q: %w", categoryID, err)
		}

		r.mu.Lock()
		r.schemas[categoryID] = &SchemaMetadata{Schema: loaded, LoadedAt: r.now()}
		r.mu.Unlock()
		return loaded, nil
	})

	var v any
	select {
	case <-ctx.Done():
		return nil, false, ctx.Err()
	case res := <-ch:
		v, err = res.Val, res.Err
	}
	if err != nil {
		if errors.Is(err, ErrSchemaNotFound) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("failed to resolve schema for %q: %w", categoryID, err)
	}
	return v.(*core.Schema), true, nil
}

// Len returns the number of cached schemas.
func (r *SchemaRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.schemas)
}
