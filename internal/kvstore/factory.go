package kvstore

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/rs/zerolog"

	"github.com/rzpsarthak13/sheetsync/internal/config"
	"github.com/rzpsarthak13/sheetsync/internal/core"
)

// StoreFactory is the Strategy interface for creating document store
// implementations. Each backend (memory, Redis, DynamoDB, SQL) registers one
// from its init function.
type StoreFactory interface {
	// Create creates a new document store from the store configuration.
	Create(ctx context.Context, cfg config.StoreConfig, logger zerolog.Logger) (core.DocumentStore, error)

	// Type returns the type identifier for this factory (e.g., "redis", "dynamodb").
	Type() string
}

var (
	factoryRegistry = make(map[string]StoreFactory)
	registryMutex   sync.RWMutex
)

// RegisterFactory registers a document store factory.
// Panics if factory is nil, its type is empty, or the type is already registered.
func RegisterFactory(factory StoreFactory) {
	if factory == nil {
		panic("factory cannot be nil")
	}
	if factory.Type() == "" {
		panic("factory type cannot be empty")
	}

	registryMutex.Lock()
	defer registryMutex.Unlock()

	if _, exists := factoryRegistry[factory.Type()]; exists {
		panic(fmt.Sprintf("factory for type %q is already registered", factory.Type()))
	}
	factoryRegistry[factory.Type()] = factory
}

// Create creates a document store using the factory registered for cfg.Type.
// Backend-specific validation is done by the matching config validator.
func Create(ctx context.Context, cfg config.StoreConfig, logger zerolog.Logger) (core.DocumentStore, error) {
	if cfg.Type == "" {
		return nil, fmt.Errorf("store type is required")
	}

	registryMutex.RLock()
	factory, exists := factoryRegistry[cfg.Type]
	registryMutex.RUnlock()
	if !exists {
		return nil, fmt.Errorf("unsupported store type: %s", cfg.Type)
	}

	if validator, ok := config.GetValidator(cfg.Type); ok {
		if err := validator.Validate(&config.Config{Store: cfg}); err != nil {
			return nil, fmt.Errorf("invalid configuration for %s: %w", cfg.Type, err)
		}
	}

	store, err := factory.Create(ctx, cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create %s store: %w", cfg.Type, err)
	}
	return store, nil
}

// GetRegisteredTypes returns the registered store types, sorted.
func GetRegisteredTypes() []string {
	registryMutex.RLock()
	defer registryMutex.RUnlock()

	types := make([]string, 0, len(factoryRegistry))
	for t := range factoryRegistry {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}

// IsTypeRegistered checks if a store type is registered.
func IsTypeRegistered(storeType string) bool {
	registryMutex.RLock()
	defer registryMutex.RUnlock()

	_, exists := factoryRegistry[storeType]
	return exists
}

// maxTxAttempts bounds optimistic transaction retries in every backend.
const maxTxAttempts = 25
