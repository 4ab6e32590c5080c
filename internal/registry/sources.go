package registry

import (
	"context"
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/rzpsarthak13/sheetsync/internal/core"
)

// StoreSource loads schemas from the schema collection of a document store.
// It looks up "{category}_base" first and falls back to "{category}".
type StoreSource struct {
	Store core.DocumentStore
}

// NewStoreSource creates a store-backed schema source.
func NewStoreSource(store core.DocumentStore) *StoreSource {
	return &StoreSource{Store: store}
}

// Load implements SchemaSource.
func (s *StoreSource) Load(ctx context.Context, categoryID string) (*core.Schema, error) {
	for _, key := range []string{categoryID + "_base", categoryID} {
		doc, err := s.Store.Get(ctx, core.SchemaPath(key))
		if errors.Is(err, core.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read schema %s: %w", key, err)
		}
		return decodeSchemaDocument(categoryID, doc)
	}
	return nil, fmt.Errorf("%w: %s", ErrSchemaNotFound, categoryID)
}

// decodeSchemaDocument accepts both the "columns" field written by the
// bootstrapper and the older "fields" name.
func decodeSchemaDocument(categoryID string, doc core.Document) (*core.Schema, error) {
	raw, ok := doc["columns"]
	if !ok {
		raw, ok = doc["fields"]
	}
	if !ok {
		return nil, fmt.Errorf("%w: schema for %s has no columns", core.ErrInvalidSchema, categoryID)
	}

	schema := &core.Schema{CategoryID: categoryID}
	if err := core.Convert(raw, &schema.Columns); err != nil {
		return nil, fmt.Errorf("failed to decode columns of %s: %w", categoryID, err)
	}
	if aliases, ok := doc["aliases"]; ok && aliases != nil {
		if err := core.Convert(aliases, &schema.Aliases); err != nil {
			return nil, fmt.Errorf("failed to decode aliases of %s: %w", categoryID, err)
		}
	}
	return schema, nil
}

// StaticSource serves schemas defined up front, typically from a YAML file.
type StaticSource struct {
	schemas map[string]*core.Schema
}

type staticFile struct {
	Schemas []*core.Schema `yaml:"schemas"`
}

// NewStaticSource creates a source from in-memory schemas keyed by category.
func NewStaticSource(schemas ...*core.Schema) *StaticSource {
	s := &StaticSource{schemas: make(map[string]*core.Schema, len(schemas))}
	for _, schema := range schemas {
		s.schemas[schema.CategoryID] = schema
	}
	return s
}

// LoadStaticSource reads a YAML file with a top-level "schemas" list.
func LoadStaticSource(path string) (*StaticSource, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read schema file: %w", err)
	}
	return ParseStaticSource(data)
}

// ParseStaticSource parses YAML schema definitions.
func ParseStaticSource(data []byte) (*StaticSource, error) {
	var file staticFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse schema file: %w", err)
	}
	for i, schema := range file.Schemas {
		if schema == nil || schema.CategoryID == "" {
			return nil, fmt.Errorf("%w: schema %d has no category_id", core.ErrInvalidSchema, i)
		}
	}
	return NewStaticSource(file.Schemas...), nil
}

// Load implements SchemaSource. A copy is returned so callers cannot mutate
// the definitions.
func (s *StaticSource) Load(_ context.Context, categoryID string) (*core.Schema, error) {
	schema, ok := s.schemas[categoryID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSchemaNotFound, categoryID)
	}
	out := *schema
	out.Columns = append([]core.Column(nil), schema.Columns...)
	if schema.Aliases != nil {
		out.Aliases = make(map[string]string, len(schema.Aliases))
		for k, v := range schema.Aliases {
			out.Aliases[k] = v
		}
	}
	return &out, nil
}
