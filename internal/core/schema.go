package core

import (
	"errors"
	"fmt"
	"sort"
)

// ColumnType is the value type of a schema column.
type ColumnType string

const (
	ColumnText   ColumnType = "text"
	ColumnNumber ColumnType = "number"
	ColumnDate   ColumnType = "date"
	ColumnBool   ColumnType = "bool"
	ColumnEnum   ColumnType = "enum"
)

// IDColumn is the key of the identifier column every schema carries.
const IDColumn = "id"

// UpdatedAtColumn is the key of the column derived from the record timestamp.
const UpdatedAtColumn = "updatedAt"

// ErrInvalidSchema is returned when a schema breaks its structural invariants.
var ErrInvalidSchema = errors.New("invalid schema")

// Column is a single column definition of a category schema.
type Column struct {
	Key         string     `json:"key" yaml:"key"`
	DisplayName string     `json:"displayName" yaml:"display_name"`
	Type        ColumnType `json:"type" yaml:"type"`
	Required    bool       `json:"required" yaml:"required"`
	Order       int        `json:"order" yaml:"order"`
}

// Schema holds the ordered columns and legacy field aliases of one category.
type Schema struct {
	CategoryID string `json:"categoryId" yaml:"category_id"`

	// Columns is ordered; the identifier column is conventionally first.
	Columns []Column `json:"columns" yaml:"columns"`

	// Aliases maps a legacy field name to the canonical column key.
	Aliases map[string]string `json:"aliases" yaml:"aliases"`
}

// Keys returns the column keys in order.
func (s *Schema) Keys() []string {
	keys := make([]string, len(s.Columns))
	for i, col := range s.Columns {
		keys[i] = col.Key
	}
	return keys
}

// Headers returns the display names in column order. Empty display names fall
// back to the key.
func (s *Schema) Headers() []string {
	headers := make([]string, len(s.Columns))
	for i, col := range s.Columns {
		headers[i] = col.DisplayName
		if headers[i] == "" {
			headers[i] = col.Key
		}
	}
	return headers
}

// Column returns the column with the given key.
func (s *Schema) Column(key string) (Column, bool) {
	for _, col := range s.Columns {
		if col.Key == key {
			return col, true
		}
	}
	return Column{}, false
}

// AliasesFor returns the legacy names pointing at key, sorted for
// deterministic lookup order.
func (s *Schema) AliasesFor(key string) []string {
	var names []string
	for legacy, canonical := range s.Aliases {
		if canonical == key {
			names = append(names, legacy)
		}
	}
	sort.Strings(names)
	return names
}

// EnsureIDColumn prepends an identifier column when the schema has none.
func (s *Schema) EnsureIDColumn() {
	if _, ok := s.Column(IDColumn); ok {
		return
	}
	s.Columns = append([]Column{{
		Key:         IDColumn,
		DisplayName: IDColumn,
		Type:        ColumnText,
		Required:    true,
	}}, s.Columns...)
}

// Validate checks that column keys are unique and non-empty and that an
// identifier column exists.
func (s *Schema) Validate() error {
	if s == nil {
		return fmt.Errorf("%w: schema is nil", ErrInvalidSchema)
	}
	seen := make(map[string]struct{}, len(s.Columns))
	for i, col := range s.Columns {
		if col.Key == "" {
			return fmt.Errorf("%w: column %d has an empty key", ErrInvalidSchema, i)
		}
		if _, dup := seen[col.Key]; dup {
			return fmt.Errorf("%w: duplicate column key %q", ErrInvalidSchema, col.Key)
		}
		seen[col.Key] = struct{}{}
		switch col.Type {
		case "", ColumnText, ColumnNumber, ColumnDate, ColumnBool, ColumnEnum:
		default:
			return fmt.Errorf("%w: column %q has unknown type %q", ErrInvalidSchema, col.Key, col.Type)
		}
	}
	if _, ok := seen[IDColumn]; !ok {
		return fmt.Errorf("%w: missing %q column", ErrInvalidSchema, IDColumn)
	}
	return nil
}
