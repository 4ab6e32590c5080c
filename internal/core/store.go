package core

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrNotFound is returned when a document does not exist.
	ErrNotFound = errors.New("document not found")

	// ErrTxConflict is returned when an optimistic transaction keeps losing
	// races after all attempts.
	ErrTxConflict = errors.New("transaction conflict")

	// ErrStoreClosed is returned by operations on a closed store.
	ErrStoreClosed = errors.New("document store is closed")
)

// Document is a schemaless stored document.
type Document map[string]any

// Snapshot is a document together with its identifier inside a collection.
type Snapshot struct {
	ID   string
	Data Document
}

// DocumentStore defines the transactional key-value store holding schemas,
// datasets and sync status documents. Keys are slash-separated paths whose
// last segment is the document id and whose prefix is the collection.
type DocumentStore interface {
	// Get returns the document at path or ErrNotFound.
	Get(ctx context.Context, path string) (Document, error)

	// Set replaces the document at path.
	Set(ctx context.Context, path string, doc Document) error

	// Delete removes the document at path. Deleting a missing document is not
	// an error.
	Delete(ctx context.Context, path string) error

	// BatchSet writes several documents. Each document is written atomically
	// but the batch as a whole is not.
	BatchSet(ctx context.Context, docs map[string]Document) error

	// List returns up to limit documents of a collection ordered by id,
	// starting after the given id (empty for the first page).
	List(ctx context.Context, collection, after string, limit int) ([]Snapshot, error)

	// RunTransaction runs fn with read-your-writes semantics and commits its
	// writes atomically. fn may be invoked more than once on contention.
	RunTransaction(ctx context.Context, fn func(ctx context.Context, tx Transaction) error) error

	// Close releases the underlying connections.
	Close() error
}

// Transaction is the view of the store passed to RunTransaction callbacks.
type Transaction interface {
	Get(ctx context.Context, path string) (Document, error)
	Set(path string, doc Document)
	Delete(path string)
}

// SplitPath splits a document path into its collection and id.
func SplitPath(path string) (collection, id string, err error) {
	path = strings.Trim(path, "/")
	idx := strings.LastIndex(path, "/")
	if idx <= 0 || idx == len(path)-1 {
		return "", "", fmt.Errorf("invalid document path %q", path)
	}
	return path[:idx], path[idx+1:], nil
}

// JoinPath joins path segments with slashes.
func JoinPath(segments ...string) string {
	return strings.Join(segments, "/")
}

// EncodeDocument serializes a document for storage.
func EncodeDocument(doc Document) ([]byte, error) {
	if doc == nil {
		doc = Document{}
	}
	data, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("failed to encode document: %w", err)
	}
	return data, nil
}

// DecodeDocument deserializes a stored document.
func DecodeDocument(data []byte) (Document, error) {
	doc := Document{}
	if len(data) == 0 {
		return doc, nil
	}
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to decode document: %w", err)
	}
	return doc, nil
}

// MergeDocument merges fields into the document at path, creating it when
// absent. It runs as a transaction so concurrent merges do not drop fields.
func MergeDocument(ctx context.Context, store DocumentStore, path string, fields Document) error {
	return store.RunTransaction(ctx, func(ctx context.Context, tx Transaction) error {
		current, err := tx.Get(ctx, path)
		if err != nil && !errors.Is(err, ErrNotFound) {
			return err
		}
		if current == nil {
			current = Document{}
		}
		for k, v := range fields {
			current[k] = v
		}
		tx.Set(path, current)
		return nil
	})
}

// Int reads an integer field that may have been decoded as any JSON number.
func (d Document) Int(key string) int {
	switch v := d[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	case int64:
		return int(v)
	case json.Number:
		n, _ := v.Int64()
		return int(n)
	default:
		return 0
	}
}

// String reads a string field, returning "" when absent or not a string.
func (d Document) String(key string) string {
	s, _ := d[key].(string)
	return s
}

// Map reads a nested object field.
func (d Document) Map(key string) map[string]any {
	m, _ := d[key].(map[string]any)
	return m
}
