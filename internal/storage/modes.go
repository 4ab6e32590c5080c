package storage

import (
	"context"
	"errors"
	"time"

	"github.com/rzpsarthak13/sheetsync/internal/core"
)

// Mode applies a mutation to a dataset stored in one shape and returns the
// resulting row count.
type Mode interface {
	Name() StorageMode
	Mutate(ctx context.Context, m Mutation) (int, error)
}

func rowFor(m Mutation, now time.Time) Row {
	return Row{ID: m.RecordID, Values: m.Values, UpdatedAt: now.UTC().Format(time.RFC3339Nano)}
}

// inlineMode keeps rows in the rowsById map of the dataset document. The
// read-modify-write runs in a transaction so concurrent writers of different
// rows cannot drop each other's changes.
type inlineMode struct {
	store core.DocumentStore
	now   func() time.Time
}

func (i *inlineMode) Name() StorageMode { return ModeInline }

func (i *inlineMode) Mutate(ctx context.Context, m Mutation) (int, error) {
	key := m.Template.Key()
	path := core.DatasetPath(key)
	var count int

	err := i.store.RunTransaction(ctx, func(ctx context.Context, tx core.Transaction) error {
		now := i.now()
		doc, err := tx.Get(ctx, path)
		switch {
		case errors.Is(err, core.ErrNotFound):
			doc = newDatasetDocument(m.Template, m.Columns, now)
		case err != nil:
			return err
		}
		if modeOf(doc) == ModeSharded {
			return errModeChanged
		}

		rows := inlineRows(doc)
		_, exists := rows[m.RecordID]
		switch {
		case m.Delete && exists:
			delete(rows, m.RecordID)
		case m.Delete:
		default:
			rows[m.RecordID] = map[string]any(rowFor(m, now).document())
		}

		count = len(rows)
		delete(doc, fieldLegacyRows)
		doc[fieldRowsByID] = rows
		doc[fieldRowCount] = count
		doc[fieldStorageMode] = string(ModeInline)
		doc[fieldUpdatedAt] = now.UTC().Format(time.RFC3339Nano)
		tx.Set(path, doc)
		return nil
	})
	return count, err
}

// shardedMode keeps one child document per row. Reading the count and the
// row, writing the row and writing the new count commit atomically.
type shardedMode struct {
	store core.DocumentStore
	now   func() time.Time
}

func (s *shardedMode) Name() StorageMode { return ModeSharded }

func (s *shardedMode) Mutate(ctx context.Context, m Mutation) (int, error) {
	key := m.Template.Key()
	metaPath := core.DatasetPath(key)
	rowPath := core.DatasetRowPath(key, m.RecordID)
	var count int

	err := s.store.RunTransaction(ctx, func(ctx context.Context, tx core.Transaction) error {
		now := s.now()
		meta, err := tx.Get(ctx, metaPath)
		switch {
		case errors.Is(err, core.ErrNotFound):
			meta = newDatasetDocument(m.Template, m.Columns, now)
			delete(meta, fieldRowsByID)
			meta[fieldStorageMode] = string(ModeSharded)
		case err != nil:
			return err
		}

		_, err = tx.Get(ctx, rowPath)
		if err != nil && !errors.Is(err, core.ErrNotFound) {
			return err
		}
		exists := err == nil

		count = meta.Int(fieldRowCount)
		switch {
		case m.Delete && exists:
			tx.Delete(rowPath)
			count--
		case m.Delete:
		default:
			tx.Set(rowPath, rowFor(m, now).document())
			if !exists {
				count++
			}
		}
		count = max(count, 0)

		meta[fieldRowCount] = count
		meta[fieldUpdatedAt] = now.UTC().Format(time.RFC3339Nano)
		tx.Set(metaPath, meta)
		return nil
	})
	return count, err
}
