package storage

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sort"
	"time"

	"github.com/rs/zerolog"

	"github.com/rzpsarthak13/sheetsync/internal/core"
)

// Defaults for promotion.
const (
	DefaultThreshold = 500
	DefaultBatchSize = 400
)

// Options tunes a Manager.
type Options struct {
	// Threshold is the inline row count above which a dataset is promoted.
	Threshold int

	// BatchSize bounds the child documents written per batch during promotion.
	BatchSize int

	Now func() time.Time
}

// Result describes the outcome of a mutation.
type Result struct {
	Mode     StorageMode
	RowCount int
	Promoted bool
}

// Manager applies record mutations to category datasets. Callers never deal
// with the storage mode: it is read from the dataset document on every
// mutation.
type Manager struct {
	store     core.DocumentStore
	threshold int
	batchSize int
	now       func() time.Time
	modes     map[StorageMode]Mode
	logger    zerolog.Logger
}

// NewManager creates a dataset manager.
func NewManager(store core.DocumentStore, opts Options, logger zerolog.Logger) *Manager {
	if opts.Threshold <= 0 {
		opts.Threshold = DefaultThreshold
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = DefaultBatchSize
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Manager{
		store:     store,
		threshold: opts.Threshold,
		batchSize: opts.BatchSize,
		now:       opts.Now,
		modes: map[StorageMode]Mode{
			ModeInline:  &inlineMode{store: store, now: opts.Now},
			ModeSharded: &shardedMode{store: store, now: opts.Now},
		},
		logger: logger.With().Str("component", "dataset").Logger(),
	}
}

// Mode returns the current storage mode of a dataset. Missing datasets are
// inline.
func (m *Manager) Mode(ctx context.Context, key string) (StorageMode, error) {
	doc, err := m.store.Get(ctx, core.DatasetPath(key))
	if errors.Is(err, core.ErrNotFound) {
		return ModeInline, nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to read dataset %s: %w", key, err)
	}
	return modeOf(doc), nil
}

// Mutate applies one row change. An inline write that leaves more than the
// threshold rows triggers promotion to sharded storage.
func (m *Manager) Mutate(ctx context.Context, mut Mutation) (Result, error) {
	if mut.RecordID == "" {
		return Result{}, fmt.Errorf("dataset mutation needs a record id")
	}
	key := mut.Template.Key()

	mode, err := m.Mode(ctx, key)
	if err != nil {
		return Result{}, err
	}

	count, err := m.modes[mode].Mutate(ctx, mut)
	if errors.Is(err, errModeChanged) {
		mode = ModeSharded
		count, err = m.modes[mode].Mutate(ctx, mut)
	}
	if err != nil {
		return Result{}, fmt.Errorf("failed to mutate dataset %s: %w", key, err)
	}

	res := Result{Mode: mode, RowCount: count}
	if mode == ModeInline && count > m.threshold {
		if err := m.Promote(ctx, key); err != nil {
			return res, err
		}
		res.Mode = ModeSharded
		res.Promoted = true
	}
	return res, nil
}

// Promote migrates an inline dataset to sharded storage. Rows are copied to
// child documents in batches first; the inline map is cleared and the mode
// flipped only in a final transaction, so an interrupted promotion leaves the
// dataset inline with every row intact. Promoting a sharded dataset is a
// no-op.
func (m *Manager) Promote(ctx context.Context, key string) error {
	path := core.DatasetPath(key)
	doc, err := m.store.Get(ctx, path)
	if err != nil {
		return fmt.Errorf("failed to read dataset %s: %w", key, err)
	}
	if modeOf(doc) == ModeSharded {
		return nil
	}

	rows := inlineRows(doc)
	ids := make([]string, 0, len(rows))
	for id := range rows {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	copied := make(map[string]any, len(rows))
	for start := 0; start < len(ids); start += m.batchSize {
		end := min(start+m.batchSize, len(ids))
		batch := make(map[string]core.Document, end-start)
		for _, id := range ids[start:end] {
			row, err := decodeRow(id, rows[id])
			if err != nil {
				return fmt.Errorf("failed to decode row %s of %s: %w", id, key, err)
			}
			batch[core.DatasetRowPath(key, id)] = row.document()
			copied[id] = rows[id]
		}
		if err := m.store.BatchSet(ctx, batch); err != nil {
			return fmt.Errorf("failed to migrate rows %d-%d of %s: %w", start, end, key, err)
		}
		m.logger.Debug().Str("dataset", key).Int("from", start).Int("to", end).Msg("promotion batch written")
	}

	// Children left by an earlier interrupted promotion may belong to rows
	// deleted since; they are reconciled below together with this run's.
	existing, err := m.childIDs(ctx, key)
	if err != nil {
		return err
	}

	err = m.store.RunTransaction(ctx, func(ctx context.Context, tx core.Transaction) error {
		current, err := tx.Get(ctx, path)
		if err != nil {
			return err
		}
		if modeOf(current) == ModeSharded {
			return nil
		}

		latest := inlineRows(current)
		for id, raw := range latest {
			if prev, ok := copied[id]; ok && reflect.DeepEqual(prev, raw) {
				continue
			}
			row, err := decodeRow(id, raw)
			if err != nil {
				return err
			}
			tx.Set(core.DatasetRowPath(key, id), row.document())
		}
		for id := range existing {
			if _, ok := latest[id]; !ok {
				tx.Delete(core.DatasetRowPath(key, id))
			}
		}
		for id := range copied {
			if _, ok := latest[id]; !ok {
				tx.Delete(core.DatasetRowPath(key, id))
			}
		}

		delete(current, fieldRowsByID)
		delete(current, fieldLegacyRows)
		current[fieldStorageMode] = string(ModeSharded)
		current[fieldRowCount] = len(latest)
		current[fieldUpdatedAt] = m.now().UTC().Format(time.RFC3339Nano)
		tx.Set(path, current)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to finish promotion of %s: %w", key, err)
	}

	m.logger.Info().Str("dataset", key).Int("rows", len(ids)).Msg("dataset promoted to sharded storage")
	return nil
}

func (m *Manager) childIDs(ctx context.Context, key string) (map[string]struct{}, error) {
	ids := make(map[string]struct{})
	collection := core.DatasetRowsCollection(key)
	after := ""
	for {
		page, err := m.store.List(ctx, collection, after, m.batchSize)
		if err != nil {
			return nil, fmt.Errorf("failed to list rows of %s: %w", key, err)
		}
		for _, snap := range page {
			ids[snap.ID] = struct{}{}
		}
		if len(page) < m.batchSize {
			return ids, nil
		}
		after = page[len(page)-1].ID
	}
}

// EnsureDataset creates an empty inline dataset document for the template
// when none exists. Existing datasets are left untouched.
func (m *Manager) EnsureDataset(ctx context.Context, template core.TemplateDefinition, columns []core.Column) error {
	path := core.DatasetPath(template.Key())
	return m.store.RunTransaction(ctx, func(ctx context.Context, tx core.Transaction) error {
		_, err := tx.Get(ctx, path)
		if err == nil {
			return nil
		}
		if !errors.Is(err, core.ErrNotFound) {
			return err
		}
		tx.Set(path, newDatasetDocument(template, columns, m.now()))
		return nil
	})
}

// Info returns the metadata of a dataset.
func (m *Manager) Info(ctx context.Context, key string) (Info, error) {
	doc, err := m.store.Get(ctx, core.DatasetPath(key))
	if err != nil {
		return Info{}, fmt.Errorf("failed to read dataset %s: %w", key, err)
	}
	info := Info{Key: key, Mode: modeOf(doc), RowCount: doc.Int(fieldRowCount)}
	if raw, ok := doc[fieldColumns]; ok {
		if err := core.Convert(raw, &info.Columns); err != nil {
			return Info{}, fmt.Errorf("failed to decode columns of %s: %w", key, err)
		}
	}
	return info, nil
}

// Rows returns every row of a dataset keyed by row id, whatever its mode.
func (m *Manager) Rows(ctx context.Context, key string) (map[string]Row, error) {
	doc, err := m.store.Get(ctx, core.DatasetPath(key))
	if err != nil {
		return nil, fmt.Errorf("failed to read dataset %s: %w", key, err)
	}

	out := make(map[string]Row)
	if modeOf(doc) == ModeInline {
		for id, raw := range inlineRows(doc) {
			row, err := decodeRow(id, raw)
			if err != nil {
				return nil, err
			}
			out[id] = row
		}
		return out, nil
	}

	collection := core.DatasetRowsCollection(key)
	after := ""
	for {
		page, err := m.store.List(ctx, collection, after, m.batchSize)
		if err != nil {
			return nil, fmt.Errorf("failed to list rows of %s: %w", key, err)
		}
		for _, snap := range page {
			row, err := decodeRow(snap.ID, map[string]any(snap.Data))
			if err != nil {
				return nil, err
			}
			out[snap.ID] = row
		}
		if len(page) < m.batchSize {
			return out, nil
		}
		after = page[len(page)-1].ID
	}
}
