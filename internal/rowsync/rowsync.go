// Package rowsync keeps one remote table row per record, addressed by the
// record id in the first column.
package rowsync

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/rzpsarthak13/sheetsync/internal/graph"
	"github.com/rzpsarthak13/sheetsync/internal/mapper"
)

// RowAPI is the row level surface of the remote table service.
type RowAPI interface {
	ListRows(ctx context.Context, itemID, tableName string) ([]graph.TableRow, error)
	AddRow(ctx context.Context, itemID, tableName string, values []string) error
	UpdateRow(ctx context.Context, itemID, tableName string, index int, values []string) error
	DeleteRow(ctx context.Context, itemID, tableName string, index int) error
}

// RowRef locates the row of a logical key. Found is false until the row is
// located or created.
type RowRef struct {
	Key   string
	Index int
	Found bool
}

// Action is what Apply did to the remote table.
type Action string

const (
	ActionInserted Action = "inserted"
	ActionUpdated  Action = "updated"
	ActionDeleted  Action = "deleted"
	ActionNone     Action = "none"
)

// Synchronizer finds, writes and deletes single rows.
type Synchronizer struct {
	api    RowAPI
	logger zerolog.Logger
}

// New creates a synchronizer over api.
func New(api RowAPI, logger zerolog.Logger) *Synchronizer {
	return &Synchronizer{api: api, logger: logger.With().Str("component", "rowsync").Logger()}
}

// FindRowIndex scans the table for the first row whose first cell equals
// key. The scan is linear in the number of rows.
func (s *Synchronizer) FindRowIndex(ctx context.Context, itemID, tableName, key string) (RowRef, error) {
	rows, err := s.api.ListRows(ctx, itemID, tableName)
	if err != nil {
		return RowRef{}, fmt.Errorf("failed to list rows of %s: %w", tableName, err)
	}
	for _, row := range rows {
		if mapper.Stringify(row.FirstCell()) == key {
			return RowRef{Key: key, Index: row.Index, Found: true}, nil
		}
	}
	return RowRef{Key: key}, nil
}

// Upsert appends values when ref was not found and overwrites the row at
// ref.Index otherwise.
func (s *Synchronizer) Upsert(ctx context.Context, itemID, tableName string, ref RowRef, values []string) (Action, error) {
	if !ref.Found {
		if err := s.api.AddRow(ctx, itemID, tableName, values); err != nil {
			return ActionNone, fmt.Errorf("failed to add row %s: %w", ref.Key, err)
		}
		return ActionInserted, nil
	}
	if err := s.api.UpdateRow(ctx, itemID, tableName, ref.Index, values); err != nil {
		return ActionNone, fmt.Errorf("failed to update row %s at %d: %w", ref.Key, ref.Index, err)
	}
	return ActionUpdated, nil
}

// DeleteRow removes the row at ref.Index. A ref that was not found is a
// no-op.
func (s *Synchronizer) DeleteRow(ctx context.Context, itemID, tableName string, ref RowRef) (Action, error) {
	if !ref.Found {
		return ActionNone, nil
	}
	if err := s.api.DeleteRow(ctx, itemID, tableName, ref.Index); err != nil {
		return ActionNone, fmt.Errorf("failed to delete row %s at %d: %w", ref.Key, ref.Index, err)
	}
	return ActionDeleted, nil
}

// Apply locates the row of key once and then upserts values, or deletes the
// row when remove is set. Re-running Apply with the same arguments leaves the
// table unchanged.
func (s *Synchronizer) Apply(ctx context.Context, itemID, tableName, key string, values []string, remove bool) (Action, error) {
	ref, err := s.FindRowIndex(ctx, itemID, tableName, key)
	if err != nil {
		return ActionNone, err
	}

	var action Action
	if remove {
		action, err = s.DeleteRow(ctx, itemID, tableName, ref)
	} else {
		action, err = s.Upsert(ctx, itemID, tableName, ref, values)
	}
	if err != nil {
		return ActionNone, err
	}
	s.logger.Debug().Str("table", tableName).Str("key", key).Str("action", string(action)).Int("index", ref.Index).Msg("row synced")
	return action, nil
}
