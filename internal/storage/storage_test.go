package storage

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rzpsarthak13/sheetsync/internal/core"
	"github.com/rzpsarthak13/sheetsync/internal/kvstore"
)

var electricas = core.TemplateDefinition{Disciplina: "electricas", Tipo: core.TemplateBase, Filename: "Electricas_Base_ES.xlsx"}

func newTestManager(t *testing.T, threshold int) (*Manager, *kvstore.MemoryStore) {
	t.Helper()
	store := kvstore.NewMemoryStore()
	t.Cleanup(func() { _ = store.Close() })
	fixed := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	m := NewManager(store, Options{Threshold: threshold, BatchSize: 7, Now: func() time.Time { return fixed }}, zerolog.Nop())
	return m, store
}

func upsert(id, nombre string) Mutation {
	return Mutation{Template: electricas, RecordID: id, Values: map[string]string{"id": id, "nombre": nombre}}
}

func remove(id string) Mutation {
	return Mutation{Template: electricas, RecordID: id, Delete: true}
}

func TestManager_InlineMutations(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestManager(t, 500)

	res, err := m.Mutate(ctx, upsert("p1", "Panel A"))
	require.NoError(t, err)
	assert.Equal(t, Result{Mode: ModeInline, RowCount: 1}, res)

	res, err = m.Mutate(ctx, upsert("p1", "Panel B"))
	require.NoError(t, err)
	assert.Equal(t, 1, res.RowCount, "updating an existing row keeps the count")

	res, err = m.Mutate(ctx, remove("missing"))
	require.NoError(t, err)
	assert.Equal(t, 1, res.RowCount, "deleting an absent row is a no-op")

	rows, err := m.Rows(ctx, "electricas_base")
	require.NoError(t, err)
	assert.Equal(t, "Panel B", rows["p1"].Values["nombre"])

	res, err = m.Mutate(ctx, remove("p1"))
	require.NoError(t, err)
	assert.Equal(t, 0, res.RowCount)

	info, err := m.Info(ctx, "electricas_base")
	require.NoError(t, err)
	assert.Equal(t, ModeInline, info.Mode)
	assert.Equal(t, 0, info.RowCount)
}

func TestManager_PromotesAboveThreshold(t *testing.T) {
	ctx := context.Background()
	m, store := newTestManager(t, 500)

	for i := 0; i < 500; i++ {
		res, err := m.Mutate(ctx, upsert(fmt.Sprintf("r%03d", i), fmt.Sprintf("row %d", i)))
		require.NoError(t, err)
		require.Equal(t, ModeInline, res.Mode)
	}

	res, err := m.Mutate(ctx, upsert("r500", "row 500"))
	require.NoError(t, err)
	assert.True(t, res.Promoted)
	assert.Equal(t, ModeSharded, res.Mode)
	assert.Equal(t, 501, res.RowCount)

	doc, err := store.Get(ctx, core.DatasetPath("electricas_base"))
	require.NoError(t, err)
	assert.Equal(t, "sharded", doc["storageMode"])
	assert.Equal(t, 501, doc.Int("rowCount"))
	assert.NotContains(t, doc, "rowsById")

	rows, err := m.Rows(ctx, "electricas_base")
	require.NoError(t, err)
	require.Len(t, rows, 501)
	assert.Equal(t, "row 0", rows["r000"].Values["nombre"])
	assert.Equal(t, "row 500", rows["r500"].Values["nombre"])

	res, err = m.Mutate(ctx, upsert("r501", "row 501"))
	require.NoError(t, err)
	assert.Equal(t, Result{Mode: ModeSharded, RowCount: 502}, res)

	res, err = m.Mutate(ctx, remove("r000"))
	require.NoError(t, err)
	assert.Equal(t, 501, res.RowCount)

	_, err = store.Get(ctx, core.DatasetRowPath("electricas_base", "r000"))
	assert.ErrorIs(t, err, core.ErrNotFound)
}

func TestManager_ShardedConcurrentMutations(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestManager(t, 3)

	for i := 0; i < 4; i++ {
		_, err := m.Mutate(ctx, upsert(fmt.Sprintf("s%d", i), "x"))
		require.NoError(t, err)
	}
	info, err := m.Info(ctx, "electricas_base")
	require.NoError(t, err)
	require.Equal(t, ModeSharded, info.Mode)
	require.Equal(t, 4, info.RowCount)

	var wg sync.WaitGroup
	errs := make(chan error, 12)
	for i := 0; i < 6; i++ {
		wg.Add(2)
		go func(i int) {
			defer wg.Done()
			_, err := m.Mutate(ctx, upsert(fmt.Sprintf("n%d", i), "new"))
			errs <- err
		}(i)
		go func(i int) {
			defer wg.Done()
			// Only s0..s3 exist; the rest are no-op deletes.
			_, err := m.Mutate(ctx, remove(fmt.Sprintf("s%d", i)))
			errs <- err
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	info, err = m.Info(ctx, "electricas_base")
	require.NoError(t, err)
	assert.Equal(t, 6, info.RowCount)

	rows, err := m.Rows(ctx, "electricas_base")
	require.NoError(t, err)
	assert.Len(t, rows, 6)
}

func TestManager_CategoryMove(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestManager(t, 500)
	sanitarias := core.TemplateDefinition{Disciplina: "sanitarias", Tipo: core.TemplateBase}

	_, err := m.Mutate(ctx, upsert("p1", "Panel A"))
	require.NoError(t, err)

	_, err = m.Mutate(ctx, remove("p1"))
	require.NoError(t, err)
	_, err = m.Mutate(ctx, Mutation{Template: sanitarias, RecordID: "p1", Values: map[string]string{"id": "p1"}})
	require.NoError(t, err)

	old, err := m.Rows(ctx, "electricas_base")
	require.NoError(t, err)
	assert.Empty(t, old)

	moved, err := m.Rows(ctx, "sanitarias_base")
	require.NoError(t, err)
	assert.Contains(t, moved, "p1")
}

func TestManager_LegacyDocumentMode(t *testing.T) {
	ctx := context.Background()
	m, store := newTestManager(t, 500)

	require.NoError(t, store.Set(ctx, core.DatasetPath("electricas_base"), core.Document{
		"storageMode": "document",
		"rowCount":    1,
		"rows": map[string]any{
			"old": map[string]any{"id": "old", "values": map[string]any{"nombre": "Legacy"}},
		},
	}))

	res, err := m.Mutate(ctx, upsert("p1", "Panel A"))
	require.NoError(t, err)
	assert.Equal(t, Result{Mode: ModeInline, RowCount: 2}, res)

	doc, err := store.Get(ctx, core.DatasetPath("electricas_base"))
	require.NoError(t, err)
	assert.Equal(t, "inline", doc["storageMode"])
	assert.NotContains(t, doc, "rows")
	assert.Len(t, doc.Map("rowsById"), 2)
}

func TestManager_PromoteReconcilesInterruptedRun(t *testing.T) {
	ctx := context.Background()
	m, store := newTestManager(t, 500)

	for _, id := range []string{"a", "b", "c"} {
		_, err := m.Mutate(ctx, upsert(id, id))
		require.NoError(t, err)
	}
	// Child left behind by an earlier attempt for a row deleted since.
	require.NoError(t, store.Set(ctx, core.DatasetRowPath("electricas_base", "zombie"), core.Document{"id": "zombie"}))

	require.NoError(t, m.Promote(ctx, "electricas_base"))

	rows, err := m.Rows(ctx, "electricas_base")
	require.NoError(t, err)
	assert.Len(t, rows, 3)
	assert.NotContains(t, rows, "zombie")

	info, err := m.Info(ctx, "electricas_base")
	require.NoError(t, err)
	assert.Equal(t, 3, info.RowCount)

	require.NoError(t, m.Promote(ctx, "electricas_base"), "promoting twice is a no-op")
}

func TestManager_EnsureDataset(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestManager(t, 500)
	cols := []core.Column{{Key: "id", DisplayName: "ID", Type: core.ColumnText, Required: true}}

	require.NoError(t, m.EnsureDataset(ctx, electricas, cols))
	_, err := m.Mutate(ctx, upsert("p1", "Panel A"))
	require.NoError(t, err)
	require.NoError(t, m.EnsureDataset(ctx, electricas, nil))

	info, err := m.Info(ctx, "electricas_base")
	require.NoError(t, err)
	assert.Equal(t, 1, info.RowCount, "existing dataset left untouched")
	require.Len(t, info.Columns, 1)
	assert.Equal(t, "id", info.Columns[0].Key)
}

func TestManager_MutateRequiresRecordID(t *testing.T) {
	m, _ := newTestManager(t, 500)
	_, err := m.Mutate(context.Background(), Mutation{Template: electricas})
	assert.Error(t, err)
}
