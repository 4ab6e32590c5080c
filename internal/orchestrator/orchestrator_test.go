package orchestrator_test

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rzpsarthak13/sheetsync/internal/config"
	"github.com/rzpsarthak13/sheetsync/internal/core"
	"github.com/rzpsarthak13/sheetsync/internal/graph"
	"github.com/rzpsarthak13/sheetsync/internal/graph/graphtest"
	"github.com/rzpsarthak13/sheetsync/internal/kvstore"
	"github.com/rzpsarthak13/sheetsync/internal/orchestrator"
	"github.com/rzpsarthak13/sheetsync/internal/registry"
	"github.com/rzpsarthak13/sheetsync/internal/rowsync"
	"github.com/rzpsarthak13/sheetsync/internal/storage"
)

const (
	electricasPath = "/Apps/parametros/Electricas_Base_ES.xlsx"
	sanitariasPath = "/Apps/parametros/Sanitarias_Base_ES.xlsx"
)

var (
	observedAt = time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	updatedAt  = time.Date(2025, 3, 1, 9, 30, 0, 0, time.UTC)
)

func categorySchema(category string) *core.Schema {
	return &core.Schema{
		CategoryID: category,
		Columns: []core.Column{
			{Key: "id", DisplayName: "ID"},
			{Key: "nombre", DisplayName: "Nombre", Required: true},
			{Key: "piso", DisplayName: "Piso"},
			{Key: "estado", DisplayName: "Estado", Type: core.ColumnEnum},
			{Key: "updatedAt", DisplayName: "updatedAt"},
		},
		Aliases: map[string]string{"nivel": "piso"},
	}
}

type harness struct {
	srv      *graphtest.Server
	store    *kvstore.MemoryStore
	datasets *storage.Manager
	orch     *orchestrator.Orchestrator
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	srv := graphtest.NewServer()
	t.Cleanup(srv.Close)

	noSleep := func(context.Context, time.Duration) error { return nil }
	client, err := graph.New(srv.Config(), graph.WithSleep(noSleep))
	require.NoError(t, err)

	store := kvstore.NewMemoryStore()
	datasets := storage.NewManager(store, storage.Options{}, zerolog.Nop())
	schemas := registry.NewSchemaRegistry(registry.NewStaticSource(categorySchema("electricas"), categorySchema("sanitarias")))

	orch := orchestrator.New(schemas, config.DefaultTemplates(), orchestrator.Options{
		ParametrosFolder: srv.Config().ParametrosFolder,
		TemplateDir:      t.TempDir(),
		DefaultWorksheet: "Productos",
	},
		orchestrator.WithRemote(client, rowsync.New(client, zerolog.Nop())),
		orchestrator.WithDatasets(datasets),
		orchestrator.WithStatusStore(store),
		orchestrator.WithClock(func() time.Time { return observedAt }),
	)
	return &harness{srv: srv, store: store, datasets: datasets, orch: orch}
}

func record(category, estado string) *core.Record {
	ts := updatedAt
	return &core.Record{
		ID:        "p1",
		Category:  category,
		Data:      map[string]any{"disciplina": category, "nombre": "Panel A", "estado": estado, "piso": "3"},
		Attrs:     map[string]any{},
		UpdatedAt: &ts,
	}
}

func change(before, after *core.Record) *core.ChangeEvent {
	return &core.ChangeEvent{ID: "evt-1", RecordID: "p1", Before: before, After: after, ObservedAt: observedAt}
}

func (h *harness) rows(t *testing.T, path, table string) [][]any {
	t.Helper()
	tbl, ok := h.srv.Table(path, table)
	require.True(t, ok, "table %s in %s", table, path)
	return tbl.Rows
}

func TestHandle_CreateUpdateDelete(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	res, err := h.orch.Handle(ctx, change(nil, record("electricas", "ok")))
	require.NoError(t, err)
	assert.Equal(t, orchestrator.StatusSuccess, res.Status)
	assert.Equal(t, core.OperationCreate, res.Operation)
	assert.Equal(t, "evt-1", res.CorrelationID)

	assert.Equal(t, 1, h.srv.Count(http.MethodPut, "/content"), "workbook created at the missing path")
	tbl, ok := h.srv.Table(electricasPath, "Tabla_electricas_base")
	require.True(t, ok)
	assert.Equal(t, []string{"id", "Nombre", "Piso", "Estado", "updatedAt"}, tbl.Headers)
	assert.Equal(t, "Productos", tbl.Worksheet)
	assert.Equal(t, [][]any{{"p1", "Panel A", "3", "ok", "2025-03-01T09:30:00.000Z"}}, tbl.Rows)
	assert.Equal(t, 1, h.srv.Count(http.MethodPost, "/rows/add"))

	rows, err := h.datasets.Rows(ctx, "electricas_base")
	require.NoError(t, err)
	assert.Equal(t, "Panel A", rows["p1"].Values["nombre"])

	status, err := h.store.Get(ctx, core.ExcelStatusPath("electricas_base"))
	require.NoError(t, err)
	assert.Equal(t, "p1", status["lastRecordId"])
	assert.Equal(t, "create", status["lastOperation"])

	h.srv.ResetRequests()
	res, err = h.orch.Handle(ctx, change(record("electricas", "ok"), record("electricas", "mantenimiento")))
	require.NoError(t, err)
	assert.Equal(t, orchestrator.StatusSuccess, res.Status)
	assert.Equal(t, 1, h.srv.Count(http.MethodPatch, "/rows/0"))
	assert.Zero(t, h.srv.Count(http.MethodPost, "/rows/add"))
	assert.Equal(t, [][]any{{"p1", "Panel A", "3", "mantenimiento", "2025-03-01T09:30:00.000Z"}}, h.rows(t, electricasPath, "Tabla_electricas_base"))

	h.srv.ResetRequests()
	res, err = h.orch.Handle(ctx, change(record("electricas", "mantenimiento"), nil))
	require.NoError(t, err)
	assert.Equal(t, orchestrator.StatusSuccess, res.Status)
	assert.Equal(t, 1, h.srv.Count(http.MethodPost, "/rows/0/delete"))
	assert.Empty(t, h.rows(t, electricasPath, "Tabla_electricas_base"))

	info, err := h.datasets.Info(ctx, "electricas_base")
	require.NoError(t, err)
	assert.Zero(t, info.RowCount)

	h.srv.ResetRequests()
	res, err = h.orch.Handle(ctx, change(record("electricas", "mantenimiento"), nil))
	require.NoError(t, err)
	assert.Equal(t, orchestrator.StatusSuccess, res.Status, "deleting an absent row still succeeds")
	assert.Zero(t, h.srv.Count(http.MethodPost, "/delete"))
}

func TestHandle_Idempotent(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	event := change(nil, record("electricas", "ok"))

	_, err := h.orch.Handle(ctx, event)
	require.NoError(t, err)
	first := h.rows(t, electricasPath, "Tabla_electricas_base")

	_, err = h.orch.Handle(ctx, event)
	require.NoError(t, err)
	assert.Equal(t, first, h.rows(t, electricasPath, "Tabla_electricas_base"))

	info, err := h.datasets.Info(ctx, "electricas_base")
	require.NoError(t, err)
	assert.Equal(t, 1, info.RowCount)
}

func TestHandle_Skips(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	irrelevantBefore := record("electricas", "ok")
	irrelevantAfter := record("electricas", "ok")
	irrelevantAfter.Data["comentario"] = "not in the schema"

	noDisciplina := record("", "ok")

	tests := []struct {
		name   string
		event  *core.ChangeEvent
		reason string
	}{
		{"nil event", nil, orchestrator.ReasonMalformed},
		{"no snapshots", change(nil, nil), orchestrator.ReasonMalformed},
		{"no record id", &core.ChangeEvent{After: &core.Record{Category: "electricas"}}, orchestrator.ReasonMissingData},
		{"no category", change(nil, noDisciplina), orchestrator.ReasonMissingDisciplina},
		{"unknown schema", change(nil, record("mecanicas", "ok")), orchestrator.ReasonSchemaNotFound},
		{"identical snapshots", change(record("electricas", "ok"), record("electricas", "ok")), orchestrator.ReasonNoRelevantChanges},
		{"change outside schema", change(irrelevantBefore, irrelevantAfter), orchestrator.ReasonNoRelevantChanges},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := h.orch.Handle(ctx, tt.event)
			require.NoError(t, err)
			assert.Equal(t, orchestrator.StatusSkipped, res.Status)
			assert.Equal(t, tt.reason, res.Reason)
		})
	}
	assert.Empty(t, h.srv.Requests(), "skipped events make no remote calls")
}

func TestHandle_TemplateNotFound(t *testing.T) {
	schemas := registry.NewSchemaRegistry(registry.NewStaticSource(categorySchema("electricas")))
	orch := orchestrator.New(schemas, core.TemplateCatalog{
		{Disciplina: "electricas", Tipo: core.TemplateReportes, Filename: "Electricas_Reportes_ES.xlsx"},
	}, orchestrator.Options{})

	res, err := orch.Handle(context.Background(), change(nil, record("electricas", "ok")))
	require.NoError(t, err)
	assert.Equal(t, orchestrator.ReasonTemplateNotFound, res.Reason)
}

func TestHandle_CategoryMove(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	_, err := h.orch.Handle(ctx, change(nil, record("electricas", "ok")))
	require.NoError(t, err)

	res, err := h.orch.Handle(ctx, change(record("electricas", "ok"), record("sanitarias", "ok")))
	require.NoError(t, err)
	assert.Equal(t, orchestrator.StatusSuccess, res.Status)

	assert.Empty(t, h.rows(t, electricasPath, "Tabla_electricas_base"))
	assert.Equal(t, [][]any{{"p1", "Panel A", "3", "ok", "2025-03-01T09:30:00.000Z"}}, h.rows(t, sanitariasPath, "Tabla_sanitarias_base"))

	old, err := h.datasets.Rows(ctx, "electricas_base")
	require.NoError(t, err)
	assert.Empty(t, old)
	moved, err := h.datasets.Rows(ctx, "sanitarias_base")
	require.NoError(t, err)
	assert.Contains(t, moved, "p1")

	status, err := h.store.Get(ctx, core.ExcelStatusPath("electricas_base"))
	require.NoError(t, err)
	assert.Equal(t, "delete", status["lastOperation"])
}

func TestHandle_TerminalFailureStillUpdatesDataset(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.srv.FailNext(graphtest.Failure{Status: http.StatusForbidden})

	res, err := h.orch.Handle(ctx, change(nil, record("electricas", "ok")))
	require.Error(t, err)
	assert.Equal(t, orchestrator.StatusError, res.Status)

	var apiErr *graph.APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusForbidden, apiErr.StatusCode)

	rows, err := h.datasets.Rows(ctx, "electricas_base")
	require.NoError(t, err)
	assert.Contains(t, rows, "p1", "the dataset path is independent of the remote path")

	res, err = h.orch.Handle(ctx, change(nil, record("electricas", "ok")))
	require.NoError(t, err, "redelivery succeeds")
	assert.Equal(t, orchestrator.StatusSuccess, res.Status)
	assert.Len(t, h.rows(t, electricasPath, "Tabla_electricas_base"), 1)
}

func TestTableColumns(t *testing.T) {
	schema := &core.Schema{Columns: []core.Column{
		{Key: "nombre", DisplayName: "Nombre"},
		{Key: "id", DisplayName: "Identificador"},
		{Key: "estado"},
	}}
	cols := orchestrator.TableColumns(schema)
	assert.Equal(t, []string{"id", "Nombre", "estado"}, orchestrator.Headers(cols))
	assert.Equal(t, "Tabla_electricas_base", orchestrator.TableName("electricas"))
}
