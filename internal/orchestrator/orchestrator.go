// Package orchestrator handles one change event end to end: classify it,
// map the record through its category schema and apply the change to the
// remote table and to the mirrored dataset.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/rzpsarthak13/sheetsync/internal/classify"
	"github.com/rzpsarthak13/sheetsync/internal/core"
	"github.com/rzpsarthak13/sheetsync/internal/graph"
	"github.com/rzpsarthak13/sheetsync/internal/mapper"
	"github.com/rzpsarthak13/sheetsync/internal/rowsync"
	"github.com/rzpsarthak13/sheetsync/internal/schema"
	"github.com/rzpsarthak13/sheetsync/internal/storage"
)

// Status is the outcome of handling one event.
type Status string

const (
	StatusSkipped Status = "skipped"
	StatusSuccess Status = "success"
	StatusError   Status = "error"
)

// Skip reasons.
const (
	ReasonMalformed         = "malformed"
	ReasonMissingData       = "missing_data"
	ReasonMissingDisciplina = "missing_disciplina"
	ReasonSchemaNotFound    = "schema_not_found"
	ReasonTemplateNotFound  = "template_not_found"
	ReasonNoRelevantChanges = "no_relevant_changes"
)

// Result describes how an event was handled. Skips are results, not errors.
type Result struct {
	Status        Status
	Reason        string
	Operation     core.OperationType
	CorrelationID string
}

// SchemaResolver resolves category schemas; found is false when the
// category has none.
type SchemaResolver interface {
	Resolve(ctx context.Context, categoryID string) (schema *core.Schema, found bool, err error)
}

// Workbooks provisions remote workbooks and tables.
type Workbooks interface {
	ResolveWorkbook(ctx context.Context, drivePath string, seed graph.WorkbookSeed) (string, error)
	WorksheetNames(ctx context.Context, itemID string) ([]string, error)
	EnsureTable(ctx context.Context, itemID, worksheetName, tableName string, headers []string) error
}

// Rows applies single-row changes to a remote table.
type Rows interface {
	Apply(ctx context.Context, itemID, tableName, key string, values []string, remove bool) (rowsync.Action, error)
}

// Datasets applies row changes to mirrored datasets.
type Datasets interface {
	Mutate(ctx context.Context, m storage.Mutation) (storage.Result, error)
}

// Options configures the remote path.
type Options struct {
	// ParametrosFolder is the drive folder holding one workbook per template.
	ParametrosFolder string

	// TemplateDir holds the template files used to seed new workbooks.
	TemplateDir string

	// DefaultWorksheet is used when a workbook has no worksheet, and as the
	// sheet name of generated workbooks.
	DefaultWorksheet string
}

// Orchestrator reacts to change events. Remote and dataset paths are both
// optional; a nil collaborator disables its path.
type Orchestrator struct {
	schemas   SchemaResolver
	templates core.TemplateCatalog
	workbooks Workbooks
	rows      Rows
	datasets  Datasets
	status    core.DocumentStore
	opts      Options
	now       func() time.Time
	logger    zerolog.Logger
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithRemote enables the remote table path.
func WithRemote(workbooks Workbooks, rows Rows) Option {
	return func(o *Orchestrator) {
		o.workbooks = workbooks
		o.rows = rows
	}
}

// WithDatasets enables the dataset path.
func WithDatasets(datasets Datasets) Option {
	return func(o *Orchestrator) { o.datasets = datasets }
}

// WithStatusStore records the sync status document of each template after
// a successful sync.
func WithStatusStore(store core.DocumentStore) Option {
	return func(o *Orchestrator) { o.status = store }
}

// WithClock overrides the clock used for fallback timestamps.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

// WithLogger sets the logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(o *Orchestrator) { o.logger = logger }
}

// New creates an orchestrator.
func New(schemas SchemaResolver, templates core.TemplateCatalog, opts Options, options ...Option) *Orchestrator {
	if opts.DefaultWorksheet == "" {
		opts.DefaultWorksheet = "Productos"
	}
	o := &Orchestrator{
		schemas:   schemas,
		templates: templates,
		opts:      opts,
		now:       time.Now,
		logger:    zerolog.Nop(),
	}
	for _, opt := range options {
		opt(o)
	}
	o.logger = o.logger.With().Str("component", "orchestrator").Logger()
	return o
}

// TableName returns the remote table name of a category.
func TableName(disciplina string) string {
	return fmt.Sprintf("Tabla_%s_base", disciplina)
}

// target is one category the event has to be applied to.
type target struct {
	template core.TemplateDefinition
	schema   *core.Schema
	record   *core.Record
	remove   bool
}

// Handle processes one change event. Malformed or unmapped events are
// skipped with a reason; a non-nil error means the event failed terminally
// and may be redelivered.
func (o *Orchestrator) Handle(ctx context.Context, event *core.ChangeEvent) (Result, error) {
	res := Result{CorrelationID: uuid.NewString()}
	if event != nil && event.ID != "" {
		res.CorrelationID = event.ID
	}
	log := o.logger.With().Str("correlation_id", res.CorrelationID).Logger()

	skip := func(reason string) (Result, error) {
		res.Status = StatusSkipped
		res.Reason = reason
		log.Info().Str("status", string(res.Status)).Str("reason", reason).Msg("event skipped")
		return res, nil
	}

	op, err := classify.DeriveOperation(event)
	if err != nil {
		return skip(ReasonMalformed)
	}
	res.Operation = op
	source := event.Source(op)

	recordID := event.RecordID
	if recordID == "" {
		recordID = source.ID
	}
	if recordID == "" {
		return skip(ReasonMissingData)
	}
	log = log.With().Str("record_id", recordID).Str("operation", string(op)).Logger()

	disciplina := source.Category
	if disciplina == "" {
		return skip(ReasonMissingDisciplina)
	}
	log = log.With().Str("disciplina", disciplina).Logger()

	schema, found, err := o.schemas.Resolve(ctx, disciplina)
	if err != nil {
		res.Status = StatusError
		log.Error().Err(err).Str("status", string(res.Status)).Msg("schema resolution failed")
		return res, err
	}
	if !found {
		return skip(ReasonSchemaNotFound)
	}
	template, ok := o.templates.Find(disciplina, core.TemplateBase)
	if !ok {
		return skip(ReasonTemplateNotFound)
	}

	fallback := mapper.FormatTimestamp(o.fallbackTime(event))
	decision, err := classify.Classify(event, schema, fallback)
	if err != nil {
		return skip(ReasonMalformed)
	}
	if !decision.Relevant {
		return skip(ReasonNoRelevantChanges)
	}

	targets, err := o.targets(ctx, event, op, template, schema, log)
	if err != nil {
		res.Status = StatusError
		log.Error().Err(err).Str("status", string(res.Status)).Msg("event failed")
		return res, err
	}

	var errs []error
	for _, t := range targets {
		if err := o.apply(ctx, t, recordID, fallback, log); err != nil {
			errs = append(errs, err)
			continue
		}
		o.recordStatus(ctx, t, recordID, op, log)
	}
	if err := errors.Join(errs...); err != nil {
		res.Status = StatusError
		log.Error().Err(err).Str("status", string(res.Status)).Msg("event failed")
		return res, err
	}

	res.Status = StatusSuccess
	log.Info().Str("status", string(res.Status)).Int("targets", len(targets)).Msg("event synced")
	return res, nil
}

func (o *Orchestrator) fallbackTime(event *core.ChangeEvent) time.Time {
	if !event.ObservedAt.IsZero() {
		return event.ObservedAt
	}
	return o.now()
}

// targets expands an event into the category operations to run. A category
// move deletes from the old category and upserts into the new one; the old
// side is dropped when its schema or template is unknown.
func (o *Orchestrator) targets(ctx context.Context, event *core.ChangeEvent, op core.OperationType, template core.TemplateDefinition, schema *core.Schema, log zerolog.Logger) ([]target, error) {
	current := target{
		template: template,
		schema:   schema,
		record:   event.Source(op),
		remove:   op == core.OperationDelete,
	}
	if !classify.CategoryChanged(event) {
		return []target{current}, nil
	}

	old := event.Before.Category
	if old == "" {
		return []target{current}, nil
	}
	oldSchema, found, err := o.schemas.Resolve(ctx, old)
	if err != nil {
		return nil, err
	}
	oldTemplate, ok := o.templates.Find(old, core.TemplateBase)
	if !found || !ok {
		log.Warn().Str("previous_disciplina", old).Msg("previous category is not synced, skipping its removal")
		return []target{current}, nil
	}
	log.Info().Str("previous_disciplina", old).Msg("record moved between categories")
	return []target{
		{template: oldTemplate, schema: oldSchema, record: event.Before, remove: true},
		current,
	}, nil
}

// apply runs the remote and dataset paths for one target. They are
// independent: a failure in one does not prevent the other.
func (o *Orchestrator) apply(ctx context.Context, t target, recordID, fallback string, log zerolog.Logger) error {
	if t.record != nil && t.record.ID != recordID {
		t.record = t.record.Clone()
		t.record.ID = recordID
	}
	if !t.remove {
		warnInvalid(t, fallback, log)
	}

	var errs []error
	if o.workbooks != nil && o.rows != nil {
		action, err := o.syncRemote(ctx, t, recordID, fallback)
		if err != nil {
			errs = append(errs, fmt.Errorf("remote sync of %s in %s: %w", recordID, t.template.Disciplina, err))
		} else {
			log.Debug().Str("table", TableName(t.template.Disciplina)).Str("action", string(action)).Msg("remote row synced")
		}
	}
	if o.datasets != nil {
		mut := storage.Mutation{
			Template: t.template,
			RecordID: recordID,
			Delete:   t.remove,
			Columns:  t.schema.Columns,
		}
		if !t.remove {
			mut.Values = mapper.MapFields(t.record, t.schema, fallback)
		}
		result, err := o.datasets.Mutate(ctx, mut)
		if err != nil {
			errs = append(errs, fmt.Errorf("dataset sync of %s in %s: %w", recordID, t.template.Disciplina, err))
		} else {
			log.Debug().
				Str("dataset", t.template.Key()).
				Str("storage_mode", string(result.Mode)).
				Int("row_count", result.RowCount).
				Bool("promoted", result.Promoted).
				Msg("dataset synced")
		}
	}
	return errors.Join(errs...)
}

// warnInvalid logs mapped values that do not fit their column definitions.
// The row is still written.
func warnInvalid(t target, fallback string, log zerolog.Logger) {
	problems, err := schema.NewRowValidator(t.schema).ValidateRow(mapper.MapRow(t.record, t.schema, fallback))
	if err != nil || len(problems) == 0 {
		return
	}
	reasons := make([]string, len(problems))
	for i, p := range problems {
		reasons[i] = p.String()
	}
	log.Warn().Str("disciplina", t.template.Disciplina).Strs("problems", reasons).Msg("row does not match its schema")
}

func (o *Orchestrator) syncRemote(ctx context.Context, t target, recordID, fallback string) (rowsync.Action, error) {
	drivePath := graph.DrivePath(o.opts.ParametrosFolder, t.template.Filename)
	seed := graph.TemplateWorkbook(o.opts.TemplateDir, t.template.Filename, o.opts.DefaultWorksheet)
	itemID, err := o.workbooks.ResolveWorkbook(ctx, drivePath, seed)
	if err != nil {
		return rowsync.ActionNone, err
	}

	sheets, err := o.workbooks.WorksheetNames(ctx, itemID)
	if err != nil {
		return rowsync.ActionNone, err
	}
	worksheet := o.opts.DefaultWorksheet
	if len(sheets) > 0 {
		worksheet = sheets[0]
	}

	columns := TableColumns(t.schema)
	table := TableName(t.template.Disciplina)
	if err := o.workbooks.EnsureTable(ctx, itemID, worksheet, table, Headers(columns)); err != nil {
		return rowsync.ActionNone, err
	}

	var values []string
	if !t.remove {
		values = make([]string, len(columns))
		for i, col := range columns {
			values[i] = mapper.MapValue(t.record, col, t.schema, fallback)
		}
	}
	return o.rows.Apply(ctx, itemID, table, recordID, values, t.remove)
}

// TableColumns orders the schema columns for the remote table: the id column
// first, the rest in schema order.
func TableColumns(schema *core.Schema) []core.Column {
	columns := make([]core.Column, 0, len(schema.Columns)+1)
	var id *core.Column
	for i := range schema.Columns {
		if schema.Columns[i].Key == core.IDColumn {
			id = &schema.Columns[i]
			continue
		}
		columns = append(columns, schema.Columns[i])
	}
	if id == nil {
		id = &core.Column{Key: core.IDColumn, DisplayName: core.IDColumn, Type: core.ColumnText, Required: true}
	}
	return append([]core.Column{*id}, columns...)
}

// Headers returns the header row for columns: display names, falling back
// to the key.
func Headers(columns []core.Column) []string {
	headers := make([]string, len(columns))
	for i, c := range columns {
		headers[i] = c.DisplayName
		if c.Key == core.IDColumn || headers[i] == "" {
			headers[i] = c.Key
		}
	}
	return headers
}

// recordStatus merges the sync status document of the template. Failures
// are logged; the row change itself already succeeded.
func (o *Orchestrator) recordStatus(ctx context.Context, t target, recordID string, op core.OperationType, log zerolog.Logger) {
	if o.status == nil {
		return
	}
	if t.remove {
		op = core.OperationDelete
	}
	key := t.template.Key()
	err := core.MergeDocument(ctx, o.status, core.ExcelStatusPath(key), core.Document{
		"key":           key,
		"filename":      t.template.Filename,
		"disciplina":    t.template.Disciplina,
		"tipo":          string(t.template.Tipo),
		"lastSyncedAt":  o.now().UTC().Format(time.RFC3339Nano),
		"lastRecordId":  recordID,
		"lastOperation": string(op),
	})
	if err != nil {
		log.Warn().Err(err).Str("template", key).Msg("failed to record sync status")
	}
}
