// Package storage maintains the mirrored dataset of each category. A dataset
// starts inline, with every row embedded in the dataset document, and is
// promoted once to sharded storage, with one child document per row, when
// its row count crosses a threshold.
package storage

import (
	"errors"
	"time"

	"github.com/rzpsarthak13/sheetsync/internal/core"
)

// StorageMode is the storage shape of a dataset.
type StorageMode string

const (
	ModeInline  StorageMode = "inline"
	ModeSharded StorageMode = "sharded"

	// modeLegacyDocument is the name older dataset documents use for inline.
	modeLegacyDocument StorageMode = "document"
)

// Dataset document fields.
const (
	fieldDisciplina  = "disciplina"
	fieldTipo        = "tipo"
	fieldColumns     = "columns"
	fieldRowCount    = "rowCount"
	fieldStorageMode = "storageMode"
	fieldRowsByID    = "rowsById"
	fieldLegacyRows  = "rows"
	fieldUpdatedAt   = "updatedAt"
)

// errModeChanged is returned by the inline mode when it finds the dataset
// already sharded.
var errModeChanged = errors.New("dataset storage mode changed")

// Mutation is one row change applied to a dataset.
type Mutation struct {
	Template core.TemplateDefinition
	RecordID string

	// Delete removes the row; otherwise Values are upserted.
	Delete bool
	Values map[string]string

	// Columns are recorded on the dataset document when it is created.
	Columns []core.Column
}

// Row is a stored dataset row.
type Row struct {
	ID        string            `json:"id"`
	Values    map[string]string `json:"values"`
	UpdatedAt string            `json:"updatedAt"`
}

func (r Row) document() core.Document {
	values := make(map[string]any, len(r.Values))
	for k, v := range r.Values {
		values[k] = v
	}
	return core.Document{"id": r.ID, "values": values, "updatedAt": r.UpdatedAt}
}

func decodeRow(id string, raw any) (Row, error) {
	row := Row{ID: id}
	if err := core.Convert(raw, &row); err != nil {
		return Row{}, err
	}
	if row.ID == "" {
		row.ID = id
	}
	return row, nil
}

// Info summarizes a dataset document.
type Info struct {
	Key      string
	Mode     StorageMode
	RowCount int
	Columns  []core.Column
}

func modeOf(doc core.Document) StorageMode {
	switch StorageMode(doc.String(fieldStorageMode)) {
	case ModeSharded:
		return ModeSharded
	default:
		return ModeInline
	}
}

// inlineRows returns the embedded row map, accepting the older "rows" field.
func inlineRows(doc core.Document) map[string]any {
	if rows := doc.Map(fieldRowsByID); rows != nil {
		return rows
	}
	if rows := doc.Map(fieldLegacyRows); rows != nil {
		return rows
	}
	return map[string]any{}
}

func newDatasetDocument(t core.TemplateDefinition, columns []core.Column, now time.Time) core.Document {
	cols := make([]any, 0, len(columns))
	for _, c := range columns {
		cols = append(cols, map[string]any{
			"key":         c.Key,
			"displayName": c.DisplayName,
			"type":        string(c.Type),
			"required":    c.Required,
			"order":       c.Order,
		})
	}
	return core.Document{
		fieldDisciplina:  t.Disciplina,
		fieldTipo:        string(t.Tipo),
		fieldColumns:     cols,
		fieldRowCount:    0,
		fieldStorageMode: string(ModeInline),
		fieldRowsByID:    map[string]any{},
		fieldUpdatedAt:   now.UTC().Format(time.RFC3339Nano),
	}
}
