// Package mapper turns records into ordered column values for a category
// schema.
//
// For a column key, MapValue resolves in this order:
//  1. the identifier column, taken from the record id;
//  2. the updatedAt column, taken from the record timestamp or the fallback;
//  3. a direct field in the record data or its attribute bag;
//  4. a structural fallback registered for the key (the floor is read from
//     the nested location object);
//  5. every legacy alias pointing at the key;
//  6. the empty string.
package mapper

import (
	"time"

	"github.com/rzpsarthak13/sheetsync/internal/core"
)

// TimestampLayout is the canonical timestamp format of the updatedAt column.
const TimestampLayout = "2006-01-02T15:04:05.000Z"

// FormatTimestamp renders t in the canonical timestamp format, in UTC.
func FormatTimestamp(t time.Time) string {
	return t.UTC().Format(TimestampLayout)
}

// fallbackFunc reads a column value from the record structure when no direct
// field matches.
type fallbackFunc func(rec *core.Record) (any, bool)

var structuralFallbacks = map[string]fallbackFunc{
	core.FieldFloor: locationFloor,
}

// locationFloor reads the floor from the nested location object, preferring
// the current key over the legacy one.
func locationFloor(rec *core.Record) (any, bool) {
	if rec.Location == nil {
		return nil, false
	}
	if rec.Location.Piso.Valid {
		return rec.Location.Piso.Value, true
	}
	if rec.Location.Nivel.Valid {
		return rec.Location.Nivel.Value, true
	}
	return nil, false
}

// MapValue returns the normalized string value of one column for a record.
// fallbackUpdatedAt is used for the updatedAt column when the record carries
// no timestamp.
func MapValue(rec *core.Record, column core.Column, schema *core.Schema, fallbackUpdatedAt string) string {
	if rec == nil {
		return ""
	}

	switch column.Key {
	case core.IDColumn:
		return rec.ID
	case core.UpdatedAtColumn:
		if rec.UpdatedAt != nil {
			return FormatTimestamp(*rec.UpdatedAt)
		}
		return fallbackUpdatedAt
	}

	if v, ok := rec.Lookup(column.Key); ok {
		return Stringify(v)
	}

	if fallback, ok := structuralFallbacks[column.Key]; ok {
		if v, ok := fallback(rec); ok {
			return Stringify(v)
		}
	}

	if schema != nil {
		for _, legacy := range schema.AliasesFor(column.Key) {
			if v, ok := rec.Lookup(legacy); ok {
				return Stringify(v)
			}
		}
	}

	return ""
}

// MapRow maps every schema column in order. The identifier column is always
// populated from the record id regardless of its position.
func MapRow(rec *core.Record, schema *core.Schema, fallbackUpdatedAt string) []string {
	values := make([]string, len(schema.Columns))
	for i, col := range schema.Columns {
		values[i] = MapValue(rec, col, schema, fallbackUpdatedAt)
	}
	return values
}

// MapFields is MapRow keyed by column key.
func MapFields(rec *core.Record, schema *core.Schema, fallbackUpdatedAt string) map[string]string {
	fields := make(map[string]string, len(schema.Columns))
	for _, col := range schema.Columns {
		fields[col.Key] = MapValue(rec, col, schema, fallbackUpdatedAt)
	}
	return fields
}
