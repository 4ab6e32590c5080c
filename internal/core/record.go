package core

import (
	"fmt"
	"math"
	"time"
)

// Reserved top-level keys of a record document. They are decoded into typed
// fields of Record instead of the free-form Data bag.
const (
	FieldCategory  = "disciplina"
	FieldAttrs     = "attrs"
	FieldLocation  = "ubicacion"
	FieldUpdatedAt = "updatedAt"
	FieldFloor     = "piso"
	FieldLevel     = "nivel"
)

// Optional holds a value that may be absent. A present nil value is distinct
// from an absent one.
type Optional struct {
	Value any
	Valid bool
}

// Some returns a present Optional wrapping v.
func Some(v any) Optional {
	return Optional{Value: v, Valid: true}
}

// Location is the nested location object of a record. Piso and Nivel are the
// two keys observed for the floor across revisions; everything else is kept
// in Extra so the object can be written back unchanged.
type Location struct {
	Piso  Optional
	Nivel Optional
	Extra map[string]any
}

// Record is a document-database entity mirrored by the sync pipeline.
type Record struct {
	// ID is the stable identifier of the record. It is never read from Data.
	ID string

	// Category selects the schema and dataset the record belongs to.
	Category string

	// Data holds the remaining top-level fields of the document.
	Data map[string]any

	// Attrs is the free-form attribute bag.
	Attrs map[string]any

	// Location is nil when the document has no location object.
	Location *Location

	// UpdatedAt is nil when the document carries no usable timestamp.
	UpdatedAt *time.Time
}

// Lookup returns a direct field from the top-level data, then from the
// attribute bag. A nil value counts as absent.
func (r *Record) Lookup(key string) (any, bool) {
	if r == nil {
		return nil, false
	}
	if v, ok := r.Data[key]; ok && v != nil {
		return v, true
	}
	if v, ok := r.Attrs[key]; ok && v != nil {
		return v, true
	}
	return nil, false
}

// DecodeRecord builds a Record from a raw document. The category is read from
// "disciplina", falling back to "category".
func DecodeRecord(id string, doc map[string]any) *Record {
	rec := &Record{
		ID:   id,
		Data: make(map[string]any, len(doc)),
	}

	for key, value := range doc {
		switch key {
		case FieldAttrs:
			if attrs, ok := value.(map[string]any); ok {
				rec.Attrs = attrs
			}
		case FieldLocation:
			if loc, ok := value.(map[string]any); ok {
				rec.Location = decodeLocation(loc)
			}
		case FieldUpdatedAt:
			if ts, ok := ParseTimestamp(value); ok {
				rec.UpdatedAt = &ts
			}
		default:
			rec.Data[key] = value
		}
	}

	if category, ok := rec.Data[FieldCategory].(string); ok {
		rec.Category = category
	} else if category, ok := rec.Data["category"].(string); ok {
		rec.Category = category
	}
	if rec.Attrs == nil {
		rec.Attrs = map[string]any{}
	}

	return rec
}

func decodeLocation(raw map[string]any) *Location {
	loc := &Location{Extra: map[string]any{}}
	for key, value := range raw {
		switch key {
		case FieldFloor:
			loc.Piso = Some(value)
		case FieldLevel:
			loc.Nivel = Some(value)
		default:
			loc.Extra[key] = value
		}
	}
	return loc
}

// Document converts the record back into a raw document.
func (r *Record) Document() map[string]any {
	doc := make(map[string]any, len(r.Data)+3)
	for key, value := range r.Data {
		doc[key] = value
	}
	if r.Category != "" {
		if _, ok := doc[FieldCategory]; !ok {
			doc[FieldCategory] = r.Category
		}
	}
	if len(r.Attrs) > 0 {
		doc[FieldAttrs] = r.Attrs
	}
	if r.Location != nil {
		loc := make(map[string]any, len(r.Location.Extra)+2)
		for key, value := range r.Location.Extra {
			loc[key] = value
		}
		if r.Location.Piso.Valid {
			loc[FieldFloor] = r.Location.Piso.Value
		}
		if r.Location.Nivel.Valid {
			loc[FieldLevel] = r.Location.Nivel.Value
		}
		doc[FieldLocation] = loc
	}
	if r.UpdatedAt != nil {
		doc[FieldUpdatedAt] = r.UpdatedAt.UTC().Format(time.RFC3339Nano)
	}
	return doc
}

// Clone returns a deep-enough copy of the record for mutation by planners.
func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}
	out := &Record{
		ID:       r.ID,
		Category: r.Category,
		Data:     make(map[string]any, len(r.Data)),
		Attrs:    make(map[string]any, len(r.Attrs)),
	}
	for k, v := range r.Data {
		out.Data[k] = v
	}
	for k, v := range r.Attrs {
		out.Attrs[k] = v
	}
	if r.Location != nil {
		loc := *r.Location
		loc.Extra = make(map[string]any, len(r.Location.Extra))
		for k, v := range r.Location.Extra {
			loc.Extra[k] = v
		}
		out.Location = &loc
	}
	if r.UpdatedAt != nil {
		ts := *r.UpdatedAt
		out.UpdatedAt = &ts
	}
	return out
}

// ParseTimestamp accepts the timestamp encodings found in stored documents:
// time.Time, RFC 3339 strings, epoch milliseconds and {_seconds, _nanoseconds}
// objects.
func ParseTimestamp(value any) (time.Time, bool) {
	switch v := value.(type) {
	case time.Time:
		return v, !v.IsZero()
	case *time.Time:
		if v == nil {
			return time.Time{}, false
		}
		return *v, true
	case string:
		ts, err := time.Parse(time.RFC3339Nano, v)
		if err != nil {
			return time.Time{}, false
		}
		return ts, true
	case float64:
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return time.Time{}, false
		}
		return time.UnixMilli(int64(v)).UTC(), true
	case int64:
		return time.UnixMilli(v).UTC(), true
	case int:
		return time.UnixMilli(int64(v)).UTC(), true
	case map[string]any:
		secs, okS := numberField(v, "_seconds", "seconds")
		nanos, _ := numberField(v, "_nanoseconds", "nanoseconds")
		if !okS {
			return time.Time{}, false
		}
		return time.Unix(int64(secs), int64(nanos)).UTC(), true
	default:
		return time.Time{}, false
	}
}

func numberField(m map[string]any, keys ...string) (float64, bool) {
	for _, key := range keys {
		switch n := m[key].(type) {
		case float64:
			return n, true
		case int64:
			return float64(n), true
		case int:
			return float64(n), true
		}
	}
	return 0, false
}

// String implements fmt.Stringer for log output.
func (r *Record) String() string {
	if r == nil {
		return "<nil>"
	}
	return fmt.Sprintf("Record(%s, %s)", r.ID, r.Category)
}
