package mapper

import (
	"time"

	"github.com/rzpsarthak13/sheetsync/internal/core"
)

// FloorMigration is the rewrite planned for one record carrying the legacy
// floor key.
type FloorMigration struct {
	Record *core.Record
	Floor  any
}

// PlanFloorMigration plans the move of the legacy "nivel" floor key to "piso".
// A record qualifies when it has no usable floor under either the flat or
// the nested key but does have a legacy level. The returned record sets the
// floor both at the top level and in the location object, drops the legacy
// key when removeLegacy is set, and stamps updatedAt with now.
func PlanFloorMigration(rec *core.Record, removeLegacy bool, now time.Time) (FloorMigration, bool) {
	if rec == nil {
		return FloorMigration{}, false
	}

	floor := firstPresent(rec.Data[core.FieldFloor], locationValue(rec, true))
	level := firstPresent(rec.Data[core.FieldLevel], locationValue(rec, false))
	if truthy(floor) || !truthy(level) {
		return FloorMigration{}, false
	}

	out := rec.Clone()
	out.Data[core.FieldFloor] = level
	if out.Location == nil {
		out.Location = &core.Location{Extra: map[string]any{}}
	}
	out.Location.Piso = core.Some(level)
	if removeLegacy {
		delete(out.Data, core.FieldLevel)
		out.Location.Nivel = core.Optional{}
	}
	ts := now.UTC()
	out.UpdatedAt = &ts

	return FloorMigration{Record: out, Floor: level}, true
}

func locationValue(rec *core.Record, floor bool) any {
	if rec.Location == nil {
		return nil
	}
	if floor {
		return rec.Location.Piso.Value
	}
	return rec.Location.Nivel.Value
}

func firstPresent(values ...any) any {
	for _, v := range values {
		if v != nil {
			return v
		}
	}
	return nil
}

// truthy reports whether a document value counts as set: non-nil, non-empty,
// non-zero and not false.
func truthy(v any) bool {
	switch val := v.(type) {
	case nil:
		return false
	case string:
		return val != ""
	case bool:
		return val
	case float64:
		return val != 0 && val == val
	case int:
		return val != 0
	case int64:
		return val != 0
	default:
		return true
	}
}
