package schema

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/rzpsarthak13/sheetsync/internal/core"
)

// RowValidator checks mapped rows against a schema's column definitions.
type RowValidator struct {
	schema *core.Schema
}

// NewRowValidator creates a validator for one schema.
func NewRowValidator(schema *core.Schema) *RowValidator {
	return &RowValidator{schema: schema}
}

// Problem describes one column value that does not fit its definition.
type Problem struct {
	Column string
	Reason string
}

func (p Problem) String() string {
	return fmt.Sprintf("%s: %s", p.Column, p.Reason)
}

// ValidateRow reports required columns left empty and values that do not
// parse as their column type. values must be in schema column order.
func (v *RowValidator) ValidateRow(values []string) ([]Problem, error) {
	if v.schema == nil {
		return nil, fmt.Errorf("schema cannot be nil")
	}
	if len(values) != len(v.schema.Columns) {
		return nil, fmt.Errorf("row has %d values, schema has %d columns", len(values), len(v.schema.Columns))
	}

	var problems []Problem
	for i, col := range v.schema.Columns {
		value := values[i]
		if value == "" {
			if col.Required {
				problems = append(problems, Problem{Column: col.Key, Reason: "required value is empty"})
			}
			continue
		}
		if err := checkType(col.Type, value); err != nil {
			problems = append(problems, Problem{Column: col.Key, Reason: err.Error()})
		}
	}
	return problems, nil
}

var dateLayouts = []string{time.RFC3339Nano, "2006-01-02", "02/01/2006"}

func checkType(t core.ColumnType, value string) error {
	switch t {
	case core.ColumnNumber:
		if _, err := strconv.ParseFloat(value, 64); err != nil {
			return fmt.Errorf("expected a number, got %q", value)
		}
	case core.ColumnBool:
		switch strings.ToLower(value) {
		case "true", "false", "si", "sí", "no":
		default:
			return fmt.Errorf("expected a boolean, got %q", value)
		}
	case core.ColumnDate:
		for _, layout := range dateLayouts {
			if _, err := time.Parse(layout, value); err == nil {
				return nil
			}
		}
		return fmt.Errorf("expected a date, got %q", value)
	}
	return nil
}
