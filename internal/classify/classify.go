// Package classify decides which operation a change event represents and
// whether it has to be propagated.
package classify

import (
	"errors"
	"slices"

	"github.com/rzpsarthak13/sheetsync/internal/core"
	"github.com/rzpsarthak13/sheetsync/internal/mapper"
)

// ErrMalformedEvent is returned for events that carry neither snapshot.
var ErrMalformedEvent = errors.New("change event has no before or after snapshot")

// DeriveOperation returns create when only the after snapshot exists, delete
// when only the before snapshot exists and update otherwise.
func DeriveOperation(event *core.ChangeEvent) (core.OperationType, error) {
	if event == nil {
		return "", ErrMalformedEvent
	}
	switch {
	case event.Before == nil && event.After == nil:
		return "", ErrMalformedEvent
	case event.Before == nil:
		return core.OperationCreate, nil
	case event.After == nil:
		return core.OperationDelete, nil
	default:
		return core.OperationUpdate, nil
	}
}

// CategoryChanged reports whether an update moves the record to another
// category.
func CategoryChanged(event *core.ChangeEvent) bool {
	if event == nil || event.Before == nil || event.After == nil {
		return false
	}
	return event.Before.Category != event.After.Category
}

// HasRelevantChange maps both snapshots through the schema and compares the
// resulting rows column by column. Fields outside the schema never make an
// update relevant. The fallback timestamp is applied to both sides.
func HasRelevantChange(before, after *core.Record, schema *core.Schema, fallbackUpdatedAt string) bool {
	if before == nil || after == nil {
		return true
	}
	if schema == nil {
		return false
	}
	return !slices.Equal(
		mapper.MapRow(before, schema, fallbackUpdatedAt),
		mapper.MapRow(after, schema, fallbackUpdatedAt),
	)
}

// Decision is the classification of one change event.
type Decision struct {
	Operation core.OperationType

	// Relevant is false only for updates whose mapped rows are identical.
	Relevant bool
}

// Classify derives the operation and, for updates within one category,
// compares the mapped rows. A category move is always relevant.
func Classify(event *core.ChangeEvent, schema *core.Schema, fallbackUpdatedAt string) (Decision, error) {
	op, err := DeriveOperation(event)
	if err != nil {
		return Decision{}, err
	}
	if op != core.OperationUpdate || CategoryChanged(event) {
		return Decision{Operation: op, Relevant: true}, nil
	}
	return Decision{
		Operation: op,
		Relevant:  HasRelevantChange(event.Before, event.After, schema, fallbackUpdatedAt),
	}, nil
}
