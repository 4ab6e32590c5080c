package core

import (
	"encoding/json"
	"fmt"
	"time"
)

// OperationType is the kind of mutation a change event represents.
type OperationType string

const (
	// OperationCreate means the record did not exist before the change.
	OperationCreate OperationType = "create"

	// OperationUpdate means the record existed before and after the change.
	OperationUpdate OperationType = "update"

	// OperationDelete means the record no longer exists after the change.
	OperationDelete OperationType = "delete"
)

// ChangeEvent is one observed mutation of a record. Before and After are the
// snapshots on either side of the mutation; nil means the record was absent.
type ChangeEvent struct {
	ID         string
	RecordID   string
	Before     *Record
	After      *Record
	ObservedAt time.Time

	// Attempt counts deliveries of this event. It is incremented each time a
	// failed event is re-published to the feed.
	Attempt int
}

type changeEventJSON struct {
	ID         string         `json:"id"`
	RecordID   string         `json:"recordId"`
	Before     map[string]any `json:"before,omitempty"`
	After      map[string]any `json:"after,omitempty"`
	ObservedAt time.Time      `json:"observedAt"`
	Attempt    int            `json:"attempt,omitempty"`
}

// MarshalJSON encodes the snapshots as raw documents.
func (e *ChangeEvent) MarshalJSON() ([]byte, error) {
	out := changeEventJSON{
		ID:         e.ID,
		RecordID:   e.RecordID,
		ObservedAt: e.ObservedAt,
		Attempt:    e.Attempt,
	}
	if e.Before != nil {
		out.Before = e.Before.Document()
	}
	if e.After != nil {
		out.After = e.After.Document()
	}
	return json.Marshal(out)
}

// UnmarshalJSON decodes raw document snapshots into records keyed by RecordID.
func (e *ChangeEvent) UnmarshalJSON(data []byte) error {
	var in changeEventJSON
	if err := json.Unmarshal(data, &in); err != nil {
		return fmt.Errorf("failed to decode change event: %w", err)
	}
	e.ID = in.ID
	e.RecordID = in.RecordID
	e.ObservedAt = in.ObservedAt
	e.Attempt = in.Attempt
	e.Before, e.After = nil, nil
	if in.Before != nil {
		e.Before = DecodeRecord(in.RecordID, in.Before)
	}
	if in.After != nil {
		e.After = DecodeRecord(in.RecordID, in.After)
	}
	return nil
}

// Source returns the snapshot that carries the data for the given operation:
// the before snapshot for deletes, the after snapshot otherwise.
func (e *ChangeEvent) Source(op OperationType) *Record {
	if op == OperationDelete {
		return e.Before
	}
	return e.After
}
