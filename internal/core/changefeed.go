package core

import (
	"context"
)

// ChangeFeed defines the delivery channel for change events between the
// upstream source and the sync workers. Implementations must keep the
// relative order of events that share a RecordID.
type ChangeFeed interface {
	// Publish appends an event to the feed.
	Publish(ctx context.Context, event *ChangeEvent) error

	// Dequeue retrieves up to batchSize events.
	// Returns an empty slice if no events are available.
	Dequeue(ctx context.Context, batchSize int) ([]*ChangeEvent, error)

	// Size returns the current number of pending events. Implementations
	// that cannot count exactly return an approximation.
	Size() int

	// Close closes the feed and releases resources.
	Close() error
}
