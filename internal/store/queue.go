// Package store contains the domain model and the database layer contracts for exporthub.
package store

import (
	"context"
	"encoding/json"
)

// Queue defines a durable job queue shared by controller and workers.
// Claimed items become visible again if they are not acked in time,
// so consumers must tolerate redelivery.
type Queue interface {
	// Enqueue appends a payload to the queue.
	Enqueue(ctx context.Context, payload json.RawMessage) error

	// DequeueBatch claims up to 'limit' available items.
	// Returns nil slice if queue is empty.
	DequeueBatch(ctx context.Context, limit int) ([]QueueItem, error)

	// Ack removes a claimed item permanently.
	Ack(ctx context.Context, item QueueItem) error

	// Count tracks count of items in queue
	Count(ctx context.Context) (int64, error)
}

// QueueItem represents a claimed queue entry.
type QueueItem struct {
	ID      string
	Payload json.RawMessage
}
