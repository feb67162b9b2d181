// Package queue holds pending batches and hands them to the dispatcher in
// priority-then-FIFO order. HIGH always wins over MEDIUM and LOW; a steady
// stream of HIGH work can starve lower tiers indefinitely.
package queue

import (
	"context"
	"time"

	"ingestion-scheduler/internal/models"
)

// Queue is the Work Queue consumed by the dispatcher.
type Queue interface {
	// Enqueue adds a pending entry. EnqueuedAt is stamped if zero. Enqueueing a
	// batch that is already queued is a no-op.
	Enqueue(ctx context.Context, entry models.QueueEntry) error
	// TakeNext atomically claims the highest-priority, earliest-enqueued pending
	// entry. ok is false when nothing is pending.
	TakeNext(ctx context.Context) (entry models.QueueEntry, ok bool, err error)
	// Complete drops the entry for batchID. Unknown ids are ignored.
	Complete(ctx context.Context, batchID string) error
	// Release returns a claimed entry to pending at its original position.
	Release(ctx context.Context, batchID string) error
	// Depth reports pending and claimed entry counts.
	Depth(ctx context.Context) (pending, claimed int64, err error)
}

// Recoverable is implemented by queues that can list their outstanding claims.
// A claim outlives the dispatcher that made it when that process dies before
// calling Complete or Release.
type Recoverable interface {
	// Claimed lists entries claimed at or before the given time, oldest claim first.
	Claimed(ctx context.Context, before time.Time) ([]models.QueueEntry, error)
}
