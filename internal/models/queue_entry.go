package models

import "time"

// DispatchState tracks a queue entry through scheduling.
type DispatchState string

const (
	DispatchPending DispatchState = "pending"
	DispatchClaimed DispatchState = "claimed"
	DispatchDone    DispatchState = "done"
)

// QueueEntry is the ephemeral scheduling record for one batch.
type QueueEntry struct {
	JobID      string        `json:"job_id"`
	BatchID    string        `json:"batch_id"`
	ItemIDs    []int64       `json:"item_ids"`
	Priority   Priority      `json:"priority"`
	EnqueuedAt time.Time     `json:"enqueued_at"`
	State      DispatchState `json:"state"`
}

// Before orders entries for dispatch: higher priority first, then earlier enqueue time.
func (e QueueEntry) Before(other QueueEntry) bool {
	if e.Priority.Rank() != other.Priority.Rank() {
		return e.Priority.Rank() > other.Priority.Rank()
	}
	return e.EnqueuedAt.Before(other.EnqueuedAt)
}
