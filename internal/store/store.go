package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"ingestion-scheduler/internal/models"
)

var (
	// ErrNotFound is returned for unknown job or batch ids.
	ErrNotFound = errors.New("not found")
	// ErrUnavailable wraps failures of the backing database.
	ErrUnavailable = errors.New("job store unavailable")
	// ErrInvalidTransition is returned when an update would move a batch status backwards.
	ErrInvalidTransition = errors.New("invalid batch status transition")
)

// JobStore persists jobs and their batches.
type JobStore interface {
	// CreateJob persists the job and all of its batches atomically.
	CreateJob(ctx context.Context, job models.Job) error
	// UpdateBatch applies a forward-only status change to one batch.
	UpdateBatch(ctx context.Context, jobID, batchID string, u BatchUpdate) error
	GetJob(ctx context.Context, jobID string) (models.Job, error)
	// UpdateJobStatus caches the derived job status.
	UpdateJobStatus(ctx context.Context, jobID string, status models.Status) error
	AppendAudit(ctx context.Context, jobID, event, detail string) error
}

// BatchUpdate carries the fields written on a batch transition. Timestamps are
// only set if the batch does not already have them.
type BatchUpdate struct {
	Status      models.Status
	StartedAt   *time.Time
	CompletedAt *time.Time
}

// Started builds the not_started -> in_progress update.
func Started(at time.Time) BatchUpdate {
	return BatchUpdate{Status: models.StatusInProgress, StartedAt: &at}
}

// Completed builds the in_progress -> completed update.
func Completed(at time.Time) BatchUpdate {
	return BatchUpdate{Status: models.StatusCompleted, CompletedAt: &at}
}

// previousStatuses lists the statuses a batch may be in for u to apply.
func (u BatchUpdate) previousStatuses() ([]string, error) {
	var prev []string
	for _, s := range []models.Status{models.StatusNotStarted, models.StatusInProgress} {
		if s.CanAdvanceTo(u.Status) {
			prev = append(prev, string(s))
		}
	}
	if len(prev) == 0 {
		return nil, fmt.Errorf("%w: target %q", ErrInvalidTransition, u.Status)
	}
	return prev, nil
}

func unavailable(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, ErrUnavailable, err)
}
