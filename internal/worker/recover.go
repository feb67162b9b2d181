package worker

import (
	"context"
	"errors"
	"fmt"

	"ingestion-scheduler/internal/models"
	"ingestion-scheduler/internal/queue"
	"ingestion-scheduler/internal/store"
)

// RecoverReport counts what Recover did with each outstanding claim.
type RecoverReport struct {
	Requeued int
	Dropped  int
}

// Recover settles claims left behind by a dispatcher that stopped between
// TakeNext and Complete. It must run before the dispatcher starts, since
// every outstanding claim is then known to be orphaned.
//
// A batch still not_started goes back to its queue position. A batch that is
// gone or already completed only loses its queue entry. A batch that was
// in_progress was interrupted mid-run; it is not retried and stays
// in_progress, so its entry is dropped as well.
func (e *Executor) Recover(ctx context.Context) (RecoverReport, error) {
	var report RecoverReport
	rq, ok := e.queue.(queue.Recoverable)
	if !ok {
		return report, nil
	}
	claims, err := rq.Claimed(ctx, e.clock.Now())
	if err != nil {
		return report, fmt.Errorf("list claims: %w", err)
	}

	for _, entry := range claims {
		log := e.log.With().Str("job_id", entry.JobID).Str("batch_id", entry.BatchID).Logger()
		status, err := e.batchStatus(ctx, entry)
		if err != nil {
			return report, err
		}
		switch status {
		case models.StatusNotStarted:
			if err := e.queue.Release(ctx, entry.BatchID); err != nil {
				return report, fmt.Errorf("requeue batch %s: %w", entry.BatchID, err)
			}
			report.Requeued++
			log.Info().Msg("orphaned claim requeued")
			continue
		case models.StatusInProgress:
			log.Error().Msg("batch interrupted mid-run; left in_progress")
		default:
			log.Info().Str("status", string(status)).Msg("orphaned claim dropped")
		}
		if err := e.queue.Complete(ctx, entry.BatchID); err != nil {
			return report, fmt.Errorf("drop batch %s: %w", entry.BatchID, err)
		}
		report.Dropped++
	}
	return report, nil
}

// batchStatus returns the stored status of the entry's batch, or "" when the
// job or batch no longer exists.
func (e *Executor) batchStatus(ctx context.Context, entry models.QueueEntry) (models.Status, error) {
	job, err := e.store.GetJob(ctx, entry.JobID)
	if errors.Is(err, store.ErrNotFound) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("load job %s: %w", entry.JobID, err)
	}
	for _, b := range job.Batches {
		if b.ID == entry.BatchID {
			return b.Status, nil
		}
	}
	return "", nil
}
