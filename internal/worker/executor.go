package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"k8s.io/utils/clock"

	"ingestion-scheduler/internal/models"
	"ingestion-scheduler/internal/queue"
	"ingestion-scheduler/internal/store"
	"ingestion-scheduler/internal/telemetry"
)

// Executor drives one batch to completion. It is the only writer of batch
// status and never touches the job-level status.
type Executor struct {
	store     store.JobStore
	queue     queue.Queue
	processor ItemProcessor
	archive   ResultArchive
	clock     clock.PassiveClock
	log       zerolog.Logger
}

// ExecutorOption customises an Executor.
type ExecutorOption func(*Executor)

// WithArchive stores a result document per batch. A nil archive disables it.
func WithArchive(a ResultArchive) ExecutorOption {
	return func(e *Executor) { e.archive = a }
}

// WithClock overrides the clock used for started_at / completed_at.
func WithClock(c clock.PassiveClock) ExecutorOption {
	return func(e *Executor) { e.clock = c }
}

func NewExecutor(st store.JobStore, q queue.Queue, p ItemProcessor, log zerolog.Logger, opts ...ExecutorOption) *Executor {
	e := &Executor{
		store:     st,
		queue:     q,
		processor: p,
		clock:     clock.RealClock{},
		log:       log,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

type batchResult struct {
	JobID       string       `json:"job_id"`
	BatchID     string       `json:"batch_id"`
	StartedAt   time.Time    `json:"started_at"`
	FinishedAt  time.Time    `json:"finished_at"`
	Results     []ItemResult `json:"results"`
	FailedItems []int64      `json:"failed_items,omitempty"`
}

// Execute marks the batch started, calls the processor for each item in
// order, marks the batch completed regardless of item outcomes, and finally
// drops the queue entry.
func (e *Executor) Execute(ctx context.Context, entry models.QueueEntry) error {
	log := e.log.With().Str("job_id", entry.JobID).Str("batch_id", entry.BatchID).Logger()

	started := e.clock.Now()
	if err := e.store.UpdateBatch(ctx, entry.JobID, entry.BatchID, store.Started(started)); err != nil {
		telemetry.BatchErrors.Inc()
		return e.abortStart(ctx, entry, err, log)
	}
	e.audit(ctx, entry.JobID, "batch_started", entry.BatchID, log)
	log.Info().Ints64("item_ids", entry.ItemIDs).Msg("batch started")

	result := batchResult{JobID: entry.JobID, BatchID: entry.BatchID, StartedAt: started}
	for _, id := range entry.ItemIDs {
		res, err := e.processor.Process(ctx, id)
		if err != nil {
			err = fmt.Errorf("%w: item %d: %w", ErrItemProcessing, id, err)
			log.Warn().Err(err).Int64("item_id", id).Msg("skipping item")
			telemetry.ItemFailures.Inc()
			result.FailedItems = append(result.FailedItems, id)
			continue
		}
		telemetry.ItemsProcessed.Inc()
		log.Debug().Int64("item_id", id).Msg("item processed")
		result.Results = append(result.Results, res)
	}

	finished := e.clock.Now()
	result.FinishedAt = finished
	e.archiveResult(ctx, result, log)

	var errs error
	if err := e.store.UpdateBatch(ctx, entry.JobID, entry.BatchID, store.Completed(finished)); err != nil {
		errs = fmt.Errorf("mark batch %s completed: %w", entry.BatchID, err)
	} else {
		telemetry.BatchesCompleted.Inc()
		e.audit(ctx, entry.JobID, "batch_completed", fmt.Sprintf("%s failed_items=%d", entry.BatchID, len(result.FailedItems)), log)
	}
	if err := e.queue.Complete(ctx, entry.BatchID); err != nil {
		errs = errors.Join(errs, fmt.Errorf("complete queue entry %s: %w", entry.BatchID, err))
	}
	telemetry.BatchDuration.Observe(finished.Sub(started).Seconds())

	if errs != nil {
		telemetry.BatchErrors.Inc()
		return errs
	}
	log.Info().
		Int("items", len(entry.ItemIDs)).
		Int("failed_items", len(result.FailedItems)).
		Dur("took", finished.Sub(started)).
		Msg("batch completed")
	return nil
}

// abortStart handles a failed not_started -> in_progress write. A store outage
// puts the entry back so it runs later; any other failure means the batch can
// never start from this entry, so the entry is dropped.
func (e *Executor) abortStart(ctx context.Context, entry models.QueueEntry, cause error, log zerolog.Logger) error {
	cause = fmt.Errorf("mark batch %s started: %w", entry.BatchID, cause)
	if errors.Is(cause, store.ErrUnavailable) {
		if err := e.queue.Release(ctx, entry.BatchID); err != nil {
			return errors.Join(cause, fmt.Errorf("release queue entry: %w", err))
		}
		log.Warn().Err(cause).Msg("batch returned to queue")
		return cause
	}
	if err := e.queue.Complete(ctx, entry.BatchID); err != nil {
		return errors.Join(cause, fmt.Errorf("drop queue entry: %w", err))
	}
	log.Error().Err(cause).Msg("batch dropped from queue")
	return cause
}

func (e *Executor) archiveResult(ctx context.Context, result batchResult, log zerolog.Logger) {
	if e.archive == nil {
		return
	}
	body, err := json.Marshal(result)
	if err != nil {
		log.Warn().Err(err).Msg("marshal batch result")
		return
	}
	location, err := e.archive.Put(ctx, resultKey(result.JobID, result.BatchID), body, "application/json")
	if err != nil {
		log.Warn().Err(err).Msg("archive batch result")
		return
	}
	log.Debug().Str("location", location).Msg("batch result archived")
}

func (e *Executor) audit(ctx context.Context, jobID, event, detail string, log zerolog.Logger) {
	if err := e.store.AppendAudit(ctx, jobID, event, detail); err != nil {
		log.Warn().Err(err).Str("event", event).Msg("append audit")
	}
}
