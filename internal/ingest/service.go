// Package ingest accepts submissions and answers status queries.
package ingest

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"k8s.io/utils/clock"

	"ingestion-scheduler/internal/batch"
	"ingestion-scheduler/internal/models"
	"ingestion-scheduler/internal/queue"
	"ingestion-scheduler/internal/store"
	"ingestion-scheduler/internal/telemetry"
)

var (
	// ErrInvalidInput rejects a malformed submission; nothing is persisted.
	ErrInvalidInput = errors.New("invalid input")
	// ErrNotFound is returned for unknown job ids.
	ErrNotFound = errors.New("job not found")
)

// Service splits submissions into batches, persists them and feeds the work queue.
type Service struct {
	store     store.JobStore
	queue     queue.Queue
	batchSize int
	clock     clock.PassiveClock
	newID     func() string
	log       zerolog.Logger
}

func NewService(st store.JobStore, q queue.Queue, batchSize int, clk clock.PassiveClock, log zerolog.Logger) *Service {
	if batchSize < 1 {
		batchSize = batch.DefaultSize
	}
	if clk == nil {
		clk = clock.RealClock{}
	}
	return &Service{
		store:     st,
		queue:     q,
		batchSize: batchSize,
		clock:     clk,
		newID:     uuid.NewString,
		log:       log,
	}
}

// BatchStatus is one row of a status report.
type BatchStatus struct {
	BatchID     string        `json:"batch_id"`
	ItemIDs     []int64       `json:"item_ids"`
	Status      models.Status `json:"status"`
	StartedAt   *string       `json:"started_at,omitempty"`
	CompletedAt *string       `json:"completed_at,omitempty"`
}

// StatusReport is the response to a status query.
type StatusReport struct {
	JobID     string        `json:"job_id"`
	Priority  string        `json:"priority"`
	Status    models.Status `json:"status"`
	CreatedAt string        `json:"created_at"`
	Batches   []BatchStatus `json:"batches"`
}

// Validate checks a submission without side effects.
func Validate(ids []int64, priority models.Priority) error {
	if len(ids) == 0 {
		return fmt.Errorf("%w: ids must be a non-empty array", ErrInvalidInput)
	}
	if !priority.Valid() {
		return fmt.Errorf("%w: priority must be HIGH, MEDIUM, or LOW", ErrInvalidInput)
	}
	for _, id := range ids {
		if id < 1 || id > models.MaxItemID {
			return fmt.Errorf("%w: all ids must be integers between 1 and %d", ErrInvalidInput, models.MaxItemID)
		}
	}
	return nil
}

// Submit validates and persists a job, then enqueues one entry per batch in order.
func (s *Service) Submit(ctx context.Context, ids []int64, priority models.Priority) (string, error) {
	if err := Validate(ids, priority); err != nil {
		telemetry.SubmitRejects.WithLabelValues("invalid").Inc()
		return "", err
	}
	parts, err := batch.Split(ids, s.batchSize)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrInvalidInput, err)
	}

	job := models.Job{
		ID:        s.newID(),
		Priority:  priority,
		Status:    models.StatusNotStarted,
		CreatedAt: s.clock.Now().UTC(),
		Batches:   make([]models.Batch, len(parts)),
	}
	for i, items := range parts {
		job.Batches[i] = models.Batch{ID: s.newID(), ItemIDs: items, Status: models.StatusNotStarted}
	}

	if err := s.store.CreateJob(ctx, job); err != nil {
		return "", fmt.Errorf("create job: %w", err)
	}

	for _, b := range job.Batches {
		err := s.queue.Enqueue(ctx, models.QueueEntry{
			JobID:    job.ID,
			BatchID:  b.ID,
			ItemIDs:  b.ItemIDs,
			Priority: priority,
		})
		if err != nil {
			// The job row exists; batches that were not queued stay not_started.
			s.log.Error().Err(err).Str("job_id", job.ID).Str("batch_id", b.ID).Msg("enqueue batch")
			return "", fmt.Errorf("enqueue batch %s: %w", b.ID, err)
		}
		telemetry.BatchesEnqueued.Inc()
	}

	if err := s.store.AppendAudit(ctx, job.ID, "submitted", fmt.Sprintf("priority=%s items=%d batches=%d", priority, len(ids), len(parts))); err != nil {
		s.log.Warn().Err(err).Str("job_id", job.ID).Msg("append audit")
	}
	telemetry.JobsSubmitted.WithLabelValues(string(priority)).Inc()
	s.log.Info().
		Str("job_id", job.ID).
		Str("priority", string(priority)).
		Int("items", len(ids)).
		Int("batches", len(parts)).
		Msg("job submitted")
	return job.ID, nil
}

// Status recomputes the job status from its batches. A changed value is
// written back best-effort; the response never depends on that write.
func (s *Service) Status(ctx context.Context, jobID string) (StatusReport, error) {
	job, err := s.store.GetJob(ctx, jobID)
	if errors.Is(err, store.ErrNotFound) {
		return StatusReport{}, fmt.Errorf("%w: %s", ErrNotFound, jobID)
	}
	if err != nil {
		return StatusReport{}, fmt.Errorf("load job: %w", err)
	}

	derived := job.DerivedStatus()
	if derived != job.Status {
		if err := s.store.UpdateJobStatus(ctx, job.ID, derived); err != nil {
			s.log.Warn().Err(err).Str("job_id", job.ID).Msg("persist derived status")
		}
	}

	report := StatusReport{
		JobID:     job.ID,
		Priority:  string(job.Priority),
		Status:    derived,
		CreatedAt: formatTime(job.CreatedAt),
		Batches:   make([]BatchStatus, len(job.Batches)),
	}
	for i, b := range job.Batches {
		report.Batches[i] = BatchStatus{
			BatchID:     b.ID,
			ItemIDs:     b.ItemIDs,
			Status:      b.Status,
			StartedAt:   formatTimePtr(b.StartedAt),
			CompletedAt: formatTimePtr(b.CompletedAt),
		}
	}
	return report, nil
}
