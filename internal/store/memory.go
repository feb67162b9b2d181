package store

import (
	"context"
	"fmt"
	"sync"
	"time"

	"k8s.io/utils/clock"

	"ingestion-scheduler/internal/models"
)

// Memory is an in-process JobStore used for tests and single-process deployments.
type Memory struct {
	mu    sync.RWMutex
	clock clock.PassiveClock
	jobs  map[string]*models.Job
	audit []models.AuditLog
}

// NewMemory builds an empty store. clk stamps audit rows; nil means the real clock.
func NewMemory(clk clock.PassiveClock) *Memory {
	if clk == nil {
		clk = clock.RealClock{}
	}
	return &Memory{clock: clk, jobs: make(map[string]*models.Job)}
}

func (m *Memory) CreateJob(_ context.Context, job models.Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.jobs[job.ID]; exists {
		return fmt.Errorf("create job %s: already exists", job.ID)
	}
	stored := cloneJob(job)
	m.jobs[job.ID] = &stored
	return nil
}

func (m *Memory) UpdateBatch(_ context.Context, jobID, batchID string, u BatchUpdate) error {
	if _, err := u.previousStatuses(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[jobID]
	if !ok {
		return fmt.Errorf("job %s: %w", jobID, ErrNotFound)
	}
	for i := range job.Batches {
		b := &job.Batches[i]
		if b.ID != batchID {
			continue
		}
		if !b.Status.CanAdvanceTo(u.Status) {
			return fmt.Errorf("batch %s %s -> %s: %w", batchID, b.Status, u.Status, ErrInvalidTransition)
		}
		b.Status = u.Status
		if u.StartedAt != nil && b.StartedAt == nil {
			b.StartedAt = timePtr(*u.StartedAt)
		}
		if u.CompletedAt != nil && b.CompletedAt == nil {
			b.CompletedAt = timePtr(*u.CompletedAt)
		}
		return nil
	}
	return fmt.Errorf("batch %s in job %s: %w", batchID, jobID, ErrNotFound)
}

func (m *Memory) GetJob(_ context.Context, jobID string) (models.Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	job, ok := m.jobs[jobID]
	if !ok {
		return models.Job{}, fmt.Errorf("job %s: %w", jobID, ErrNotFound)
	}
	return cloneJob(*job), nil
}

func (m *Memory) UpdateJobStatus(_ context.Context, jobID string, status models.Status) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[jobID]
	if !ok {
		return fmt.Errorf("job %s: %w", jobID, ErrNotFound)
	}
	job.Status = status
	return nil
}

func (m *Memory) AppendAudit(_ context.Context, jobID, event, detail string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.audit = append(m.audit, models.AuditLog{JobID: jobID, Event: event, Detail: detail, Recorded: m.clock.Now().UTC()})
	return nil
}

// Audit returns the audit rows recorded for a job, oldest first.
func (m *Memory) Audit(jobID string) []models.AuditLog {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.AuditLog
	for _, a := range m.audit {
		if a.JobID == jobID {
			out = append(out, a)
		}
	}
	return out
}

func cloneJob(j models.Job) models.Job {
	out := j
	out.Batches = make([]models.Batch, len(j.Batches))
	for i, b := range j.Batches {
		cb := b
		cb.ItemIDs = append([]int64(nil), b.ItemIDs...)
		if b.StartedAt != nil {
			cb.StartedAt = timePtr(*b.StartedAt)
		}
		if b.CompletedAt != nil {
			cb.CompletedAt = timePtr(*b.CompletedAt)
		}
		out.Batches[i] = cb
	}
	return out
}

func timePtr(t time.Time) *time.Time { return &t }
