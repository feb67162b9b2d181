package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	clocktesting "k8s.io/utils/clock/testing"

	"ingestion-scheduler/internal/models"
)

func sampleJob() models.Job {
	return models.Job{
		ID:        "job-1",
		Priority:  models.PriorityHigh,
		Status:    models.StatusNotStarted,
		CreatedAt: time.Unix(1000, 0).UTC(),
		Batches: []models.Batch{
			{ID: "b1", ItemIDs: []int64{1, 2, 3}, Status: models.StatusNotStarted},
			{ID: "b2", ItemIDs: []int64{4}, Status: models.StatusNotStarted},
		},
	}
}

func TestMemoryCreateAndGet(t *testing.T) {
	ctx := context.Background()
	m := NewMemory(nil)
	require.NoError(t, m.CreateJob(ctx, sampleJob()))
	assert.Error(t, m.CreateJob(ctx, sampleJob()), "duplicate id")

	got, err := m.GetJob(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, sampleJob(), got)

	// Returned jobs are copies.
	got.Batches[0].ItemIDs[0] = 99
	again, err := m.GetJob(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), again.Batches[0].ItemIDs[0])

	_, err = m.GetJob(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryUpdateBatchForwardOnly(t *testing.T) {
	ctx := context.Background()
	m := NewMemory(nil)
	require.NoError(t, m.CreateJob(ctx, sampleJob()))

	started := time.Unix(2000, 0).UTC()
	require.NoError(t, m.UpdateBatch(ctx, "job-1", "b1", Started(started)))
	err := m.UpdateBatch(ctx, "job-1", "b1", Started(started.Add(time.Minute)))
	assert.ErrorIs(t, err, ErrInvalidTransition)

	completed := started.Add(5 * time.Second)
	require.NoError(t, m.UpdateBatch(ctx, "job-1", "b1", Completed(completed)))
	err = m.UpdateBatch(ctx, "job-1", "b1", BatchUpdate{Status: models.StatusNotStarted})
	assert.ErrorIs(t, err, ErrInvalidTransition)

	job, err := m.GetJob(ctx, "job-1")
	require.NoError(t, err)
	b := job.Batches[0]
	assert.Equal(t, models.StatusCompleted, b.Status)
	require.NotNil(t, b.StartedAt)
	require.NotNil(t, b.CompletedAt)
	assert.Equal(t, started, *b.StartedAt)
	assert.Equal(t, completed, *b.CompletedAt)
	assert.Equal(t, models.StatusNotStarted, job.Batches[1].Status)
}

func TestMemoryUpdateBatchUnknown(t *testing.T) {
	ctx := context.Background()
	m := NewMemory(nil)
	require.NoError(t, m.CreateJob(ctx, sampleJob()))

	assert.ErrorIs(t, m.UpdateBatch(ctx, "nope", "b1", Started(time.Now())), ErrNotFound)
	assert.ErrorIs(t, m.UpdateBatch(ctx, "job-1", "nope", Started(time.Now())), ErrNotFound)
}

func TestMemoryJobStatusAndAudit(t *testing.T) {
	ctx := context.Background()
	clk := clocktesting.NewFakeClock(time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC))
	m := NewMemory(clk)
	require.NoError(t, m.CreateJob(ctx, sampleJob()))

	require.NoError(t, m.UpdateJobStatus(ctx, "job-1", models.StatusInProgress))
	job, err := m.GetJob(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusInProgress, job.Status)
	assert.ErrorIs(t, m.UpdateJobStatus(ctx, "missing", models.StatusCompleted), ErrNotFound)

	require.NoError(t, m.AppendAudit(ctx, "job-1", "submitted", "priority=HIGH"))
	require.NoError(t, m.AppendAudit(ctx, "job-2", "submitted", "priority=LOW"))
	rows := m.Audit("job-1")
	require.Len(t, rows, 1)
	assert.Equal(t, "submitted", rows[0].Event)
	assert.Equal(t, clk.Now(), rows[0].Recorded, "audit rows are stamped by the injected clock")
}

func TestBatchUpdatePreviousStatuses(t *testing.T) {
	prev, err := Started(time.Now()).previousStatuses()
	require.NoError(t, err)
	assert.Equal(t, []string{"not_started"}, prev)

	prev, err = Completed(time.Now()).previousStatuses()
	require.NoError(t, err)
	assert.Equal(t, []string{"not_started", "in_progress"}, prev)

	_, err = BatchUpdate{Status: models.StatusNotStarted}.previousStatuses()
	assert.ErrorIs(t, err, ErrInvalidTransition)
}
