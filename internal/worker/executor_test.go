package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	clocktesting "k8s.io/utils/clock/testing"

	"ingestion-scheduler/internal/models"
	"ingestion-scheduler/internal/queue"
	"ingestion-scheduler/internal/store"
)

type fixture struct {
	store *store.Memory
	queue *queue.Memory
	clock *clocktesting.FakeClock
	entry models.QueueEntry
}

func newFixture(t *testing.T, ids ...int64) fixture {
	t.Helper()
	ctx := context.Background()
	clk := clocktesting.NewFakeClock(time.Unix(1_700_000_000, 0).UTC())
	st := store.NewMemory(clk)
	q := queue.NewMemory(clk)

	job := models.Job{
		ID:        "job-1",
		Priority:  models.PriorityHigh,
		Status:    models.StatusNotStarted,
		CreatedAt: clk.Now(),
		Batches:   []models.Batch{{ID: "batch-1", ItemIDs: ids, Status: models.StatusNotStarted}},
	}
	require.NoError(t, st.CreateJob(ctx, job))
	require.NoError(t, q.Enqueue(ctx, models.QueueEntry{JobID: job.ID, BatchID: "batch-1", ItemIDs: ids, Priority: job.Priority}))
	entry, ok, err := q.TakeNext(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	return fixture{store: st, queue: q, clock: clk, entry: entry}
}

// steppingProcessor advances the fake clock per item to give the batch a duration.
func steppingProcessor(clk *clocktesting.FakeClock, fail map[int64]bool, calls *[]int64) ProcessorFunc {
	return func(_ context.Context, id int64) (ItemResult, error) {
		*calls = append(*calls, id)
		clk.Step(time.Second)
		if fail[id] {
			return ItemResult{}, errors.New("boom")
		}
		return ItemResult{ItemID: id, Data: json.RawMessage(`"ok"`)}, nil
	}
}

func TestExecuteCompletesBatch(t *testing.T) {
	f := newFixture(t, 1, 2, 3)
	var calls []int64
	exec := NewExecutor(f.store, f.queue, steppingProcessor(f.clock, nil, &calls), zerolog.Nop(), WithClock(f.clock))

	start := f.clock.Now()
	require.NoError(t, exec.Execute(context.Background(), f.entry))
	assert.Equal(t, []int64{1, 2, 3}, calls, "items are processed in order")

	job, err := f.store.GetJob(context.Background(), "job-1")
	require.NoError(t, err)
	b := job.Batches[0]
	assert.Equal(t, models.StatusCompleted, b.Status)
	require.NotNil(t, b.StartedAt)
	require.NotNil(t, b.CompletedAt)
	assert.Equal(t, start, *b.StartedAt)
	assert.Equal(t, start.Add(3*time.Second), *b.CompletedAt)
	assert.Equal(t, models.StatusNotStarted, job.Status, "executor leaves job status alone")

	_, tracked := f.queue.State("batch-1")
	assert.False(t, tracked)

	var events []string
	for _, a := range f.store.Audit("job-1") {
		events = append(events, a.Event)
	}
	assert.Equal(t, []string{"batch_started", "batch_completed"}, events)
}

func TestExecuteSkipsFailedItems(t *testing.T) {
	f := newFixture(t, 1, 2, 3)
	var calls []int64
	fail := map[int64]bool{1: true, 2: true, 3: true}
	exec := NewExecutor(f.store, f.queue, steppingProcessor(f.clock, fail, &calls), zerolog.Nop(), WithClock(f.clock))

	require.NoError(t, exec.Execute(context.Background(), f.entry))
	assert.Equal(t, []int64{1, 2, 3}, calls, "a failure never aborts the batch")

	job, err := f.store.GetJob(context.Background(), "job-1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, job.Batches[0].Status)
}

func TestExecuteArchivesResults(t *testing.T) {
	f := newFixture(t, 7, 8)
	var calls []int64
	dir := t.TempDir()
	exec := NewExecutor(f.store, f.queue, steppingProcessor(f.clock, map[int64]bool{8: true}, &calls), zerolog.Nop(),
		WithClock(f.clock), WithArchive(&localArchive{baseDir: dir}))

	require.NoError(t, exec.Execute(context.Background(), f.entry))

	data, err := os.ReadFile(filepath.Join(dir, "jobs", "job-1", "batches", "batch-1.json"))
	require.NoError(t, err)
	var doc batchResult
	require.NoError(t, json.Unmarshal(data, &doc))
	assert.Equal(t, "batch-1", doc.BatchID)
	require.Len(t, doc.Results, 1)
	assert.Equal(t, int64(7), doc.Results[0].ItemID)
	assert.Equal(t, []int64{8}, doc.FailedItems)
}

type flakyStore struct {
	*store.Memory
	failStart    error
	failComplete error
}

func (s *flakyStore) UpdateBatch(ctx context.Context, jobID, batchID string, u store.BatchUpdate) error {
	switch {
	case u.Status == models.StatusInProgress && s.failStart != nil:
		return s.failStart
	case u.Status == models.StatusCompleted && s.failComplete != nil:
		return s.failComplete
	}
	return s.Memory.UpdateBatch(ctx, jobID, batchID, u)
}

func TestExecuteReleasesEntryWhenStoreUnavailable(t *testing.T) {
	f := newFixture(t, 1)
	st := &flakyStore{Memory: f.store, failStart: fmt.Errorf("update batch: %w", store.ErrUnavailable)}
	var calls []int64
	exec := NewExecutor(st, f.queue, steppingProcessor(f.clock, nil, &calls), zerolog.Nop(), WithClock(f.clock))

	err := exec.Execute(context.Background(), f.entry)
	assert.ErrorIs(t, err, store.ErrUnavailable)
	assert.Empty(t, calls)

	state, ok := f.queue.State("batch-1")
	require.True(t, ok)
	assert.Equal(t, models.DispatchPending, state)
}

func TestExecuteDropsEntryForAlreadyStartedBatch(t *testing.T) {
	f := newFixture(t, 1)
	require.NoError(t, f.store.UpdateBatch(context.Background(), "job-1", "batch-1", store.Started(f.clock.Now())))
	var calls []int64
	exec := NewExecutor(f.store, f.queue, steppingProcessor(f.clock, nil, &calls), zerolog.Nop(), WithClock(f.clock))

	err := exec.Execute(context.Background(), f.entry)
	assert.ErrorIs(t, err, store.ErrInvalidTransition)
	assert.Empty(t, calls)
	_, ok := f.queue.State("batch-1")
	assert.False(t, ok)
}

func TestExecuteCompletionFailureStillFreesQueue(t *testing.T) {
	f := newFixture(t, 1, 2)
	st := &flakyStore{Memory: f.store, failComplete: fmt.Errorf("update batch: %w", store.ErrUnavailable)}
	var calls []int64
	exec := NewExecutor(st, f.queue, steppingProcessor(f.clock, nil, &calls), zerolog.Nop(), WithClock(f.clock))

	err := exec.Execute(context.Background(), f.entry)
	assert.ErrorIs(t, err, store.ErrUnavailable)
	assert.Equal(t, []int64{1, 2}, calls)

	_, ok := f.queue.State("batch-1")
	assert.False(t, ok, "the batch is not run twice")
}
