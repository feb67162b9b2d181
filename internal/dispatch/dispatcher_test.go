package dispatch

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	clocktesting "k8s.io/utils/clock/testing"

	"ingestion-scheduler/internal/models"
	"ingestion-scheduler/internal/queue"
)

type dispatchRecord struct {
	batchID string
	at      time.Time
}

// recordingExecutor notes each dispatch and optionally blocks until released.
type recordingExecutor struct {
	clock *clocktesting.FakeClock
	q     queue.Queue
	gate  chan struct{}

	mu      sync.Mutex
	records []dispatchRecord
	running int
	maxRun  int
}

func (e *recordingExecutor) Execute(ctx context.Context, entry models.QueueEntry) error {
	e.mu.Lock()
	e.records = append(e.records, dispatchRecord{batchID: entry.BatchID, at: e.clock.Now()})
	e.running++
	if e.running > e.maxRun {
		e.maxRun = e.running
	}
	e.mu.Unlock()

	if e.gate != nil {
		<-e.gate
	}

	e.mu.Lock()
	e.running--
	e.mu.Unlock()
	return e.q.Complete(ctx, entry.BatchID)
}

func (e *recordingExecutor) snapshot() []dispatchRecord {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]dispatchRecord(nil), e.records...)
}

func setup(t *testing.T, blocking bool) (*Dispatcher, *recordingExecutor, *queue.Memory, *clocktesting.FakeClock) {
	t.Helper()
	clk := clocktesting.NewFakeClock(time.Unix(1_700_000_000, 0))
	q := queue.NewMemory(clk)
	exec := &recordingExecutor{clock: clk, q: q}
	if blocking {
		exec.gate = make(chan struct{})
	}
	d := New(q, exec, Config{Tick: time.Second, RateLimitInterval: 5 * time.Second}, clk, zerolog.Nop())
	return d, exec, q, clk
}

func enqueue(t *testing.T, q queue.Queue, clk *clocktesting.FakeClock, job string, p models.Priority, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		require.NoError(t, q.Enqueue(context.Background(), models.QueueEntry{
			JobID:    job,
			BatchID:  fmt.Sprintf("%s-%d", job, i),
			ItemIDs:  []int64{int64(i + 1)},
			Priority: p,
		}))
		clk.Step(time.Millisecond)
	}
}

func TestDispatchStartsAreRateLimited(t *testing.T) {
	d, exec, q, clk := setup(t, false)
	enqueue(t, q, clk, "job", models.PriorityLow, 4)

	ctx := context.Background()
	for i := 0; i < 20; i++ {
		d.Tick(ctx)
		d.Wait()
		clk.Step(time.Second)
	}

	records := exec.snapshot()
	require.Len(t, records, 4)
	for i := 1; i < len(records); i++ {
		gap := records[i].at.Sub(records[i-1].at)
		assert.GreaterOrEqual(t, gap, 5*time.Second, "gap between dispatch %d and %d", i-1, i)
	}
	assert.Equal(t, []string{"job-0", "job-1", "job-2", "job-3"}, ids(records))
}

func TestSingleBatchInFlight(t *testing.T) {
	d, exec, q, clk := setup(t, true)
	enqueue(t, q, clk, "job", models.PriorityHigh, 2)

	ctx := context.Background()
	require.True(t, d.Tick(ctx))
	require.Eventually(t, func() bool { return len(exec.snapshot()) == 1 }, time.Second, time.Millisecond)

	// Long past the rate limit, but the first batch is still running.
	for i := 0; i < 10; i++ {
		clk.Step(5 * time.Second)
		assert.False(t, d.Tick(ctx))
	}
	assert.True(t, d.InFlight())

	exec.gate <- struct{}{}
	d.Wait()
	assert.False(t, d.InFlight())

	require.True(t, d.Tick(ctx), "slot freed and interval long elapsed")
	exec.gate <- struct{}{}
	d.Wait()

	exec.mu.Lock()
	defer exec.mu.Unlock()
	assert.Equal(t, 1, exec.maxRun)
	assert.Len(t, exec.records, 2)
}

func TestEmptyQueueDoesNotConsumeInterval(t *testing.T) {
	d, exec, q, clk := setup(t, false)
	ctx := context.Background()

	assert.False(t, d.Tick(ctx))
	clk.Step(time.Second)
	enqueue(t, q, clk, "job", models.PriorityMedium, 1)

	assert.True(t, d.Tick(ctx), "nothing was dispatched before, so no wait")
	d.Wait()
	assert.Len(t, exec.snapshot(), 1)
}

func TestHighPriorityOvertakesRemainingMediumBatches(t *testing.T) {
	d, exec, q, clk := setup(t, true)
	ctx := context.Background()
	enqueue(t, q, clk, "medium", models.PriorityMedium, 3)

	require.True(t, d.Tick(ctx))
	require.Eventually(t, func() bool { return len(exec.snapshot()) == 1 }, time.Second, time.Millisecond)

	// HIGH job arrives while the first MEDIUM batch is running.
	enqueue(t, q, clk, "high", models.PriorityHigh, 1)
	exec.gate <- struct{}{}
	d.Wait()

	clk.Step(5 * time.Second)
	for i := 0; i < 3; i++ {
		require.True(t, d.Tick(ctx))
		exec.gate <- struct{}{}
		d.Wait()
		clk.Step(5 * time.Second)
	}

	assert.Equal(t, []string{"medium-0", "high-0", "medium-1", "medium-2"}, ids(exec.snapshot()))
}

func TestRunDispatchesOnTickerAndStops(t *testing.T) {
	d, exec, q, clk := setup(t, false)
	enqueue(t, q, clk, "job", models.PriorityHigh, 2)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()

	require.Eventually(t, clk.HasWaiters, time.Second, time.Millisecond)
	require.Eventually(t, func() bool {
		clk.Step(time.Second)
		return len(exec.snapshot()) == 2
	}, 5*time.Second, 5*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
	assert.False(t, d.InFlight())
}

func ids(records []dispatchRecord) []string {
	out := make([]string, len(records))
	for i, r := range records {
		out[i] = r.batchID
	}
	return out
}
