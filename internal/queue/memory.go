package queue

import (
	"container/heap"
	"context"
	"sort"
	"sync"
	"time"

	"k8s.io/utils/clock"

	"ingestion-scheduler/internal/models"
)

type memItem struct {
	entry     models.QueueEntry
	seq       uint64
	index     int
	claimedAt time.Time
}

type entryHeap []*memItem

func (h entryHeap) Len() int { return len(h) }

func (h entryHeap) Less(i, j int) bool {
	a, b := h[i], h[j]
	if a.entry.Before(b.entry) {
		return true
	}
	if b.entry.Before(a.entry) {
		return false
	}
	return a.seq < b.seq
}

func (h entryHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *entryHeap) Push(x interface{}) {
	it := x.(*memItem)
	it.index = len(*h)
	*h = append(*h, it)
}

func (h *entryHeap) Pop() interface{} {
	old := *h
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	it.index = -1
	*h = old[:n-1]
	return it
}

// Memory is a mutex-guarded priority queue. Selection and claim happen in one
// critical section so concurrent TakeNext calls never share an entry.
type Memory struct {
	mu      sync.Mutex
	clock   clock.PassiveClock
	pending entryHeap
	index   map[string]*memItem
	seq     uint64
}

func NewMemory(clk clock.PassiveClock) *Memory {
	if clk == nil {
		clk = clock.RealClock{}
	}
	q := &Memory{clock: clk, index: make(map[string]*memItem)}
	heap.Init(&q.pending)
	return q
}

func (q *Memory) Enqueue(_ context.Context, entry models.QueueEntry) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, exists := q.index[entry.BatchID]; exists {
		return nil
	}
	if entry.EnqueuedAt.IsZero() {
		entry.EnqueuedAt = q.clock.Now()
	}
	entry.State = models.DispatchPending
	entry.ItemIDs = append([]int64(nil), entry.ItemIDs...)
	q.seq++
	it := &memItem{entry: entry, seq: q.seq}
	heap.Push(&q.pending, it)
	q.index[entry.BatchID] = it
	return nil
}

func (q *Memory) TakeNext(_ context.Context) (models.QueueEntry, bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.pending.Len() == 0 {
		return models.QueueEntry{}, false, nil
	}
	it := heap.Pop(&q.pending).(*memItem)
	it.entry.State = models.DispatchClaimed
	it.claimedAt = q.clock.Now()
	return copyEntry(it.entry), true, nil
}

func (q *Memory) Complete(_ context.Context, batchID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	it, ok := q.index[batchID]
	if !ok {
		return nil
	}
	if it.entry.State == models.DispatchPending && it.index >= 0 {
		heap.Remove(&q.pending, it.index)
	}
	it.entry.State = models.DispatchDone
	delete(q.index, batchID)
	return nil
}

func (q *Memory) Release(_ context.Context, batchID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	it, ok := q.index[batchID]
	if !ok || it.entry.State != models.DispatchClaimed {
		return nil
	}
	it.entry.State = models.DispatchPending
	heap.Push(&q.pending, it)
	return nil
}

func (q *Memory) Depth(_ context.Context) (int64, int64, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	pending := int64(q.pending.Len())
	return pending, int64(len(q.index)) - pending, nil
}

// Claimed lists entries claimed at or before the given time, oldest claim first.
func (q *Memory) Claimed(_ context.Context, before time.Time) ([]models.QueueEntry, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	var items []*memItem
	for _, it := range q.index {
		if it.entry.State == models.DispatchClaimed && !it.claimedAt.After(before) {
			items = append(items, it)
		}
	}
	sort.Slice(items, func(i, j int) bool {
		if !items[i].claimedAt.Equal(items[j].claimedAt) {
			return items[i].claimedAt.Before(items[j].claimedAt)
		}
		return items[i].seq < items[j].seq
	})
	out := make([]models.QueueEntry, len(items))
	for i, it := range items {
		out[i] = copyEntry(it.entry)
	}
	return out, nil
}

// State reports the dispatch state of a tracked batch.
func (q *Memory) State(batchID string) (models.DispatchState, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	it, ok := q.index[batchID]
	if !ok {
		return "", false
	}
	return it.entry.State, true
}

func copyEntry(e models.QueueEntry) models.QueueEntry {
	e.ItemIDs = append([]int64(nil), e.ItemIDs...)
	return e
}
