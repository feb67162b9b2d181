// Package dispatch runs the singleton control loop that moves batches from the
// work queue to the executor, one at a time and no faster than the configured
// rate limit.
package dispatch

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"k8s.io/utils/clock"

	"ingestion-scheduler/internal/models"
	"ingestion-scheduler/internal/queue"
	"ingestion-scheduler/internal/ratelimit"
	"ingestion-scheduler/internal/telemetry"
)

// BatchExecutor runs one claimed batch to completion.
type BatchExecutor interface {
	Execute(ctx context.Context, entry models.QueueEntry) error
}

// Dispatcher wakes every tick and starts at most one batch, subject to its lease.
type Dispatcher struct {
	queue    queue.Queue
	executor BatchExecutor
	lease    *ratelimit.Lease
	clock    clock.WithTicker
	tick     time.Duration
	log      zerolog.Logger

	wg sync.WaitGroup
}

// Config tunes the loop timing.
type Config struct {
	Tick              time.Duration
	RateLimitInterval time.Duration
}

func New(q queue.Queue, exec BatchExecutor, cfg Config, clk clock.WithTicker, log zerolog.Logger) *Dispatcher {
	if clk == nil {
		clk = clock.RealClock{}
	}
	if cfg.Tick <= 0 {
		cfg.Tick = time.Second
	}
	return &Dispatcher{
		queue:    q,
		executor: exec,
		lease:    ratelimit.NewLease(clk, cfg.RateLimitInterval),
		clock:    clk,
		tick:     cfg.Tick,
		log:      log,
	}
}

// Run ticks until ctx is cancelled, then waits for the in-flight batch to
// finish. A started batch is never interrupted.
func (d *Dispatcher) Run(ctx context.Context) error {
	ticker := d.clock.NewTicker(d.tick)
	defer ticker.Stop()

	d.log.Info().Dur("tick", d.tick).Msg("dispatcher started")
	for {
		select {
		case <-ctx.Done():
			d.wg.Wait()
			d.log.Info().Msg("dispatcher stopped")
			return ctx.Err()
		case <-ticker.C():
			d.Tick(ctx)
		}
	}
}

// Tick performs one wake-up. It reports whether a batch was dispatched.
func (d *Dispatcher) Tick(ctx context.Context) bool {
	d.refreshDepth(ctx)

	if !d.lease.TryAcquire() {
		return false
	}
	entry, ok, err := d.queue.TakeNext(ctx)
	if err != nil {
		d.lease.Abandon()
		d.log.Error().Err(err).Msg("take next batch")
		return false
	}
	if !ok {
		d.lease.Abandon()
		return false
	}

	d.lease.Start()
	telemetry.BatchesDispatched.WithLabelValues(string(entry.Priority)).Inc()
	telemetry.InFlightGauge.Inc()
	d.log.Info().
		Str("job_id", entry.JobID).
		Str("batch_id", entry.BatchID).
		Str("priority", string(entry.Priority)).
		Msg("batch dispatched")

	// Executions outlive shutdown: once started a batch runs to completion.
	execCtx := context.WithoutCancel(ctx)
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		defer d.lease.Release()
		defer telemetry.InFlightGauge.Dec()
		if err := d.executor.Execute(execCtx, entry); err != nil {
			d.log.Error().Err(err).Str("batch_id", entry.BatchID).Msg("batch execution failed")
		}
	}()
	return true
}

// Wait blocks until the in-flight batch, if any, has finished.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

// InFlight reports whether a batch is executing.
func (d *Dispatcher) InFlight() bool {
	return d.lease.Held()
}

func (d *Dispatcher) refreshDepth(ctx context.Context) {
	pending, _, err := d.queue.Depth(ctx)
	if err != nil {
		d.log.Debug().Err(err).Msg("queue depth")
		return
	}
	telemetry.QueuePending.Set(float64(pending))
}
