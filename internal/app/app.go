// Package app assembles the store, queue, service and dispatcher from config.
package app

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"k8s.io/utils/clock"

	"ingestion-scheduler/internal/api"
	"ingestion-scheduler/internal/config"
	"ingestion-scheduler/internal/dispatch"
	"ingestion-scheduler/internal/ingest"
	"ingestion-scheduler/internal/queue"
	"ingestion-scheduler/internal/ratelimit"
	"ingestion-scheduler/internal/store"
	"ingestion-scheduler/internal/worker"
)

// submitBucketTTL bounds how long an idle tenant bucket lives in Redis.
const submitBucketTTL = time.Hour

// Components is the wired graph shared by the api and worker binaries.
type Components struct {
	Store   store.JobStore
	Queue   queue.Queue
	Service *ingest.Service
	// Limiter is nil unless SUBMIT_RATE_CAPACITY is positive and Redis is configured.
	Limiter  *ratelimit.TokenBucket
	Executor *worker.Executor

	cfg     config.Config
	clock   clock.WithTicker
	closers []func()
}

// Option customises Build.
type Option func(*options)

type options struct {
	clock       clock.WithTicker
	redisClient *redis.Client
	processor   worker.ItemProcessor
}

// WithClock replaces the real clock, mainly for tests.
func WithClock(c clock.WithTicker) Option {
	return func(o *options) { o.clock = c }
}

// WithRedisClient reuses an existing client instead of dialing REDIS_ADDR.
func WithRedisClient(c *redis.Client) Option {
	return func(o *options) { o.redisClient = c }
}

// WithProcessor overrides the item processor chosen from config.
func WithProcessor(p worker.ItemProcessor) Option {
	return func(o *options) { o.processor = p }
}

// Build connects the configured backends. Call Close when done.
func Build(ctx context.Context, cfg config.Config, log zerolog.Logger, opts ...Option) (*Components, error) {
	o := options{clock: clock.RealClock{}}
	for _, opt := range opts {
		opt(&o)
	}

	c := &Components{cfg: cfg, clock: o.clock}
	ok := false
	defer func() {
		if !ok {
			c.Close()
		}
	}()

	st, err := c.buildStore(ctx, cfg, log)
	if err != nil {
		return nil, err
	}
	c.Store = st

	var rdb *redis.Client
	if cfg.QueueBackend == config.BackendRedis || cfg.SubmitRateCapacity > 0 {
		rdb, err = c.redisClient(ctx, cfg, o.redisClient)
		if err != nil {
			return nil, err
		}
	}

	switch cfg.QueueBackend {
	case config.BackendRedis:
		c.Queue = queue.NewRedisQueue(rdb, cfg.QueuePrefix, o.clock)
	case config.BackendMemory:
		c.Queue = queue.NewMemory(o.clock)
	default:
		return nil, fmt.Errorf("unknown queue backend %q", cfg.QueueBackend)
	}

	if cfg.SubmitRateCapacity > 0 {
		c.Limiter = ratelimit.NewTokenBucket(rdb, cfg.SubmitRateCapacity, cfg.SubmitRateRefill, submitBucketTTL, o.clock)
	}

	c.Service = ingest.NewService(c.Store, c.Queue, cfg.BatchSize, o.clock, log.With().Str("module", "ingest").Logger())

	processor := o.processor
	if processor == nil {
		processor = newProcessor(cfg, o.clock)
	}
	archive, err := worker.NewResultArchive(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("result archive: %w", err)
	}
	c.Executor = worker.NewExecutor(c.Store, c.Queue, processor,
		log.With().Str("module", "executor").Logger(),
		worker.WithArchive(archive),
		worker.WithClock(o.clock),
	)

	log.Info().
		Str("store", cfg.StoreBackend).
		Str("queue", cfg.QueueBackend).
		Int("batch_size", cfg.BatchSize).
		Dur("rate_limit_interval", cfg.RateLimitInterval).
		Bool("submit_limit", c.Limiter != nil).
		Msg("components ready")
	ok = true
	return c, nil
}

// SubmitLimiter returns the tenant limiter as an api.Limiter, or nil when disabled.
func (c *Components) SubmitLimiter() api.Limiter {
	if c.Limiter == nil {
		return nil
	}
	return c.Limiter
}

// Dispatcher returns a new control loop over the shared queue and executor.
func (c *Components) Dispatcher(log zerolog.Logger) *dispatch.Dispatcher {
	return dispatch.New(c.Queue, c.Executor, dispatch.Config{
		Tick:              c.cfg.DispatchTick,
		RateLimitInterval: c.cfg.RateLimitInterval,
	}, c.clock, log)
}

// Close releases backend connections in reverse order of creation.
func (c *Components) Close() {
	for i := len(c.closers) - 1; i >= 0; i-- {
		c.closers[i]()
	}
	c.closers = nil
}

func (c *Components) buildStore(ctx context.Context, cfg config.Config, log zerolog.Logger) (store.JobStore, error) {
	switch cfg.StoreBackend {
	case config.BackendMemory:
		return store.NewMemory(c.clock), nil
	case config.BackendPostgres:
		pg, err := store.NewPostgres(ctx, cfg.PostgresDSN, c.clock)
		if err != nil {
			return nil, fmt.Errorf("connect postgres: %w", err)
		}
		c.closers = append(c.closers, pg.Close)
		if err := pg.RunMigrations(ctx); err != nil {
			return nil, fmt.Errorf("migrations: %w", err)
		}
		log.Info().Msg("postgres migrations applied")
		return pg, nil
	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.StoreBackend)
	}
}

func (c *Components) redisClient(ctx context.Context, cfg config.Config, existing *redis.Client) (*redis.Client, error) {
	if existing != nil {
		return existing, nil
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	c.closers = append(c.closers, func() { _ = client.Close() })
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect redis: %w", err)
	}
	return client, nil
}

func newProcessor(cfg config.Config, clk clock.Clock) worker.ItemProcessor {
	if cfg.ProcessURL != "" {
		return worker.NewHTTPProcessor(cfg.ProcessURL, nil)
	}
	return worker.NewSimulatedProcessor(clk, cfg.SimulatedMinLatency, cfg.SimulatedMaxLatency)
}
