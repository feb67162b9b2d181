package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"k8s.io/utils/clock"

	"ingestion-scheduler/internal/models"
)

// Postgres is the durable JobStore backed by pgxpool.
type Postgres struct {
	pool  *pgxpool.Pool
	clock clock.PassiveClock
}

// NewPostgres creates a pooled connection to Postgres. clk stamps updated_at
// and audit rows; nil means the real clock.
func NewPostgres(ctx context.Context, dsn string, clk clock.PassiveClock) (*Postgres, error) {
	if clk == nil {
		clk = clock.RealClock{}
	}
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Postgres{pool: pool, clock: clk}, nil
}

func (s *Postgres) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// Ping checks connectivity.
func (s *Postgres) Ping(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		return unavailable("ping", err)
	}
	return nil
}

// CreateJob inserts the job row and its batch rows in one transaction.
func (s *Postgres) CreateJob(ctx context.Context, job models.Job) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return unavailable("begin tx", err)
	}
	defer tx.Rollback(ctx) // safe no-op on commit

	now := s.clock.Now().UTC()
	if _, err := tx.Exec(ctx, `
		INSERT INTO jobs (id, priority, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5)
	`, job.ID, string(job.Priority), string(job.Status), job.CreatedAt, now); err != nil {
		return unavailable("insert job", err)
	}

	batch := &pgx.Batch{}
	for i, b := range job.Batches {
		batch.Queue(`
			INSERT INTO batches (id, job_id, seq, item_ids, status, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6)
		`, b.ID, job.ID, i, b.ItemIDs, string(b.Status), now)
	}
	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return unavailable("insert batches", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return unavailable("commit", err)
	}
	return nil
}

// UpdateBatch applies a forward-only transition. Existing timestamps are never overwritten.
func (s *Postgres) UpdateBatch(ctx context.Context, jobID, batchID string, u BatchUpdate) error {
	prev, err := u.previousStatuses()
	if err != nil {
		return err
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE batches
		SET status = $3,
		    started_at = COALESCE(started_at, $4),
		    completed_at = COALESCE(completed_at, $5),
		    updated_at = $7
		WHERE job_id = $1 AND id = $2 AND status = ANY($6)
	`, jobID, batchID, string(u.Status), u.StartedAt, u.CompletedAt, prev, s.clock.Now().UTC())
	if err != nil {
		return unavailable("update batch", err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}

	var current string
	err = s.pool.QueryRow(ctx, `SELECT status FROM batches WHERE job_id = $1 AND id = $2`, jobID, batchID).Scan(&current)
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("batch %s in job %s: %w", batchID, jobID, ErrNotFound)
	}
	if err != nil {
		return unavailable("read batch status", err)
	}
	return fmt.Errorf("batch %s %s -> %s: %w", batchID, current, u.Status, ErrInvalidTransition)
}

// GetJob fetches a job and its batches in split order.
func (s *Postgres) GetJob(ctx context.Context, jobID string) (models.Job, error) {
	var (
		job      models.Job
		priority string
		status   string
	)
	err := s.pool.QueryRow(ctx, `
		SELECT id, priority, status, created_at FROM jobs WHERE id = $1
	`, jobID).Scan(&job.ID, &priority, &status, &job.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Job{}, fmt.Errorf("job %s: %w", jobID, ErrNotFound)
	}
	if err != nil {
		return models.Job{}, unavailable("scan job", err)
	}
	job.Priority = models.Priority(priority)
	job.Status = models.Status(status)

	rows, err := s.pool.Query(ctx, `
		SELECT id, item_ids, status, started_at, completed_at
		FROM batches WHERE job_id = $1 ORDER BY seq
	`, jobID)
	if err != nil {
		return models.Job{}, unavailable("query batches", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			b         models.Batch
			bStatus   string
			started   *time.Time
			completed *time.Time
		)
		if err := rows.Scan(&b.ID, &b.ItemIDs, &bStatus, &started, &completed); err != nil {
			return models.Job{}, unavailable("scan batch", err)
		}
		b.Status = models.Status(bStatus)
		b.StartedAt = started
		b.CompletedAt = completed
		job.Batches = append(job.Batches, b)
	}
	if err := rows.Err(); err != nil {
		return models.Job{}, unavailable("iterate batches", err)
	}
	return job, nil
}

// UpdateJobStatus stores the derived job status.
func (s *Postgres) UpdateJobStatus(ctx context.Context, jobID string, status models.Status) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE jobs SET status = $2, updated_at = $3 WHERE id = $1
	`, jobID, string(status), s.clock.Now().UTC())
	if err != nil {
		return unavailable("update job status", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("job %s: %w", jobID, ErrNotFound)
	}
	return nil
}

// AppendAudit adds an audit row.
func (s *Postgres) AppendAudit(ctx context.Context, jobID, event, detail string) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO audit_logs (job_id, event, detail, ts)
		VALUES ($1, $2, $3, $4)
	`, jobID, event, detail, s.clock.Now().UTC())
	if err != nil {
		return unavailable("append audit", err)
	}
	return nil
}
