// Package jobs is the shared SQLite-backed job queue. Multiple worker
// processes dequeue concurrently; exclusivity comes from the claim update,
// duplicate suppression from a unique index over active job keys.
package jobs

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"mangatrack/internal/backoff"
	"mangatrack/pkg/database"
	"mangatrack/pkg/utils"
)

// ErrDuplicate means a job with the same key is already waiting, delayed or
// active. Callers treat it as a no-op, not a failure.
var ErrDuplicate = errors.New("job already queued")

// ErrEmpty means no job is due.
var ErrEmpty = errors.New("queue empty")

// JobKey derives the deterministic idempotency key for a job. Identical
// inputs always produce identical keys, different entities different keys.
func JobKey(jobType, entityID string) string {
	return jobType + ":" + entityID
}

// Depth is the queue backlog as seen by the admission controller.
type Depth struct {
	Waiting int `json:"waiting"`
	Delayed int `json:"delayed"`
}

func (d Depth) Total() int { return d.Waiting + d.Delayed }

type Job struct {
	ID       int64
	Key      string
	Type     string
	Payload  Envelope
	Priority int
	Attempts int
	RunAt    time.Time
}

type Queue struct {
	DB *sql.DB

	// MaxAttempts before a job goes dead. Zero means the default.
	MaxAttempts int

	now func() time.Time
}

const defaultMaxAttempts = 5

func NewQueue(db *sql.DB) *Queue {
	return &Queue{DB: db, MaxAttempts: defaultMaxAttempts, now: time.Now}
}

// Enqueue adds a job under its idempotency key at the given priority
// (1 highest). A second submission while the key is still active collapses
// into ErrDuplicate.
func (q *Queue) Enqueue(ctx context.Context, key string, payload Envelope, priority int) error {
	return q.enqueueAt(ctx, key, payload, priority, q.now().UTC(), "waiting")
}

// EnqueueDelayed schedules a job to become due at runAt.
func (q *Queue) EnqueueDelayed(ctx context.Context, key string, payload Envelope, priority int, runAt time.Time) error {
	return q.enqueueAt(ctx, key, payload, priority, runAt.UTC(), "delayed")
}

func (q *Queue) enqueueAt(ctx context.Context, key string, payload Envelope, priority int, runAt time.Time, status string) error {
	raw, err := payload.encode()
	if err != nil {
		return err
	}
	if priority < 1 || priority > 3 {
		priority = 2
	}

	_, err = q.DB.ExecContext(ctx, `
		INSERT INTO jobs (job_key, job_type, payload, priority, status, run_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, key, payload.Kind, raw, priority, status, runAt)
	if err != nil {
		if database.IsConstraintViolation(err) {
			return ErrDuplicate
		}
		return fmt.Errorf("enqueue %s: %w", key, err)
	}
	return nil
}

// BacklogDepth reports waiting and delayed job counts.
func (q *Queue) BacklogDepth(ctx context.Context) (Depth, error) {
	var d Depth
	err := q.DB.QueryRowContext(ctx, `
		SELECT
		  COUNT(CASE WHEN status = 'waiting' THEN 1 END),
		  COUNT(CASE WHEN status = 'delayed' THEN 1 END)
		FROM jobs
	`).Scan(&d.Waiting, &d.Delayed)
	if err != nil {
		return Depth{}, fmt.Errorf("backlog depth: %w", err)
	}
	return d, nil
}

// Dequeue claims the highest-priority due job for workerID. Delayed jobs
// whose run_at has passed are eligible. Priority ordering is advisory, not
// a strict barrier: within a priority, earliest run_at wins.
func (q *Queue) Dequeue(ctx context.Context, workerID string) (*Job, error) {
	now := q.now().UTC()
	var job Job
	var raw string
	err := database.InTx(ctx, q.DB, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx, `
			SELECT id, job_key, job_type, payload, priority, attempts, run_at
			FROM jobs
			WHERE status IN ('waiting', 'delayed') AND run_at <= ?
			ORDER BY priority ASC, run_at ASC, id ASC
			LIMIT 1
		`, now)
		if err := row.Scan(&job.ID, &job.Key, &job.Type, &raw, &job.Priority, &job.Attempts, &job.RunAt); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return ErrEmpty
			}
			return fmt.Errorf("pick job: %w", err)
		}

		res, err := tx.ExecContext(ctx, `
			UPDATE jobs SET status = 'active', claimed_by = ?, attempts = attempts + 1, updated_at = ?
			WHERE id = ? AND status IN ('waiting', 'delayed')
		`, workerID, now, job.ID)
		if err != nil {
			return fmt.Errorf("claim job: %w", err)
		}
		if n, err := res.RowsAffected(); err != nil || n == 0 {
			// another worker got there first
			return ErrEmpty
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	job.Attempts++
	env, err := decodeEnvelope(raw)
	if err != nil {
		// poison payload: park it dead rather than crash the worker loop
		_ = q.markDead(ctx, job.ID, err.Error())
		return nil, fmt.Errorf("job %d payload: %w", job.ID, err)
	}
	job.Payload = env
	return &job, nil
}

// DefaultLeaseTTL bounds how long a claimed job may stay active before the
// sweep may hand it back. Generous next to the slowest handler.
const DefaultLeaseTTL = 10 * time.Minute

// ReclaimStale requeues active jobs whose claim outlived the lease, so a
// crashed worker cannot leave a key held forever. Returns how many jobs
// were handed back.
func (q *Queue) ReclaimStale(ctx context.Context, lease time.Duration) (int, error) {
	now := q.now().UTC()
	res, err := q.DB.ExecContext(ctx, `
		UPDATE jobs SET status = 'waiting', claimed_by = '', updated_at = ?
		WHERE status = 'active' AND updated_at <= ?
	`, now, now.Add(-lease))
	if err != nil {
		return 0, fmt.Errorf("reclaim stale jobs: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("reclaim stale rows: %w", err)
	}
	return int(n), nil
}

// Release hands a claimed job back without charging its attempt budget, for
// contention cases where the handler never ran.
func (q *Queue) Release(ctx context.Context, job *Job, delay time.Duration) error {
	now := q.now().UTC()
	_, err := q.DB.ExecContext(ctx, `
		UPDATE jobs SET status = 'delayed', run_at = ?, attempts = attempts - 1, claimed_by = '', updated_at = ?
		WHERE id = ? AND status = 'active'
	`, now.Add(delay), now, job.ID)
	if err != nil {
		return fmt.Errorf("release job %d: %w", job.ID, err)
	}
	return nil
}

// Complete marks a job done, freeing its key for future submissions.
func (q *Queue) Complete(ctx context.Context, id int64) error {
	_, err := q.DB.ExecContext(ctx, `
		UPDATE jobs SET status = 'done', updated_at = ? WHERE id = ?
	`, q.now().UTC(), id)
	if err != nil {
		return fmt.Errorf("complete job %d: %w", id, err)
	}
	return nil
}

// Fail records a failed attempt. Retryable failures requeue the job with
// jittered backoff; exhausting MaxAttempts parks it dead. The stored error
// message is sanitized first.
func (q *Queue) Fail(ctx context.Context, job *Job, cause error) error {
	msg := utils.SanitizeError(cause.Error())
	maxAttempts := q.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = defaultMaxAttempts
	}

	if job.Attempts >= maxAttempts {
		return q.markDead(ctx, job.ID, msg)
	}

	runAt := q.now().UTC().Add(backoff.Default.Delay(job.Attempts))
	_, err := q.DB.ExecContext(ctx, `
		UPDATE jobs SET status = 'delayed', run_at = ?, last_error = ?, claimed_by = '', updated_at = ?
		WHERE id = ?
	`, runAt, msg, q.now().UTC(), job.ID)
	if err != nil {
		return fmt.Errorf("requeue job %d: %w", job.ID, err)
	}
	return nil
}

func (q *Queue) markDead(ctx context.Context, id int64, msg string) error {
	_, err := q.DB.ExecContext(ctx, `
		UPDATE jobs SET status = 'dead', last_error = ?, updated_at = ? WHERE id = ?
	`, utils.SanitizeError(msg), q.now().UTC(), id)
	if err != nil {
		return fmt.Errorf("mark job %d dead: %w", id, err)
	}
	return nil
}
