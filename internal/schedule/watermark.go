// Package schedule drives the periodic crawl scan. A TTL-bound watermark
// row marks run progress so a crashed scheduler is detected and the next
// run resumes where it stopped instead of re-scheduling everything.
package schedule

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"mangatrack/pkg/models"
)

// Run is a live claim on a named periodic scan.
type Run struct {
	Name       string
	RunID      string
	ResumeFrom string
	// Resumed is true when this run picked up after a crashed predecessor.
	Resumed bool
}

type Watermarks struct {
	DB  *sql.DB
	now func() time.Time
}

func NewWatermarks(db *sql.DB) *Watermarks {
	return &Watermarks{DB: db, now: time.Now}
}

// Begin claims the named scan. An unexpired watermark left by another run
// means that run crashed mid-flight; the new run takes over its position.
// An expired watermark is discarded and the scan starts from the beginning.
func (w *Watermarks) Begin(ctx context.Context, name string, ttl time.Duration) (*Run, error) {
	now := w.now().UTC()
	prev, err := w.get(ctx, name)
	if err != nil {
		return nil, err
	}

	run := &Run{Name: name, RunID: uuid.NewString()}
	if prev != nil && prev.ExpiresAt.After(now) {
		run.ResumeFrom = prev.LastProcessedID
		run.Resumed = true
	}

	_, err = w.DB.ExecContext(ctx, `
		INSERT INTO scheduler_watermarks (name, run_id, last_run_at, last_processed_id, scheduled_count, expires_at)
		VALUES (?, ?, ?, ?, 0, ?)
		ON CONFLICT(name) DO UPDATE SET
			run_id = excluded.run_id,
			last_run_at = excluded.last_run_at,
			last_processed_id = excluded.last_processed_id,
			scheduled_count = 0,
			expires_at = excluded.expires_at
	`, name, run.RunID, now, run.ResumeFrom, now.Add(ttl))
	if err != nil {
		return nil, fmt.Errorf("begin watermark %s: %w", name, err)
	}
	return run, nil
}

// Touch advances the run's position and heartbeats its TTL. It refuses to
// advance a watermark another run has since claimed.
func (w *Watermarks) Touch(ctx context.Context, run *Run, lastProcessedID string, scheduled int, ttl time.Duration) error {
	now := w.now().UTC()
	res, err := w.DB.ExecContext(ctx, `
		UPDATE scheduler_watermarks
		SET last_processed_id = ?, scheduled_count = scheduled_count + ?, last_run_at = ?, expires_at = ?
		WHERE name = ? AND run_id = ?
	`, lastProcessedID, scheduled, now, now.Add(ttl), run.Name, run.RunID)
	if err != nil {
		return fmt.Errorf("touch watermark %s: %w", run.Name, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("watermark %s stolen by another run", run.Name)
	}
	return nil
}

// Complete clears the watermark after a clean run. A stolen watermark makes
// completion a no-op; the thief owns it now.
func (w *Watermarks) Complete(ctx context.Context, run *Run) error {
	_, err := w.DB.ExecContext(ctx, `
		DELETE FROM scheduler_watermarks WHERE name = ? AND run_id = ?
	`, run.Name, run.RunID)
	if err != nil {
		return fmt.Errorf("complete watermark %s: %w", run.Name, err)
	}
	return nil
}

func (w *Watermarks) get(ctx context.Context, name string) (*models.SchedulerWatermark, error) {
	row := w.DB.QueryRowContext(ctx, `
		SELECT name, run_id, last_run_at, last_processed_id, scheduled_count, expires_at
		FROM scheduler_watermarks WHERE name = ?
	`, name)
	var m models.SchedulerWatermark
	err := row.Scan(&m.Name, &m.RunID, &m.LastRunAt, &m.LastProcessedID, &m.ScheduledCount, &m.ExpiresAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get watermark %s: %w", name, err)
	}
	return &m, nil
}
