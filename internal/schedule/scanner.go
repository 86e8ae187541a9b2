package schedule

import (
	"context"
	"errors"
	"log"
	"time"

	"mangatrack/internal/admission"
	"mangatrack/internal/catalog"
	"mangatrack/internal/jobs"
)

const (
	watermarkName    = "periodic-crawl"
	defaultBatchSize = 200
	defaultMarkTTL   = 5 * time.Minute
)

// Scanner walks every source binding in id order and enqueues crawl jobs
// for those the admission controller lets through. Progress is checkpointed
// per batch so a crash resumes instead of restarting.
type Scanner struct {
	Bindings  *catalog.Repo
	Admission *admission.Controller
	Queue     *jobs.Queue
	Marks     *Watermarks

	BatchSize int
	MarkTTL   time.Duration
}

func NewScanner(bindings *catalog.Repo, adm *admission.Controller, queue *jobs.Queue, marks *Watermarks) *Scanner {
	return &Scanner{
		Bindings:  bindings,
		Admission: adm,
		Queue:     queue,
		Marks:     marks,
		BatchSize: defaultBatchSize,
		MarkTTL:   defaultMarkTTL,
	}
}

type ScanStats struct {
	Seen      int
	Scheduled int
	Shed      int
	Collapsed int
	Resumed   bool
}

// ScanOnce runs a full periodic pass. Re-admission for a source whose crawl
// job is still active collapses into the existing job via the idempotent
// job key rather than duplicating it.
func (s *Scanner) ScanOnce(ctx context.Context) (ScanStats, error) {
	var stats ScanStats

	run, err := s.Marks.Begin(ctx, watermarkName, s.MarkTTL)
	if err != nil {
		return stats, err
	}
	stats.Resumed = run.Resumed
	if run.Resumed {
		log.Printf("[schedule] previous run %s crashed, resuming after id %q", watermarkName, run.ResumeFrom)
	}

	after := run.ResumeFrom
	for {
		batch, err := s.Bindings.ListBindingsAfter(ctx, after, s.BatchSize)
		if err != nil {
			return stats, err
		}
		if len(batch) == 0 {
			break
		}

		scheduled := 0
		for _, b := range batch {
			stats.Seen++
			d := s.Admission.Decide(ctx, b.ID, b.Tier, admission.ReasonPeriodic)
			if !d.Allowed {
				stats.Shed++
				continue
			}

			key := jobs.JobKey(jobs.TypeCrawlSource, b.ID)
			err := s.Queue.Enqueue(ctx, key, jobs.NewCrawlSource(b.ID, string(admission.ReasonPeriodic)), d.Priority)
			switch {
			case errors.Is(err, jobs.ErrDuplicate):
				stats.Collapsed++
			case err != nil:
				return stats, err
			default:
				scheduled++
				stats.Scheduled++
			}
		}

		after = batch[len(batch)-1].ID
		if err := s.Marks.Touch(ctx, run, after, scheduled, s.MarkTTL); err != nil {
			// another scheduler took over; defer to it
			log.Printf("[schedule] abandoning run: %v", err)
			return stats, nil
		}
	}

	if err := s.Marks.Complete(ctx, run); err != nil {
		return stats, err
	}
	log.Printf("[schedule] scan complete: seen=%d scheduled=%d shed=%d collapsed=%d",
		stats.Seen, stats.Scheduled, stats.Shed, stats.Collapsed)
	return stats, nil
}

// Run scans on a fixed interval until the context is cancelled. The first
// scan starts immediately.
func (s *Scanner) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if _, err := s.ScanOnce(ctx); err != nil && ctx.Err() == nil {
			log.Printf("[schedule] scan failed: %v", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
