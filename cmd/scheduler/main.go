package main

import (
	"context"
	"errors"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"mangatrack/internal/admission"
	"mangatrack/internal/catalog"
	"mangatrack/internal/jobs"
	"mangatrack/internal/library"
	"mangatrack/internal/schedule"
	"mangatrack/pkg/database"
	"mangatrack/pkg/utils"
)

func main() {
	db := database.MustOpen(database.DefaultConfig())
	defer db.Close()

	if err := database.Migrate(db); err != nil {
		log.Fatalf("db migrate failed: %v", err)
	}

	cfg := utils.LoadSchedulerConfig()

	cat := catalog.NewRepo(db)
	refs := library.NewRepo(db)
	queue := jobs.NewQueue(db)

	scanner := schedule.NewScanner(cat, admission.NewController(queue, cat), queue, schedule.NewWatermarks(db))
	scanner.BatchSize = cfg.BatchSize

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go retrySweep(ctx, refs, queue)

	log.Printf("[scheduler] scanning every %s", cfg.Interval)
	scanner.Run(ctx, cfg.Interval)
}

// retrySweep re-enqueues failed references whose recovery window has
// passed, and hands back jobs a crashed worker left claimed. Runs more
// often than the crawl scan; the idempotent job key makes overlap with
// user-triggered attempts harmless.
func retrySweep(ctx context.Context, refs *library.Repo, queue *jobs.Queue) {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		if n, err := queue.ReclaimStale(ctx, jobs.DefaultLeaseTTL); err != nil {
			log.Printf("[scheduler] reclaim stale jobs: %v", err)
		} else if n > 0 {
			log.Printf("[scheduler] reclaimed %d stale job(s)", n)
		}

		due, err := refs.DueForRetry(ctx, 100)
		if err != nil {
			log.Printf("[scheduler] retry sweep: %v", err)
			continue
		}
		queued := 0
		for _, ref := range due {
			key := jobs.JobKey(jobs.TypeResolveRef, ref.ID)
			err := queue.Enqueue(ctx, key, jobs.NewResolveRef(ref.ID), 2)
			if err != nil && !errors.Is(err, jobs.ErrDuplicate) {
				log.Printf("[scheduler] enqueue retry for %s: %v", ref.ID, err)
				continue
			}
			if err == nil {
				queued++
			}
		}
		if len(due) > 0 {
			log.Printf("[scheduler] retry sweep: %d due, %d queued", len(due), queued)
		}
	}
}
