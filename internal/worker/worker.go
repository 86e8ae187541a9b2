// Package worker runs queue handlers. Several workers may run as separate
// processes; they coordinate only through the shared store (job claims,
// locks, watermarks), never through in-process state.
package worker

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"mangatrack/internal/crawler"
	"mangatrack/internal/distlock"
	"mangatrack/internal/jobs"
	"mangatrack/internal/resolver"
	"mangatrack/internal/schedule"
)

const (
	heartbeatTTL = 2 * time.Minute

	// finalizeTimeout bounds the status write after a job ran; the run
	// context may already be cancelled on shutdown.
	finalizeTimeout = 5 * time.Second

	// lockRetryDelay is how soon a job blocked on another holder's lease
	// comes back around.
	lockRetryDelay = 15 * time.Second
)

type Worker struct {
	Queue    *jobs.Queue
	Resolver *resolver.Engine
	Crawler  *crawler.Crawler
	Marks    *schedule.Watermarks

	ID           string
	Concurrency  int
	PollInterval time.Duration
}

func New(queue *jobs.Queue, eng *resolver.Engine, cr *crawler.Crawler, marks *schedule.Watermarks) *Worker {
	return &Worker{
		Queue:        queue,
		Resolver:     eng,
		Crawler:      cr,
		Marks:        marks,
		ID:           "worker-" + uuid.NewString()[:8],
		Concurrency:  4,
		PollInterval: 2 * time.Second,
	}
}

// Run pulls and executes jobs until the context is cancelled.
func (w *Worker) Run(ctx context.Context) {
	log.Printf("[worker] %s starting, concurrency=%d", w.ID, w.Concurrency)
	go w.heartbeat(ctx)

	var wg sync.WaitGroup
	for i := 0; i < w.Concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			w.loop(ctx)
		}()
	}
	wg.Wait()
	log.Printf("[worker] %s stopped", w.ID)
}

func (w *Worker) loop(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}

		job, err := w.Queue.Dequeue(ctx, w.ID)
		if err != nil {
			if !errors.Is(err, jobs.ErrEmpty) && ctx.Err() == nil {
				log.Printf("[worker] dequeue: %v", err)
			}
			select {
			case <-ctx.Done():
				return
			case <-time.After(w.PollInterval):
			}
			continue
		}

		w.handle(ctx, job)
	}
}

func (w *Worker) handle(ctx context.Context, job *jobs.Job) {
	var err error
	switch job.Payload.Kind {
	case jobs.TypeResolveRef:
		err = w.handleResolve(ctx, job)
	case jobs.TypeCrawlSource:
		err = w.Crawler.Crawl(ctx, job.Payload.CrawlSource.SourceID)
	default:
		// Validate at the queue boundary makes this unreachable
		err = jobs.ErrInvalidPayload
	}

	// settle the claim on a fresh context: ctx may be cancelled by
	// shutdown, and an unsettled active row pins the job key
	fin, cancel := context.WithTimeout(context.Background(), finalizeTimeout)
	defer cancel()

	switch {
	case err == nil:
		if err := w.Queue.Complete(fin, job.ID); err != nil {
			log.Printf("[worker] complete job %d: %v", job.ID, err)
		}
	case errors.Is(err, distlock.ErrHeld):
		// contention is not a failure; hand the job back uncharged
		log.Printf("[worker] job=%d key=%s blocked on lock, released", job.ID, job.Key)
		if relErr := w.Queue.Release(fin, job, lockRetryDelay); relErr != nil {
			log.Printf("[worker] release job %d: %v", job.ID, relErr)
		}
	default:
		log.Printf("[worker] job=%d key=%s attempt=%d failed: %v", job.ID, job.Key, job.Attempts, err)
		if failErr := w.Queue.Fail(fin, job, err); failErr != nil {
			log.Printf("[worker] record failure for job %d: %v", job.ID, failErr)
		}
	}
}

func (w *Worker) handleResolve(ctx context.Context, job *jobs.Job) error {
	out, err := w.Resolver.Resolve(ctx, job.Payload.ResolveRef.RefID)
	switch {
	case err == nil:
		log.Printf("[worker] job=%d resolved ref=%s outcome=%s", job.ID, job.Payload.ResolveRef.RefID, out.Kind)
		return nil
	case errors.Is(err, distlock.ErrHeld):
		// another worker has the reference; handle releases the job
		return err
	case errors.Is(err, resolver.ErrNoMatchYet):
		// the bumped retry count widens the next attempt's search
		return err
	default:
		return err
	}
}

// heartbeat keeps a TTL-bound liveness row so operators can see which
// workers were recently alive. Cleared on clean shutdown, expires if the
// process dies.
func (w *Worker) heartbeat(ctx context.Context) {
	run, err := w.Marks.Begin(ctx, "worker:"+w.ID, heartbeatTTL)
	if err != nil {
		log.Printf("[worker] heartbeat begin: %v", err)
		return
	}

	ticker := time.NewTicker(heartbeatTTL / 4)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			cleanup, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := w.Marks.Complete(cleanup, run); err != nil {
				log.Printf("[worker] heartbeat cleanup: %v", err)
			}
			return
		case <-ticker.C:
			if err := w.Marks.Touch(ctx, run, "", 0, heartbeatTTL); err != nil {
				log.Printf("[worker] heartbeat: %v", err)
			}
		}
	}
}
