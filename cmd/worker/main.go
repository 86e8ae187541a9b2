package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"mangatrack/internal/catalog"
	"mangatrack/internal/crawler"
	"mangatrack/internal/distlock"
	"mangatrack/internal/guard"
	"mangatrack/internal/jobs"
	"mangatrack/internal/library"
	"mangatrack/internal/resolver"
	"mangatrack/internal/schedule"
	"mangatrack/internal/search"
	"mangatrack/internal/worker"
	"mangatrack/pkg/database"
	"mangatrack/pkg/utils"
)

func main() {
	db := database.MustOpen(database.DefaultConfig())
	defer db.Close()

	if err := database.Migrate(db); err != nil {
		log.Fatalf("db migrate failed: %v", err)
	}

	cfg := utils.LoadWorkerConfig()

	// one guard store per worker process; cleared on exit
	guards := guard.NewStore(guard.DefaultConfig())
	defer guards.Shutdown()

	refs := library.NewRepo(db)
	cat := catalog.NewRepo(db)
	queue := jobs.NewQueue(db)
	locks := distlock.NewService(db)

	engine := resolver.NewEngine(db, refs, cat, search.NewMangadex(guards), locks)

	w := worker.New(queue, engine, crawler.New(cat, crawler.NewMangadexFetcher(guards)), schedule.NewWatermarks(db))
	w.Concurrency = cfg.Concurrency
	w.PollInterval = cfg.PollInterval

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	w.Run(ctx)
}
