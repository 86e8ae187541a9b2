package schedule

import (
	"context"
	"database/sql"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mangatrack/internal/admission"
	"mangatrack/internal/catalog"
	"mangatrack/internal/jobs"
	"mangatrack/pkg/database"
	"mangatrack/pkg/models"
)

func openDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	require.NoError(t, database.Migrate(db))
	return db
}

func seedBindings(t *testing.T, db *sql.DB, n int, tier models.Tier) {
	t.Helper()
	cat := catalog.NewRepo(db)
	ctx := context.Background()
	for i := 0; i < n; i++ {
		id := fmt.Sprintf("m-%03d", i)
		_, err := db.Exec(`INSERT INTO manga (id, title) VALUES (?, ?)`, id, "Title "+id)
		require.NoError(t, err)
		require.NoError(t, cat.CreateBinding(ctx, models.SourceBinding{
			ID: fmt.Sprintf("b-%03d", i), MangaID: id, SourceName: "mangadex",
			SourceID: fmt.Sprintf("md-%03d", i), SourceURL: fmt.Sprintf("https://md.example/title/%03d", i),
			Tier: tier,
		}))
	}
}

func newScanner(db *sql.DB) *Scanner {
	cat := catalog.NewRepo(db)
	queue := jobs.NewQueue(db)
	return NewScanner(cat, admission.NewController(queue, cat), queue, NewWatermarks(db))
}

func TestWatermark_BeginTouchComplete(t *testing.T) {
	db := openDB(t)
	w := NewWatermarks(db)
	ctx := context.Background()

	run, err := w.Begin(ctx, "scan", time.Minute)
	require.NoError(t, err)
	assert.False(t, run.Resumed)
	assert.Empty(t, run.ResumeFrom)

	require.NoError(t, w.Touch(ctx, run, "b-042", 7, time.Minute))
	require.NoError(t, w.Complete(ctx, run))

	// clean completion leaves nothing to resume
	next, err := w.Begin(ctx, "scan", time.Minute)
	require.NoError(t, err)
	assert.False(t, next.Resumed)
}

func TestWatermark_ResumesAfterCrash(t *testing.T) {
	db := openDB(t)
	w := NewWatermarks(db)
	ctx := context.Background()

	crashed, err := w.Begin(ctx, "scan", time.Minute)
	require.NoError(t, err)
	require.NoError(t, w.Touch(ctx, crashed, "b-042", 7, time.Minute))
	// no Complete: the run died here

	next, err := w.Begin(ctx, "scan", time.Minute)
	require.NoError(t, err)
	assert.True(t, next.Resumed)
	assert.Equal(t, "b-042", next.ResumeFrom)
}

func TestWatermark_ExpiredMarkStartsFresh(t *testing.T) {
	db := openDB(t)
	w := NewWatermarks(db)
	ctx := context.Background()

	past := time.Now().Add(-time.Hour)
	w.now = func() time.Time { return past }
	crashed, err := w.Begin(ctx, "scan", time.Minute)
	require.NoError(t, err)
	require.NoError(t, w.Touch(ctx, crashed, "b-042", 7, time.Minute))

	w.now = time.Now
	next, err := w.Begin(ctx, "scan", time.Minute)
	require.NoError(t, err)
	assert.False(t, next.Resumed, "an expired watermark is stale data, not progress")
	assert.Empty(t, next.ResumeFrom)
}

func TestWatermark_TouchRefusesStolenRun(t *testing.T) {
	db := openDB(t)
	w := NewWatermarks(db)
	ctx := context.Background()

	old, err := w.Begin(ctx, "scan", time.Minute)
	require.NoError(t, err)
	_, err = w.Begin(ctx, "scan", time.Minute)
	require.NoError(t, err)

	err = w.Touch(ctx, old, "b-001", 1, time.Minute)
	assert.Error(t, err)
}

func TestScanOnce_SchedulesAdmittedBindings(t *testing.T) {
	db := openDB(t)
	seedBindings(t, db, 5, models.TierB)
	s := newScanner(db)
	s.BatchSize = 2 // force multiple pages

	stats, err := s.ScanOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 5, stats.Seen)
	assert.Equal(t, 5, stats.Scheduled)
	assert.Zero(t, stats.Shed)

	depth, err := jobs.NewQueue(db).BacklogDepth(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 5, depth.Total())
}

func TestScanOnce_SecondScanCollapsesActiveJobs(t *testing.T) {
	db := openDB(t)
	seedBindings(t, db, 3, models.TierB)
	s := newScanner(db)

	_, err := s.ScanOnce(context.Background())
	require.NoError(t, err)

	stats, err := s.ScanOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, stats.Collapsed, "re-admission joins the waiting job")
	assert.Zero(t, stats.Scheduled)

	depth, err := jobs.NewQueue(db).BacklogDepth(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, depth.Total())
}

func TestScanOnce_TierAConsumesOneShot(t *testing.T) {
	db := openDB(t)
	seedBindings(t, db, 1, models.TierA)
	s := newScanner(db)
	ctx := context.Background()

	stats, err := s.ScanOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Scheduled)

	// the crawl succeeds, consuming the one-shot
	require.NoError(t, catalog.NewRepo(db).MarkCrawlSuccess(ctx, "b-000"))
	_, err = db.Exec(`DELETE FROM jobs`)
	require.NoError(t, err)

	stats, err = s.ScanOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, stats.Scheduled)
	assert.Equal(t, 1, stats.Shed)
}
