package library

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mangatrack/pkg/database"
	"mangatrack/pkg/models"
)

func newRepo(t *testing.T) *Repo {
	t.Helper()
	db, err := sql.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	require.NoError(t, database.Migrate(db))

	_, err = db.Exec(`INSERT INTO users (id, username, email, password_hash) VALUES ('u1', 'alice', 'a@example.com', 'x')`)
	require.NoError(t, err)
	_, err = db.Exec(`INSERT INTO manga (id, title) VALUES ('m1', 'One Piece')`)
	require.NoError(t, err)
	return NewRepo(db)
}

func mustCreateRef(t *testing.T, r *Repo, id string, progress float64) {
	t.Helper()
	require.NoError(t, r.Create(context.Background(), models.ExternalRef{
		ID: id, UserID: "u1", SourceName: "mangadex",
		SourceURL: "https://md.example/title/" + id, ImportedTitle: "One Piece",
		Progress: progress, Status: models.StatusPending,
	}))
}

func TestCreateAndGet(t *testing.T) {
	r := newRepo(t)
	mustCreateRef(t, r, "r1", 12.349)

	ref, err := r.Get(context.Background(), "r1")
	require.NoError(t, err)
	require.NotNil(t, ref)
	assert.Equal(t, models.StatusPending, ref.Status)
	assert.InDelta(t, 12.34, ref.Progress, 1e-9, "progress normalized on write")
	assert.False(t, ref.Retired())
}

func TestCreate_RejectsInvalidStatus(t *testing.T) {
	r := newRepo(t)
	err := r.Create(context.Background(), models.ExternalRef{
		ID: "r1", UserID: "u1", Status: models.ResolutionStatus("bogus"),
	})
	assert.Error(t, err)
}

func TestUpdateProgress_Monotonic(t *testing.T) {
	r := newRepo(t)
	ctx := context.Background()
	mustCreateRef(t, r, "r1", 10)

	ref, err := r.UpdateProgress(ctx, "u1", "r1", 12.5)
	require.NoError(t, err)
	assert.InDelta(t, 12.5, ref.Progress, 1e-9)

	// a stale lower value never moves progress backwards
	ref, err = r.UpdateProgress(ctx, "u1", "r1", 3)
	require.NoError(t, err)
	assert.InDelta(t, 12.5, ref.Progress, 1e-9)

	// wrong user cannot touch the reference
	_, err = r.UpdateProgress(ctx, "someone-else", "r1", 99)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestManualLinkRoundTrip(t *testing.T) {
	r := newRepo(t)
	ctx := context.Background()
	mustCreateRef(t, r, "r1", 0)

	require.NoError(t, r.SetManualLink(ctx, "u1", "r1", "m1"))
	ref, err := r.Get(ctx, "r1")
	require.NoError(t, err)
	assert.True(t, ref.ManuallyLinked)
	assert.NotNil(t, ref.ManualOverrideAt)
	require.NotNil(t, ref.MangaID)
	assert.Equal(t, "m1", *ref.MangaID)
	assert.Equal(t, models.StatusEnriched, ref.Status)

	require.NoError(t, r.ClearManualLink(ctx, "u1", "r1"))
	ref, err = r.Get(ctx, "r1")
	require.NoError(t, err)
	assert.False(t, ref.ManuallyLinked)
	assert.NotNil(t, ref.ManualOverrideAt, "override timestamp survives unlink")
}

func TestMarkEnrichedTx(t *testing.T) {
	r := newRepo(t)
	ctx := context.Background()
	mustCreateRef(t, r, "r1", 0)

	decision := models.ReviewDecision{
		Confidence:  0.68,
		Factors:     []string{models.FactorCreatorMismatch, models.FactorYearDrift},
		NeedsReview: true,
	}
	err := database.InTx(ctx, r.DB, func(tx *sql.Tx) error {
		return r.MarkEnrichedTx(tx, "r1", "m1", decision)
	})
	require.NoError(t, err)

	ref, err := r.Get(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusEnriched, ref.Status)
	assert.InDelta(t, 0.68, ref.Confidence, 1e-9)
	assert.True(t, ref.NeedsReview)
	assert.Equal(t, []string{models.FactorCreatorMismatch, models.FactorYearDrift}, ref.ReviewFactors)
}

func TestRetireTx_RefusesWhenLoserAhead(t *testing.T) {
	r := newRepo(t)
	ctx := context.Background()
	mustCreateRef(t, r, "loser", 50)

	loser, err := r.Get(ctx, "loser")
	require.NoError(t, err)

	err = database.InTx(ctx, r.DB, func(tx *sql.Tx) error {
		return r.RetireTx(tx, loser, 49.99)
	})
	require.Error(t, err, "must not retire a reference with more progress than the survivor")

	ref, err := r.Get(ctx, "loser")
	require.NoError(t, err)
	assert.False(t, ref.Retired())

	// equal progress is fine
	err = database.InTx(ctx, r.DB, func(tx *sql.Tx) error {
		return r.RetireTx(tx, loser, 50)
	})
	require.NoError(t, err)
	ref, err = r.Get(ctx, "loser")
	require.NoError(t, err)
	assert.True(t, ref.Retired())
}

func TestListByUser_ExcludesRetired(t *testing.T) {
	r := newRepo(t)
	ctx := context.Background()
	mustCreateRef(t, r, "r1", 10)
	mustCreateRef(t, r, "r2", 5)

	r2, err := r.Get(ctx, "r2")
	require.NoError(t, err)
	require.NoError(t, database.InTx(ctx, r.DB, func(tx *sql.Tx) error {
		return r.RetireTx(tx, r2, 10)
	}))

	refs, total, err := r.ListByUser(ctx, "u1", 20, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, total)
	require.Len(t, refs, 1)
	assert.Equal(t, "r1", refs[0].ID)
}

func TestDueForRetry(t *testing.T) {
	r := newRepo(t)
	ctx := context.Background()
	base := time.Date(2026, 1, 10, 0, 0, 0, 0, time.UTC)
	r.now = func() time.Time { return base }

	mustCreateRef(t, r, "due", 0)
	mustCreateRef(t, r, "notdue", 0)
	mustCreateRef(t, r, "pending", 0)

	require.NoError(t, r.MarkFailed(ctx, "due", base.Add(-time.Hour)))
	require.NoError(t, r.MarkFailed(ctx, "notdue", base.Add(24*time.Hour)))

	refs, err := r.DueForRetry(ctx, 10)
	require.NoError(t, err)
	require.Len(t, refs, 1)
	assert.Equal(t, "due", refs[0].ID)
}
