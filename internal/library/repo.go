// Package library manages a user's external references: pointers into
// content at external sources, with reading progress. References are never
// hard-deleted; a duplicate merge soft-retires the loser.
package library

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"mangatrack/pkg/models"
)

var ErrNotFound = errors.New("reference not found")

type Repo struct {
	DB *sql.DB

	now func() time.Time
}

func NewRepo(db *sql.DB) *Repo {
	return &Repo{DB: db, now: time.Now}
}

const refColumns = `
	id, user_id, source_name, source_url, imported_title, imported_authors,
	imported_language, imported_year, progress, status,
	retry_count, manually_linked, manual_override_at, metadata_checksum,
	manga_id, confidence, review_factors, needs_review, retired_at,
	next_retry_at, created_at, updated_at`

func (r *Repo) Create(ctx context.Context, ref models.ExternalRef) error {
	if !ref.Status.Valid() {
		return fmt.Errorf("create ref: invalid status %q", ref.Status)
	}
	authorsJSON, _ := json.Marshal(ref.ImportedAuthors)
	now := r.now().UTC()
	_, err := r.DB.ExecContext(ctx, `
		INSERT INTO external_refs (id, user_id, source_name, source_url, imported_title,
		                           imported_authors, imported_language, imported_year,
		                           progress, status, metadata_checksum, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, ref.ID, ref.UserID, ref.SourceName, ref.SourceURL, ref.ImportedTitle,
		string(authorsJSON), ref.ImportedLanguage, ref.ImportedYear,
		models.NormalizeProgress(ref.Progress), string(ref.Status), ref.MetadataChecksum, now, now)
	if err != nil {
		return fmt.Errorf("insert ref %s: %w", ref.ID, err)
	}
	return nil
}

func (r *Repo) Get(ctx context.Context, id string) (*models.ExternalRef, error) {
	return scanRef(r.DB.QueryRowContext(ctx, `SELECT `+refColumns+` FROM external_refs WHERE id = ?`, id))
}

// GetTx is the transactional variant used by the resolution engine.
func (r *Repo) GetTx(tx *sql.Tx, id string) (*models.ExternalRef, error) {
	return scanRef(tx.QueryRow(`SELECT `+refColumns+` FROM external_refs WHERE id = ?`, id))
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRef(row rowScanner) (*models.ExternalRef, error) {
	var (
		ref         models.ExternalRef
		authorsJSON string
		status      string
		overrideAt  sql.NullTime
		mangaID     sql.NullString
		factorsJSON string
		retiredAt   sql.NullTime
		nextRetryAt sql.NullTime
	)
	err := row.Scan(
		&ref.ID, &ref.UserID, &ref.SourceName, &ref.SourceURL, &ref.ImportedTitle,
		&authorsJSON, &ref.ImportedLanguage, &ref.ImportedYear,
		&ref.Progress, &status, &ref.RetryCount, &ref.ManuallyLinked, &overrideAt,
		&ref.MetadataChecksum, &mangaID, &ref.Confidence, &factorsJSON,
		&ref.NeedsReview, &retiredAt, &nextRetryAt, &ref.CreatedAt, &ref.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("scan ref: %w", err)
	}
	ref.Status = models.ResolutionStatus(status)
	if overrideAt.Valid {
		t := overrideAt.Time
		ref.ManualOverrideAt = &t
	}
	if mangaID.Valid {
		s := mangaID.String
		ref.MangaID = &s
	}
	if retiredAt.Valid {
		t := retiredAt.Time
		ref.RetiredAt = &t
	}
	if nextRetryAt.Valid {
		t := nextRetryAt.Time
		ref.NextRetryAt = &t
	}
	_ = json.Unmarshal([]byte(authorsJSON), &ref.ImportedAuthors)
	_ = json.Unmarshal([]byte(factorsJSON), &ref.ReviewFactors)
	return &ref, nil
}

func (r *Repo) ListByUser(ctx context.Context, userID string, limit, offset int) ([]models.ExternalRef, int, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	if offset < 0 {
		offset = 0
	}

	var total int
	if err := r.DB.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM external_refs WHERE user_id = ? AND retired_at IS NULL
	`, userID).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count refs: %w", err)
	}

	rows, err := r.DB.QueryContext(ctx, `
		SELECT `+refColumns+`
		FROM external_refs
		WHERE user_id = ? AND retired_at IS NULL
		ORDER BY updated_at DESC
		LIMIT ? OFFSET ?
	`, userID, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("list refs: %w", err)
	}
	defer rows.Close()

	out := make([]models.ExternalRef, 0, limit)
	for rows.Next() {
		ref, err := scanRef(rows)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, *ref)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("rows refs: %w", err)
	}
	return out, total, nil
}

// UpdateProgress merges new progress into the reference. Progress only
// moves forward: the stored value is max(normalized old, normalized new).
func (r *Repo) UpdateProgress(ctx context.Context, userID, refID string, progress float64) (*models.ExternalRef, error) {
	ref, err := r.Get(ctx, refID)
	if err != nil {
		return nil, err
	}
	if ref == nil || ref.UserID != userID {
		return nil, ErrNotFound
	}

	merged := models.MergeProgress(ref.Progress, progress)
	_, err = r.DB.ExecContext(ctx, `
		UPDATE external_refs SET progress = ?, updated_at = ? WHERE id = ?
	`, merged, r.now().UTC(), refID)
	if err != nil {
		return nil, fmt.Errorf("update progress %s: %w", refID, err)
	}
	ref.Progress = merged
	return ref, nil
}

// SetManualLink pins the reference to a canonical record by user decision.
// The resolution engine skips manually linked references unconditionally.
func (r *Repo) SetManualLink(ctx context.Context, userID, refID, mangaID string) error {
	res, err := r.DB.ExecContext(ctx, `
		UPDATE external_refs
		SET manga_id = ?, manually_linked = 1, manual_override_at = ?,
		    status = ?, needs_review = 0, updated_at = ?
		WHERE id = ? AND user_id = ?
	`, mangaID, r.now().UTC(), string(models.StatusEnriched), r.now().UTC(), refID, userID)
	if err != nil {
		return fmt.Errorf("set manual link %s: %w", refID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ClearManualLink removes the pin. manual_override_at is kept: resolution
// still defers to a recent override for 30 days.
func (r *Repo) ClearManualLink(ctx context.Context, userID, refID string) error {
	res, err := r.DB.ExecContext(ctx, `
		UPDATE external_refs SET manually_linked = 0, updated_at = ?
		WHERE id = ? AND user_id = ?
	`, r.now().UTC(), refID, userID)
	if err != nil {
		return fmt.Errorf("clear manual link %s: %w", refID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// MarkEnrichedTx writes a successful resolution inside the resolution
// transaction: binding, confidence and review outcome in one shot.
func (r *Repo) MarkEnrichedTx(tx *sql.Tx, refID, mangaID string, decision models.ReviewDecision) error {
	factorsJSON, _ := json.Marshal(decision.Factors)
	_, err := tx.Exec(`
		UPDATE external_refs
		SET manga_id = ?, status = ?, confidence = ?, review_factors = ?,
		    needs_review = ?, next_retry_at = NULL, updated_at = ?
		WHERE id = ?
	`, mangaID, string(models.StatusEnriched), decision.Confidence, string(factorsJSON),
		decision.NeedsReview, r.now().UTC(), refID)
	if err != nil {
		return fmt.Errorf("mark enriched %s: %w", refID, err)
	}
	return nil
}

// MarkUnavailable records that the ladder was exhausted with no acceptable
// match. Distinct from failed: the source may add this content later.
func (r *Repo) MarkUnavailable(ctx context.Context, refID string) error {
	_, err := r.DB.ExecContext(ctx, `
		UPDATE external_refs SET status = ?, updated_at = ? WHERE id = ?
	`, string(models.StatusUnavailable), r.now().UTC(), refID)
	if err != nil {
		return fmt.Errorf("mark unavailable %s: %w", refID, err)
	}
	return nil
}

// MarkFailed records a hard source error and schedules the next recovery
// attempt. User-facing fields (progress, binding) are left untouched.
func (r *Repo) MarkFailed(ctx context.Context, refID string, nextRetryAt time.Time) error {
	_, err := r.DB.ExecContext(ctx, `
		UPDATE external_refs SET status = ?, next_retry_at = ?, updated_at = ? WHERE id = ?
	`, string(models.StatusFailed), nextRetryAt.UTC(), r.now().UTC(), refID)
	if err != nil {
		return fmt.Errorf("mark failed %s: %w", refID, err)
	}
	return nil
}

// IncrementRetry bumps the attempt counter after an unsuccessful pass.
func (r *Repo) IncrementRetry(ctx context.Context, refID string) error {
	_, err := r.DB.ExecContext(ctx, `
		UPDATE external_refs SET retry_count = retry_count + 1, updated_at = ? WHERE id = ?
	`, r.now().UTC(), refID)
	if err != nil {
		return fmt.Errorf("increment retry %s: %w", refID, err)
	}
	return nil
}

// SiblingsTx returns the user's other live references bound to the same
// canonical record, inside the resolution transaction. These are the
// duplicate-merge candidates.
func (r *Repo) SiblingsTx(tx *sql.Tx, ref *models.ExternalRef, mangaID string) ([]models.ExternalRef, error) {
	rows, err := tx.Query(`
		SELECT `+refColumns+`
		FROM external_refs
		WHERE user_id = ? AND manga_id = ? AND id != ? AND retired_at IS NULL
	`, ref.UserID, mangaID, ref.ID)
	if err != nil {
		return nil, fmt.Errorf("query siblings: %w", err)
	}
	defer rows.Close()

	var out []models.ExternalRef
	for rows.Next() {
		sib, err := scanRef(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *sib)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows siblings: %w", err)
	}
	return out, nil
}

// SetProgressTx writes an already-merged progress value.
func (r *Repo) SetProgressTx(tx *sql.Tx, refID string, progress float64) error {
	_, err := tx.Exec(`
		UPDATE external_refs SET progress = ?, updated_at = ? WHERE id = ?
	`, models.NormalizeProgress(progress), r.now().UTC(), refID)
	if err != nil {
		return fmt.Errorf("set progress %s: %w", refID, err)
	}
	return nil
}

// RetireTx soft-retires a merged-away duplicate. Refuses to retire a
// reference whose progress strictly exceeds the survivor's; that ordering
// is the guard against losing progress in a bad merge.
func (r *Repo) RetireTx(tx *sql.Tx, loser *models.ExternalRef, survivorProgress float64) error {
	if models.NormalizeProgress(loser.Progress) > models.NormalizeProgress(survivorProgress) {
		return fmt.Errorf("refuse retire %s: progress %.2f exceeds survivor %.2f",
			loser.ID, loser.Progress, survivorProgress)
	}
	_, err := tx.Exec(`
		UPDATE external_refs SET retired_at = ?, updated_at = ? WHERE id = ?
	`, r.now().UTC(), r.now().UTC(), loser.ID)
	if err != nil {
		return fmt.Errorf("retire %s: %w", loser.ID, err)
	}
	return nil
}

// DueForRetry lists failed references whose scheduled recovery time has
// passed, for the periodic scheduler.
func (r *Repo) DueForRetry(ctx context.Context, limit int) ([]models.ExternalRef, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	rows, err := r.DB.QueryContext(ctx, `
		SELECT `+refColumns+`
		FROM external_refs
		WHERE status = ? AND next_retry_at IS NOT NULL AND next_retry_at <= ?
		  AND retired_at IS NULL
		ORDER BY next_retry_at ASC
		LIMIT ?
	`, string(models.StatusFailed), r.now().UTC(), limit)
	if err != nil {
		return nil, fmt.Errorf("due for retry: %w", err)
	}
	defer rows.Close()

	var out []models.ExternalRef
	for rows.Next() {
		ref, err := scanRef(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *ref)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows due: %w", err)
	}
	return out, nil
}
