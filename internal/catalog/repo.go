// Package catalog persists canonical manga records and their source
// bindings. Bindings are the uniqueness-sensitive shared resource: every
// write that can affect which record owns a source URL goes through
// SafeSourceUpdate inside a transaction.
package catalog

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"mangatrack/pkg/models"
)

// ErrBindingConflict means more than one binding claims the same source URL.
// The update is refused and surfaced; guessing which row to repoint could
// silently rebind an unrelated record.
var ErrBindingConflict = errors.New("multiple bindings claim source url")

type Repo struct {
	DB *sql.DB

	now func() time.Time
}

func NewRepo(db *sql.DB) *Repo {
	return &Repo{DB: db, now: time.Now}
}

func (r *Repo) GetManga(ctx context.Context, id string) (*models.MangaCanonical, error) {
	return scanManga(r.DB.QueryRowContext(ctx, `
		SELECT id, title, alt_titles, authors, language, year, status, cover_url,
		       description, metadata_source, schema_version, external_ids, created_at, updated_at
		FROM manga
		WHERE id = ?
	`, id))
}

// GetMangaTx is the transactional variant used inside resolution.
func (r *Repo) GetMangaTx(tx *sql.Tx, id string) (*models.MangaCanonical, error) {
	return scanManga(tx.QueryRow(`
		SELECT id, title, alt_titles, authors, language, year, status, cover_url,
		       description, metadata_source, schema_version, external_ids, created_at, updated_at
		FROM manga
		WHERE id = ?
	`, id))
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanManga(row rowScanner) (*models.MangaCanonical, error) {
	var (
		m           models.MangaCanonical
		altJSON     string
		authorsJSON string
		idsJSON     string
		source      string
	)
	err := row.Scan(
		&m.ID, &m.Title, &altJSON, &authorsJSON, &m.Language, &m.Year, &m.Status,
		&m.CoverURL, &m.Description, &source, &m.SchemaVersion, &idsJSON,
		&m.CreatedAt, &m.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("scan manga: %w", err)
	}
	m.MetadataSource = models.MetadataSource(source)
	_ = json.Unmarshal([]byte(altJSON), &m.AltTitles)
	_ = json.Unmarshal([]byte(authorsJSON), &m.Authors)
	_ = json.Unmarshal([]byte(idsJSON), &m.ExternalIDs)
	return &m, nil
}

// CreateMangaTx inserts a new canonical record inside a resolution
// transaction.
func (r *Repo) CreateMangaTx(tx *sql.Tx, m models.MangaCanonical) error {
	altJSON, _ := json.Marshal(m.AltTitles)
	authorsJSON, _ := json.Marshal(m.Authors)
	idsJSON, _ := json.Marshal(m.ExternalIDs)
	if m.MetadataSource == "" {
		m.MetadataSource = models.MetadataSourceSync
	}
	if m.SchemaVersion == 0 {
		m.SchemaVersion = 1
	}
	now := r.now().UTC()

	_, err := tx.Exec(`
		INSERT INTO manga (id, title, alt_titles, authors, language, year, status,
		                   cover_url, description, metadata_source, schema_version,
		                   external_ids, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, m.ID, m.Title, string(altJSON), string(authorsJSON), m.Language, m.Year,
		m.Status, m.CoverURL, m.Description, string(m.MetadataSource),
		m.SchemaVersion, string(idsJSON), now, now)
	if err != nil {
		return fmt.Errorf("insert manga %s: %w", m.ID, err)
	}
	return nil
}

const findByExternalIDSQL = `
	SELECT m.id, m.title, m.alt_titles, m.authors, m.language, m.year, m.status,
	       m.cover_url, m.description, m.metadata_source, m.schema_version,
	       m.external_ids, m.created_at, m.updated_at
	FROM manga m
	JOIN source_bindings b ON b.manga_id = m.id
	WHERE b.source_name = ? AND b.source_id = ?
`

// FindByExternalID looks up the canonical record already bound to a source
// identifier.
func (r *Repo) FindByExternalID(ctx context.Context, sourceName, sourceID string) (*models.MangaCanonical, error) {
	return scanManga(r.DB.QueryRowContext(ctx, findByExternalIDSQL, sourceName, sourceID))
}

// FindByExternalIDTx is the in-transaction form, for resolution's
// create-or-bind decision. The lookup must share the transaction with the
// create, or two concurrent resolutions of the same work could both see no
// target and each mint a record.
func (r *Repo) FindByExternalIDTx(tx *sql.Tx, sourceName, sourceID string) (*models.MangaCanonical, error) {
	return scanManga(tx.QueryRow(findByExternalIDSQL, sourceName, sourceID))
}

func (r *Repo) GetBinding(ctx context.Context, id string) (*models.SourceBinding, error) {
	row := r.DB.QueryRowContext(ctx, `
		SELECT id, manga_id, source_name, source_id, source_url, tier,
		       last_success_at, last_crawled_at, created_at
		FROM source_bindings
		WHERE id = ?
	`, id)
	b, err := scanBinding(row)
	if err != nil {
		return nil, err
	}
	return b, nil
}

func scanBinding(row rowScanner) (*models.SourceBinding, error) {
	var (
		b           models.SourceBinding
		tier        string
		lastSuccess sql.NullTime
		lastCrawled sql.NullTime
	)
	err := row.Scan(&b.ID, &b.MangaID, &b.SourceName, &b.SourceID, &b.SourceURL,
		&tier, &lastSuccess, &lastCrawled, &b.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("scan binding: %w", err)
	}
	b.Tier = models.Tier(tier)
	if lastSuccess.Valid {
		t := lastSuccess.Time
		b.LastSuccessAt = &t
	}
	if lastCrawled.Valid {
		t := lastCrawled.Time
		b.LastCrawledAt = &t
	}
	return &b, nil
}

func (r *Repo) CreateBinding(ctx context.Context, b models.SourceBinding) error {
	if b.Tier == "" {
		b.Tier = models.TierC
	}
	_, err := r.DB.ExecContext(ctx, `
		INSERT INTO source_bindings (id, manga_id, source_name, source_id, source_url, tier, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, b.ID, b.MangaID, b.SourceName, b.SourceID, b.SourceURL, string(b.Tier), r.now().UTC())
	if err != nil {
		return fmt.Errorf("insert binding %s: %w", b.ID, err)
	}
	return nil
}

// CreateBindingTx inserts a binding inside a resolution transaction.
func (r *Repo) CreateBindingTx(tx *sql.Tx, b models.SourceBinding) error {
	if b.Tier == "" {
		b.Tier = models.TierC
	}
	_, err := tx.Exec(`
		INSERT INTO source_bindings (id, manga_id, source_name, source_id, source_url, tier, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, b.ID, b.MangaID, b.SourceName, b.SourceID, b.SourceURL, string(b.Tier), r.now().UTC())
	if err != nil {
		return fmt.Errorf("insert binding %s: %w", b.ID, err)
	}
	return nil
}

// ListBindingsAfter pages through bindings by id, for the periodic
// scheduler scan. Resuming from a watermark's last processed id is just
// passing it back in.
func (r *Repo) ListBindingsAfter(ctx context.Context, afterID string, limit int) ([]models.SourceBinding, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	rows, err := r.DB.QueryContext(ctx, `
		SELECT id, manga_id, source_name, source_id, source_url, tier,
		       last_success_at, last_crawled_at, created_at
		FROM source_bindings
		WHERE id > ?
		ORDER BY id ASC
		LIMIT ?
	`, afterID, limit)
	if err != nil {
		return nil, fmt.Errorf("list bindings: %w", err)
	}
	defer rows.Close()

	out := make([]models.SourceBinding, 0, limit)
	for rows.Next() {
		b, err := scanBinding(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *b)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows bindings: %w", err)
	}
	return out, nil
}

// BindingsForManga lists every source bound to a canonical record.
func (r *Repo) BindingsForManga(ctx context.Context, mangaID string) ([]models.SourceBinding, error) {
	rows, err := r.DB.QueryContext(ctx, `
		SELECT id, manga_id, source_name, source_id, source_url, tier,
		       last_success_at, last_crawled_at, created_at
		FROM source_bindings
		WHERE manga_id = ?
		ORDER BY source_name ASC
	`, mangaID)
	if err != nil {
		return nil, fmt.Errorf("bindings for manga: %w", err)
	}
	defer rows.Close()

	var out []models.SourceBinding
	for rows.Next() {
		b, err := scanBinding(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *b)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows bindings for manga: %w", err)
	}
	return out, nil
}

// MarkCrawlSuccess records a completed crawl for the binding. Setting
// last_success_at consumes Tier A's one-shot periodic allowance.
func (r *Repo) MarkCrawlSuccess(ctx context.Context, bindingID string) error {
	now := r.now().UTC()
	_, err := r.DB.ExecContext(ctx, `
		UPDATE source_bindings SET last_success_at = ?, last_crawled_at = ? WHERE id = ?
	`, now, now, bindingID)
	if err != nil {
		return fmt.Errorf("mark crawl success %s: %w", bindingID, err)
	}
	return nil
}

// MarkCrawlAttempt records a crawl attempt without a success.
func (r *Repo) MarkCrawlAttempt(ctx context.Context, bindingID string) error {
	_, err := r.DB.ExecContext(ctx, `
		UPDATE source_bindings SET last_crawled_at = ? WHERE id = ?
	`, r.now().UTC(), bindingID)
	if err != nil {
		return fmt.Errorf("mark crawl attempt %s: %w", bindingID, err)
	}
	return nil
}

type ListQuery struct {
	Q      string
	Status string
	Limit  int
	Offset int
}

// Normalized clamps paging to sane bounds.
func (q ListQuery) Normalized() ListQuery {
	if q.Limit <= 0 || q.Limit > 100 {
		q.Limit = 20
	}
	if q.Offset < 0 {
		q.Offset = 0
	}
	return q
}

func (r *Repo) Count(ctx context.Context, q ListQuery) (int, error) {
	sqlStr, args := buildListSQL(q, true)
	var total int
	if err := r.DB.QueryRowContext(ctx, sqlStr, args...).Scan(&total); err != nil {
		return 0, fmt.Errorf("count manga: %w", err)
	}
	return total, nil
}

func (r *Repo) List(ctx context.Context, q ListQuery) ([]models.MangaCanonical, error) {
	sqlStr, args := buildListSQL(q, false)
	rows, err := r.DB.QueryContext(ctx, sqlStr, args...)
	if err != nil {
		return nil, fmt.Errorf("list manga: %w", err)
	}
	defer rows.Close()

	out := make([]models.MangaCanonical, 0, q.Limit)
	for rows.Next() {
		m, err := scanManga(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows manga: %w", err)
	}
	return out, nil
}

// buildListSQL builds either the COUNT(*) or SELECT form of the catalog
// listing. Title search also matches inside the alt_titles JSON text.
func buildListSQL(q ListQuery, countOnly bool) (string, []any) {
	baseSelect := `
		SELECT id, title, alt_titles, authors, language, year, status,
		       cover_url, description, metadata_source, schema_version,
		       external_ids, created_at, updated_at
		FROM manga
	`
	if countOnly {
		baseSelect = `SELECT COUNT(*) FROM manga`
	}

	var where []string
	var args []any

	if s := strings.TrimSpace(q.Q); s != "" {
		where = append(where, "(LOWER(title) LIKE ? OR LOWER(alt_titles) LIKE ? OR LOWER(authors) LIKE ?)")
		kw := "%" + strings.ToLower(s) + "%"
		args = append(args, kw, kw, kw)
	}
	if s := strings.TrimSpace(q.Status); s != "" {
		where = append(where, "LOWER(status) = ?")
		args = append(args, strings.ToLower(s))
	}

	sqlStr := baseSelect
	if len(where) > 0 {
		sqlStr += " WHERE " + strings.Join(where, " AND ")
	}
	if !countOnly {
		q = q.Normalized()
		sqlStr += " ORDER BY title ASC LIMIT ? OFFSET ?"
		args = append(args, q.Limit, q.Offset)
	}
	return sqlStr, args
}

// RefreshMetadata overwrites a record's source-synced metadata with a fresh
// crawl result. A record the user pinned (USER_OVERRIDE) is never touched;
// the guard lives in the WHERE clause so a concurrent pin cannot race it.
func (r *Repo) RefreshMetadata(ctx context.Context, id string, m models.MangaCanonical) error {
	altJSON, _ := json.Marshal(m.AltTitles)
	authorsJSON, _ := json.Marshal(m.Authors)
	idsJSON, _ := json.Marshal(m.ExternalIDs)

	_, err := r.DB.ExecContext(ctx, `
		UPDATE manga
		SET title = ?, alt_titles = ?, authors = ?, language = ?, year = ?,
		    status = ?, cover_url = ?, description = ?, external_ids = ?, updated_at = ?
		WHERE id = ? AND metadata_source = ?
	`, m.Title, string(altJSON), string(authorsJSON), m.Language, m.Year,
		m.Status, m.CoverURL, m.Description, string(idsJSON), r.now().UTC(),
		id, string(models.MetadataSourceSync))
	if err != nil {
		return fmt.Errorf("refresh manga %s: %w", id, err)
	}
	return nil
}

// SafeSourceUpdate repoints whatever binding currently owns sourceURL at
// targetMangaID, inside the caller's transaction. The ownership count is
// re-queried here, not trusted from earlier reads:
//
//   - no binding claims the URL: nothing to update, success
//   - the target already owns one: already consistent, success
//   - exactly one other binding: update that one row
//   - more than one: refuse with ErrBindingConflict
//
// A blanket "update all matching" is deliberately not offered.
func (r *Repo) SafeSourceUpdate(tx *sql.Tx, sourceURL, targetMangaID string) error {
	rows, err := tx.Query(`
		SELECT id, manga_id FROM source_bindings WHERE source_url = ?
	`, sourceURL)
	if err != nil {
		return fmt.Errorf("query bindings for url: %w", err)
	}
	defer rows.Close()

	type claim struct{ id, mangaID string }
	var claims []claim
	for rows.Next() {
		var c claim
		if err := rows.Scan(&c.id, &c.mangaID); err != nil {
			return fmt.Errorf("scan binding claim: %w", err)
		}
		claims = append(claims, c)
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("rows binding claims: %w", err)
	}

	if len(claims) == 0 {
		return nil
	}
	for _, c := range claims {
		if c.mangaID == targetMangaID {
			return nil
		}
	}
	if len(claims) > 1 {
		return fmt.Errorf("%w: url=%s claims=%d", ErrBindingConflict, sourceURL, len(claims))
	}

	if _, err := tx.Exec(`
		UPDATE source_bindings SET manga_id = ? WHERE id = ?
	`, targetMangaID, claims[0].id); err != nil {
		return fmt.Errorf("rebind %s: %w", claims[0].id, err)
	}
	return nil
}
