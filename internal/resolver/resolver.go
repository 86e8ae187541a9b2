// Package resolver matches pending external references against the catalog
// via a search oracle, binds or creates canonical records, and merges
// duplicate references. Search strategy widens across retries; all
// uniqueness-affecting writes run inside a retrying transaction under a
// per-reference lock.
package resolver

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"

	"mangatrack/internal/backoff"
	"mangatrack/internal/catalog"
	"mangatrack/internal/distlock"
	"mangatrack/internal/library"
	"mangatrack/internal/search"
	synchub "mangatrack/internal/sync"
	"mangatrack/pkg/database"
	"mangatrack/pkg/models"
	"mangatrack/pkg/utils"
)

// OutcomeKind is the closed set of resolution results.
type OutcomeKind string

const (
	OutcomeBoundExisting OutcomeKind = "bound_existing"
	OutcomeCreatedNew    OutcomeKind = "created_new"
	OutcomeUnavailable   OutcomeKind = "unavailable"
	OutcomeFailed        OutcomeKind = "failed"
	OutcomeSkipped       OutcomeKind = "skipped"
)

type Outcome struct {
	Kind     OutcomeKind           `json:"kind"`
	MangaID  string                `json:"manga_id,omitempty"`
	Decision models.ReviewDecision `json:"decision"`
	Reason   string                `json:"reason,omitempty"`
}

// ErrNoMatchYet means this attempt found no candidate above the threshold
// but the ladder is not exhausted. The job layer requeues with backoff; the
// bumped retry count widens the next attempt.
var ErrNoMatchYet = errors.New("no acceptable match yet")

// Broadcaster pushes resolution events to connected clients. Nil disables
// broadcasting.
type Broadcaster interface {
	BroadcastJSON(v any)
}

const (
	overrideWindow = 30 * 24 * time.Hour
	lockTTL        = 2 * time.Minute
)

type Engine struct {
	DB      *sql.DB
	Refs    *library.Repo
	Catalog *catalog.Repo
	Oracle  search.Oracle
	Locks   *distlock.Service
	Hub     Broadcaster

	// MaxAttempts bounds the retry ladder. Past it an unmatched reference
	// goes unavailable.
	MaxAttempts int
	// TxTimeout bounds the bind/merge transaction.
	TxTimeout time.Duration

	now func() time.Time
}

func NewEngine(db *sql.DB, refs *library.Repo, cat *catalog.Repo, oracle search.Oracle, locks *distlock.Service) *Engine {
	return &Engine{
		DB:          db,
		Refs:        refs,
		Catalog:     cat,
		Oracle:      oracle,
		Locks:       locks,
		MaxAttempts: 4,
		TxTimeout:   10 * time.Second,
		now:         time.Now,
	}
}

// Resolve runs one resolution attempt for the reference. The per-reference
// lock plus the idempotent job key give at most one active attempt at a
// time; a concurrent holder surfaces as distlock.ErrHeld, which the job
// layer retries.
func (e *Engine) Resolve(ctx context.Context, refID string) (Outcome, error) {
	var out Outcome
	err := e.Locks.WithLock(ctx, "resolve:"+refID, lockTTL, func(ctx context.Context) error {
		var err error
		out, err = e.resolveLocked(ctx, refID)
		return err
	})
	return out, err
}

func (e *Engine) resolveLocked(ctx context.Context, refID string) (Outcome, error) {
	ref, err := e.Refs.Get(ctx, refID)
	if err != nil {
		return Outcome{}, err
	}
	if ref == nil {
		return Outcome{}, fmt.Errorf("resolve: reference %s not found", refID)
	}
	if ref.Retired() {
		return Outcome{Kind: OutcomeSkipped, Reason: "retired"}, nil
	}

	// Manual override is the highest-precedence rule: it beats every other
	// outcome, including a successful search. Deliberate no-op, no alert.
	if reason, skipped := e.overrideGuard(ctx, ref); skipped {
		return Outcome{Kind: OutcomeSkipped, Reason: reason}, nil
	}

	attempt := ref.RetryCount + 1
	strat := strategyForAttempt(attempt)

	var variations []string
	if strat.useVariations {
		variations = titleVariations(ref.ImportedTitle, attempt)
	}

	cands, err := e.Oracle.Search(ctx, ref.ImportedTitle, variations, strat.maxCandidates)
	if err != nil {
		if search.IsRetryable(err) {
			// transient/rate-limit: requeue without consuming a ladder step
			return Outcome{}, err
		}
		return e.markFailed(ctx, ref, err)
	}

	best, bestScore, exact := e.pickBest(ref, cands, strat)
	if best == nil {
		if attempt >= e.MaxAttempts {
			if err := e.Refs.MarkUnavailable(ctx, ref.ID); err != nil {
				return Outcome{}, err
			}
			log.Printf("[resolver] ref=%s unavailable after %d attempts", ref.ID, attempt)
			e.emit(synchub.RefEvent{Type: synchub.EventRefUnavailable, UserID: ref.UserID, RefID: ref.ID})
			return Outcome{Kind: OutcomeUnavailable, Reason: "retry ladder exhausted"}, nil
		}
		if err := e.Refs.IncrementRetry(ctx, ref.ID); err != nil {
			return Outcome{}, err
		}
		return Outcome{}, fmt.Errorf("%w: ref=%s attempt=%d", ErrNoMatchYet, ref.ID, attempt)
	}

	decision := decide(ref, *best, exact)
	log.Printf("[resolver] ref=%s matched %q score=%.2f confidence=%.2f review=%v",
		ref.ID, best.Title, bestScore, decision.Confidence, decision.NeedsReview)

	return e.bind(ctx, ref, *best, decision)
}

// overrideGuard applies rule 1: manual link, a recent manual override, or a
// user-pinned bound record all skip resolution unconditionally.
func (e *Engine) overrideGuard(ctx context.Context, ref *models.ExternalRef) (string, bool) {
	if ref.ManuallyLinked {
		return "manually linked", true
	}
	if ref.ManualOverrideAt != nil && e.now().Sub(*ref.ManualOverrideAt) < overrideWindow {
		return "recent manual override", true
	}
	if ref.MangaID != nil {
		m, err := e.Catalog.GetManga(ctx, *ref.MangaID)
		if err == nil && m != nil && m.MetadataSource == models.MetadataUserOverride {
			return "bound record is user override", true
		}
	}
	return "", false
}

// pickBest scores candidates against the reference. A candidate whose
// identifier equals the reference's own source identifier is an exact match
// and wins outright.
func (e *Engine) pickBest(ref *models.ExternalRef, cands []search.Candidate, strat strategy) (*search.Candidate, float64, bool) {
	refSourceID := sourceIDFromURL(ref.SourceURL)

	var best *search.Candidate
	bestScore := 0.0
	for i := range cands {
		c := &cands[i]
		if refSourceID != "" && c.Identifier == refSourceID {
			return c, 1.0, true
		}
		score := scoreCandidate(ref, *c)
		if score >= strat.threshold && score > bestScore {
			best = c
			bestScore = score
		}
	}
	return best, bestScore, false
}

// markFailed records a hard oracle error: the reference goes failed with a
// day-scale recovery retry scheduled, and the sanitized cause is surfaced
// operationally. The user-facing binding and progress are left untouched.
func (e *Engine) markFailed(ctx context.Context, ref *models.ExternalRef, cause error) (Outcome, error) {
	msg := utils.SanitizeError(cause.Error())
	nextRetry := e.now().Add(backoff.RecoveryDelay(ref.RetryCount + 1))

	if err := e.Refs.MarkFailed(ctx, ref.ID, nextRetry); err != nil {
		return Outcome{}, err
	}
	if err := e.Refs.IncrementRetry(ctx, ref.ID); err != nil {
		return Outcome{}, err
	}
	log.Printf("[resolver] ref=%s failed: %s (next retry %s)", ref.ID, msg, nextRetry.UTC().Format(time.RFC3339))
	return Outcome{Kind: OutcomeFailed, Reason: msg}, nil
}

// bind writes the match: target lookup, binding uniqueness check,
// enrichment, and duplicate merge, all in one retrying transaction bounded
// by TxTimeout. The lookup lives inside the transaction so two concurrent
// resolutions of the same external work cannot both see no target and each
// mint a record.
func (e *Engine) bind(ctx context.Context, ref *models.ExternalRef, best search.Candidate, decision models.ReviewDecision) (Outcome, error) {
	txCtx, cancel := context.WithTimeout(ctx, e.TxTimeout)
	defer cancel()

	var (
		created bool
		mangaID string
		retired []string
	)
	err := database.InTx(txCtx, e.DB, func(tx *sql.Tx) error {
		created, mangaID, retired = false, "", nil

		// re-read under the transaction: a manual override may have landed
		// since the initial guard
		cur, err := e.Refs.GetTx(tx, ref.ID)
		if err != nil {
			return err
		}
		if cur == nil || cur.ManuallyLinked || cur.Retired() {
			return errSkippedInTx
		}

		target, err := e.Catalog.FindByExternalIDTx(tx, e.Oracle.Name(), best.Identifier)
		if err != nil {
			return err
		}

		if target == nil {
			mangaID = uuid.NewString()
			if err := e.Catalog.CreateMangaTx(tx, models.MangaCanonical{
				ID:          mangaID,
				Title:       best.Title,
				Authors:     best.Creators,
				Language:    best.Language,
				Year:        best.Year,
				CoverURL:    best.CoverURL,
				ExternalIDs: map[string]string{e.Oracle.Name(): best.Identifier},
			}); err != nil {
				return err
			}
			if err := e.Catalog.CreateBindingTx(tx, models.SourceBinding{
				ID:         uuid.NewString(),
				MangaID:    mangaID,
				SourceName: e.Oracle.Name(),
				SourceID:   best.Identifier,
				SourceURL:  ref.SourceURL,
			}); err != nil {
				return err
			}
			created = true
		} else {
			mangaID = target.ID
			if err := e.Catalog.SafeSourceUpdate(tx, ref.SourceURL, mangaID); err != nil {
				return err
			}
		}

		if err := e.Refs.MarkEnrichedTx(tx, ref.ID, mangaID, decision); err != nil {
			return err
		}
		retired, err = e.mergeDuplicates(tx, cur, mangaID)
		return err
	})
	if err != nil {
		if errors.Is(err, errSkippedInTx) {
			return Outcome{Kind: OutcomeSkipped, Reason: "reference changed during resolution"}, nil
		}
		return Outcome{}, err
	}

	e.broadcast(ref, mangaID, decision)
	for _, id := range retired {
		e.emit(synchub.RefEvent{Type: synchub.EventRefRetired, UserID: ref.UserID, RefID: id, MangaID: mangaID})
	}

	kind := OutcomeBoundExisting
	if created {
		kind = OutcomeCreatedNew
	}
	return Outcome{Kind: kind, MangaID: mangaID, Decision: decision}, nil
}

var errSkippedInTx = errors.New("reference changed during resolution")

// mergeDuplicates collapses the user's other live references now bound to
// the same record. The surviving reference keeps the maximum merged
// progress; losers are soft-retired only after the survivor carries at
// least their progress. Returns the retired reference ids.
func (e *Engine) mergeDuplicates(tx *sql.Tx, ref *models.ExternalRef, mangaID string) ([]string, error) {
	siblings, err := e.Refs.SiblingsTx(tx, ref, mangaID)
	if err != nil {
		return nil, err
	}
	if len(siblings) == 0 {
		return nil, nil
	}

	merged := ref.Progress
	for _, sib := range siblings {
		merged = models.MergeProgress(merged, sib.Progress)
	}
	if err := e.Refs.SetProgressTx(tx, ref.ID, merged); err != nil {
		return nil, err
	}
	retired := make([]string, 0, len(siblings))
	for i := range siblings {
		if err := e.Refs.RetireTx(tx, &siblings[i], merged); err != nil {
			return nil, err
		}
		retired = append(retired, siblings[i].ID)
	}
	log.Printf("[resolver] ref=%s merged %d duplicate(s), progress=%.2f", ref.ID, len(siblings), merged)
	return retired, nil
}

func (e *Engine) broadcast(ref *models.ExternalRef, mangaID string, decision models.ReviewDecision) {
	evType := synchub.EventRefResolved
	if decision.NeedsReview {
		evType = synchub.EventRefNeedsReview
	}
	e.emit(synchub.RefEvent{
		Type:       evType,
		UserID:     ref.UserID,
		RefID:      ref.ID,
		MangaID:    mangaID,
		Confidence: decision.Confidence,
	})
}

func (e *Engine) emit(ev synchub.RefEvent) {
	if e.Hub == nil {
		return
	}
	ev.At = e.now().UTC()
	e.Hub.BroadcastJSON(ev)
}

// sourceIDFromURL extracts the source-scoped identifier from a reference
// URL, e.g. ".../title/<id>" or a bare trailing segment.
func sourceIDFromURL(rawURL string) string {
	trimmed := strings.TrimRight(strings.TrimSpace(rawURL), "/")
	if trimmed == "" {
		return ""
	}
	i := strings.LastIndex(trimmed, "/")
	if i < 0 || i == len(trimmed)-1 {
		return ""
	}
	return trimmed[i+1:]
}
