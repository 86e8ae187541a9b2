package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/mattn/go-sqlite3"

	"mangatrack/internal/backoff"
)

// txAttempts bounds retry-on-conflict. Conflicts past this surface to the
// caller as errors.
const txAttempts = 5

var txBackoff = backoff.Policy{
	Base:   25 * time.Millisecond,
	Max:    500 * time.Millisecond,
	Jitter: 0.5,
}

// IsSerializationConflict reports whether err is a lock/busy conflict that a
// fresh transaction attempt may resolve.
func IsSerializationConflict(err error) bool {
	var se sqlite3.Error
	if errors.As(err, &se) {
		return se.Code == sqlite3.ErrBusy || se.Code == sqlite3.ErrLocked
	}
	return false
}

// IsConstraintViolation reports whether err is a uniqueness/FK violation.
// These are never retried: the same write would fail the same way.
func IsConstraintViolation(err error) bool {
	var se sqlite3.Error
	if errors.As(err, &se) {
		return se.Code == sqlite3.ErrConstraint
	}
	return false
}

// InTx runs fn inside a transaction, retrying the whole function on
// serialization conflicts with jittered backoff. Constraint violations and
// other errors roll back and return immediately. The context deadline bounds
// the entire operation; no partial writes survive an abort.
func InTx(ctx context.Context, db *sql.DB, fn func(tx *sql.Tx) error) error {
	var lastErr error
	for attempt := 0; attempt < txAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return fmt.Errorf("tx retry: %w", ctx.Err())
			case <-time.After(txBackoff.Delay(attempt - 1)):
			}
		}

		err := runOnce(ctx, db, fn)
		if err == nil {
			return nil
		}
		if !IsSerializationConflict(err) {
			return err
		}
		lastErr = err
		log.Printf("[database] tx conflict (attempt %d/%d): %v", attempt+1, txAttempts, err)
	}
	return fmt.Errorf("tx conflict after %d attempts: %w", txAttempts, lastErr)
}

func runOnce(ctx context.Context, db *sql.DB, fn func(tx *sql.Tx) error) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}

	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}
