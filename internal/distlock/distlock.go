// Package distlock is a lease-based mutual exclusion lock backed by the
// shared store. Workers run as independent processes, so coordination goes
// through the locks table rather than in-process primitives. Every lease
// carries a TTL as a safety net: a crashed holder cannot starve the resource
// past its lease.
package distlock

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ErrHeld means another holder owns an unexpired lease on the key.
var ErrHeld = errors.New("lock held")

type Service struct {
	DB *sql.DB

	// now is injectable for tests.
	now func() time.Time
}

func NewService(db *sql.DB) *Service {
	return &Service{DB: db, now: time.Now}
}

// Acquire takes a lease on key for ttl and returns the holder token.
// An expired lease is stolen; an unexpired one returns ErrHeld.
func (s *Service) Acquire(ctx context.Context, key string, ttl time.Duration) (string, error) {
	token := uuid.NewString()
	now := s.now().UTC()
	expires := now.Add(ttl)

	res, err := s.DB.ExecContext(ctx, `
		UPDATE locks SET holder = ?, expires_at = ?
		WHERE key = ? AND expires_at <= ?
	`, token, expires, key, now)
	if err != nil {
		return "", fmt.Errorf("steal expired lock: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n > 0 {
		return token, nil
	}

	res, err = s.DB.ExecContext(ctx, `
		INSERT OR IGNORE INTO locks (key, holder, expires_at) VALUES (?, ?, ?)
	`, key, token, expires)
	if err != nil {
		return "", fmt.Errorf("insert lock: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return "", fmt.Errorf("insert lock rows: %w", err)
	}
	if n == 0 {
		return "", ErrHeld
	}
	return token, nil
}

// Release drops the lease if we still hold it. Releasing an expired, stolen
// or missing lease is a no-op, not an error: the caller cannot know whether
// its lease outlived the work.
func (s *Service) Release(ctx context.Context, key, token string) error {
	_, err := s.DB.ExecContext(ctx, `
		DELETE FROM locks WHERE key = ? AND holder = ?
	`, key, token)
	if err != nil {
		return fmt.Errorf("release lock: %w", err)
	}
	return nil
}

// WithLock runs fn under a lease on key. The lease is always released,
// including when fn panics or returns an error.
func (s *Service) WithLock(ctx context.Context, key string, ttl time.Duration, fn func(ctx context.Context) error) error {
	token, err := s.Acquire(ctx, key, ttl)
	if err != nil {
		return err
	}
	defer func() {
		// release on a fresh context: the caller's may already be done
		rctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.Release(rctx, key, token)
	}()

	return fn(ctx)
}
