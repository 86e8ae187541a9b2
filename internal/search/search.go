// Package search defines the catalog search oracle the resolution engine
// consumes. Each implementation is responsible for its own transport and
// for mapping results into Candidate.
package search

import (
	"context"
	"errors"
)

// Candidate is one catalog hit for a title query.
type Candidate struct {
	Identifier string   // source-scoped id
	Title      string
	Creators   []string // may be empty when the source has no author data
	Language   string   // may be empty
	Year       int      // 0 when unknown
	CoverURL   string
}

// Error classes. Rate-limit and transient errors are retryable at the job
// layer; anything else is a hard error and terminates the resolution
// attempt as failed.
var (
	ErrRateLimited = errors.New("source rate limited")
	ErrTransient   = errors.New("transient source error")
)

// IsRetryable reports whether err should be retried with backoff instead of
// failing the reference.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrRateLimited) || errors.Is(err, ErrTransient)
}

// Oracle searches a catalog source. variations are tried after title until
// maxCandidates results are collected; an empty result is not an error.
type Oracle interface {
	Name() string
	Search(ctx context.Context, title string, variations []string, maxCandidates int) ([]Candidate, error)
}
