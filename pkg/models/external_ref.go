package models

import (
	"fmt"
	"time"
)

// ResolutionStatus is the lifecycle state of an external reference.
// The set is closed; switch statements over it must carry an explicit
// unreachable default.
type ResolutionStatus string

const (
	StatusPending     ResolutionStatus = "pending"
	StatusEnriched    ResolutionStatus = "enriched"
	StatusUnavailable ResolutionStatus = "unavailable"
	StatusFailed      ResolutionStatus = "failed"
)

// Valid reports whether s is one of the known resolution statuses.
func (s ResolutionStatus) Valid() bool {
	switch s {
	case StatusPending, StatusEnriched, StatusUnavailable, StatusFailed:
		return true
	default:
		return false
	}
}

// Terminal reports whether s allows no further automatic resolution
// attempts outside the scheduled recovery path.
func (s ResolutionStatus) Terminal() bool {
	switch s {
	case StatusUnavailable, StatusFailed:
		return true
	case StatusPending, StatusEnriched:
		return false
	default:
		panic(fmt.Sprintf("unreachable: unknown resolution status %q", string(s)))
	}
}

// ExternalRef is a user-scoped pointer to content at an external source.
// It is created on import/add, mutated only by the resolution engine or an
// explicit user override, and never hard-deleted: retirement sets RetiredAt.
type ExternalRef struct {
	ID               string           `json:"id"`
	UserID           string           `json:"user_id"`
	SourceName       string           `json:"source_name"`
	SourceURL        string           `json:"source_url"`
	ImportedTitle    string           `json:"imported_title"`
	ImportedAuthors  []string         `json:"imported_authors,omitempty"`
	ImportedLanguage string           `json:"imported_language,omitempty"`
	ImportedYear     int              `json:"imported_year,omitempty"`
	Progress         float64          `json:"progress"`
	Status           ResolutionStatus `json:"status"`
	RetryCount       int              `json:"retry_count"`
	ManuallyLinked   bool             `json:"manually_linked"`
	ManualOverrideAt *time.Time       `json:"manual_override_at,omitempty"`
	MetadataChecksum string           `json:"metadata_checksum,omitempty"`
	MangaID          *string          `json:"manga_id,omitempty"`
	Confidence       float64          `json:"confidence"`
	ReviewFactors    []string         `json:"review_factors,omitempty"`
	NeedsReview      bool             `json:"needs_review"`
	RetiredAt        *time.Time       `json:"retired_at,omitempty"`
	NextRetryAt      *time.Time       `json:"next_retry_at,omitempty"`
	CreatedAt        time.Time        `json:"created_at"`
	UpdatedAt        time.Time        `json:"updated_at"`
}

// Retired reports whether the reference was soft-retired by a duplicate
// merge.
func (r *ExternalRef) Retired() bool {
	return r.RetiredAt != nil
}
