package models

import "time"

// MetadataSource records where a canonical record's metadata came from.
// USER_OVERRIDE is sticky: resolution never overwrites a record the user
// pinned by hand.
type MetadataSource string

const (
	MetadataSourceSync   MetadataSource = "SOURCE_SYNC"
	MetadataUserOverride MetadataSource = "USER_OVERRIDE"
)

// MangaCanonical is the deduplicated catalog entity all external references
// eventually resolve to. Its identity is never merged away: duplicates
// collapse into an existing record, never the reverse.
type MangaCanonical struct {
	ID             string            `json:"id"`
	Title          string            `json:"title"`
	AltTitles      []string          `json:"alt_titles,omitempty"`
	Authors        []string          `json:"authors,omitempty"`
	Language       string            `json:"language,omitempty"`
	Year           int               `json:"year,omitempty"`
	Status         string            `json:"status,omitempty"`
	CoverURL       string            `json:"cover_url,omitempty"`
	Description    string            `json:"description,omitempty"`
	MetadataSource MetadataSource    `json:"metadata_source"`
	SchemaVersion  int               `json:"schema_version"`
	ExternalIDs    map[string]string `json:"external_ids,omitempty"` // e.g. {"mangadex": "..."}
	CreatedAt      time.Time         `json:"created_at"`
	UpdatedAt      time.Time         `json:"updated_at"`
}
