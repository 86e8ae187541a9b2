package models

import "time"

// Tier is the coarse crawl priority class of a source binding. A is the
// highest trust, C the lowest. Unknown labels are treated as Tier C by the
// admission controller rather than rejected.
type Tier string

const (
	TierA Tier = "A"
	TierB Tier = "B"
	TierC Tier = "C"
)

// Known reports whether t is a recognized tier label.
func (t Tier) Known() bool {
	switch t {
	case TierA, TierB, TierC:
		return true
	default:
		return false
	}
}

// SourceBinding binds a specific source URL to one canonical record.
// At most one binding may own a given source URL at a time; rebinding goes
// through the safe-update path in the catalog repo.
type SourceBinding struct {
	ID            string     `json:"id"`
	MangaID       string     `json:"manga_id"`
	SourceName    string     `json:"source_name"`
	SourceID      string     `json:"source_id"`
	SourceURL     string     `json:"source_url"`
	Tier          Tier       `json:"tier"`
	LastSuccessAt *time.Time `json:"last_success_at,omitempty"`
	LastCrawledAt *time.Time `json:"last_crawled_at,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
}
