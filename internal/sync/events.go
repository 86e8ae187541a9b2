package sync

import "time"

// Event types pushed to connected clients.
const (
	EventRefResolved    = "ref.resolved"
	EventRefNeedsReview = "ref.needs_review"
	EventRefUnavailable = "ref.unavailable"
	EventRefRetired     = "ref.retired"
	EventProgressUpdate = "progress.update"
)

// RefEvent announces a change to one of the user's references.
type RefEvent struct {
	Type       string    `json:"type"`
	UserID     string    `json:"user_id"`
	RefID      string    `json:"ref_id"`
	MangaID    string    `json:"manga_id,omitempty"`
	Confidence float64   `json:"confidence,omitempty"`
	Progress   float64   `json:"progress,omitempty"`
	At         time.Time `json:"at"`
}
