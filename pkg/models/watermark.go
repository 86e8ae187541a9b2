package models

import "time"

// SchedulerWatermark marks progress of a periodic run. A watermark that is
// present but unexpired when a new run starts means the previous run crashed
// mid-flight; the new run resumes from LastProcessedID. Cleared on clean
// completion, otherwise it expires after its TTL.
type SchedulerWatermark struct {
	Name            string    `json:"name"`
	RunID           string    `json:"run_id"`
	LastRunAt       time.Time `json:"last_run_at"`
	LastProcessedID string    `json:"last_processed_id,omitempty"`
	ScheduledCount  int       `json:"scheduled_count"`
	ExpiresAt       time.Time `json:"expires_at"`
}
