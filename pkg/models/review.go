package models

// Review factor labels written onto an external reference when the
// resolution engine scores a match.
const (
	FactorExactIDMatch     = "exact_id_match"
	FactorCreatorMismatch  = "creator_mismatch"
	FactorLanguageMismatch = "language_mismatch"
	FactorYearDrift        = "year_drift"
)

// ReviewDecision is the outcome of scoring the best candidate for a
// reference. It is not persisted as its own table; confidence, factors and
// the review flag are written onto the reference.
type ReviewDecision struct {
	Confidence  float64  `json:"confidence"`
	Factors     []string `json:"factors,omitempty"`
	NeedsReview bool     `json:"needs_review"`
}
