package models

import "math"

// NormalizeProgress floors a progress value to 2 decimal digits and clamps
// it to >= 0. All comparisons and writes go through this so floating-point
// drift cannot fake an "already read" or "new progress" transition.
func NormalizeProgress(p float64) float64 {
	if p < 0 || math.IsNaN(p) {
		return 0
	}
	return math.Floor(p*100) / 100
}

// MergeProgress merges two progress values: the larger normalized value
// wins. Used both for duplicate-reference merges and for incoming sync
// updates, so a stale source can never move progress backwards.
func MergeProgress(a, b float64) float64 {
	na, nb := NormalizeProgress(a), NormalizeProgress(b)
	if na >= nb {
		return na
	}
	return nb
}
