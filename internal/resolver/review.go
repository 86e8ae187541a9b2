package resolver

import (
	"strings"

	"mangatrack/internal/search"
	"mangatrack/pkg/models"
)

// Candidate scoring weights. Empirically tuned; kept as-is for behavioral
// compatibility rather than derived from anything principled.
const (
	titleWeight        = 0.7
	creatorWeight      = 0.3
	missingCreatorBias = 0.15 // half-weighted absence should not penalize like a true mismatch

	reviewThreshold = 0.75

	creatorPenalty  = 0.15
	languagePenalty = 0.10
	yearPenalty     = 0.10
	maxYearDrift    = 2
)

// scoreCandidate combines title similarity with creator overlap. When
// either side lacks creator metadata the creator term is replaced by a
// fixed credit.
func scoreCandidate(ref *models.ExternalRef, c search.Candidate) float64 {
	sim := titleSimilarity(ref.ImportedTitle, c.Title)
	if len(ref.ImportedAuthors) > 0 && len(c.Creators) > 0 {
		return titleWeight*sim + creatorWeight*creatorOverlap(ref.ImportedAuthors, c.Creators)
	}
	return titleWeight*sim + missingCreatorBias
}

// languageFamilies groups language codes that commonly label the same
// content across sources. Codes in one family are compatible.
var languageFamilies = [][]string{
	{"ja", "jp"},
	{"zh", "zh-hk", "zh-tw", "zh-ro"},
	{"ko", "ko-ro"},
	{"en"},
	{"es", "es-la"},
	{"pt", "pt-br"},
}

// languagesCompatible reports whether two known language codes may label
// the same work. An unknown (empty) side is always compatible; only a
// positive disagreement counts.
func languagesCompatible(a, b string) bool {
	a = strings.ToLower(strings.TrimSpace(a))
	b = strings.ToLower(strings.TrimSpace(b))
	if a == "" || b == "" || a == b {
		return true
	}
	for _, fam := range languageFamilies {
		inA, inB := false, false
		for _, code := range fam {
			if code == a {
				inA = true
			}
			if code == b {
				inB = true
			}
		}
		if inA || inB {
			return inA && inB
		}
	}
	// neither code is in the table; don't penalize what we can't judge
	return true
}

// decide produces the review decision for the best candidate. An exact
// external-identifier match forces full confidence and suppresses review
// regardless of every other factor. Otherwise confidence starts at title
// similarity and is reduced per disagreeing signal; review is required when
// confidence drops below the threshold or when two or more penalties fired,
// so several small red flags cannot hide behind a passing total.
func decide(ref *models.ExternalRef, c search.Candidate, exactIDMatch bool) models.ReviewDecision {
	if exactIDMatch {
		return models.ReviewDecision{
			Confidence:  1.0,
			Factors:     []string{models.FactorExactIDMatch},
			NeedsReview: false,
		}
	}

	confidence := titleSimilarity(ref.ImportedTitle, c.Title)
	var factors []string

	if len(ref.ImportedAuthors) > 0 && len(c.Creators) > 0 && creatorOverlap(ref.ImportedAuthors, c.Creators) == 0 {
		confidence -= creatorPenalty
		factors = append(factors, models.FactorCreatorMismatch)
	}
	if !languagesCompatible(ref.ImportedLanguage, c.Language) {
		confidence -= languagePenalty
		factors = append(factors, models.FactorLanguageMismatch)
	}
	if ref.ImportedYear != 0 && c.Year != 0 {
		drift := ref.ImportedYear - c.Year
		if drift < 0 {
			drift = -drift
		}
		if drift > maxYearDrift {
			confidence -= yearPenalty
			factors = append(factors, models.FactorYearDrift)
		}
	}

	if confidence < 0 {
		confidence = 0
	}
	return models.ReviewDecision{
		Confidence:  confidence,
		Factors:     factors,
		NeedsReview: confidence < reviewThreshold || len(factors) >= 2,
	}
}
