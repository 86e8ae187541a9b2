package resolver

import (
	"regexp"
	"strings"
)

// strategy is the search posture for one resolution attempt. Precision is
// traded for recall as attempts climb: the similarity floor drops while the
// candidate pool and title variations widen.
type strategy struct {
	threshold     float64
	useVariations bool
	maxCandidates int
}

func strategyForAttempt(attempt int) strategy {
	switch {
	case attempt <= 1:
		return strategy{threshold: 0.85, useVariations: false, maxCandidates: 5}
	case attempt == 2:
		return strategy{threshold: 0.75, useVariations: true, maxCandidates: 10}
	case attempt == 3:
		return strategy{threshold: 0.70, useVariations: true, maxCandidates: 15}
	default:
		return strategy{threshold: 0.60, useVariations: true, maxCandidates: 20}
	}
}

var parenRe = regexp.MustCompile(`\s*[(\[][^)\]]*[)\]]`)

// titleVariations derives alternate search titles for a retry attempt.
// Every step only adds variants; the original title is always queried first
// by the caller and never replaced.
//
//	attempt 2: subtitle stripped (text after ":" or " - ")
//	attempt 3+: parenthetical qualifiers stripped, then truncated to the
//	            leading tokens
//	attempt 4+: all non-alphanumeric characters dropped
func titleVariations(title string, attempt int) []string {
	title = strings.TrimSpace(title)
	if title == "" || attempt < 2 {
		return nil
	}

	var out []string
	seen := map[string]bool{strings.ToLower(title): true}
	add := func(v string) {
		v = strings.Join(strings.Fields(v), " ")
		if v == "" || seen[strings.ToLower(v)] {
			return
		}
		seen[strings.ToLower(v)] = true
		out = append(out, v)
	}

	add(stripSubtitle(title))

	if attempt >= 3 {
		noParens := parenRe.ReplaceAllString(title, "")
		add(noParens)
		add(firstTokens(noParens, 4))
	}

	if attempt >= 4 {
		add(alphanumericOnly(title))
		add(alphanumericOnly(parenRe.ReplaceAllString(title, "")))
	}

	return out
}

func stripSubtitle(title string) string {
	for _, sep := range []string{":", " - "} {
		if i := strings.Index(title, sep); i > 0 {
			return strings.TrimSpace(title[:i])
		}
	}
	return title
}

func firstTokens(s string, n int) string {
	fields := strings.Fields(s)
	if len(fields) <= n {
		return s
	}
	return strings.Join(fields[:n], " ")
}

func alphanumericOnly(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	prevSpace := false
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			b.WriteRune(r)
			prevSpace = false
		case r == ' ' && !prevSpace:
			b.WriteRune(' ')
			prevSpace = true
		}
	}
	return strings.TrimSpace(b.String())
}
