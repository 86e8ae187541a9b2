package search

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"mangatrack/internal/guard"
)

const mangadexBase = "https://api.mangadex.org"

// Mangadex searches the MangaDex public API. Calls go through the guard
// store: the circuit breaker denies fast after repeated failures and the
// rate limiter keeps us under the source's request budget.
type Mangadex struct {
	Client *http.Client
	Base   string
	Guard  *guard.Store

	// requests allowed per window against the source
	RateLimit  int
	RateWindow time.Duration
}

func NewMangadex(g *guard.Store) *Mangadex {
	return &Mangadex{
		Client:     &http.Client{Timeout: 12 * time.Second},
		Base:       mangadexBase,
		Guard:      g,
		RateLimit:  30,
		RateWindow: time.Minute,
	}
}

func (s *Mangadex) Name() string { return "mangadex" }

type mdSearchResponse struct {
	Result string `json:"result"`
	Data   []struct {
		ID         string `json:"id"`
		Attributes struct {
			Title            map[string]string   `json:"title"`
			AltTitles        []map[string]string `json:"altTitles"`
			OriginalLanguage string              `json:"originalLanguage"`
			Year             int                 `json:"year"`
		} `json:"attributes"`
		Relationships []struct {
			Type       string `json:"type"`
			Attributes struct {
				Name     string `json:"name"`     // author
				FileName string `json:"fileName"` // cover_art
			} `json:"attributes"`
		} `json:"relationships"`
	} `json:"data"`
	Total int `json:"total"`
}

// Search queries title first, then each variation, until maxCandidates are
// collected. No results is an empty slice, not an error.
func (s *Mangadex) Search(ctx context.Context, title string, variations []string, maxCandidates int) ([]Candidate, error) {
	if maxCandidates <= 0 {
		maxCandidates = 5
	}

	queries := append([]string{title}, variations...)
	seen := make(map[string]bool)
	var out []Candidate

	for _, q := range queries {
		if len(out) >= maxCandidates {
			break
		}
		batch, err := s.searchOne(ctx, q, maxCandidates-len(out))
		if err != nil {
			return nil, err
		}
		for _, c := range batch {
			if seen[c.Identifier] {
				continue
			}
			seen[c.Identifier] = true
			out = append(out, c)
			if len(out) >= maxCandidates {
				break
			}
		}
	}
	return out, nil
}

func (s *Mangadex) searchOne(ctx context.Context, query string, limit int) ([]Candidate, error) {
	if s.Guard != nil {
		if !s.Guard.CanExecute(s.Name()) {
			return nil, fmt.Errorf("%w: circuit open for %s", ErrTransient, s.Name())
		}
		if !s.Guard.Allow("search:"+s.Name(), s.RateLimit, s.RateWindow) {
			return nil, fmt.Errorf("%w: local budget for %s", ErrRateLimited, s.Name())
		}
	}

	u, _ := url.Parse(s.Base + "/manga")
	q := u.Query()
	q.Set("title", query)
	q.Set("limit", fmt.Sprintf("%d", limit))
	q.Add("contentRating[]", "safe")
	q.Add("contentRating[]", "suggestive")
	q.Add("includes[]", "author")
	q.Add("includes[]", "cover_art")
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("mangadex: build request: %w", err)
	}

	resp, err := s.Client.Do(req)
	if err != nil {
		s.recordFailure()
		return nil, fmt.Errorf("%w: mangadex: %v", ErrTransient, err)
	}

	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
		// fallthrough to decode
	case resp.StatusCode == http.StatusTooManyRequests:
		s.recordFailure()
		return nil, fmt.Errorf("%w: mangadex: status 429", ErrRateLimited)
	case resp.StatusCode >= 500:
		s.recordFailure()
		return nil, fmt.Errorf("%w: mangadex: status %d", ErrTransient, resp.StatusCode)
	default:
		s.recordFailure()
		return nil, fmt.Errorf("mangadex: status %d: %s", resp.StatusCode, string(body))
	}

	var md mdSearchResponse
	if err := json.Unmarshal(body, &md); err != nil {
		s.recordFailure()
		return nil, fmt.Errorf("mangadex: decode: %w", err)
	}
	if s.Guard != nil {
		s.Guard.RecordSuccess(s.Name())
	}

	out := make([]Candidate, 0, len(md.Data))
	for _, item := range md.Data {
		if item.ID == "" {
			continue
		}

		title := pickLang(item.Attributes.Title, "en")
		if title == "" {
			for _, v := range item.Attributes.Title {
				title = v
				break
			}
		}
		if title == "" {
			continue
		}

		var creators []string
		coverFile := ""
		for _, rel := range item.Relationships {
			switch rel.Type {
			case "author":
				if rel.Attributes.Name != "" {
					creators = appendIfMissing(creators, rel.Attributes.Name)
				}
			case "cover_art":
				if coverFile == "" && rel.Attributes.FileName != "" {
					coverFile = rel.Attributes.FileName
				}
			}
		}
		coverURL := ""
		if coverFile != "" {
			coverURL = fmt.Sprintf("https://uploads.mangadex.org/covers/%s/%s", item.ID, coverFile)
		}

		out = append(out, Candidate{
			Identifier: item.ID,
			Title:      title,
			Creators:   creators,
			Language:   strings.TrimSpace(item.Attributes.OriginalLanguage),
			Year:       item.Attributes.Year,
			CoverURL:   coverURL,
		})
	}
	return out, nil
}

func (s *Mangadex) recordFailure() {
	if s.Guard != nil {
		s.Guard.RecordFailure(s.Name())
	}
}

func pickLang(m map[string]string, lang string) string {
	if m == nil {
		return ""
	}
	if v := strings.TrimSpace(m[lang]); v != "" {
		return v
	}
	return ""
}

func appendIfMissing(slice []string, v string) []string {
	for _, x := range slice {
		if x == v {
			return slice
		}
	}
	return append(slice, v)
}
