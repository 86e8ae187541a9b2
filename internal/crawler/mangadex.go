package crawler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"mangatrack/internal/guard"
	"mangatrack/pkg/models"
)

const mangadexBase = "https://api.mangadex.org"

// ErrSourceGone means the source no longer has the entry; not retryable.
var ErrSourceGone = errors.New("source entry gone")

// ErrUpstream covers transient upstream failures; the job layer retries.
var ErrUpstream = errors.New("upstream unavailable")

// Fetcher pulls one entry's current metadata from a source.
type Fetcher interface {
	Name() string
	FetchByID(ctx context.Context, sourceID string) (*models.MangaCanonical, error)
}

// MangadexFetcher reads a single title from the MangaDex public API.
type MangadexFetcher struct {
	Client *http.Client
	Base   string
	Guard  *guard.Store

	RateLimit  int
	RateWindow time.Duration
}

func NewMangadexFetcher(g *guard.Store) *MangadexFetcher {
	return &MangadexFetcher{
		Client:     &http.Client{Timeout: 12 * time.Second},
		Base:       mangadexBase,
		Guard:      g,
		RateLimit:  30,
		RateWindow: time.Minute,
	}
}

func (f *MangadexFetcher) Name() string { return "mangadex" }

type mdDetailResponse struct {
	Result string `json:"result"`
	Data   struct {
		ID         string `json:"id"`
		Attributes struct {
			Title            map[string]string   `json:"title"`
			AltTitles        []map[string]string `json:"altTitles"`
			Description      map[string]string   `json:"description"`
			OriginalLanguage string              `json:"originalLanguage"`
			Status           string              `json:"status"`
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
}

func (f *MangadexFetcher) FetchByID(ctx context.Context, sourceID string) (*models.MangaCanonical, error) {
	if f.Guard != nil {
		if !f.Guard.CanExecute(f.Name()) {
			return nil, fmt.Errorf("%w: circuit open for %s", ErrUpstream, f.Name())
		}
		if !f.Guard.Allow("crawl:"+f.Name(), f.RateLimit, f.RateWindow) {
			return nil, fmt.Errorf("%w: local budget for %s", ErrUpstream, f.Name())
		}
	}

	u := f.Base + "/manga/" + sourceID + "?includes[]=author&includes[]=cover_art"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("mangadex: build request: %w", err)
	}

	resp, err := f.Client.Do(req)
	if err != nil {
		f.recordFailure()
		return nil, fmt.Errorf("%w: %v", ErrUpstream, err)
	}
	body, _ := io.ReadAll(resp.Body)
	_ = resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		f.recordSuccess() // the source answered; the entry just isn't there
		return nil, fmt.Errorf("%w: %s/%s", ErrSourceGone, f.Name(), sourceID)
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		f.recordFailure()
		return nil, fmt.Errorf("%w: status %d", ErrUpstream, resp.StatusCode)
	case resp.StatusCode != http.StatusOK:
		f.recordFailure()
		return nil, fmt.Errorf("mangadex: status %d: %s", resp.StatusCode, string(body))
	}

	var md mdDetailResponse
	if err := json.Unmarshal(body, &md); err != nil {
		f.recordFailure()
		return nil, fmt.Errorf("mangadex: decode: %w", err)
	}
	f.recordSuccess()

	attrs := md.Data.Attributes
	m := models.MangaCanonical{
		Title:       pickLang(attrs.Title, "en", "ja-ro", "ja"),
		Language:    attrs.OriginalLanguage,
		Year:        attrs.Year,
		Status:      attrs.Status,
		Description: pickLang(attrs.Description, "en"),
		ExternalIDs: map[string]string{f.Name(): md.Data.ID},
	}
	for _, alt := range attrs.AltTitles {
		if v := pickLang(alt, "en", "ja-ro", "ja"); v != "" && v != m.Title {
			m.AltTitles = appendIfMissing(m.AltTitles, v)
		}
	}
	for _, rel := range md.Data.Relationships {
		switch rel.Type {
		case "author":
			if rel.Attributes.Name != "" {
				m.Authors = appendIfMissing(m.Authors, rel.Attributes.Name)
			}
		case "cover_art":
			if rel.Attributes.FileName != "" && m.CoverURL == "" {
				m.CoverURL = fmt.Sprintf("https://uploads.mangadex.org/covers/%s/%s", md.Data.ID, rel.Attributes.FileName)
			}
		}
	}
	if m.Title == "" {
		return nil, fmt.Errorf("mangadex: entry %s has no usable title", sourceID)
	}
	return &m, nil
}

func (f *MangadexFetcher) recordFailure() {
	if f.Guard != nil {
		f.Guard.RecordFailure(f.Name())
	}
}

func (f *MangadexFetcher) recordSuccess() {
	if f.Guard != nil {
		f.Guard.RecordSuccess(f.Name())
	}
}

// pickLang returns the first non-empty value among the preferred language
// keys, falling back to any value at all.
func pickLang(m map[string]string, prefs ...string) string {
	for _, p := range prefs {
		if v := m[p]; v != "" {
			return v
		}
	}
	for _, v := range m {
		if v != "" {
			return v
		}
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
