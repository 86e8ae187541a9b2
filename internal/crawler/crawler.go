// Package crawler refreshes canonical metadata for one source binding at a
// time, driven by crawl jobs the scheduler admits into the queue.
package crawler

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"

	"mangatrack/internal/catalog"
	"mangatrack/pkg/models"
)

type Crawler struct {
	Catalog *catalog.Repo
	Fetch   Fetcher
}

func New(cat *catalog.Repo, fetch Fetcher) *Crawler {
	return &Crawler{Catalog: cat, Fetch: fetch}
}

// Crawl fetches fresh metadata for the binding and folds it into the bound
// record. Success stamps last_success_at, which also consumes a Tier A
// binding's one-shot periodic allowance.
func (c *Crawler) Crawl(ctx context.Context, bindingID string) error {
	b, err := c.Catalog.GetBinding(ctx, bindingID)
	if err != nil {
		return err
	}
	if b == nil {
		// binding deleted since admission; nothing to do
		return nil
	}
	if b.SourceName != c.Fetch.Name() {
		return fmt.Errorf("crawl %s: no fetcher for source %q", bindingID, b.SourceName)
	}

	fresh, err := c.Fetch.FetchByID(ctx, b.SourceID)
	if err != nil {
		if markErr := c.Catalog.MarkCrawlAttempt(ctx, bindingID); markErr != nil {
			log.Printf("[crawler] mark attempt %s: %v", bindingID, markErr)
		}
		if errors.Is(err, ErrSourceGone) {
			log.Printf("[crawler] binding=%s entry gone at %s", bindingID, b.SourceName)
			return nil
		}
		return err
	}

	existing, err := c.Catalog.GetManga(ctx, b.MangaID)
	if err != nil {
		return err
	}
	if existing == nil {
		return fmt.Errorf("crawl %s: bound manga %s missing", bindingID, b.MangaID)
	}

	if existing.MetadataSource == models.MetadataSourceSync {
		merged := mergeManga(*existing, *fresh)
		if err := c.Catalog.RefreshMetadata(ctx, existing.ID, merged); err != nil {
			return err
		}
	}

	if err := c.Catalog.MarkCrawlSuccess(ctx, bindingID); err != nil {
		return err
	}
	log.Printf("[crawler] binding=%s refreshed manga=%s", bindingID, b.MangaID)
	return nil
}

// mergeManga folds a fresh crawl into the existing record. The existing
// title stays canonical; a differing incoming title becomes an alt title.
// Gaps fill from incoming, "completed" status wins, the longer description
// wins.
func mergeManga(base, incoming models.MangaCanonical) models.MangaCanonical {
	if incoming.Title != "" && incoming.Title != base.Title {
		base.AltTitles = appendIfMissing(base.AltTitles, incoming.Title)
	}
	for _, alt := range incoming.AltTitles {
		if alt != base.Title {
			base.AltTitles = appendIfMissing(base.AltTitles, alt)
		}
	}
	for _, a := range incoming.Authors {
		base.Authors = appendIfMissing(base.Authors, a)
	}
	if base.Language == "" {
		base.Language = incoming.Language
	}
	if base.Year == 0 && incoming.Year > 0 {
		base.Year = incoming.Year
	}
	base.Status = resolveStatus(base.Status, incoming.Status)
	if len(incoming.Description) > len(base.Description) {
		base.Description = incoming.Description
	}
	if base.CoverURL == "" {
		base.CoverURL = incoming.CoverURL
	}
	if base.ExternalIDs == nil {
		base.ExternalIDs = make(map[string]string)
	}
	for k, v := range incoming.ExternalIDs {
		base.ExternalIDs[k] = v
	}
	return base
}

// resolveStatus: "completed" is terminal and wins; otherwise prefer the
// existing non-empty value.
func resolveStatus(a, b string) string {
	a = strings.ToLower(strings.TrimSpace(a))
	b = strings.ToLower(strings.TrimSpace(b))
	if a == "completed" || b == "completed" {
		return "completed"
	}
	if a != "" {
		return a
	}
	return b
}
