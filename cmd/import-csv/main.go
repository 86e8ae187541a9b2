package main

import (
	"context"
	"encoding/csv"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"mangatrack/internal/jobs"
	"mangatrack/internal/library"
	"mangatrack/pkg/database"
	"mangatrack/pkg/models"
)

// Imports a user's reading list. Expected header:
// source_name,source_url,title,authors,language,year,progress
// (authors is ";"-separated). Each row becomes a pending reference with a
// resolution job queued; rows whose source URL the user already tracks are
// skipped.
func main() {
	var (
		in     = flag.String("in", "data/reading_list.csv", "input CSV path")
		userID = flag.String("user", "", "user id to import for (required)")
	)
	flag.Parse()

	if *userID == "" {
		log.Fatal("missing required -user flag")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	db := database.MustOpen(database.DefaultConfig())
	defer db.Close()

	if err := database.Migrate(db); err != nil {
		log.Fatalf("db migrate failed: %v", err)
	}

	created, skipped, err := importReadingList(ctx, library.NewRepo(db), jobs.NewQueue(db), *userID, *in)
	if err != nil {
		log.Fatalf("import failed: %v", err)
	}
	log.Printf("imported %d reference(s) from %s (%d skipped), resolution queued", created, *in, skipped)
}

func importReadingList(ctx context.Context, refs *library.Repo, queue *jobs.Queue, userID, path string) (created, skipped int, err error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, 0, err
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.FieldsPerRecord = -1

	header, err := readHeader(r)
	if err != nil {
		return 0, 0, err
	}

	for {
		row, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return created, skipped, err
		}
		if len(row) == 0 {
			continue
		}

		sourceURL := valueAt(header, row, "source_url")
		title := valueAt(header, row, "title")
		if sourceURL == "" || title == "" {
			skipped++
			continue
		}

		sourceName := valueAt(header, row, "source_name")
		if sourceName == "" {
			sourceName = "mangadex"
		}

		year, _ := strconv.Atoi(valueAt(header, row, "year"))
		progress, _ := strconv.ParseFloat(valueAt(header, row, "progress"), 64)

		ref := models.ExternalRef{
			ID:               uuid.NewString(),
			UserID:           userID,
			SourceName:       sourceName,
			SourceURL:        sourceURL,
			ImportedTitle:    title,
			ImportedAuthors:  splitAuthors(valueAt(header, row, "authors")),
			ImportedLanguage: valueAt(header, row, "language"),
			ImportedYear:     year,
			Progress:         progress,
			Status:           models.StatusPending,
		}

		if err := refs.Create(ctx, ref); err != nil {
			if database.IsConstraintViolation(err) {
				skipped++
				continue
			}
			return created, skipped, fmt.Errorf("create reference for %q: %w", title, err)
		}
		created++

		key := jobs.JobKey(jobs.TypeResolveRef, ref.ID)
		if err := queue.Enqueue(ctx, key, jobs.NewResolveRef(ref.ID), 1); err != nil && !errors.Is(err, jobs.ErrDuplicate) {
			return created, skipped, fmt.Errorf("enqueue resolution for %q: %w", title, err)
		}
	}

	return created, skipped, nil
}

func readHeader(r *csv.Reader) (map[string]int, error) {
	row, err := r.Read()
	if err != nil {
		return nil, fmt.Errorf("read header: %w", err)
	}
	header := make(map[string]int, len(row))
	for i, col := range row {
		header[strings.ToLower(strings.TrimSpace(col))] = i
	}
	return header, nil
}

func valueAt(header map[string]int, row []string, col string) string {
	i, ok := header[col]
	if !ok || i >= len(row) {
		return ""
	}
	return strings.TrimSpace(row[i])
}

func splitAuthors(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ";")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
