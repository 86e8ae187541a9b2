package search

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mangatrack/internal/guard"
)

const mdFixture = `{
	"result": "ok",
	"data": [
		{
			"id": "md-1",
			"attributes": {
				"title": {"en": "Berserk"},
				"originalLanguage": "ja",
				"year": 1989
			},
			"relationships": [
				{"type": "author", "attributes": {"name": "Kentaro Miura"}},
				{"type": "cover_art", "attributes": {"fileName": "cover.jpg"}}
			]
		},
		{
			"id": "md-2",
			"attributes": {
				"title": {"ja": "ベルセルク"},
				"originalLanguage": "ja",
				"year": 1989
			},
			"relationships": []
		}
	],
	"total": 2
}`

func newMangadex(t *testing.T, handler http.HandlerFunc) *Mangadex {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	cfg := guard.DefaultConfig()
	cfg.PruneInterval = 0
	g := guard.NewStore(cfg)
	t.Cleanup(g.Shutdown)

	s := NewMangadex(g)
	s.Base = srv.URL
	return s
}

func TestSearch_MapsCandidates(t *testing.T) {
	s := newMangadex(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Berserk", r.URL.Query().Get("title"))
		_, _ = w.Write([]byte(mdFixture))
	})

	cands, err := s.Search(context.Background(), "Berserk", nil, 5)
	require.NoError(t, err)
	require.Len(t, cands, 2)

	assert.Equal(t, "md-1", cands[0].Identifier)
	assert.Equal(t, "Berserk", cands[0].Title)
	assert.Equal(t, []string{"Kentaro Miura"}, cands[0].Creators)
	assert.Equal(t, "ja", cands[0].Language)
	assert.Equal(t, 1989, cands[0].Year)
	assert.Contains(t, cands[0].CoverURL, "md-1/cover.jpg")

	// second entry falls back to any available title, no creators
	assert.Equal(t, "ベルセルク", cands[1].Title)
	assert.Empty(t, cands[1].Creators)
}

func TestSearch_VariationsDeduped(t *testing.T) {
	calls := 0
	s := newMangadex(t, func(w http.ResponseWriter, r *http.Request) {
		calls++
		_, _ = w.Write([]byte(mdFixture))
	})

	cands, err := s.Search(context.Background(), "Berserk", []string{"berserk deluxe"}, 10)
	require.NoError(t, err)
	assert.Equal(t, 2, calls, "title and each variation queried")
	assert.Len(t, cands, 2, "same ids from both queries collapse")
}

func TestSearch_ErrorClasses(t *testing.T) {
	cases := []struct {
		name      string
		status    int
		retryable bool
	}{
		{"rate limited", http.StatusTooManyRequests, true},
		{"server error", http.StatusBadGateway, true},
		{"client error is hard", http.StatusBadRequest, false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			s := newMangadex(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tc.status)
			})
			_, err := s.Search(context.Background(), "x", nil, 5)
			require.Error(t, err)
			assert.Equal(t, tc.retryable, IsRetryable(err))
		})
	}
}

func TestSearch_CircuitOpensAfterRepeatedFailures(t *testing.T) {
	s := newMangadex(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})

	for i := 0; i < 5; i++ {
		_, err := s.Search(context.Background(), "x", nil, 5)
		require.Error(t, err)
	}

	// circuit now open: denied without a request, still retryable
	_, err := s.Search(context.Background(), "x", nil, 5)
	require.Error(t, err)
	assert.True(t, IsRetryable(err))
	assert.Contains(t, err.Error(), "circuit open")
}

func TestSearch_LocalRateBudget(t *testing.T) {
	s := newMangadex(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"result":"ok","data":[],"total":0}`))
	})
	s.RateLimit = 2
	s.RateWindow = time.Minute

	ctx := context.Background()
	_, err := s.Search(ctx, "a", nil, 5)
	require.NoError(t, err)
	_, err = s.Search(ctx, "b", nil, 5)
	require.NoError(t, err)

	_, err = s.Search(ctx, "c", nil, 5)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrRateLimited)
}
