package auth

import (
	"context"
	"database/sql"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mangatrack/pkg/database"
)

func testTokens() TokenService {
	return TokenService{Secret: []byte("test-secret"), Issuer: "mangatrack-test", Duration: time.Hour}
}

func newTestRepo(t *testing.T) *Repo {
	t.Helper()
	db, err := sql.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	require.NoError(t, database.Migrate(db))
	return NewRepo(db)
}

func TestSignParseRoundTrip(t *testing.T) {
	ts := testTokens()
	u := &User{ID: "u1", Username: "alice", Email: "a@example.com", TokenVersion: 3}

	token, exp, err := ts.Sign(u)
	require.NoError(t, err)
	assert.True(t, exp.After(time.Now()))

	claims, err := ts.Parse(token)
	require.NoError(t, err)
	assert.Equal(t, "u1", claims.UserID)
	assert.Equal(t, 3, claims.TokenVersion)
}

func TestParse_RejectsWrongSecret(t *testing.T) {
	token, _, err := testTokens().Sign(&User{ID: "u1"})
	require.NoError(t, err)

	other := TokenService{Secret: []byte("different"), Issuer: "x", Duration: time.Hour}
	_, err = other.Parse(token)
	assert.Error(t, err)
}

func TestMiddleware_TokenVersionInvalidation(t *testing.T) {
	gin.SetMode(gin.TestMode)
	repo := newTestRepo(t)
	ts := testTokens()
	ctx := context.Background()

	u := User{ID: "u1", Username: "alice", Email: "a@example.com", PasswordHash: "x"}
	require.NoError(t, repo.CreateUser(ctx, u))

	token, _, err := ts.Sign(&u)
	require.NoError(t, err)

	r := gin.New()
	r.GET("/me", AuthMiddleware(ts, repo), func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"user_id": MustGetClaims(c).UserID})
	})

	doGet := func(tok string) int {
		req := httptest.NewRequest(http.MethodGet, "/me", nil)
		if tok != "" {
			req.Header.Set("Authorization", "Bearer "+tok)
		}
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)
		return w.Code
	}

	assert.Equal(t, http.StatusOK, doGet(token))
	assert.Equal(t, http.StatusUnauthorized, doGet(""))
	assert.Equal(t, http.StatusUnauthorized, doGet("garbage"))

	// logout everywhere: bumping the version kills outstanding tokens
	require.NoError(t, repo.BumpTokenVersion(ctx, "u1"))
	assert.Equal(t, http.StatusUnauthorized, doGet(token))
}
