package library

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mangatrack/internal/auth"
	"mangatrack/internal/catalog"
	"mangatrack/internal/jobs"
	"mangatrack/pkg/database"
)

type handlerEnv struct {
	db     *sql.DB
	router *gin.Engine
	queue  *jobs.Queue
	token  string
}

func newHandlerEnv(t *testing.T) *handlerEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)

	db, err := sql.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	require.NoError(t, database.Migrate(db))

	users := auth.NewRepo(db)
	tokens := auth.TokenService{Secret: []byte("test"), Issuer: "mangatrack-test", Duration: time.Hour}
	u := auth.User{ID: "u1", Username: "alice", Email: "a@example.com", PasswordHash: "x"}
	require.NoError(t, users.CreateUser(context.Background(), u))
	token, _, err := tokens.Sign(&u)
	require.NoError(t, err)

	queue := jobs.NewQueue(db)
	h := NewHandler(NewRepo(db), catalog.NewRepo(db), queue, nil)

	r := gin.New()
	h.RegisterRoutes(r.Group("/api/library"), auth.AuthMiddleware(tokens, users))

	return &handlerEnv{db: db, router: r, queue: queue, token: token}
}

func (e *handlerEnv) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Authorization", "Bearer "+e.token)
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

func TestHandler_CreateEnqueuesResolution(t *testing.T) {
	env := newHandlerEnv(t)

	w := env.do(t, http.MethodPost, "/api/library", gin.H{
		"source_url": "https://md.example/title/md-1",
		"title":      "Berserk",
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	depth, err := env.queue.BacklogDepth(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, depth.Total())
}

func TestHandler_CreateRequiresFields(t *testing.T) {
	env := newHandlerEnv(t)
	w := env.do(t, http.MethodPost, "/api/library", gin.H{"title": "No URL"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandler_ProgressRoundTrip(t *testing.T) {
	env := newHandlerEnv(t)

	w := env.do(t, http.MethodPost, "/api/library", gin.H{
		"source_url": "https://md.example/title/md-1",
		"title":      "Berserk",
		"progress":   3,
	})
	require.Equal(t, http.StatusCreated, w.Code)

	var created struct {
		Ref struct {
			ID string `json:"id"`
		} `json:"ref"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &created))

	w = env.do(t, http.MethodPut, "/api/library/"+created.Ref.ID+"/progress", gin.H{"progress": 12.5})
	require.Equal(t, http.StatusOK, w.Code)

	// stale lower value is absorbed, not an error
	w = env.do(t, http.MethodPut, "/api/library/"+created.Ref.ID+"/progress", gin.H{"progress": 2})
	require.Equal(t, http.StatusOK, w.Code)

	var updated struct {
		Ref struct {
			Progress float64 `json:"progress"`
		} `json:"ref"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &updated))
	assert.InDelta(t, 12.5, updated.Ref.Progress, 1e-9)
}

func TestHandler_ManualLinkBlocksForcedResolve(t *testing.T) {
	env := newHandlerEnv(t)

	w := env.do(t, http.MethodPost, "/api/library", gin.H{
		"source_url": "https://md.example/title/md-1",
		"title":      "Berserk",
	})
	require.Equal(t, http.StatusCreated, w.Code)
	var created struct {
		Ref struct {
			ID string `json:"id"`
		} `json:"ref"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &created))

	_, err := env.db.Exec(`INSERT INTO manga (id, title) VALUES ('m1', 'Berserk')`)
	require.NoError(t, err)

	w = env.do(t, http.MethodPost, "/api/library/"+created.Ref.ID+"/link", gin.H{"manga_id": "m1"})
	require.Equal(t, http.StatusOK, w.Code)

	w = env.do(t, http.MethodPost, "/api/library/"+created.Ref.ID+"/resolve", nil)
	assert.Equal(t, http.StatusConflict, w.Code)

	w = env.do(t, http.MethodDelete, "/api/library/"+created.Ref.ID+"/link", nil)
	require.Equal(t, http.StatusOK, w.Code)

	w = env.do(t, http.MethodPost, "/api/library/"+created.Ref.ID+"/resolve", nil)
	assert.Equal(t, http.StatusAccepted, w.Code)
}

func TestHandler_LinkRejectsUnknownManga(t *testing.T) {
	env := newHandlerEnv(t)

	w := env.do(t, http.MethodPost, "/api/library", gin.H{
		"source_url": "https://md.example/title/md-1",
		"title":      "Berserk",
	})
	require.Equal(t, http.StatusCreated, w.Code)
	var created struct {
		Ref struct {
			ID string `json:"id"`
		} `json:"ref"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &created))

	w = env.do(t, http.MethodPost, "/api/library/"+created.Ref.ID+"/link", gin.H{"manga_id": "ghost"})
	assert.Equal(t, http.StatusNotFound, w.Code)
}
