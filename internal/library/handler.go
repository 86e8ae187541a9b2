package library

import (
	"errors"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"mangatrack/internal/auth"
	"mangatrack/internal/catalog"
	"mangatrack/internal/jobs"
	synchub "mangatrack/internal/sync"
	"mangatrack/pkg/database"
	"mangatrack/pkg/models"
)

type Handler struct {
	Repo    *Repo
	Catalog *catalog.Repo
	Queue   *jobs.Queue
	Hub     *synchub.Hub
}

func NewHandler(repo *Repo, cat *catalog.Repo, queue *jobs.Queue, hub *synchub.Hub) *Handler {
	return &Handler{Repo: repo, Catalog: cat, Queue: queue, Hub: hub}
}

func (h *Handler) RegisterRoutes(rg *gin.RouterGroup, authMW gin.HandlerFunc) {
	rg.Use(authMW)
	rg.GET("", h.list)
	rg.POST("", h.create)
	rg.GET("/:id", h.get)
	rg.PUT("/:id/progress", h.updateProgress)
	rg.POST("/:id/link", h.manualLink)
	rg.DELETE("/:id/link", h.clearManualLink)
	rg.POST("/:id/resolve", h.requestResolve)
}

func (h *Handler) list(c *gin.Context) {
	claims := auth.MustGetClaims(c)

	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	offset, _ := strconv.Atoi(c.DefaultQuery("offset", "0"))

	refs, total, err := h.Repo.ListByUser(c.Request.Context(), claims.UserID, limit, offset)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "list failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"refs": refs, "total": total})
}

type createReq struct {
	SourceName string   `json:"source_name"`
	SourceURL  string   `json:"source_url"`
	Title      string   `json:"title"`
	Authors    []string `json:"authors"`
	Language   string   `json:"language"`
	Year       int      `json:"year"`
	Progress   float64  `json:"progress"`
}

func (h *Handler) create(c *gin.Context) {
	claims := auth.MustGetClaims(c)

	var req createReq
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	req.SourceURL = strings.TrimSpace(req.SourceURL)
	req.Title = strings.TrimSpace(req.Title)
	if req.SourceURL == "" || req.Title == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "source_url and title required"})
		return
	}
	if req.SourceName == "" {
		req.SourceName = "mangadex"
	}

	ref := models.ExternalRef{
		ID:               uuid.NewString(),
		UserID:           claims.UserID,
		SourceName:       req.SourceName,
		SourceURL:        req.SourceURL,
		ImportedTitle:    req.Title,
		ImportedAuthors:  req.Authors,
		ImportedLanguage: req.Language,
		ImportedYear:     req.Year,
		Progress:         req.Progress,
		Status:           models.StatusPending,
	}
	if err := h.Repo.Create(c.Request.Context(), ref); err != nil {
		if database.IsConstraintViolation(err) {
			c.JSON(http.StatusConflict, gin.H{"error": "reference already exists"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "create failed"})
		return
	}

	h.enqueueResolve(c, ref.ID)
	c.JSON(http.StatusCreated, gin.H{"ref": ref})
}

func (h *Handler) get(c *gin.Context) {
	claims := auth.MustGetClaims(c)

	ref, err := h.Repo.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "lookup failed"})
		return
	}
	if ref == nil || ref.UserID != claims.UserID {
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"ref": ref})
}

type progressReq struct {
	Progress float64 `json:"progress"`
}

func (h *Handler) updateProgress(c *gin.Context) {
	claims := auth.MustGetClaims(c)

	var req progressReq
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}

	ref, err := h.Repo.UpdateProgress(c.Request.Context(), claims.UserID, c.Param("id"), req.Progress)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "update failed"})
		return
	}

	if h.Hub != nil {
		mangaID := ""
		if ref.MangaID != nil {
			mangaID = *ref.MangaID
		}
		go h.Hub.BroadcastJSON(synchub.RefEvent{
			Type:     synchub.EventProgressUpdate,
			UserID:   ref.UserID,
			RefID:    ref.ID,
			MangaID:  mangaID,
			Progress: ref.Progress,
			At:       time.Now().UTC(),
		})
	}
	c.JSON(http.StatusOK, gin.H{"ref": ref})
}

type linkReq struct {
	MangaID string `json:"manga_id"`
}

func (h *Handler) manualLink(c *gin.Context) {
	claims := auth.MustGetClaims(c)

	var req linkReq
	if err := c.ShouldBindJSON(&req); err != nil || req.MangaID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "manga_id required"})
		return
	}

	m, err := h.Catalog.GetManga(c.Request.Context(), req.MangaID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "lookup failed"})
		return
	}
	if m == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "manga not found"})
		return
	}

	if err := h.Repo.SetManualLink(c.Request.Context(), claims.UserID, c.Param("id"), req.MangaID); err != nil {
		if errors.Is(err, ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "link failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "linked"})
}

func (h *Handler) clearManualLink(c *gin.Context) {
	claims := auth.MustGetClaims(c)
	refID := c.Param("id")

	if err := h.Repo.ClearManualLink(c.Request.Context(), claims.UserID, refID); err != nil {
		if errors.Is(err, ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "unlink failed"})
		return
	}

	// the reference is pending again; let resolution take another pass
	h.enqueueResolve(c, refID)
	c.JSON(http.StatusOK, gin.H{"status": "unlinked"})
}

// requestResolve lets the user force a resolution attempt. Direct user
// intent: enqueued at highest priority, collapsing into any attempt already
// in flight.
func (h *Handler) requestResolve(c *gin.Context) {
	claims := auth.MustGetClaims(c)

	ref, err := h.Repo.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "lookup failed"})
		return
	}
	if ref == nil || ref.UserID != claims.UserID {
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
		return
	}
	if ref.ManuallyLinked {
		c.JSON(http.StatusConflict, gin.H{"error": "reference is manually linked"})
		return
	}

	h.enqueueResolve(c, ref.ID)
	c.JSON(http.StatusAccepted, gin.H{"status": "queued"})
}

func (h *Handler) enqueueResolve(c *gin.Context, refID string) {
	if h.Queue == nil {
		return
	}
	key := jobs.JobKey(jobs.TypeResolveRef, refID)
	err := h.Queue.Enqueue(c.Request.Context(), key, jobs.NewResolveRef(refID), 1)
	if err != nil && !errors.Is(err, jobs.ErrDuplicate) {
		// the scheduled retry sweep will pick the reference up later
		log.Printf("[library] enqueue resolve for %s failed: %v", refID, err)
	}
}
