package catalog

import (
	"log"
	"net/http"

	"github.com/gin-gonic/gin"
)

// Handler is the public, read-only catalog surface. Writes go through
// resolution and crawling, never through HTTP.
type Handler struct {
	Repo *Repo
}

func NewHandler(repo *Repo) *Handler {
	return &Handler{Repo: repo}
}

func (h *Handler) RegisterRoutes(rg *gin.RouterGroup) {
	rg.GET("", h.search)
	rg.GET("/:id", h.detail)
}

type searchParams struct {
	Q      string `form:"q"`
	Status string `form:"status"`
	Limit  int    `form:"limit"`
	Offset int    `form:"offset"`
}

func (h *Handler) search(c *gin.Context) {
	var p searchParams
	if err := c.ShouldBindQuery(&p); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid query"})
		return
	}
	q := ListQuery{Q: p.Q, Status: p.Status, Limit: p.Limit, Offset: p.Offset}.Normalized()

	total, err := h.Repo.Count(c.Request.Context(), q)
	if err != nil {
		log.Printf("[catalog] count: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "search failed"})
		return
	}
	items, err := h.Repo.List(c.Request.Context(), q)
	if err != nil {
		log.Printf("[catalog] list: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "search failed"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"total":  total,
		"limit":  q.Limit,
		"offset": q.Offset,
		"items":  items,
	})
}

func (h *Handler) detail(c *gin.Context) {
	id := c.Param("id")

	m, err := h.Repo.GetManga(c.Request.Context(), id)
	if err != nil {
		log.Printf("[catalog] get %s: %v", id, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "get failed"})
		return
	}
	if m == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
		return
	}

	bindings, err := h.Repo.BindingsForManga(c.Request.Context(), id)
	if err != nil {
		log.Printf("[catalog] bindings %s: %v", id, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "get failed"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"manga":   m,
		"sources": bindings,
	})
}
