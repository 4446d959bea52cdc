package jobs

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/escrowd/internal/apperr"
)

// HTTPHandler exposes dead-letter inspection and replay to admins.
type HTTPHandler struct {
	store Store
}

// NewHandler creates the admin job handler.
func NewHandler(store Store) *HTTPHandler {
	return &HTTPHandler{store: store}
}

// RegisterAdminRoutes sets up admin-only job routes.
func (h *HTTPHandler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.GET("/admin/jobs/dead", h.ListDead)
	r.GET("/admin/jobs/stats", h.Stats)
	r.POST("/admin/jobs/:id/retry", h.Retry)
}

// ListDead handles GET /v1/admin/jobs/dead
func (h *HTTPHandler) ListDead(c *gin.Context) {
	limit := 50
	if l, err := strconv.Atoi(c.Query("limit")); err == nil && l > 0 && l <= 200 {
		limit = l
	}
	dead, err := h.store.ListDeadJobs(c.Request.Context(), Queue(c.Query("queue")), limit)
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	if dead == nil {
		dead = []*Job{}
	}
	c.JSON(http.StatusOK, gin.H{"jobs": dead, "count": len(dead)})
}

// Stats handles GET /v1/admin/jobs/stats
func (h *HTTPHandler) Stats(c *gin.Context) {
	stats, err := h.store.JobStats(c.Request.Context())
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"queues": stats})
}

// Retry handles POST /v1/admin/jobs/:id/retry
func (h *HTTPHandler) Retry(c *gin.Context) {
	job, err := h.store.ReviveJob(c.Request.Context(), c.Param("id"), time.Now().UTC())
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"job": job})
}
