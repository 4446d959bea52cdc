package disputes

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/escrowd/internal/apperr"
	"github.com/mbd888/escrowd/internal/auth"
	"github.com/mbd888/escrowd/internal/pagination"
)

// Handler provides HTTP endpoints for disputes.
type Handler struct {
	service *Service
}

// NewHandler creates a new dispute handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterProtectedRoutes sets up routes that require an authenticated user.
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	r.POST("/disputes", h.Create)
	r.GET("/disputes/:id", h.Get)
	r.GET("/escrow/:id/disputes", h.ListByEscrow)
}

// RegisterAdminRoutes sets up admin-only routes.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.POST("/disputes/:id/resolve", h.Resolve)
	r.GET("/admin/disputes", h.List)
}

// Create handles POST /v1/disputes
func (h *Handler) Create(c *gin.Context) {
	var req CreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		apperr.BadRequest(c, "Invalid request body")
		return
	}
	d, err := h.service.Create(c.Request.Context(), auth.MustActor(c), req)
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"dispute": d})
}

// Resolve handles POST /v1/disputes/:id/resolve
func (h *Handler) Resolve(c *gin.Context) {
	var req ResolveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		apperr.BadRequest(c, "Invalid request body")
		return
	}
	d, err := h.service.Resolve(c.Request.Context(), c.Param("id"), auth.MustActor(c), req)
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"dispute": d})
}

// Get handles GET /v1/disputes/:id
func (h *Handler) Get(c *gin.Context) {
	d, err := h.service.Get(c.Request.Context(), c.Param("id"), auth.MustActor(c))
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"dispute": d})
}

// ListByEscrow handles GET /v1/escrow/:id/disputes
func (h *Handler) ListByEscrow(c *gin.Context) {
	list, err := h.service.ListByEscrow(c.Request.Context(), c.Param("id"), auth.MustActor(c))
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	if list == nil {
		list = []*Dispute{}
	}
	c.JSON(http.StatusOK, gin.H{"disputes": list, "count": len(list)})
}

// List handles GET /v1/admin/disputes
func (h *Handler) List(c *gin.Context) {
	page, err := h.service.List(c.Request.Context(), auth.MustActor(c), ListRequest{
		Status: c.Query("status"),
		Cursor: c.Query("cursor"),
		Limit:  pagination.ParseLimit(c.Query("limit")),
	})
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, page)
}
