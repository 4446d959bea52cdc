package escrow

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/escrowd/internal/apperr"
	"github.com/mbd888/escrowd/internal/auth"
	"github.com/mbd888/escrowd/internal/pagination"
)

// Handler provides HTTP endpoints for escrow operations.
type Handler struct {
	service *Service
}

// NewHandler creates a new escrow handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterProtectedRoutes sets up routes that require an authenticated user.
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	r.POST("/escrow/initiate", h.Initiate)
	r.GET("/escrow", h.List)
	r.GET("/escrow/:id", h.Get)
	r.GET("/escrow/:id/transactions", h.Transactions)
	r.POST("/escrow/:id/cancel", h.Cancel)
	r.POST("/escrow/:id/delivered", h.MarkDelivered)
	r.POST("/escrow/:id/received", h.ConfirmReceived)
}

// RegisterAdminRoutes sets up admin-only routes.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.POST("/admin/release/:id", h.AdminRelease)
	r.POST("/admin/refund/:id", h.AdminRefund)
}

// Initiate handles POST /v1/escrow/initiate
func (h *Handler) Initiate(c *gin.Context) {
	var req InitiateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		apperr.BadRequest(c, "Invalid request body")
		return
	}
	e, err := h.service.Initiate(c.Request.Context(), auth.MustActor(c), req)
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"escrow": e})
}

// List handles GET /v1/escrow
func (h *Handler) List(c *gin.Context) {
	page, err := h.service.List(c.Request.Context(), auth.MustActor(c), ListRequest{
		State:  c.Query("state"),
		Cursor: c.Query("cursor"),
		Limit:  pagination.ParseLimit(c.Query("limit")),
	})
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, page)
}

// Get handles GET /v1/escrow/:id
func (h *Handler) Get(c *gin.Context) {
	e, err := h.service.Get(c.Request.Context(), c.Param("id"), auth.MustActor(c))
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"escrow": e})
}

// Transactions handles GET /v1/escrow/:id/transactions
func (h *Handler) Transactions(c *gin.Context) {
	txs, summary, err := h.service.Transactions(c.Request.Context(), c.Param("id"), auth.MustActor(c))
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"transactions": txs, "count": len(txs), "summary": summary})
}

// ReasonRequest is the optional body of cancel and refund requests.
type ReasonRequest struct {
	Reason string `json:"reason"`
}

// Cancel handles POST /v1/escrow/:id/cancel
func (h *Handler) Cancel(c *gin.Context) {
	var req ReasonRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			apperr.BadRequest(c, "Invalid request body")
			return
		}
	}
	e, err := h.service.Cancel(c.Request.Context(), c.Param("id"), auth.MustActor(c), req.Reason)
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"escrow": e})
}

// MarkDelivered handles POST /v1/escrow/:id/delivered
func (h *Handler) MarkDelivered(c *gin.Context) {
	e, err := h.service.MarkDelivered(c.Request.Context(), c.Param("id"), auth.MustActor(c))
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"escrow": e})
}

// ConfirmReceived handles POST /v1/escrow/:id/received
func (h *Handler) ConfirmReceived(c *gin.Context) {
	e, err := h.service.ConfirmReceived(c.Request.Context(), c.Param("id"), auth.MustActor(c))
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"escrow": e})
}

// AdminRelease handles POST /v1/admin/release/:id
func (h *Handler) AdminRelease(c *gin.Context) {
	e, err := h.service.AdminRelease(c.Request.Context(), c.Param("id"), auth.MustActor(c))
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"escrow": e})
}

// AdminRefund handles POST /v1/admin/refund/:id
func (h *Handler) AdminRefund(c *gin.Context) {
	var req ReasonRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			apperr.BadRequest(c, "Invalid request body")
			return
		}
	}
	e, err := h.service.AdminRefund(c.Request.Context(), c.Param("id"), auth.MustActor(c), req.Reason)
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"escrow": e})
}
