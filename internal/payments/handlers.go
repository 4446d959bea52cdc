package payments

import (
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/escrowd/internal/apperr"
	"github.com/mbd888/escrowd/internal/auth"
	"github.com/mbd888/escrowd/internal/gateways"
	"github.com/mbd888/escrowd/internal/logging"
)

// Handler provides HTTP endpoints for payments and gateway webhooks.
type Handler struct {
	service    *Service
	reconciler *Reconciler
	gateways   *gateways.Registry
}

// NewHandler creates a new payments handler.
func NewHandler(service *Service, reconciler *Reconciler, registry *gateways.Registry) *Handler {
	return &Handler{service: service, reconciler: reconciler, gateways: registry}
}

// RegisterRoutes sets up unauthenticated routes. Webhooks authenticate by signature.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/webhooks/:gateway", h.Webhook)
}

// RegisterProtectedRoutes sets up routes that require an authenticated user.
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	r.POST("/payments/initialize", h.Initialize)
	r.GET("/payments/:reference", h.GetPayment)
	r.GET("/escrow/:id/payments", h.ListByEscrow)
}

// Webhook handles POST /v1/webhooks/:gateway. It acknowledges every
// authentic notification, whatever the processing outcome.
func (h *Handler) Webhook(c *gin.Context) {
	gw, err := h.gateways.Get(gateways.ParseName(c.Param("gateway")))
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		apperr.BadRequest(c, "Unreadable request body")
		return
	}

	err = h.reconciler.HandleWebhook(c.Request.Context(), gw.Name(), body, c.GetHeader(gw.SignatureHeader()))
	switch {
	case err == nil:
	case errors.Is(err, apperr.ErrWebhookInvalid):
		apperr.Respond(c, err)
		return
	default:
		// The event could not be stored. A non-2xx asks the sender to retry.
		logging.L(c.Request.Context()).Error("webhook not recorded", "gateway", gw.Name(), "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"received": false})
		return
	}
	c.JSON(http.StatusOK, gin.H{"received": true})
}

// Initialize handles POST /v1/payments/initialize
func (h *Handler) Initialize(c *gin.Context) {
	var req InitializeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		apperr.BadRequest(c, "Invalid request body")
		return
	}
	p, err := h.service.Initialize(c.Request.Context(), auth.MustActor(c), req)
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{
		"payment":          p,
		"authorizationUrl": p.AuthorizationURL,
		"reference":        p.Reference,
	})
}

// GetPayment handles GET /v1/payments/:reference
func (h *Handler) GetPayment(c *gin.Context) {
	p, err := h.service.GetByReference(c.Request.Context(), auth.MustActor(c), c.Param("reference"))
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"payment": p})
}

// ListByEscrow handles GET /v1/escrow/:id/payments
func (h *Handler) ListByEscrow(c *gin.Context) {
	list, err := h.service.ListByEscrow(c.Request.Context(), auth.MustActor(c), c.Param("id"))
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	if list == nil {
		list = []*Payment{}
	}
	c.JSON(http.StatusOK, gin.H{"payments": list, "count": len(list)})
}
