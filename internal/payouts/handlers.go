package payouts

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/escrowd/internal/apperr"
	"github.com/mbd888/escrowd/internal/auth"
	"github.com/mbd888/escrowd/internal/gateways"
	"github.com/mbd888/escrowd/internal/validation"
)

// EscrowAccess reports whether actor may read the escrow's records.
type EscrowAccess interface {
	CheckAccess(ctx context.Context, escrowID string, actor auth.Actor) error
}

// Handler provides HTTP endpoints for payouts and payout accounts.
type Handler struct {
	store    Store
	executor *Executor
	access   EscrowAccess
}

// NewHandler creates a new payouts handler.
func NewHandler(store Store, executor *Executor, access EscrowAccess) *Handler {
	return &Handler{store: store, executor: executor, access: access}
}

// RegisterProtectedRoutes sets up routes that require an authenticated user.
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	r.GET("/escrow/:id/payouts", h.ListByEscrow)
	r.GET("/me/payout-account", h.GetAccount)
	r.PUT("/me/payout-account", h.SaveAccount)
}

// RegisterAdminRoutes sets up admin-only routes.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.POST("/admin/payouts/:id/retry", h.Retry)
}

// ListByEscrow handles GET /v1/escrow/:id/payouts
func (h *Handler) ListByEscrow(c *gin.Context) {
	ctx := c.Request.Context()
	id := c.Param("id")
	if err := h.access.CheckAccess(ctx, id, auth.MustActor(c)); err != nil {
		apperr.Respond(c, err)
		return
	}
	list, err := h.store.ListPayoutsByEscrow(ctx, id)
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	if list == nil {
		list = []*Payout{}
	}
	c.JSON(http.StatusOK, gin.H{"payouts": list, "count": len(list)})
}

// Retry handles POST /v1/admin/payouts/:id/retry
func (h *Handler) Retry(c *gin.Context) {
	p, err := h.executor.Retry(c.Request.Context(), c.Param("id"))
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"payout": p})
}

// GetAccount handles GET /v1/me/payout-account
func (h *Handler) GetAccount(c *gin.Context) {
	account, err := h.store.GetPayoutAccount(c.Request.Context(), auth.MustActor(c).ID)
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"account": account})
}

// SaveAccountRequest is the body of PUT /v1/me/payout-account.
type SaveAccountRequest struct {
	Gateway       string `json:"gateway"`
	AccountName   string `json:"accountName"`
	BankCode      string `json:"bankCode"`
	AccountNumber string `json:"accountNumber"`
	ExternalID    string `json:"externalId"`
}

// SaveAccount handles PUT /v1/me/payout-account
func (h *Handler) SaveAccount(c *gin.Context) {
	var req SaveAccountRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		apperr.BadRequest(c, "Invalid request body")
		return
	}
	account := &Account{
		UserID:        auth.MustActor(c).ID,
		AccountName:   validation.SanitizeString(req.AccountName, 120),
		BankCode:      validation.SanitizeString(req.BankCode, 20),
		AccountNumber: validation.SanitizeString(req.AccountNumber, 34),
		ExternalID:    validation.SanitizeString(req.ExternalID, 64),
		UpdatedAt:     time.Now().UTC(),
	}
	account.Gateway = gateways.ParseName(req.Gateway)
	err := validation.Validate(
		validation.Required("accountName", account.AccountName),
		validation.When(account.Gateway != "", validation.OneOf("gateway", string(account.Gateway),
			string(gateways.Paystack), string(gateways.Flutterwave), string(gateways.Monnify),
			string(gateways.Stripe), string(gateways.Sandbox))),
		func() *validation.ValidationError {
			if account.ExternalID == "" && (account.BankCode == "" || account.AccountNumber == "") {
				return &validation.ValidationError{Field: "accountNumber", Message: "bankCode and accountNumber, or externalId, are required"}
			}
			return nil
		},
	)
	if err != nil {
		apperr.Respond(c, err)
		return
	}
	if err := h.store.SavePayoutAccount(c.Request.Context(), account); err != nil {
		apperr.Respond(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"account": account})
}
