// Package apperr defines the error taxonomy shared by every service and the
// mapping from those errors to HTTP responses.
package apperr

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/escrowd/internal/logging"
	"github.com/mbd888/escrowd/internal/validation"
)

// Error kinds. Domain packages wrap one of these with fmt.Errorf("...: %w", kind)
// so callers can test either the specific error or its kind with errors.Is.
var (
	ErrValidation         = errors.New("validation failed")
	ErrStateInvalid       = errors.New("invalid state transition")
	ErrNotFound           = errors.New("not found")
	ErrForbidden          = errors.New("forbidden")
	ErrConflict           = errors.New("conflict")
	ErrWebhookInvalid     = errors.New("invalid webhook signature")
	ErrGatewayUnavailable = errors.New("payment gateway unavailable")
)

// Response is the JSON body of every error response.
type Response struct {
	Error   string `json:"error"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

// Status returns the HTTP status and machine-readable code for err.
func Status(err error) (int, string) {
	var verrs validation.ValidationErrors
	switch {
	case errors.As(err, &verrs), errors.Is(err, ErrValidation):
		return http.StatusBadRequest, "validation_error"
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, ErrForbidden):
		return http.StatusForbidden, "forbidden"
	case errors.Is(err, ErrStateInvalid):
		return http.StatusConflict, "invalid_state"
	case errors.Is(err, ErrConflict):
		return http.StatusConflict, "conflict"
	case errors.Is(err, ErrWebhookInvalid):
		return http.StatusUnauthorized, "webhook_invalid"
	case errors.Is(err, ErrGatewayUnavailable):
		return http.StatusServiceUnavailable, "gateway_unavailable"
	default:
		return http.StatusInternalServerError, "internal_error"
	}
}

// Respond writes err as a JSON error response. Internal errors are logged and
// their message is not exposed to the caller.
func Respond(c *gin.Context, err error) {
	status, code := Status(err)
	resp := Response{Error: code, Message: err.Error()}

	var verrs validation.ValidationErrors
	if errors.As(err, &verrs) {
		resp.Details = verrs
	}
	if status == http.StatusInternalServerError {
		logging.L(c.Request.Context()).Error("request failed", "path", c.FullPath(), "error", err)
		resp.Message = "An unexpected error occurred"
	}
	c.AbortWithStatusJSON(status, resp)
}

// BadRequest aborts with a 400 for a malformed request body.
func BadRequest(c *gin.Context, message string) {
	c.AbortWithStatusJSON(http.StatusBadRequest, Response{Error: "invalid_request", Message: message})
}
