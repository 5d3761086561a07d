package server

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	affiliatedomain "github.com/smallbiznis/commissary/internal/affiliate/domain"
	commissiondomain "github.com/smallbiznis/commissary/internal/commission/domain"
	payoutdomain "github.com/smallbiznis/commissary/internal/payout/domain"
	refunddomain "github.com/smallbiznis/commissary/internal/refund/domain"
	webhookdomain "github.com/smallbiznis/commissary/internal/webhook/domain"
)

type errorPayload struct {
	Type           string `json:"type"`
	Message        string `json:"message"`
	ShortfallCents int64  `json:"shortfall_cents,omitempty"`
}

type errorResponse struct {
	Error errorPayload `json:"error"`
}

func ErrorHandlingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if c.Writer.Written() {
			return
		}

		lastErr := c.Errors.Last()
		if lastErr == nil {
			return
		}

		status, payload := mapError(lastErr.Err)
		c.Header("Content-Type", "application/json")
		c.AbortWithStatusJSON(status, errorResponse{Error: payload})
	}
}

func AbortWithError(c *gin.Context, err error) {
	if err == nil {
		return
	}
	_ = c.Error(err)
	c.Abort()
}

func mapError(err error) (int, errorPayload) {
	var insufficient *payoutdomain.InsufficientBalanceError
	if errors.As(err, &insufficient) {
		return http.StatusUnprocessableEntity, errorPayload{
			Type:           "insufficient_balance",
			Message:        insufficient.Error(),
			ShortfallCents: insufficient.ShortfallCents,
		}
	}

	switch {
	case errors.Is(err, webhookdomain.ErrInvalidSignature):
		return http.StatusUnauthorized, errorPayload{
			Type:    "invalid_signature",
			Message: "invalid webhook signature",
		}
	case errors.Is(err, webhookdomain.ErrInvalidPayload),
		errors.Is(err, webhookdomain.ErrInvalidEvent),
		errors.Is(err, commissiondomain.ErrInvalidEvent),
		errors.Is(err, commissiondomain.ErrInvalidPageToken),
		errors.Is(err, refunddomain.ErrInvalidEvent),
		errors.Is(err, affiliatedomain.ErrInvalidUser),
		errors.Is(err, affiliatedomain.ErrInvalidCurrency):
		return http.StatusBadRequest, errorPayload{
			Type:    "validation_error",
			Message: err.Error(),
		}
	case errors.Is(err, affiliatedomain.ErrAccountNotFound),
		errors.Is(err, commissiondomain.ErrEntryNotFound),
		errors.Is(err, payoutdomain.ErrRequestNotFound):
		return http.StatusNotFound, errorPayload{
			Type:    "not_found",
			Message: err.Error(),
		}
	case errors.Is(err, affiliatedomain.ErrAccountExists),
		errors.Is(err, payoutdomain.ErrPayoutPending),
		errors.Is(err, payoutdomain.ErrAlreadyPaid):
		return http.StatusConflict, errorPayload{
			Type:    "conflict",
			Message: err.Error(),
		}
	case errors.Is(err, payoutdomain.ErrDestinationUnverified),
		errors.Is(err, payoutdomain.ErrNothingToPayout):
		return http.StatusUnprocessableEntity, errorPayload{
			Type:    "precondition_failed",
			Message: err.Error(),
		}
	case errors.Is(err, payoutdomain.ErrGatewayTransferFailed):
		return http.StatusBadGateway, errorPayload{
			Type:    "gateway_transfer_failed",
			Message: err.Error(),
		}
	default:
		return http.StatusInternalServerError, errorPayload{
			Type:    "internal_error",
			Message: "internal server error",
		}
	}
}
