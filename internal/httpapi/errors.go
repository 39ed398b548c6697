package httpapi

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/vladislavdragonenkov/marketplace/internal/domain"
	"github.com/vladislavdragonenkov/marketplace/internal/scheduler"
	"github.com/vladislavdragonenkov/marketplace/internal/service/payment"
)

// Коды ошибок в теле ответа.
const (
	codeInvalidTransition   = "INVALID_TRANSITION"
	codeRefundNotAllowed    = "REFUND_NOT_ALLOWED"
	codeBadSignature        = "BAD_SIGNATURE"
	codeUnauthorized        = "UNAUTHORIZED"
	codeForbidden           = "FORBIDDEN"
	codeOrderNotFound       = "ORDER_NOT_FOUND"
	codeNotFound            = "NOT_FOUND"
	codeStatusConflict      = "STATUS_CONFLICT"
	codeLockHeld            = "LOCK_HELD"
	codeJobRunning          = "JOB_RUNNING"
	codeIdempotencyConflict = "IDEMPOTENCY_CONFLICT"
	codePolicyDenied        = "POLICY_DENIED"
	codeProviderUnavailable = "PROVIDER_UNAVAILABLE"
	codeInvalidArgument     = "INVALID_ARGUMENT"
	codeInternal            = "INTERNAL"
)

type errorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// classify отображает ошибку сервиса в HTTP-статус и код.
func classify(err error) (int, string) {
	switch {
	case errors.Is(err, domain.ErrBadSignature):
		return http.StatusUnauthorized, codeBadSignature
	case errors.Is(err, domain.ErrForbidden):
		return http.StatusForbidden, codeForbidden
	case errors.Is(err, domain.ErrOrderNotFound):
		return http.StatusNotFound, codeOrderNotFound
	case errors.Is(err, domain.ErrNotFound),
		errors.Is(err, scheduler.ErrUnknownJob),
		errors.Is(err, payment.ErrUnknownProvider):
		return http.StatusNotFound, codeNotFound
	case errors.Is(err, domain.ErrInvalidTransition):
		return http.StatusBadRequest, codeInvalidTransition
	case errors.Is(err, domain.ErrRefundNotAllowedForStatus):
		return http.StatusBadRequest, codeRefundNotAllowed
	case errors.Is(err, domain.ErrStatusConflict),
		errors.Is(err, domain.ErrDuplicateKey):
		return http.StatusConflict, codeStatusConflict
	case errors.Is(err, domain.ErrLockHeld):
		return http.StatusConflict, codeLockHeld
	case errors.Is(err, scheduler.ErrJobRunning):
		return http.StatusConflict, codeJobRunning
	case errors.Is(err, domain.ErrPolicyDenied):
		return http.StatusUnprocessableEntity, codePolicyDenied
	case errors.Is(err, domain.ErrProviderUnavailable):
		return http.StatusBadGateway, codeProviderUnavailable
	case isInvalidArgument(err):
		return http.StatusBadRequest, codeInvalidArgument
	default:
		return http.StatusInternalServerError, codeInternal
	}
}

func isInvalidArgument(err error) bool {
	for _, target := range []error{
		domain.ErrInvalidArgument,
		domain.ErrOrderIDRequired,
		domain.ErrPhoneRequired,
		domain.ErrUnknownStatus,
		domain.ErrAmountNegative,
		domain.ErrItemQtyInvalid,
		domain.ErrItemPriceInvalid,
		domain.ErrTTNAlreadySet,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

func writeJSON(c *gin.Context, status int, v any) {
	c.JSON(status, v)
}

// writeError пишет ошибку в формате {"error": code, "message": text}.
// Внутренние ошибки не раскрывают текст клиенту.
func writeError(c *gin.Context, err error) {
	status, code := classify(err)
	message := err.Error()
	if status == http.StatusInternalServerError {
		loggerFrom(c).WithError(err).Error("request failed")
		message = "internal error"
	}
	_ = c.Error(err)
	c.AbortWithStatusJSON(status, errorResponse{Error: code, Message: message})
}

func writeStatus(c *gin.Context, status int, code, message string) {
	c.AbortWithStatusJSON(status, errorResponse{Error: code, Message: message})
}

func badRequest(c *gin.Context, message string) {
	writeStatus(c, http.StatusBadRequest, codeInvalidArgument, message)
}
