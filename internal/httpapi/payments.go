package httpapi

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/marketplace/internal/domain"
	"github.com/vladislavdragonenkov/marketplace/internal/service/payment"
	"github.com/vladislavdragonenkov/marketplace/internal/service/policy"
)

const defaultHealthRangeDays = 7

type previewRequest struct {
	Phone         string          `json:"phone"`
	City          string          `json:"city"`
	Amount        decimal.Decimal `json:"amount"`
	IsNewCustomer *bool           `json:"is_new_customer"`
}

type checkoutRequest struct {
	OrderID string          `json:"order_id"`
	Amount  decimal.Decimal `json:"amount"`
}

func (h *handler) paymentWebhook(c *gin.Context) {
	provider := c.Param("provider")
	body, err := c.GetRawData()
	if err != nil || len(body) == 0 {
		badRequest(c, "empty webhook body")
		return
	}

	outcome, err := h.deps.Ingress.HandleWebhook(c.Request.Context(), provider, body)
	if err != nil {
		entry := loggerFrom(c).WithFields(log.Fields{"provider": provider, "order_id": outcome.OrderID})
		if errors.Is(err, domain.ErrBadSignature) {
			entry.Warn("webhook signature rejected")
		} else {
			entry.WithError(err).Warn("webhook processing failed")
		}
		writeError(c, err)
		return
	}

	writeJSON(c, http.StatusOK, gin.H{"status": "ok", "outcome": outcome})
}

func (h *handler) policyPreview(c *gin.Context) {
	var req previewRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid json body")
		return
	}
	if req.Phone == "" {
		writeError(c, domain.ErrPhoneRequired)
		return
	}
	if req.Amount.IsNegative() {
		writeError(c, domain.ErrAmountNegative)
		return
	}

	decision, err := h.deps.Decider.Decide(c.Request.Context(), policy.Input{
		Phone:         req.Phone,
		City:          req.City,
		Amount:        req.Amount,
		IsNewCustomer: req.IsNewCustomer,
	})
	if err != nil {
		writeError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, decision)
}

func (h *handler) createDeposit(c *gin.Context) {
	h.createCheckout(c, h.deps.Payments.CreateDeposit)
}

func (h *handler) createFull(c *gin.Context) {
	h.createCheckout(c, h.deps.Payments.CreateFull)
}

type checkoutFunc func(ctx context.Context, orderID string, amount decimal.Decimal) (payment.CheckoutResult, error)

func (h *handler) createCheckout(c *gin.Context, create checkoutFunc) {
	var req checkoutRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid json body")
		return
	}
	if req.OrderID == "" {
		writeError(c, domain.ErrOrderIDRequired)
		return
	}
	if _, ok := h.ownedOrder(c, req.OrderID); !ok {
		return
	}

	result, err := create(c.Request.Context(), req.OrderID, req.Amount)
	if err != nil {
		writeError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, result)
}

func (h *handler) paymentsHealth(c *gin.Context) {
	rangeDays := defaultHealthRangeDays
	if raw := c.Query("range"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			badRequest(c, "range must be a positive number of days")
			return
		}
		rangeDays = n
	}

	report, err := h.deps.Health.Report(c.Request.Context(), rangeDays)
	if err != nil {
		writeError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, report)
}

// ownedOrder загружает заказ и проверяет, что он принадлежит пользователю
// или запрос сделан администратором. При отказе ответ уже записан.
func (h *handler) ownedOrder(c *gin.Context, orderID string) (domain.Order, bool) {
	order, err := h.deps.Timeline.Order(c.Request.Context(), orderID)
	if err != nil {
		writeError(c, err)
		return domain.Order{}, false
	}
	p := principalFrom(c)
	if !p.IsAdmin() && order.UserID != p.UserID {
		writeError(c, domain.ErrForbidden)
		return domain.Order{}, false
	}
	return order, true
}
