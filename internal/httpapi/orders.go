package httpapi

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/vladislavdragonenkov/marketplace/internal/domain"
	"github.com/vladislavdragonenkov/marketplace/internal/service/checkout"
)

const reasonAdminTransition = "ADMIN_TRANSITION"

type transitionRequest struct {
	To     domain.OrderStatus `json:"to"`
	Reason string             `json:"reason"`
}

func (h *handler) placeOrder(c *gin.Context) {
	var req checkout.Request
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid json body")
		return
	}
	req.UserID = principalFrom(c).UserID

	result, err := h.deps.Checkout.PlaceOrder(c.Request.Context(), req)
	if err != nil {
		writeError(c, err)
		return
	}
	writeJSON(c, http.StatusCreated, result)
}

func (h *handler) orderTracking(c *gin.Context) {
	orderID := c.Param("order_id")
	if _, ok := h.ownedOrder(c, orderID); !ok {
		return
	}
	tracking, err := h.deps.Timeline.Tracking(c.Request.Context(), orderID)
	if err != nil {
		writeError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, tracking)
}

func (h *handler) orderTimeline(c *gin.Context) {
	orderID := c.Param("order_id")
	if _, ok := h.ownedOrder(c, orderID); !ok {
		return
	}
	tl, err := h.deps.Timeline.Build(c.Request.Context(), orderID)
	if err != nil {
		writeError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, tl)
}

// transitionOrder выполняет ручной переход из текущего статуса заказа.
func (h *handler) transitionOrder(c *gin.Context) {
	var req transitionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid json body")
		return
	}
	req.To = domain.OrderStatus(strings.ToUpper(strings.TrimSpace(string(req.To))))
	if !req.To.Valid() {
		writeError(c, fmt.Errorf("%w: %q", domain.ErrUnknownStatus, req.To))
		return
	}
	reason := strings.TrimSpace(req.Reason)
	if reason == "" {
		reason = reasonAdminTransition
	}

	orderID := c.Param("order_id")
	order, err := h.deps.Timeline.Order(c.Request.Context(), orderID)
	if err != nil {
		writeError(c, err)
		return
	}

	admin := principalFrom(c)
	updated, err := h.deps.Machine.Transition(c.Request.Context(), domain.TransitionRequest{
		OrderID: orderID,
		From:    order.Status,
		To:      req.To,
		Reason:  reason,
		Actor:   "admin:" + admin.UserID,
	})
	if err != nil {
		writeError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, updated)
}

func (h *handler) createTTN(c *gin.Context) {
	result, err := h.deps.TTN.Ensure(c.Request.Context(), c.Param("order_id"))
	if err != nil {
		writeError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, result)
}
