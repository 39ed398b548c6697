package httpapi

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/vladislavdragonenkov/marketplace/internal/service/refund"
)

type refundRequest struct {
	Reason  string `json:"reason"`
	Details string `json:"details"`
}

type refundDecisionRequest struct {
	Comment string `json:"comment"`
}

func (h *handler) requestRefund(c *gin.Context) {
	var req refundRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid json body")
		return
	}
	if req.Reason == "" {
		badRequest(c, "reason is required")
		return
	}

	p := principalFrom(c)
	r, err := h.deps.Refunds.Request(c.Request.Context(), c.Param("order_id"), refund.Requester{
		UserID: p.UserID,
		Admin:  p.IsAdmin(),
	}, req.Reason, req.Details)
	if err != nil {
		writeError(c, err)
		return
	}
	writeJSON(c, http.StatusCreated, r)
}

func (h *handler) approveRefund(c *gin.Context) {
	r, err := h.deps.Refunds.Approve(c.Request.Context(), c.Param("order_id"), principalFrom(c).UserID)
	if err != nil {
		writeError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, r)
}

func (h *handler) rejectRefund(c *gin.Context) {
	var req refundDecisionRequest
	// комментарий необязателен, пустое тело допустимо
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, "invalid json body")
			return
		}
	}

	r, err := h.deps.Refunds.Reject(c.Request.Context(), c.Param("order_id"), principalFrom(c).UserID, req.Comment)
	if err != nil {
		writeError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, r)
}
