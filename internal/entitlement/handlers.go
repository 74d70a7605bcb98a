package entitlement

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/merchantos/entitlement/internal/ledger"
)

// Handler provides HTTP endpoints for entitlement resolution and the
// credit-gated action flow.
type Handler struct {
	guard *Guard
}

// NewHandler creates a new entitlement handler.
func NewHandler(guard *Guard) *Handler {
	return &Handler{guard: guard}
}

// RegisterRoutes sets up entitlement routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/entitlements/resolve", h.ResolveEntitlement)
	r.POST("/entitlements/begin", h.BeginSession)
	r.POST("/entitlements/confirm-spend", h.ConfirmAndSpend)
	r.POST("/entitlements/cancel", h.CancelSession)
}

type entitlementRequest struct {
	SellerID string `json:"sellerId" binding:"required"`
	Page     string `json:"page" binding:"required"`
	Action   string `json:"action"`
	RoleID   string `json:"roleId"`
}

// ResolveEntitlement handles POST /v1/entitlements/resolve
func (h *Handler) ResolveEntitlement(c *gin.Context) {
	var req entitlementRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": err.Error(),
		})
		return
	}

	d, err := h.guard.Resolve(c.Request.Context(), req.SellerID, req.Page, req.Action, req.RoleID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{"decision": d})
}

// BeginSession handles POST /v1/entitlements/begin
func (h *Handler) BeginSession(c *gin.Context) {
	var req entitlementRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": err.Error(),
		})
		return
	}

	sess, err := h.guard.Begin(c.Request.Context(), req.SellerID, req.Page, req.Action, req.RoleID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{"session": sess})
}

// ConfirmAndSpend handles POST /v1/entitlements/confirm-spend
func (h *Handler) ConfirmAndSpend(c *gin.Context) {
	var req entitlementRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": err.Error(),
		})
		return
	}

	out, err := h.guard.ConfirmAndSpend(c.Request.Context(), req.SellerID, req.Page, req.Action, req.RoleID)
	if err != nil {
		if err == ledger.ErrInsufficientCredits {
			c.JSON(http.StatusPaymentRequired, gin.H{
				"error":   "insufficient_credits",
				"message": "Not enough credits to perform this action",
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
		return
	}

	status := http.StatusOK
	if !out.Allowed {
		status = http.StatusForbidden
	}
	c.JSON(status, gin.H{"outcome": out})
}

// CancelSession handles POST /v1/entitlements/cancel
func (h *Handler) CancelSession(c *gin.Context) {
	var req struct {
		SellerID string `json:"sellerId" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": err.Error(),
		})
		return
	}

	h.guard.Cancel(req.SellerID)
	c.JSON(http.StatusOK, gin.H{"cancelled": true})
}
