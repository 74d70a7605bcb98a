package ledger

import (
	"context"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/merchantos/entitlement/internal/pagination"
	"github.com/merchantos/entitlement/internal/subscription"
)

// SubscriptionResolver maps a seller to their current subscription.
// Satisfied by the subscription service.
type SubscriptionResolver interface {
	GetCurrent(ctx context.Context, sellerID string) (*subscription.Subscription, error)
}

// Handler provides HTTP endpoints for the credit ledger.
type Handler struct {
	service *Service
	subs    SubscriptionResolver
}

// NewHandler creates a new ledger handler.
func NewHandler(service *Service, subs SubscriptionResolver) *Handler {
	return &Handler{service: service, subs: subs}
}

// RegisterRoutes sets up seller-facing ledger routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/sellers/:sellerID/credits/history", h.GetHistory)
}

// RegisterAdminRoutes sets up administrative ledger routes. The caller is
// responsible for guarding the group with admin auth.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.POST("/sellers/:sellerID/credits/bonus", h.GrantBonus)
	r.POST("/sellers/:sellerID/credits/bonus/revoke", h.RevokeBonus)
	r.POST("/sellers/:sellerID/credits/reset", h.ResetCredits)
	r.GET("/subscriptions/:subscriptionID/audit", h.AuditSubscription)
}

// GetHistory handles GET /v1/sellers/:sellerID/credits/history
func (h *Handler) GetHistory(c *gin.Context) {
	sub, ok := h.currentSubscription(c)
	if !ok {
		return
	}

	page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "20"))

	history, err := h.service.History(c.Request.Context(), sub.ID, pagination.Normalize(page, limit))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, history)
}

// GrantBonus handles POST /v1/admin/sellers/:sellerID/credits/bonus
func (h *Handler) GrantBonus(c *gin.Context) {
	var req struct {
		Amount      int64  `json:"amount" binding:"required,gt=0"`
		Description string `json:"description"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": err.Error(),
		})
		return
	}

	sub, ok := h.currentSubscription(c)
	if !ok {
		return
	}

	if req.Description == "" {
		req.Description = "administrative bonus"
	}
	entry, err := h.service.Bonus(c.Request.Context(), sub.ID, req.Amount, req.Description)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
		return
	}

	c.JSON(http.StatusCreated, gin.H{"transaction": entry})
}

// RevokeBonus handles POST /v1/admin/sellers/:sellerID/credits/bonus/revoke
func (h *Handler) RevokeBonus(c *gin.Context) {
	var req struct {
		Amount      int64  `json:"amount" binding:"required,gt=0"`
		Description string `json:"description"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": err.Error(),
		})
		return
	}

	sub, ok := h.currentSubscription(c)
	if !ok {
		return
	}

	if req.Description == "" {
		req.Description = "administrative bonus revocation"
	}
	entry, err := h.service.RevokeBonus(c.Request.Context(), sub.ID, req.Amount, req.Description)
	if err != nil {
		if err == ErrInsufficientCredits {
			c.JSON(http.StatusConflict, gin.H{
				"error":   "insufficient_bonus",
				"message": "Seller has fewer bonus credits than requested",
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
		return
	}

	c.JSON(http.StatusCreated, gin.H{"transaction": entry})
}

// ResetCredits handles POST /v1/admin/sellers/:sellerID/credits/reset
func (h *Handler) ResetCredits(c *gin.Context) {
	var req struct {
		Amount      int64  `json:"amount" binding:"required,gt=0"`
		Description string `json:"description"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": err.Error(),
		})
		return
	}

	sub, ok := h.currentSubscription(c)
	if !ok {
		return
	}

	if req.Description == "" {
		req.Description = "renewal credit reset"
	}
	entry, err := h.service.Reset(c.Request.Context(), sub.ID, req.Amount, req.Description)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
		return
	}

	c.JSON(http.StatusCreated, gin.H{"transaction": entry})
}

// AuditSubscription handles GET /v1/admin/subscriptions/:subscriptionID/audit
func (h *Handler) AuditSubscription(c *gin.Context) {
	report, err := h.service.Audit(c.Request.Context(), c.Param("subscriptionID"))
	if err != nil {
		if err == subscription.ErrNotFound {
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "not_found",
				"message": "No such subscription",
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{"audit": report})
}

func (h *Handler) currentSubscription(c *gin.Context) (*subscription.Subscription, bool) {
	sub, err := h.subs.GetCurrent(c.Request.Context(), c.Param("sellerID"))
	if err != nil {
		if err == subscription.ErrNotFound {
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "not_found",
				"message": "Seller has no active subscription",
			})
			return nil, false
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
		return nil, false
	}
	return sub, true
}
