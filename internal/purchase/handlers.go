package purchase

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/merchantos/entitlement/internal/gateway"
	"github.com/merchantos/entitlement/internal/plan"
)

// Handler provides HTTP endpoints for the purchase flow.
type Handler struct {
	service *Service
}

// NewHandler creates a new purchase handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up purchase routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/purchases/initiate", h.InitiatePurchase)
	r.POST("/purchases/verify", h.VerifyPurchase)
	r.GET("/purchases/:intentID", h.GetIntent)
}

// RegisterAdminRoutes sets up administrative purchase routes.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.GET("/purchases/stale", h.ListStaleIntents)
}

// InitiatePurchase handles POST /v1/purchases/initiate
func (h *Handler) InitiatePurchase(c *gin.Context) {
	var req struct {
		SellerID string `json:"sellerId" binding:"required"`
		PlanID   string `json:"planId" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": err.Error(),
		})
		return
	}

	result, err := h.service.Initiate(c.Request.Context(), req.SellerID, req.PlanID)
	if err != nil {
		if err == plan.ErrPlanNotFound {
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "not_found",
				"message": "No such plan",
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
		return
	}

	c.JSON(http.StatusCreated, result)
}

// VerifyPurchase handles POST /v1/purchases/verify
func (h *Handler) VerifyPurchase(c *gin.Context) {
	var payload gateway.ConfirmationPayload
	if err := c.ShouldBindJSON(&payload); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": err.Error(),
		})
		return
	}

	result, err := h.service.Verify(c.Request.Context(), payload)
	if err != nil {
		switch err {
		case ErrIntentNotFound:
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "not_found",
				"message": "No purchase found for this order",
			})
		case gateway.ErrSignatureInvalid:
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "signature_invalid",
				"message": "Payment confirmation could not be verified",
			})
		case ErrIntentFailed:
			c.JSON(http.StatusConflict, gin.H{
				"error":   "purchase_failed",
				"message": "This purchase already failed; contact support",
			})
		default:
			c.JSON(http.StatusInternalServerError, gin.H{
				"error":   "internal_error",
				"message": err.Error(),
			})
		}
		return
	}

	c.JSON(http.StatusOK, result)
}

// GetIntent handles GET /v1/purchases/:intentID
func (h *Handler) GetIntent(c *gin.Context) {
	intent, err := h.service.GetIntent(c.Request.Context(), c.Param("intentID"))
	if err != nil {
		if err == ErrIntentNotFound {
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "not_found",
				"message": "No such purchase",
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{"intent": intent})
}

// ListStaleIntents handles GET /v1/admin/purchases/stale
func (h *Handler) ListStaleIntents(c *gin.Context) {
	hours, _ := strconv.Atoi(c.DefaultQuery("olderThanHours", "24"))
	if hours < 1 {
		hours = 24
	}
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "100"))
	if limit < 1 || limit > 500 {
		limit = 100
	}

	intents, err := h.service.StaleIntents(c.Request.Context(), time.Duration(hours)*time.Hour, limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"intents": intents,
		"count":   len(intents),
	})
}
