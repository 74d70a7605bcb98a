package subscription

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// Handler provides HTTP endpoints for subscription records.
type Handler struct {
	service *Service
}

// NewHandler creates a new subscription handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up subscription routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/sellers/:sellerID/subscription", h.GetCurrentSubscription)
	r.GET("/subscriptions/:subscriptionID", h.GetSubscription)
}

// GetCurrentSubscription handles GET /v1/sellers/:sellerID/subscription
func (h *Handler) GetCurrentSubscription(c *gin.Context) {
	sub, err := h.service.GetCurrent(c.Request.Context(), c.Param("sellerID"))
	if err != nil {
		if err == ErrNotFound {
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "not_found",
				"message": "Seller has no active subscription",
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"subscription": sub,
		"balance": gin.H{
			"creditsRemaining":      sub.CreditsRemaining(),
			"bonusCredits":          sub.BonusCredits,
			"totalCreditsRemaining": sub.TotalCreditsRemaining(),
		},
	})
}

// GetSubscription handles GET /v1/subscriptions/:subscriptionID
func (h *Handler) GetSubscription(c *gin.Context) {
	sub, err := h.service.GetByID(c.Request.Context(), c.Param("subscriptionID"))
	if err != nil {
		if err == ErrNotFound {
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

	c.JSON(http.StatusOK, gin.H{"subscription": sub})
}
