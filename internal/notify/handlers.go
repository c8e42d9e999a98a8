package notify

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/bidlane/bidlane/internal/idgen"
	"github.com/bidlane/bidlane/internal/security"
)

// Handler provides HTTP endpoints for webhook subscription management.
type Handler struct {
	subs          SubscriptionStore
	defaultSecret string
}

// NewHandler creates a new webhook subscription handler.
func NewHandler(subs SubscriptionStore) *Handler {
	return &Handler{subs: subs}
}

// WithDefaultSecret sets the signing secret used for subscriptions
// created without one of their own.
func (h *Handler) WithDefaultSecret(secret string) *Handler {
	h.defaultSecret = secret
	return h
}

// RegisterRoutes sets up webhook routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/webhooks", h.CreateSubscription)
	r.GET("/users/:id/webhooks", h.ListSubscriptions)
	r.DELETE("/webhooks/:id", h.DeleteSubscription)
}

type createSubscriptionRequest struct {
	UserID string      `json:"userId" binding:"required"`
	URL    string      `json:"url" binding:"required,url"`
	Secret string      `json:"secret"`
	Events []EventType `json:"events"`
}

// CreateSubscription handles POST /v1/webhooks
func (h *Handler) CreateSubscription(c *gin.Context) {
	var req createSubscriptionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "Invalid request body"})
		return
	}

	// Webhook targets are fetched server-side; screen out internal addresses.
	if err := security.ValidateWebhookURL(req.URL); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_url", "message": err.Error()})
		return
	}

	secret := req.Secret
	if secret == "" {
		secret = h.defaultSecret
	}

	sub := &Subscription{
		ID:        idgen.WithPrefix("whk_"),
		UserID:    req.UserID,
		URL:       req.URL,
		Secret:    secret,
		Events:    req.Events,
		Active:    true,
		CreatedAt: time.Now(),
	}
	if err := h.subs.Create(c.Request.Context(), sub); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, gin.H{"subscription": sub})
}

// ListSubscriptions handles GET /v1/users/:id/webhooks
func (h *Handler) ListSubscriptions(c *gin.Context) {
	subs, err := h.subs.GetByUser(c.Request.Context(), c.Param("id"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"subscriptions": subs, "count": len(subs)})
}

// DeleteSubscription handles DELETE /v1/webhooks/:id
func (h *Handler) DeleteSubscription(c *gin.Context) {
	if err := h.subs.Delete(c.Request.Context(), c.Param("id")); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": true})
}
