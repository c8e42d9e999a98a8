package reputation

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
)

// Handler provides HTTP endpoints for reputation operations.
type Handler struct {
	service *Service
}

// NewHandler creates a new reputation handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up reputation routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/users/:id/reputation", h.GetProfile)
	r.POST("/users/:id/reputation/outcomes", h.ApplyOutcome)
	r.GET("/users/:id/badges", h.ListBadges)
	r.POST("/users/:id/badges", h.AwardBadge)
	r.GET("/badges", h.ListCatalog)
}

// GetProfile handles GET /v1/users/:id/reputation
func (h *Handler) GetProfile(c *gin.Context) {
	profile, err := h.service.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"reputation": profile})
}

type outcomeRequest struct {
	Action string `json:"action" binding:"required"`
}

// ApplyOutcome handles POST /v1/users/:id/reputation/outcomes
func (h *Handler) ApplyOutcome(c *gin.Context) {
	var req outcomeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "Invalid request body"})
		return
	}

	score, err := h.service.ApplyOutcome(c.Request.Context(), c.Param("id"), req.Action)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"userId": c.Param("id"), "score": score, "tier": TierFor(score)})
}

// ListBadges handles GET /v1/users/:id/badges
func (h *Handler) ListBadges(c *gin.Context) {
	profile, err := h.service.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"badges": profile.Badges, "count": len(profile.Badges)})
}

type badgeRequest struct {
	BadgeKey string `json:"badgeKey" binding:"required"`
}

// AwardBadge handles POST /v1/users/:id/badges
func (h *Handler) AwardBadge(c *gin.Context) {
	var req badgeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "Invalid request body"})
		return
	}

	granted, err := h.service.AwardBadgeIfEligible(c.Request.Context(), c.Param("id"), req.BadgeKey)
	if err != nil {
		if errors.Is(err, ErrUnknownBadge) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "unknown_badge", "message": err.Error()})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"granted": granted, "badgeKey": req.BadgeKey})
}

// ListCatalog handles GET /v1/badges
func (h *Handler) ListCatalog(c *gin.Context) {
	badges := make([]Badge, 0, len(Catalog))
	for _, b := range Catalog {
		badges = append(badges, b)
	}
	c.JSON(http.StatusOK, gin.H{"badges": badges, "count": len(badges)})
}
