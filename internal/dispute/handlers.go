package dispute

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/bidlane/bidlane/internal/validation"
)

// Handler provides HTTP endpoints for dispute operations.
type Handler struct {
	service *Service
}

// NewHandler creates a new dispute handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up dispute routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/disputes", h.FileDispute)
	r.GET("/disputes/:id", h.GetDispute)
	r.POST("/disputes/:id/judges", h.AssignJudges)
	r.POST("/disputes/:id/votes", h.SubmitVote)
	r.GET("/users/:id/disputes", h.ListDisputes)
}

// FileDispute handles POST /v1/disputes
func (h *Handler) FileDispute(c *gin.Context) {
	var req FileRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}
	req.Description = validation.SanitizeText(req.Description, validation.MaxDescriptionLength)

	dispute, err := h.service.File(c.Request.Context(), req)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "dispute_rejected",
			"message": err.Error(),
		})
		return
	}

	c.JSON(http.StatusCreated, gin.H{"dispute": dispute})
}

// GetDispute handles GET /v1/disputes/:id
func (h *Handler) GetDispute(c *gin.Context) {
	dispute, err := h.service.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "not_found",
				"message": "Dispute not found",
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{"dispute": dispute})
}

// AssignJudges handles POST /v1/disputes/:id/judges
func (h *Handler) AssignJudges(c *gin.Context) {
	dispute, err := h.service.AssignJudges(c.Request.Context(), c.Param("id"))
	if err != nil {
		switch {
		case errors.Is(err, ErrNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "Dispute not found"})
		case errors.Is(err, ErrInvalidState):
			c.JSON(http.StatusConflict, gin.H{"error": "invalid_state", "message": "Judges can only be assigned to an open dispute"})
		case errors.Is(err, ErrInsufficientJudges):
			c.JSON(http.StatusConflict, gin.H{"error": "insufficient_judges", "message": err.Error()})
		case errors.Is(err, ErrVersionConflict):
			c.JSON(http.StatusConflict, gin.H{"error": "conflict", "message": "Dispute was modified concurrently, retry"})
		default:
			c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": err.Error()})
		}
		return
	}

	c.JSON(http.StatusOK, gin.H{"dispute": dispute})
}

// SubmitVote handles POST /v1/disputes/:id/votes
func (h *Handler) SubmitVote(c *gin.Context) {
	var req VoteRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	result, err := h.service.SubmitVote(c.Request.Context(), c.Param("id"), req)
	if err != nil {
		switch {
		case errors.Is(err, ErrNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "Dispute not found"})
		case errors.Is(err, ErrInvalidState):
			c.JSON(http.StatusConflict, gin.H{"error": "invalid_state", "message": "Dispute is not collecting votes"})
		case errors.Is(err, ErrUnauthorized):
			c.JSON(http.StatusForbidden, gin.H{"error": "unauthorized", "message": "Caller is not in the judge pool"})
		case errors.Is(err, ErrDuplicateVote):
			c.JSON(http.StatusConflict, gin.H{"error": "duplicate_vote", "message": "Judge has already voted"})
		case errors.Is(err, ErrVersionConflict):
			c.JSON(http.StatusConflict, gin.H{"error": "conflict", "message": "Vote lost a concurrent update, retry"})
		default:
			c.JSON(http.StatusBadRequest, gin.H{"error": "vote_rejected", "message": err.Error()})
		}
		return
	}

	c.JSON(http.StatusOK, gin.H{"result": result})
}

// ListDisputes handles GET /v1/users/:id/disputes
func (h *Handler) ListDisputes(c *gin.Context) {
	limit := 50
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 {
			limit = parsed
			if limit > 200 {
				limit = 200
			}
		}
	}

	disputes, err := h.service.ListByUser(c.Request.Context(), c.Param("id"), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{"disputes": disputes, "count": len(disputes)})
}
