package settlement

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
)

// Handler provides HTTP endpoints for settlement operations.
type Handler struct {
	service *Service
}

// NewHandler creates a new settlement handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up settlement routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/contracts", h.CreateContract)
	r.GET("/contracts/:id", h.GetContract)
	r.GET("/contracts/:id/ledger", h.GetLedger)
	r.POST("/contracts/:id/signatures", h.Sign)
	r.POST("/contracts/:id/deposit", h.RecordDeposit)
	r.POST("/contracts/:id/delivery", h.MarkDelivered)
	r.POST("/contracts/:id/title", h.VerifyTitle)
	r.POST("/contracts/:id/waiver", h.AcceptWaiver)
	r.POST("/contracts/:id/inspection", h.RecordInspection)
	r.POST("/contracts/:id/release", h.ReleaseFunds)
	r.POST("/contracts/:id/payouts", h.RecordPayout)
	r.GET("/users/:id/contracts", h.ListContracts)
	r.GET("/settlement/health", h.SweepHealth)
}

// CreateContract handles POST /v1/contracts
func (h *Handler) CreateContract(c *gin.Context) {
	var req CreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	contract, err := h.service.Create(c.Request.Context(), req)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "contract_rejected",
			"message": err.Error(),
		})
		return
	}

	c.JSON(http.StatusCreated, gin.H{"contract": contract})
}

// GetContract handles GET /v1/contracts/:id
func (h *Handler) GetContract(c *gin.Context) {
	contract, err := h.service.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"contract": contract})
}

// GetLedger handles GET /v1/contracts/:id/ledger
func (h *Handler) GetLedger(c *gin.Context) {
	entries, err := h.service.Ledger(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"entries": entries, "count": len(entries)})
}

type signRequest struct {
	Signer string `json:"signer" binding:"required"`
}

// Sign handles POST /v1/contracts/:id/signatures
func (h *Handler) Sign(c *gin.Context) {
	var req signRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "Invalid request body"})
		return
	}

	contract, err := h.service.Sign(c.Request.Context(), c.Param("id"), req.Signer)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"contract": contract})
}

type actorRequest struct {
	Actor string `json:"actor" binding:"required"`
}

// RecordDeposit handles POST /v1/contracts/:id/deposit
func (h *Handler) RecordDeposit(c *gin.Context) {
	var req actorRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "Invalid request body"})
		return
	}

	entry, err := h.service.RecordDeposit(c.Request.Context(), c.Param("id"), req.Actor)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"entry": entry})
}

// MarkDelivered handles POST /v1/contracts/:id/delivery
func (h *Handler) MarkDelivered(c *gin.Context) {
	var req actorRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "Invalid request body"})
		return
	}

	contract, err := h.service.MarkDelivered(c.Request.Context(), c.Param("id"), req.Actor)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"contract": contract})
}

// VerifyTitle handles POST /v1/contracts/:id/title
func (h *Handler) VerifyTitle(c *gin.Context) {
	var req actorRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "Invalid request body"})
		return
	}

	contract, err := h.service.VerifyTitle(c.Request.Context(), c.Param("id"), req.Actor)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"contract": contract})
}

// AcceptWaiver handles POST /v1/contracts/:id/waiver
func (h *Handler) AcceptWaiver(c *gin.Context) {
	var req actorRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "Invalid request body"})
		return
	}

	contract, err := h.service.AcceptWaiver(c.Request.Context(), c.Param("id"), req.Actor)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"contract": contract})
}

type inspectionRequest struct {
	Inspector string `json:"inspector" binding:"required"`
	Passed    *bool  `json:"passed" binding:"required"`
}

// RecordInspection handles POST /v1/contracts/:id/inspection
func (h *Handler) RecordInspection(c *gin.Context) {
	var req inspectionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "Invalid request body"})
		return
	}

	contract, err := h.service.RecordInspection(c.Request.Context(), c.Param("id"), req.Inspector, *req.Passed)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"contract": contract})
}

// ReleaseFunds handles POST /v1/contracts/:id/release
func (h *Handler) ReleaseFunds(c *gin.Context) {
	var req actorRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "Invalid request body"})
		return
	}

	result, err := h.service.ReleaseFunds(c.Request.Context(), c.Param("id"), req.Actor)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"result": result})
}

type payoutRequest struct {
	Step        Step   `json:"step" binding:"required"`
	AmountCents int64  `json:"amountCents"`
	Actor       string `json:"actor" binding:"required"`
}

// RecordPayout handles POST /v1/contracts/:id/payouts
func (h *Handler) RecordPayout(c *gin.Context) {
	var req payoutRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "Invalid request body"})
		return
	}

	entry, err := h.service.RecordPayout(c.Request.Context(), c.Param("id"), req.Step, req.AmountCents, req.Actor)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"entry": entry})
}

// ListContracts handles GET /v1/users/:id/contracts
func (h *Handler) ListContracts(c *gin.Context) {
	limit := 50
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 {
			limit = parsed
			if limit > 200 {
				limit = 200
			}
		}
	}

	contracts, err := h.service.ListByUser(c.Request.Context(), c.Param("id"), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"contracts": contracts, "count": len(contracts)})
}

// SweepHealth handles GET /v1/settlement/health for on-demand sweeps.
func (h *Handler) SweepHealth(c *gin.Context) {
	flags, err := h.service.Sweep(c.Request.Context(), time.Now())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"flags": flags, "count": len(flags)})
}

func (h *Handler) writeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "Contract not found"})
	case errors.Is(err, ErrInvalidState):
		c.JSON(http.StatusConflict, gin.H{"error": "invalid_state", "message": "Operation is not valid for the contract's current state"})
	case errors.Is(err, ErrUnauthorized):
		c.JSON(http.StatusForbidden, gin.H{"error": "unauthorized", "message": "Caller is not a party to this contract"})
	case errors.Is(err, ErrReleaseBlocked):
		c.JSON(http.StatusConflict, gin.H{"error": "release_blocked", "message": err.Error()})
	case errors.Is(err, ErrVersionConflict):
		c.JSON(http.StatusConflict, gin.H{"error": "conflict", "message": "Contract was modified concurrently, retry"})
	case errors.Is(err, ErrDependencyUnavailable):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "dependency_unavailable", "message": err.Error()})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": err.Error()})
	}
}
