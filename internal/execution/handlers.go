package execution

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/garagelink/garagelink/internal/actor"
	"github.com/garagelink/garagelink/internal/request"
	"github.com/garagelink/garagelink/internal/workshop"
)

// Handlers exposes the execution HTTP API.
type Handlers struct {
	service *Service
}

func NewHandlers(service *Service) *Handlers {
	return &Handlers{service: service}
}

// RegisterRoutes registers execution endpoints on an authenticated
// group. All routes hang off the request since an execution is its
// active fulfillment record.
func (h *Handlers) RegisterRoutes(rg *gin.RouterGroup) {
	rg.GET("/requests/:id/execution", h.get)
	rg.POST("/requests/:id/execution/mechanics", h.assignMechanic)
	rg.DELETE("/requests/:id/execution/mechanics/:mechanicID", h.removeMechanic)
	rg.POST("/requests/:id/execution/otp", h.generateOTP)
	rg.POST("/requests/:id/execution/verify", h.verifyOTP)
}

func (h *Handlers) get(c *gin.Context) {
	e, err := h.service.Get(c.Request.Context(), actor.FromGin(c), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, e)
}

type assignRequest struct {
	MechanicID string `json:"mechanic_id" binding:"required"`
}

func (h *Handlers) assignMechanic(c *gin.Context) {
	var req assignRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
		return
	}
	e, err := h.service.AssignMechanic(c.Request.Context(), actor.FromGin(c), c.Param("id"), req.MechanicID)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, e)
}

func (h *Handlers) removeMechanic(c *gin.Context) {
	e, err := h.service.RemoveMechanic(c.Request.Context(), actor.FromGin(c), c.Param("id"), c.Param("mechanicID"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, e)
}

func (h *Handlers) generateOTP(c *gin.Context) {
	if err := h.service.GenerateOTP(c.Request.Context(), actor.FromGin(c), c.Param("id")); err != nil {
		respondError(c, err)
		return
	}
	// The code itself is only ever delivered by email.
	c.JSON(http.StatusOK, gin.H{"status": "otp_sent"})
}

type verifyRequest struct {
	OTP string `json:"otp" binding:"required"`
}

func (h *Handlers) verifyOTP(c *gin.Context) {
	var req verifyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
		return
	}
	e, err := h.service.VerifyOTP(c.Request.Context(), actor.FromGin(c), c.Param("id"), req.OTP)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, e)
}

func respondError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, ErrNotFound), errors.Is(err, workshop.ErrMechanicNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": err.Error()})
	case errors.Is(err, ErrOTPMismatch):
		c.JSON(http.StatusBadRequest, gin.H{"error": "otp_mismatch", "message": err.Error()})
	case errors.Is(err, ErrEscrowNotPaid), errors.Is(err, ErrCompleted),
		errors.Is(err, ErrCancelled), errors.Is(err, workshop.ErrMechanicBusy):
		c.JSON(http.StatusConflict, request.ConflictBody(err))
	case errors.Is(err, ErrMailFailed):
		c.JSON(http.StatusBadGateway, gin.H{"error": "mail_failed", "message": err.Error()})
	default:
		request.RespondError(c, err)
	}
}
