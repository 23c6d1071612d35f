package workshop

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/garagelink/garagelink/internal/actor"
	"github.com/garagelink/garagelink/internal/validation"
)

// Handlers exposes the workshop directory HTTP API.
type Handlers struct {
	service *Service
}

func NewHandlers(service *Service) *Handlers {
	return &Handlers{service: service}
}

// RegisterRoutes registers directory endpoints on an authenticated group.
func (h *Handlers) RegisterRoutes(rg *gin.RouterGroup) {
	rg.POST("/workshops", h.register)
	rg.GET("/workshops/nearby", h.nearby)
	rg.GET("/workshops/:id", h.get)
	rg.PATCH("/workshops/:id/verification", h.setVerification)
	rg.POST("/workshops/:id/mechanics", h.addMechanic)
	rg.GET("/workshops/:id/mechanics", h.listMechanics)
}

type registerRequest struct {
	Name      string  `json:"name" binding:"required"`
	Address   string  `json:"address"`
	Latitude  float64 `json:"latitude" binding:"required"`
	Longitude float64 `json:"longitude" binding:"required"`
}

func (h *Handlers) register(c *gin.Context) {
	var req registerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
		return
	}
	w, err := h.service.Register(c.Request.Context(), actor.FromGin(c), req.Name, req.Address, req.Latitude, req.Longitude)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, w)
}

func (h *Handlers) get(c *gin.Context) {
	w, err := h.service.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, w)
}

func (h *Handlers) nearby(c *gin.Context) {
	lat, err1 := strconv.ParseFloat(c.Query("lat"), 64)
	lng, err2 := strconv.ParseFloat(c.Query("lng"), 64)
	if err1 != nil || err2 != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "lat and lng query params are required"})
		return
	}
	results, err := h.service.Nearby(c.Request.Context(), lat, lng)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"workshops": results, "count": len(results)})
}

type verificationRequest struct {
	Status VerificationStatus `json:"status" binding:"required"`
}

func (h *Handlers) setVerification(c *gin.Context) {
	var req verificationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
		return
	}
	if req.Status != VerificationApproved && req.Status != VerificationRejected {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "status must be APPROVED or REJECTED"})
		return
	}
	w, err := h.service.SetVerification(c.Request.Context(), actor.FromGin(c), c.Param("id"), req.Status)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, w)
}

type addMechanicRequest struct {
	Name string `json:"name" binding:"required"`
}

func (h *Handlers) addMechanic(c *gin.Context) {
	var req addMechanicRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
		return
	}
	m, err := h.service.AddMechanic(c.Request.Context(), actor.FromGin(c), c.Param("id"), req.Name)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, m)
}

func (h *Handlers) listMechanics(c *gin.Context) {
	mechanics, err := h.service.Mechanics(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"mechanics": mechanics, "count": len(mechanics)})
}

func respondError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, ErrNotFound), errors.Is(err, ErrMechanicNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": err.Error()})
	case errors.Is(err, actor.ErrForbidden):
		c.JSON(http.StatusForbidden, gin.H{"error": "forbidden", "message": err.Error()})
	case errors.Is(err, validation.ErrValidation):
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
	case errors.Is(err, ErrNotApproved), errors.Is(err, ErrMechanicBusy):
		c.JSON(http.StatusConflict, gin.H{"error": "conflict", "message": err.Error()})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": err.Error()})
	}
}
