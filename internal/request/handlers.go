package request

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/garagelink/garagelink/internal/actor"
	"github.com/garagelink/garagelink/internal/validation"
)

// Handlers exposes the service request HTTP API.
type Handlers struct {
	service *Service
}

func NewHandlers(service *Service) *Handlers {
	return &Handlers{service: service}
}

// RegisterRoutes registers request endpoints on an authenticated group.
func (h *Handlers) RegisterRoutes(rg *gin.RouterGroup) {
	rg.POST("/requests", h.create)
	rg.GET("/requests", h.list)
	rg.GET("/requests/:id", h.get)
	rg.DELETE("/requests/:id", h.delete)
}

type createRequest struct {
	VehicleInfo      string  `json:"vehicle_info"`
	IssueDescription string  `json:"issue_description" binding:"required"`
	Latitude         float64 `json:"latitude"`
	Longitude        float64 `json:"longitude"`
}

func (h *Handlers) create(c *gin.Context) {
	var req createRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
		return
	}
	r, err := h.service.Create(c.Request.Context(), actor.FromGin(c), CreateInput{
		VehicleInfo:      req.VehicleInfo,
		IssueDescription: req.IssueDescription,
		Latitude:         req.Latitude,
		Longitude:        req.Longitude,
	})
	if err != nil {
		RespondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, r)
}

func (h *Handlers) list(c *gin.Context) {
	list, err := h.service.ListByUser(c.Request.Context(), actor.FromGin(c))
	if err != nil {
		RespondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"requests": list, "count": len(list)})
}

func (h *Handlers) get(c *gin.Context) {
	r, err := h.service.GetOwned(c.Request.Context(), actor.FromGin(c), c.Param("id"))
	if err != nil {
		RespondError(c, err)
		return
	}
	c.JSON(http.StatusOK, r)
}

func (h *Handlers) delete(c *gin.Context) {
	if err := h.service.Delete(c.Request.Context(), actor.FromGin(c), c.Param("id")); err != nil {
		RespondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// RespondError maps request lifecycle errors to HTTP responses. The
// other engines reuse it for the errors they bubble up from here.
func RespondError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": err.Error()})
	case errors.Is(err, actor.ErrForbidden):
		c.JSON(http.StatusForbidden, gin.H{"error": "forbidden", "message": err.Error()})
	case errors.Is(err, validation.ErrValidation):
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
	case errors.Is(err, ErrConflict), errors.Is(err, ErrExpired),
		errors.Is(err, ErrNotDeletable), errors.Is(err, ErrFeeNotPaid):
		c.JSON(http.StatusConflict, ConflictBody(err))
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": err.Error()})
	}
}

// ConflictBody builds a 409 payload, carrying the entity's current
// status when the error was tagged with one via Conflicted.
func ConflictBody(err error) gin.H {
	body := gin.H{"error": "conflict", "message": err.Error()}
	var sc *StateConflict
	if errors.As(err, &sc) {
		body["current_status"] = sc.Current
	}
	return body
}
