package connection

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/garagelink/garagelink/internal/actor"
	"github.com/garagelink/garagelink/internal/request"
	"github.com/garagelink/garagelink/internal/workshop"
)

// Handlers exposes the matching engine HTTP API.
type Handlers struct {
	service *Service
}

func NewHandlers(service *Service) *Handlers {
	return &Handlers{service: service}
}

// RegisterRoutes registers connection endpoints on an authenticated
// group.
func (h *Handlers) RegisterRoutes(rg *gin.RouterGroup) {
	rg.POST("/connections", h.connect)
	rg.GET("/connections/:id", h.get)
	rg.POST("/connections/:id/accept", h.accept)
	rg.POST("/connections/:id/reject", h.reject)
	rg.POST("/connections/:id/withdraw", h.withdraw)
	rg.POST("/connections/:id/cancel", h.cancel)
	rg.GET("/requests/:id/connections", h.listByRequest)
	rg.GET("/workshop/connections", h.listForWorkshop)
}

type connectRequest struct {
	RequestID  string `json:"service_request_id" binding:"required"`
	WorkshopID string `json:"workshop_id" binding:"required"`
}

func (h *Handlers) connect(c *gin.Context) {
	var req connectRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
		return
	}
	conn, err := h.service.Connect(c.Request.Context(), actor.FromGin(c), req.RequestID, req.WorkshopID)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, conn)
}

func (h *Handlers) get(c *gin.Context) {
	conn, err := h.service.Get(c.Request.Context(), actor.FromGin(c), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, conn)
}

func (h *Handlers) accept(c *gin.Context) {
	conn, err := h.service.Accept(c.Request.Context(), actor.FromGin(c), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, conn)
}

func (h *Handlers) reject(c *gin.Context) {
	conn, err := h.service.Reject(c.Request.Context(), actor.FromGin(c), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, conn)
}

func (h *Handlers) withdraw(c *gin.Context) {
	conn, err := h.service.Withdraw(c.Request.Context(), actor.FromGin(c), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, conn)
}

func (h *Handlers) cancel(c *gin.Context) {
	a := actor.FromGin(c)
	var (
		conn *Connection
		err  error
	)
	if a.IsWorkshop() {
		conn, err = h.service.CancelByWorkshop(c.Request.Context(), a, c.Param("id"))
	} else {
		conn, err = h.service.CancelByUser(c.Request.Context(), a, c.Param("id"))
	}
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, conn)
}

func (h *Handlers) listByRequest(c *gin.Context) {
	list, err := h.service.ListByRequest(c.Request.Context(), actor.FromGin(c), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"connections": list, "count": len(list)})
}

func (h *Handlers) listForWorkshop(c *gin.Context) {
	list, err := h.service.ListForWorkshop(c.Request.Context(), actor.FromGin(c))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"connections": list, "count": len(list)})
}

func respondError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, ErrNotFound), errors.Is(err, workshop.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": err.Error()})
	case errors.Is(err, ErrActiveExists), errors.Is(err, ErrAttemptCapReached),
		errors.Is(err, ErrInvalidTransition), errors.Is(err, ErrServicePaid),
		errors.Is(err, workshop.ErrNotApproved):
		c.JSON(http.StatusConflict, request.ConflictBody(err))
	default:
		request.RespondError(c, err)
	}
}
