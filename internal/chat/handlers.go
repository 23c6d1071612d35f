package chat

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/garagelink/garagelink/internal/actor"
	"github.com/garagelink/garagelink/internal/request"
)

// Handlers exposes the chat HTTP API.
type Handlers struct {
	service *Service
}

func NewHandlers(service *Service) *Handlers {
	return &Handlers{service: service}
}

// RegisterRoutes registers chat endpoints on an authenticated group.
func (h *Handlers) RegisterRoutes(rg *gin.RouterGroup) {
	rg.GET("/requests/:id/messages", h.history)
	rg.POST("/requests/:id/messages", h.send)
	rg.POST("/requests/:id/messages/read", h.markRead)
	rg.GET("/messages/unread", h.unread)
}

type sendRequest struct {
	Body string `json:"body" binding:"required"`
}

func (h *Handlers) send(c *gin.Context) {
	var req sendRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
		return
	}
	m, err := h.service.Send(c.Request.Context(), actor.FromGin(c), c.Param("id"), req.Body)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, m)
}

func (h *Handlers) history(c *gin.Context) {
	limit, _ := strconv.Atoi(c.Query("limit"))
	msgs, err := h.service.History(c.Request.Context(), actor.FromGin(c), c.Param("id"), limit)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"messages": msgs})
}

func (h *Handlers) markRead(c *gin.Context) {
	n, err := h.service.MarkRead(c.Request.Context(), actor.FromGin(c), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"marked_read": n})
}

func (h *Handlers) unread(c *gin.Context) {
	summary, err := h.service.UnreadSummary(c.Request.Context(), actor.FromGin(c))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"unread": summary})
}

func respondError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, ErrNoConversation):
		c.JSON(http.StatusConflict, gin.H{"error": "no_conversation", "message": err.Error()})
	default:
		request.RespondError(c, err)
	}
}
