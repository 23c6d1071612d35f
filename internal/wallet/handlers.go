package wallet

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/garagelink/garagelink/internal/actor"
	"github.com/garagelink/garagelink/internal/money"
)

// Handlers exposes the wallet HTTP API.
type Handlers struct {
	service *Service
}

func NewHandlers(service *Service) *Handlers {
	return &Handlers{service: service}
}

// RegisterRoutes registers wallet endpoints on an authenticated group.
func (h *Handlers) RegisterRoutes(rg *gin.RouterGroup) {
	rg.GET("/wallet", h.getBalance)
	rg.GET("/wallet/transactions", h.listTransactions)
}

func (h *Handlers) getBalance(c *gin.Context) {
	a := actor.FromGin(c)
	w, err := h.service.Balance(c.Request.Context(), a)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"wallet_id": w.ID,
		"balance":   money.Format(w.Balance),
	})
}

func (h *Handlers) listTransactions(c *gin.Context) {
	a := actor.FromGin(c)
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	txns, err := h.service.History(c.Request.Context(), a, limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"transactions": txns, "count": len(txns)})
}
