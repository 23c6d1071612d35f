package estimate

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"

	"github.com/garagelink/garagelink/internal/actor"
	"github.com/garagelink/garagelink/internal/connection"
	"github.com/garagelink/garagelink/internal/request"
	"github.com/garagelink/garagelink/internal/validation"
)

// Handlers exposes the estimate negotiation HTTP API.
type Handlers struct {
	service *Service
}

func NewHandlers(service *Service) *Handlers {
	return &Handlers{service: service}
}

// RegisterRoutes registers estimate endpoints on an authenticated
// group.
func (h *Handlers) RegisterRoutes(rg *gin.RouterGroup) {
	rg.POST("/estimates", h.createDraft)
	rg.GET("/estimates/:id", h.get)
	rg.DELETE("/estimates/:id", h.delete)
	rg.POST("/estimates/:id/items", h.addItem)
	rg.PUT("/estimates/:id/items/:itemID", h.updateItem)
	rg.DELETE("/estimates/:id/items/:itemID", h.removeItem)
	rg.POST("/estimates/:id/send", h.send)
	rg.POST("/estimates/:id/approve", h.approve)
	rg.POST("/estimates/:id/reject", h.reject)
	rg.POST("/estimates/:id/resend", h.resend)
}

type createDraftRequest struct {
	ConnectionID   string `json:"connection_id" binding:"required"`
	Notes          string `json:"notes"`
	TaxRate        string `json:"tax_rate"`
	DiscountAmount string `json:"discount_amount"`
}

func (h *Handlers) createDraft(c *gin.Context) {
	var req createDraftRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
		return
	}
	taxRate, err := parseOptionalAmount(req.TaxRate)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "tax_rate is not a valid amount"})
		return
	}
	discount, err := parseOptionalAmount(req.DiscountAmount)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "discount_amount is not a valid amount"})
		return
	}
	e, err := h.service.CreateDraft(c.Request.Context(), actor.FromGin(c), req.ConnectionID, req.Notes, taxRate, discount)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, e)
}

func (h *Handlers) get(c *gin.Context) {
	e, items, err := h.service.Get(c.Request.Context(), actor.FromGin(c), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"estimate": e, "items": items})
}

func (h *Handlers) delete(c *gin.Context) {
	if err := h.service.Delete(c.Request.Context(), actor.FromGin(c), c.Param("id")); err != nil {
		respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

type itemRequest struct {
	Type        ItemType `json:"type" binding:"required"`
	Description string   `json:"description"`
	Quantity    int      `json:"quantity" binding:"required"`
	UnitPrice   string   `json:"unit_price" binding:"required"`
}

func (h *Handlers) bindItem(c *gin.Context) (ItemInput, bool) {
	var req itemRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
		return ItemInput{}, false
	}
	price, err := decimal.NewFromString(req.UnitPrice)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "unit_price is not a valid amount"})
		return ItemInput{}, false
	}
	return ItemInput{
		Type:        req.Type,
		Description: req.Description,
		Quantity:    req.Quantity,
		UnitPrice:   price.Round(2),
	}, true
}

func (h *Handlers) addItem(c *gin.Context) {
	in, ok := h.bindItem(c)
	if !ok {
		return
	}
	e, err := h.service.AddItem(c.Request.Context(), actor.FromGin(c), c.Param("id"), in)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, e)
}

func (h *Handlers) updateItem(c *gin.Context) {
	in, ok := h.bindItem(c)
	if !ok {
		return
	}
	e, err := h.service.UpdateItem(c.Request.Context(), actor.FromGin(c), c.Param("id"), c.Param("itemID"), in)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, e)
}

func (h *Handlers) removeItem(c *gin.Context) {
	e, err := h.service.RemoveItem(c.Request.Context(), actor.FromGin(c), c.Param("id"), c.Param("itemID"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, e)
}

func (h *Handlers) send(c *gin.Context) {
	e, err := h.service.Send(c.Request.Context(), actor.FromGin(c), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, e)
}

func (h *Handlers) approve(c *gin.Context) {
	e, err := h.service.Approve(c.Request.Context(), actor.FromGin(c), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, e)
}

func (h *Handlers) reject(c *gin.Context) {
	e, err := h.service.Reject(c.Request.Context(), actor.FromGin(c), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, e)
}

func (h *Handlers) resend(c *gin.Context) {
	e, err := h.service.Resend(c.Request.Context(), actor.FromGin(c), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, e)
}

func parseOptionalAmount(s string) (decimal.Decimal, error) {
	if s == "" {
		return decimal.Zero, nil
	}
	return decimal.NewFromString(s)
}

func respondError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, ErrNotFound), errors.Is(err, ErrItemNotFound),
		errors.Is(err, connection.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": err.Error()})
	case errors.Is(err, actor.ErrForbidden):
		c.JSON(http.StatusForbidden, gin.H{"error": "forbidden", "message": err.Error()})
	case errors.Is(err, validation.ErrValidation):
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
	case errors.Is(err, ErrActiveExists), errors.Is(err, ErrNotEditable),
		errors.Is(err, ErrNotSendable), errors.Is(err, ErrInvalidTransition),
		errors.Is(err, ErrEstimateExpired), errors.Is(err, ErrConnectionState):
		c.JSON(http.StatusConflict, request.ConflictBody(err))
	default:
		request.RespondError(c, err)
	}
}
