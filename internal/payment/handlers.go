package payment

import (
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"

	"github.com/garagelink/garagelink/internal/actor"
	"github.com/garagelink/garagelink/internal/logging"
	"github.com/garagelink/garagelink/internal/request"
	"github.com/garagelink/garagelink/internal/wallet"
)

// Handlers exposes the payment HTTP API.
type Handlers struct {
	service *Service
	gateway Gateway
}

func NewHandlers(service *Service, gateway Gateway) *Handlers {
	return &Handlers{service: service, gateway: gateway}
}

// RegisterRoutes registers payment endpoints on an authenticated
// group.
func (h *Handlers) RegisterRoutes(rg *gin.RouterGroup) {
	rg.POST("/payments/platform-fee", h.createPlatformFee)
	rg.POST("/payments/platform-fee/wallet", h.payPlatformFeeFromWallet)
	rg.POST("/payments/escrow", h.createEscrow)
	rg.POST("/payments/topup", h.createTopup)
	rg.GET("/payments", h.list)
}

// RegisterWebhook registers the gateway callback outside the
// authenticated group; Stripe signs it instead.
func (h *Handlers) RegisterWebhook(r gin.IRouter) {
	r.POST("/webhooks/stripe", h.webhook)
}

type feeCheckoutRequest struct {
	RequestID string `json:"service_request_id" binding:"required"`
}

func (h *Handlers) createPlatformFee(c *gin.Context) {
	var req feeCheckoutRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
		return
	}
	session, err := h.service.CreatePlatformFeeCheckout(c.Request.Context(), actor.FromGin(c), req.RequestID)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, session)
}

func (h *Handlers) payPlatformFeeFromWallet(c *gin.Context) {
	var req feeCheckoutRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
		return
	}
	p, err := h.service.PayPlatformFeeFromWallet(c.Request.Context(), actor.FromGin(c), req.RequestID)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, p)
}

func (h *Handlers) createEscrow(c *gin.Context) {
	var req feeCheckoutRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
		return
	}
	session, err := h.service.CreateEscrowCheckout(c.Request.Context(), actor.FromGin(c), req.RequestID)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, session)
}

type topupRequest struct {
	Amount string `json:"amount" binding:"required"`
}

func (h *Handlers) createTopup(c *gin.Context) {
	var req topupRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
		return
	}
	amount, err := decimal.NewFromString(req.Amount)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "amount must be a decimal string"})
		return
	}
	session, err := h.service.CreateTopupCheckout(c.Request.Context(), actor.FromGin(c), amount)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, session)
}

func (h *Handlers) list(c *gin.Context) {
	payments, err := h.service.ListByUser(c.Request.Context(), actor.FromGin(c))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"payments": payments})
}

func (h *Handlers) webhook(c *gin.Context) {
	payload, err := io.ReadAll(c.Request.Body)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "unreadable body"})
		return
	}
	ev, err := h.gateway.VerifyWebhook(payload, c.GetHeader("Stripe-Signature"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_signature", "message": err.Error()})
		return
	}
	if ev == nil {
		// Event type we do not handle.
		c.JSON(http.StatusOK, gin.H{"received": true})
		return
	}
	if err := h.service.HandleCheckoutCompleted(c.Request.Context(), ev); err != nil {
		// Non-2xx makes Stripe redeliver; the completion flip keeps
		// the retry safe.
		logging.L(c.Request.Context()).Error("webhook apply failed",
			"checkout_id", ev.CheckoutID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "apply_failed", "message": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"received": true})
}

func respondError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": err.Error()})
	case errors.Is(err, ErrFeeAlreadyPaid), errors.Is(err, ErrEscrowAlreadyPaid),
		errors.Is(err, ErrDuplicateCheckout), errors.Is(err, ErrRequestExpired):
		c.JSON(http.StatusConflict, request.ConflictBody(err))
	case errors.Is(err, ErrNoApprovedAmount):
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "no_approved_estimate", "message": err.Error()})
	case errors.Is(err, wallet.ErrInsufficientFunds), errors.Is(err, wallet.ErrNotFound):
		c.JSON(http.StatusPaymentRequired, gin.H{"error": "insufficient_funds", "message": err.Error()})
	default:
		request.RespondError(c, err)
	}
}
