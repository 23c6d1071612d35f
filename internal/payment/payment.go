// Package payment records gateway payments and settles money
// movements: the platform fee, the escrowed service amount and wallet
// top-ups. It talks to the rest of the system only through narrow
// interfaces so the webhook handler stays decoupled from the
// lifecycle engines.
package payment

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"github.com/garagelink/garagelink/internal/actor"
	"github.com/garagelink/garagelink/internal/clock"
	"github.com/garagelink/garagelink/internal/idgen"
	"github.com/garagelink/garagelink/internal/logging"
	"github.com/garagelink/garagelink/internal/metrics"
	"github.com/garagelink/garagelink/internal/request"
	"github.com/garagelink/garagelink/internal/validation"
	"github.com/garagelink/garagelink/internal/wallet"
)

var (
	ErrNotFound          = errors.New("payment not found")
	ErrDuplicateCheckout = errors.New("checkout id already recorded")
	ErrFeeAlreadyPaid    = errors.New("platform fee already paid")
	ErrEscrowAlreadyPaid = errors.New("service amount already escrowed")
	ErrNoApprovedAmount  = errors.New("no approved estimate to pay for")
	ErrRequestExpired    = errors.New("service request has expired")
)

// Type tags what a payment is for.
type Type string

const (
	TypePlatformFee   Type = "PLATFORM_FEE"
	TypeServiceEscrow Type = "SERVICE_ESCROW"
	TypeWalletTopup   Type = "WALLET_TOPUP"
)

// Status is a payment's gateway state.
type Status string

const (
	StatusPending   Status = "PENDING"
	StatusCompleted Status = "COMPLETED"
	StatusFailed    Status = "FAILED"
	StatusRefunded  Status = "REFUNDED"
)

// Payment is one gateway transaction record.
type Payment struct {
	ID             string          `json:"id"`
	UserID         string          `json:"user_id"`
	RequestID      string          `json:"service_request_id,omitempty"`
	Amount         decimal.Decimal `json:"amount"`
	Currency       string          `json:"currency"`
	CheckoutID     string          `json:"checkout_id"`
	IntentID       string          `json:"intent_id,omitempty"`
	Type           Type            `json:"type"`
	Status         Status          `json:"status"`
	IsRefunded     bool            `json:"is_refunded"`
	EscrowReleased bool            `json:"escrow_released"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

// Store persists payments. The Mark* methods are conditional writes
// so webhook redelivery, double refunds and double releases all apply
// exactly once.
type Store interface {
	Create(ctx context.Context, p *Payment) error
	Get(ctx context.Context, id string) (*Payment, error)
	GetByCheckoutID(ctx context.Context, checkoutID string) (*Payment, error)
	// GetCompletedByRequest returns the COMPLETED (or later REFUNDED)
	// payment of the given type for a request.
	GetCompletedByRequest(ctx context.Context, requestID string, t Type) (*Payment, error)
	ListByUser(ctx context.Context, userID string) ([]*Payment, error)
	// MarkCompleted flips PENDING -> COMPLETED by checkout id.
	MarkCompleted(ctx context.Context, checkoutID, intentID string) (bool, error)
	// MarkRefunded flips is_refunded false -> true and the status to
	// REFUNDED.
	MarkRefunded(ctx context.Context, id string) (bool, error)
	// MarkEscrowReleased flips escrow_released false -> true.
	MarkEscrowReleased(ctx context.Context, id string) (bool, error)
}

// RequestInfo is the slice of a service request this engine needs.
// Status is the raw lifecycle label, echoed back in conflict
// responses.
type RequestInfo struct {
	ID      string
	OwnerID string
	Status  string
	FeePaid bool
	Expired bool
}

// RequestSource resolves requests. Adapted from the request engine.
type RequestSource interface {
	RequestInfo(ctx context.Context, id string) (*RequestInfo, error)
}

// FeeApplier applies a completed platform fee to the request
// lifecycle. Implemented by the request engine.
type FeeApplier interface {
	MarkFeePaid(ctx context.Context, requestID, paymentRef string) error
}

// EstimateInfo is the approved amount for a request.
type EstimateInfo struct {
	ID     string
	Amount decimal.Decimal
}

// EstimateSource resolves the approved estimate for a request.
// Adapted from the negotiation engine.
type EstimateSource interface {
	ApprovedEstimate(ctx context.Context, requestID string) (*EstimateInfo, error)
}

// ExecutionEngine applies escrow payments to the fulfillment record.
// Implemented by the execution engine.
type ExecutionEngine interface {
	ApplyEscrowPaid(ctx context.Context, requestID, paymentRef string) error
	IsEscrowPaid(ctx context.Context, requestID string) (bool, error)
}

// EngagementChecker reports whether a workshop ever actively engaged
// a request. Implemented by the matching engine.
type EngagementChecker interface {
	EverEngaged(ctx context.Context, requestID string) (bool, error)
}

// Ledger is the wallet slice this engine settles into.
type Ledger interface {
	Credit(ctx context.Context, ownerID string, role actor.Role, amount decimal.Decimal, reason, reference string) error
	Debit(ctx context.Context, ownerID string, amount decimal.Decimal, reason, reference string) error
}

// OwnerResolver maps a workshop to its wallet owner.
type OwnerResolver interface {
	WorkshopOwner(ctx context.Context, workshopID string) (string, error)
}

// Config is the payment engine's pricing knobs.
type Config struct {
	FeeAmount  decimal.Decimal
	Currency   string
	SuccessURL string
	CancelURL  string
}

// Service owns payment creation, webhook application and settlement.
type Service struct {
	store      Store
	gateway    Gateway
	ledger     Ledger
	requests   RequestSource
	fees       FeeApplier
	estimates  EstimateSource
	executions ExecutionEngine
	engagement EngagementChecker
	owners     OwnerResolver
	clock      clock.Clock
	cfg        Config
}

// Deps bundles the collaborators wired in by the server.
type Deps struct {
	Store      Store
	Gateway    Gateway
	Ledger     Ledger
	Requests   RequestSource
	Fees       FeeApplier
	Estimates  EstimateSource
	Executions ExecutionEngine
	Engagement EngagementChecker
	Owners     OwnerResolver
}

func NewService(d Deps, clk clock.Clock, cfg Config) *Service {
	return &Service{
		store:      d.Store,
		gateway:    d.Gateway,
		ledger:     d.Ledger,
		requests:   d.Requests,
		fees:       d.Fees,
		estimates:  d.Estimates,
		executions: d.Executions,
		engagement: d.Engagement,
		owners:     d.Owners,
		clock:      clk,
		cfg:        cfg,
	}
}

// CreatePlatformFeeCheckout opens a gateway checkout for the matching
// fee on the actor's request.
func (s *Service) CreatePlatformFeeCheckout(ctx context.Context, a actor.Actor, requestID string) (*CheckoutSession, error) {
	info, err := s.requests.RequestInfo(ctx, requestID)
	if err != nil {
		return nil, err
	}
	if !a.Owns(info.OwnerID) {
		return nil, actor.ErrForbidden
	}
	if info.Expired {
		return nil, request.Conflicted(ErrRequestExpired, info.Status)
	}
	if info.FeePaid {
		return nil, request.Conflicted(ErrFeeAlreadyPaid, info.Status)
	}
	return s.createCheckout(ctx, a.ID, requestID, TypePlatformFee, s.cfg.FeeAmount, "Platform matching fee")
}

// CreateEscrowCheckout opens a gateway checkout for the approved
// estimate amount.
func (s *Service) CreateEscrowCheckout(ctx context.Context, a actor.Actor, requestID string) (*CheckoutSession, error) {
	info, err := s.requests.RequestInfo(ctx, requestID)
	if err != nil {
		return nil, err
	}
	if !a.Owns(info.OwnerID) {
		return nil, actor.ErrForbidden
	}
	est, err := s.estimates.ApprovedEstimate(ctx, requestID)
	if err != nil {
		return nil, ErrNoApprovedAmount
	}
	if !est.Amount.IsPositive() {
		return nil, ErrNoApprovedAmount
	}
	paid, err := s.executions.IsEscrowPaid(ctx, requestID)
	if err != nil {
		return nil, err
	}
	if paid {
		return nil, request.Conflicted(ErrEscrowAlreadyPaid, info.Status)
	}
	return s.createCheckout(ctx, a.ID, requestID, TypeServiceEscrow, est.Amount, "Service amount (held in escrow)")
}

// CreateTopupCheckout opens a gateway checkout crediting the actor's
// wallet on completion.
func (s *Service) CreateTopupCheckout(ctx context.Context, a actor.Actor, amount decimal.Decimal) (*CheckoutSession, error) {
	if !amount.IsPositive() {
		return nil, validation.Failf("amount", "must be positive")
	}
	return s.createCheckout(ctx, a.ID, "", TypeWalletTopup, amount, "Wallet top-up")
}

func (s *Service) createCheckout(ctx context.Context, userID, requestID string, t Type, amount decimal.Decimal, label string) (*CheckoutSession, error) {
	meta := map[string]string{
		"user_id":      userID,
		"payment_type": string(t),
	}
	if requestID != "" {
		meta["service_request_id"] = requestID
	}
	session, err := s.gateway.CreateCheckout(ctx, CheckoutParams{
		Amount:      amount,
		Currency:    s.cfg.Currency,
		Description: label,
		Metadata:    meta,
		SuccessURL:  s.cfg.SuccessURL,
		CancelURL:   s.cfg.CancelURL,
	})
	if err != nil {
		return nil, err
	}
	now := s.clock.Now()
	p := &Payment{
		ID:         idgen.WithPrefix("pay_"),
		UserID:     userID,
		RequestID:  requestID,
		Amount:     amount,
		Currency:   s.cfg.Currency,
		CheckoutID: session.ID,
		Type:       t,
		Status:     StatusPending,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := s.store.Create(ctx, p); err != nil {
		return nil, err
	}
	logging.L(ctx).Info("checkout created",
		"payment_id", p.ID, "type", t, "amount", amount.StringFixed(2))
	return session, nil
}

// HandleCheckoutCompleted applies a verified checkout.session.completed
// event. Redelivery is a no-op success: the conditional COMPLETED flip
// is the idempotency key.
func (s *Service) HandleCheckoutCompleted(ctx context.Context, ev *WebhookEvent) error {
	p, err := s.store.GetByCheckoutID(ctx, ev.CheckoutID)
	if err != nil {
		return err
	}
	applied, err := s.store.MarkCompleted(ctx, ev.CheckoutID, ev.IntentID)
	if err != nil {
		return err
	}
	if !applied {
		logging.L(ctx).Info("webhook redelivery ignored", "checkout_id", ev.CheckoutID)
		return nil
	}
	metrics.PaymentsCompleted.WithLabelValues(string(p.Type)).Inc()
	logging.L(ctx).Info("payment completed",
		"payment_id", p.ID, "type", p.Type, "checkout_id", ev.CheckoutID)

	switch p.Type {
	case TypePlatformFee:
		return s.fees.MarkFeePaid(ctx, p.RequestID, p.ID)
	case TypeServiceEscrow:
		return s.executions.ApplyEscrowPaid(ctx, p.RequestID, p.ID)
	case TypeWalletTopup:
		return s.ledger.Credit(ctx, p.UserID, actor.RoleUser, p.Amount, wallet.ReasonTopup, p.ID)
	}
	return nil
}

// PayPlatformFeeFromWallet settles the fee synchronously from the
// actor's wallet balance instead of the gateway.
func (s *Service) PayPlatformFeeFromWallet(ctx context.Context, a actor.Actor, requestID string) (*Payment, error) {
	info, err := s.requests.RequestInfo(ctx, requestID)
	if err != nil {
		return nil, err
	}
	if !a.Owns(info.OwnerID) {
		return nil, actor.ErrForbidden
	}
	if info.Expired {
		return nil, request.Conflicted(ErrRequestExpired, info.Status)
	}
	if info.FeePaid {
		return nil, request.Conflicted(ErrFeeAlreadyPaid, info.Status)
	}

	now := s.clock.Now()
	p := &Payment{
		ID:         idgen.WithPrefix("pay_"),
		UserID:     a.ID,
		RequestID:  requestID,
		Amount:     s.cfg.FeeAmount,
		Currency:   s.cfg.Currency,
		CheckoutID: "wallet_" + idgen.WithPrefix(""),
		Type:       TypePlatformFee,
		Status:     StatusCompleted,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := s.ledger.Debit(ctx, a.ID, s.cfg.FeeAmount, wallet.ReasonFeePayment, p.ID); err != nil {
		return nil, err
	}
	if err := s.store.Create(ctx, p); err != nil {
		// Give the money back; the fee was never applied.
		if credErr := s.ledger.Credit(ctx, a.ID, a.Role, s.cfg.FeeAmount, wallet.ReasonFeeRefund, p.ID); credErr != nil {
			logging.L(ctx).Error("CRITICAL: wallet compensation failed",
				"payment_id", p.ID, "error", credErr)
		}
		return nil, err
	}
	if err := s.fees.MarkFeePaid(ctx, requestID, p.ID); err != nil {
		if credErr := s.ledger.Credit(ctx, a.ID, a.Role, s.cfg.FeeAmount, wallet.ReasonFeeRefund, p.ID); credErr != nil {
			logging.L(ctx).Error("CRITICAL: wallet compensation failed",
				"payment_id", p.ID, "error", credErr)
		}
		return nil, err
	}
	metrics.PaymentsCompleted.WithLabelValues(string(TypePlatformFee)).Inc()
	return p, nil
}

// ListByUser lists the actor's payments.
func (s *Service) ListByUser(ctx context.Context, a actor.Actor) ([]*Payment, error) {
	return s.store.ListByUser(ctx, a.ID)
}

// RefundPlatformFee evaluates refund eligibility for an expired
// request: the fee must be paid and no workshop may ever have engaged.
// Safe to call repeatedly; the wallet is credited at most once.
func (s *Service) RefundPlatformFee(ctx context.Context, requestID string) error {
	p, err := s.store.GetCompletedByRequest(ctx, requestID, TypePlatformFee)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	engaged, err := s.engagement.EverEngaged(ctx, requestID)
	if err != nil {
		return err
	}
	if engaged {
		return nil
	}
	applied, err := s.store.MarkRefunded(ctx, p.ID)
	if err != nil {
		return err
	}
	if !applied {
		// Already refunded.
		return nil
	}
	if err := s.ledger.Credit(ctx, p.UserID, actor.RoleUser, p.Amount, wallet.ReasonFeeRefund, p.ID); err != nil {
		// The flag is already flipped; this credit must be replayed
		// out of band.
		logging.L(ctx).Error("CRITICAL: refund credit failed after flag flip",
			"payment_id", p.ID, "user_id", p.UserID, "error", err)
		return err
	}
	metrics.PaymentsRefunded.Inc()
	logging.L(ctx).Info("platform fee refunded",
		"payment_id", p.ID, "request_id", requestID, "amount", p.Amount.StringFixed(2))
	return nil
}

// ReleaseEscrow moves the escrowed service amount to the workshop
// owner's wallet, at most once per payment. Implements the execution
// engine's EscrowReleaser.
func (s *Service) ReleaseEscrow(ctx context.Context, requestID, workshopID string) error {
	p, err := s.store.GetCompletedByRequest(ctx, requestID, TypeServiceEscrow)
	if err != nil {
		return err
	}
	ownerID, err := s.owners.WorkshopOwner(ctx, workshopID)
	if err != nil {
		return err
	}
	applied, err := s.store.MarkEscrowReleased(ctx, p.ID)
	if err != nil {
		return err
	}
	if !applied {
		// Already released.
		return nil
	}
	if err := s.ledger.Credit(ctx, ownerID, actor.RoleWorkshop, p.Amount, wallet.ReasonEscrowRelease, p.ID); err != nil {
		logging.L(ctx).Error("CRITICAL: escrow payout failed after flag flip",
			"payment_id", p.ID, "workshop_id", workshopID, "error", err)
		return err
	}
	metrics.EscrowReleases.Inc()
	logging.L(ctx).Info("escrow released",
		"payment_id", p.ID, "request_id", requestID, "amount", p.Amount.StringFixed(2))
	return nil
}
