// Package request implements the ServiceRequest lifecycle. A request
// moves CREATED -> PLATFORM_FEE_PAID -> CONNECTING -> CONNECTED ->
// ESTIMATE_SHARED -> SERVICE_AMOUNT_PAID -> IN_PROGRESS -> COMPLETED
// -> VERIFIED, with EXPIRED and CANCELLED reachable from any
// non-terminal state. The other engines drive the transitions; this
// package owns the status guards and the expiry policy.
package request

import (
	"context"
	"errors"
	"time"

	"github.com/garagelink/garagelink/internal/actor"
	"github.com/garagelink/garagelink/internal/clock"
	"github.com/garagelink/garagelink/internal/idgen"
	"github.com/garagelink/garagelink/internal/logging"
	"github.com/garagelink/garagelink/internal/metrics"
	"github.com/garagelink/garagelink/internal/validation"
)

var (
	ErrNotFound      = errors.New("service request not found")
	ErrConflict      = errors.New("service request is not in a valid state for this operation")
	ErrExpired       = errors.New("service request has expired")
	ErrNotDeletable  = errors.New("service request can no longer be deleted")
	ErrFeeNotPaid    = errors.New("platform fee has not been paid")
	ErrAlreadyExists = errors.New("service request already exists")
)

// StateConflict decorates a conflict sentinel with the entity's
// current status, so 409 responses tell the caller what to resync to.
// errors.Is still matches the wrapped sentinel.
type StateConflict struct {
	Err     error
	Current string
}

func (e *StateConflict) Error() string { return e.Err.Error() }
func (e *StateConflict) Unwrap() error { return e.Err }

// Conflicted tags a conflict sentinel with the current status. All the
// lifecycle engines use it so their 409s carry state.
func Conflicted(err error, current string) error {
	if current == "" {
		return err
	}
	return &StateConflict{Err: err, Current: current}
}

// Status is the lifecycle state of a ServiceRequest.
type Status string

const (
	StatusCreated           Status = "CREATED"
	StatusPlatformFeePaid   Status = "PLATFORM_FEE_PAID"
	StatusConnecting        Status = "CONNECTING"
	StatusConnected         Status = "CONNECTED"
	StatusEstimateShared    Status = "ESTIMATE_SHARED"
	StatusServiceAmountPaid Status = "SERVICE_AMOUNT_PAID"
	StatusInProgress        Status = "IN_PROGRESS"
	StatusCompleted         Status = "COMPLETED"
	StatusVerified          Status = "VERIFIED"
	StatusExpired           Status = "EXPIRED"
	StatusCancelled         Status = "CANCELLED"
)

// IsTerminal reports whether no further transitions are possible.
func (s Status) IsTerminal() bool {
	return s == StatusVerified || s == StatusExpired || s == StatusCancelled
}

// Expirable statuses are the only ones the sweep may force to EXPIRED.
func (s Status) Expirable() bool {
	return s == StatusCreated || s == StatusPlatformFeePaid || s == StatusConnecting
}

// MoneyCommitted reports whether the service amount has been escrowed,
// after which connection cancellation is forbidden.
func (s Status) MoneyCommitted() bool {
	switch s {
	case StatusServiceAmountPaid, StatusInProgress, StatusCompleted, StatusVerified:
		return true
	}
	return false
}

// ServiceRequest is one customer job.
type ServiceRequest struct {
	ID               string     `json:"id"`
	UserID           string     `json:"user_id"`
	VehicleInfo      string     `json:"vehicle_info"`
	IssueDescription string     `json:"issue_description"`
	Latitude         float64    `json:"latitude"`
	Longitude        float64    `json:"longitude"`
	Status           Status     `json:"status"`
	PlatformFeePaid  bool       `json:"platform_fee_paid"`
	FeePaymentID     string     `json:"fee_payment_id,omitempty"`
	ExpiresAt        *time.Time `json:"expires_at,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
	UpdatedAt        time.Time  `json:"updated_at"`
}

// Store persists service requests. UpdateStatus and MarkFeePaid are
// conditional writes reporting whether they applied, so racing callers
// converge without locks.
type Store interface {
	Create(ctx context.Context, r *ServiceRequest) error
	Get(ctx context.Context, id string) (*ServiceRequest, error)
	ListByUser(ctx context.Context, userID string) ([]*ServiceRequest, error)
	// ListExpirable returns requests in an expirable status whose
	// expires_at is at or before now.
	ListExpirable(ctx context.Context, now time.Time) ([]*ServiceRequest, error)
	// UpdateStatus moves id from one of the given statuses to to,
	// reporting whether a row changed.
	UpdateStatus(ctx context.Context, id string, from []Status, to Status) (bool, error)
	// MarkFeePaid flips platform_fee_paid false->true, records the
	// payment reference and sets the extended expiry. It reports false
	// without error when the fee was already paid.
	MarkFeePaid(ctx context.Context, id, paymentRef string, newExpiry time.Time) (bool, error)
	Delete(ctx context.Context, id string) error
}

// ConnectionChecker reports whether any connection was ever created
// for a request. Implemented by the matching engine's store.
type ConnectionChecker interface {
	HasConnections(ctx context.Context, requestID string) (bool, error)
}

// RefundHook is invoked after a request is expired so the settlement
// engine can evaluate platform-fee refund eligibility.
type RefundHook func(ctx context.Context, requestID string)

// Service owns request lifecycle operations.
type Service struct {
	store       Store
	clock       clock.Clock
	graceWindow time.Duration
	paidWindow  time.Duration

	connChecker ConnectionChecker
	refundHook  RefundHook
}

func NewService(store Store, clk clock.Clock, graceWindow, paidWindow time.Duration) *Service {
	return &Service{
		store:       store,
		clock:       clk,
		graceWindow: graceWindow,
		paidWindow:  paidWindow,
	}
}

// SetConnectionChecker wires the matching engine's store in. Done at
// startup, before traffic.
func (s *Service) SetConnectionChecker(c ConnectionChecker) { s.connChecker = c }

// SetRefundHook wires the settlement engine's refund check in.
func (s *Service) SetRefundHook(h RefundHook) { s.refundHook = h }

// CreateInput is the user-supplied part of a new request.
type CreateInput struct {
	VehicleInfo      string
	IssueDescription string
	Latitude         float64
	Longitude        float64
}

// Create opens a new request with a short grace expiry.
func (s *Service) Create(ctx context.Context, a actor.Actor, in CreateInput) (*ServiceRequest, error) {
	if !a.IsUser() {
		return nil, actor.ErrForbidden
	}
	if err := validation.Required("issue_description", in.IssueDescription); err != nil {
		return nil, err
	}
	if err := validation.MaxLen("issue_description", in.IssueDescription, 2000); err != nil {
		return nil, err
	}
	now := s.clock.Now()
	expires := now.Add(s.graceWindow)
	r := &ServiceRequest{
		ID:               idgen.WithPrefix("req_"),
		UserID:           a.ID,
		VehicleInfo:      in.VehicleInfo,
		IssueDescription: in.IssueDescription,
		Latitude:         in.Latitude,
		Longitude:        in.Longitude,
		Status:           StatusCreated,
		ExpiresAt:        &expires,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if err := s.store.Create(ctx, r); err != nil {
		return nil, err
	}
	metrics.RequestsCreated.Inc()
	logging.L(ctx).Info("service request created", "request_id", r.ID, "user_id", a.ID)
	return r, nil
}

// Get returns a request, lazily expiring it first if it is stale. The
// caller sees the post-expiry state, never a stale non-terminal one.
func (s *Service) Get(ctx context.Context, id string) (*ServiceRequest, error) {
	r, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if s.isStale(r) {
		if applied, expErr := s.expireOne(ctx, r.ID, "lazy"); expErr == nil && applied {
			return s.store.Get(ctx, id)
		}
	}
	return r, nil
}

// GetOwned returns a request after checking the actor owns it.
func (s *Service) GetOwned(ctx context.Context, a actor.Actor, id string) (*ServiceRequest, error) {
	r, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if a.IsUser() && !a.Owns(r.UserID) {
		return nil, actor.ErrForbidden
	}
	return r, nil
}

// ListByUser lists the actor's requests, lazily expiring stale ones.
func (s *Service) ListByUser(ctx context.Context, a actor.Actor) ([]*ServiceRequest, error) {
	list, err := s.store.ListByUser(ctx, a.ID)
	if err != nil {
		return nil, err
	}
	for i, r := range list {
		if s.isStale(r) {
			if applied, expErr := s.expireOne(ctx, r.ID, "lazy"); expErr == nil && applied {
				if fresh, gErr := s.store.Get(ctx, r.ID); gErr == nil {
					list[i] = fresh
				}
			}
		}
	}
	return list, nil
}

// Delete removes a request. Only the owner may delete, and only while
// the fee is unpaid and no connection was ever opened.
func (s *Service) Delete(ctx context.Context, a actor.Actor, id string) error {
	r, err := s.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if !a.Owns(r.UserID) {
		return actor.ErrForbidden
	}
	if r.PlatformFeePaid {
		return Conflicted(ErrNotDeletable, string(r.Status))
	}
	if s.connChecker != nil {
		has, err := s.connChecker.HasConnections(ctx, id)
		if err != nil {
			return err
		}
		if has {
			return Conflicted(ErrNotDeletable, string(r.Status))
		}
	}
	return s.store.Delete(ctx, id)
}

// MarkFeePaid applies the PLATFORM_FEE payment: flips the paid flag,
// extends expires_at once and moves CREATED to PLATFORM_FEE_PAID.
// Redelivered webhooks are a no-op success.
func (s *Service) MarkFeePaid(ctx context.Context, id, paymentRef string) error {
	r, err := s.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if r.Status == StatusExpired {
		return Conflicted(ErrExpired, string(r.Status))
	}
	newExpiry := s.clock.Now().Add(s.paidWindow)
	applied, err := s.store.MarkFeePaid(ctx, id, paymentRef, newExpiry)
	if err != nil {
		return err
	}
	if !applied {
		// Already paid, idempotent against webhook redelivery.
		return nil
	}
	if _, err := s.store.UpdateStatus(ctx, id, []Status{StatusCreated}, StatusPlatformFeePaid); err != nil {
		return err
	}
	logging.L(ctx).Info("platform fee applied", "request_id", id, "payment_ref", paymentRef)
	return nil
}

// Transition moves a request between lifecycle states on behalf of the
// other engines. It returns ErrConflict when the current status is not
// one of from.
func (s *Service) Transition(ctx context.Context, id string, from []Status, to Status) error {
	applied, err := s.store.UpdateStatus(ctx, id, from, to)
	if err != nil {
		return err
	}
	if !applied {
		// Converge silently if another writer already got us there.
		r, gErr := s.store.Get(ctx, id)
		if gErr == nil {
			if r.Status == to {
				return nil
			}
			return Conflicted(ErrConflict, string(r.Status))
		}
		return ErrConflict
	}
	return nil
}

// ExpireStale forces every stale request to EXPIRED and fires the
// refund hook for each. Used by the periodic sweep; safe to run
// concurrently with itself and with lazy expiry.
func (s *Service) ExpireStale(ctx context.Context) (int, error) {
	stale, err := s.store.ListExpirable(ctx, s.clock.Now())
	if err != nil {
		return 0, err
	}
	expired := 0
	for _, r := range stale {
		applied, err := s.expireOne(ctx, r.ID, "sweep")
		if err != nil {
			logging.L(ctx).Error("expire failed", "request_id", r.ID, "error", err)
			continue
		}
		if applied {
			expired++
		}
	}
	return expired, nil
}

func (s *Service) isStale(r *ServiceRequest) bool {
	return r.Status.Expirable() && r.ExpiresAt != nil && !r.ExpiresAt.After(s.clock.Now())
}

func (s *Service) expireOne(ctx context.Context, id, source string) (bool, error) {
	applied, err := s.store.UpdateStatus(ctx, id,
		[]Status{StatusCreated, StatusPlatformFeePaid, StatusConnecting}, StatusExpired)
	if err != nil {
		return false, err
	}
	if !applied {
		return false, nil
	}
	metrics.RequestsExpired.WithLabelValues(source).Inc()
	logging.L(ctx).Info("service request expired", "request_id", id, "source", source)
	if s.refundHook != nil {
		s.refundHook(ctx, id)
	}
	return true, nil
}
