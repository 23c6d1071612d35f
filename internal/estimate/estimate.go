// Package estimate implements the quote negotiation engine. A
// workshop drafts a line-itemed estimate against its ACCEPTED
// connection, sends it, and the request owner approves or rejects.
// Approval feeds the execution's billed amount.
package estimate

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"github.com/garagelink/garagelink/internal/actor"
	"github.com/garagelink/garagelink/internal/clock"
	"github.com/garagelink/garagelink/internal/connection"
	"github.com/garagelink/garagelink/internal/idgen"
	"github.com/garagelink/garagelink/internal/logging"
	"github.com/garagelink/garagelink/internal/metrics"
	"github.com/garagelink/garagelink/internal/money"
	"github.com/garagelink/garagelink/internal/request"
	"github.com/garagelink/garagelink/internal/validation"
	"github.com/garagelink/garagelink/internal/workshop"
)

var (
	ErrNotFound          = errors.New("estimate not found")
	ErrItemNotFound      = errors.New("line item not found")
	ErrActiveExists      = errors.New("an active estimate already exists for this connection")
	ErrNotEditable       = errors.New("estimate can only be edited while DRAFT or REJECTED")
	ErrNotSendable       = errors.New("estimate needs at least one line item and a positive total")
	ErrInvalidTransition = errors.New("estimate is not in a valid state for this operation")
	ErrEstimateExpired   = errors.New("estimate has expired")
	ErrConnectionState   = errors.New("connection is not accepted")
)

// Status is an estimate's negotiation state.
type Status string

const (
	StatusDraft    Status = "DRAFT"
	StatusSent     Status = "SENT"
	StatusApproved Status = "APPROVED"
	StatusRejected Status = "REJECTED"
)

// Active reports whether the estimate occupies the connection's
// single active slot.
func (s Status) Active() bool { return s == StatusDraft || s == StatusSent }

// ItemType classifies a line item.
type ItemType string

const (
	ItemLabor ItemType = "LABOR"
	ItemParts ItemType = "PARTS"
	ItemOther ItemType = "OTHER"
)

// LineItem is one priced row on an estimate.
type LineItem struct {
	ID          string          `json:"id"`
	EstimateID  string          `json:"estimate_id"`
	Type        ItemType        `json:"type"`
	Description string          `json:"description"`
	Quantity    int             `json:"quantity"`
	UnitPrice   decimal.Decimal `json:"unit_price"`
	LineTotal   decimal.Decimal `json:"line_total"`
}

// Estimate is a priced quote for one accepted connection.
type Estimate struct {
	ID             string          `json:"id"`
	ConnectionID   string          `json:"connection_id"`
	RequestID      string          `json:"service_request_id"`
	WorkshopID     string          `json:"workshop_id"`
	Status         Status          `json:"status"`
	Subtotal       decimal.Decimal `json:"subtotal"`
	TaxRate        decimal.Decimal `json:"tax_rate"`
	TaxAmount      decimal.Decimal `json:"tax_amount"`
	DiscountAmount decimal.Decimal `json:"discount_amount"`
	TotalAmount    decimal.Decimal `json:"total_amount"`
	Notes          string          `json:"notes,omitempty"`
	ExpiresAt      *time.Time      `json:"expires_at,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

// Recompute rederives the money fields from items. Total never goes
// below zero; an oversized discount is clamped against at send time.
func (e *Estimate) Recompute(items []*LineItem) {
	subtotal := decimal.Zero
	for _, it := range items {
		subtotal = subtotal.Add(it.LineTotal)
	}
	e.Subtotal = subtotal
	e.TaxAmount = money.Tax(subtotal, e.TaxRate)
	e.TotalAmount = subtotal.Add(e.TaxAmount).Sub(e.DiscountAmount)
}

// Store persists estimates and their line items.
type Store interface {
	// Create inserts a DRAFT estimate, failing with ErrActiveExists if
	// the connection already has an active one.
	Create(ctx context.Context, e *Estimate) error
	Get(ctx context.Context, id string) (*Estimate, error)
	GetActiveByConnection(ctx context.Context, connectionID string) (*Estimate, error)
	ListByRequest(ctx context.Context, requestID string) ([]*Estimate, error)
	// Update rewrites the mutable fields (status, amounts, notes,
	// expiry).
	Update(ctx context.Context, e *Estimate) error
	// UpdateStatus is a conditional status flip.
	UpdateStatus(ctx context.Context, id string, from, to Status, expiresAt *time.Time) (bool, error)
	Delete(ctx context.Context, id string) error

	AddItem(ctx context.Context, item *LineItem) error
	UpdateItem(ctx context.Context, item *LineItem) error
	RemoveItem(ctx context.Context, estimateID, itemID string) error
	ListItems(ctx context.Context, estimateID string) ([]*LineItem, error)
}

// ConnectionEngine is the slice of the matching engine this one reads.
type ConnectionEngine interface {
	Lookup(ctx context.Context, connectionID string) (*connection.Connection, error)
}

// RequestEngine is the slice of the request lifecycle this engine
// drives.
type RequestEngine interface {
	Get(ctx context.Context, id string) (*request.ServiceRequest, error)
	Transition(ctx context.Context, id string, from []request.Status, to request.Status) error
}

// Directory resolves the acting workshop.
type Directory interface {
	ByOwner(ctx context.Context, ownerID string) (*workshop.Workshop, error)
}

// ExecutionEstimator binds the approved amount onto the fulfillment
// record. Implemented by the execution engine.
type ExecutionEstimator interface {
	BindEstimate(ctx context.Context, requestID, estimateID string, amount decimal.Decimal) error
}

// Service owns estimate negotiation.
type Service struct {
	store       Store
	connections ConnectionEngine
	requests    RequestEngine
	directory   Directory
	executions  ExecutionEstimator
	clock       clock.Clock
	ttl         time.Duration
}

func NewService(store Store, conns ConnectionEngine, requests RequestEngine, directory Directory, clk clock.Clock, ttl time.Duration) *Service {
	return &Service{
		store:       store,
		connections: conns,
		requests:    requests,
		directory:   directory,
		clock:       clk,
		ttl:         ttl,
	}
}

// SetExecutionEstimator wires the execution engine in. Done at
// startup.
func (s *Service) SetExecutionEstimator(e ExecutionEstimator) { s.executions = e }

// CreateDraft opens a DRAFT estimate on the workshop's accepted
// connection.
func (s *Service) CreateDraft(ctx context.Context, a actor.Actor, connectionID, notes string, taxRate, discount decimal.Decimal) (*Estimate, error) {
	conn, err := s.ownedAcceptedConnection(ctx, a, connectionID)
	if err != nil {
		return nil, err
	}
	if taxRate.IsNegative() || discount.IsNegative() {
		return nil, validation.Failf("tax_rate/discount_amount", "must not be negative")
	}
	now := s.clock.Now()
	e := &Estimate{
		ID:             idgen.WithPrefix("est_"),
		ConnectionID:   conn.ID,
		RequestID:      conn.RequestID,
		WorkshopID:     conn.WorkshopID,
		Status:         StatusDraft,
		TaxRate:        taxRate,
		DiscountAmount: discount,
		Notes:          notes,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	e.Recompute(nil)
	if err := s.store.Create(ctx, e); err != nil {
		return nil, err
	}
	logging.L(ctx).Info("estimate drafted", "estimate_id", e.ID, "connection_id", conn.ID)
	return e, nil
}

// ItemInput is one line item's user-supplied fields.
type ItemInput struct {
	Type        ItemType
	Description string
	Quantity    int
	UnitPrice   decimal.Decimal
}

func (in ItemInput) validate() error {
	if err := validation.OneOf("type", string(in.Type), string(ItemLabor), string(ItemParts), string(ItemOther)); err != nil {
		return err
	}
	if in.Quantity <= 0 {
		return validation.Failf("quantity", "must be positive")
	}
	if in.UnitPrice.IsNegative() {
		return validation.Failf("unit_price", "must not be negative")
	}
	return nil
}

// AddItem appends a line item. Editing a REJECTED estimate moves it
// back to DRAFT.
func (s *Service) AddItem(ctx context.Context, a actor.Actor, estimateID string, in ItemInput) (*Estimate, error) {
	e, err := s.editable(ctx, a, estimateID)
	if err != nil {
		return nil, err
	}
	if err := in.validate(); err != nil {
		return nil, err
	}
	item := &LineItem{
		ID:          idgen.WithPrefix("li_"),
		EstimateID:  e.ID,
		Type:        in.Type,
		Description: in.Description,
		Quantity:    in.Quantity,
		UnitPrice:   in.UnitPrice,
		LineTotal:   in.UnitPrice.Mul(decimal.NewFromInt(int64(in.Quantity))).Round(2),
	}
	if err := s.store.AddItem(ctx, item); err != nil {
		return nil, err
	}
	return s.recomputeAndSave(ctx, e)
}

// UpdateItem edits an existing line item.
func (s *Service) UpdateItem(ctx context.Context, a actor.Actor, estimateID, itemID string, in ItemInput) (*Estimate, error) {
	e, err := s.editable(ctx, a, estimateID)
	if err != nil {
		return nil, err
	}
	if err := in.validate(); err != nil {
		return nil, err
	}
	items, err := s.store.ListItems(ctx, e.ID)
	if err != nil {
		return nil, err
	}
	var target *LineItem
	for _, it := range items {
		if it.ID == itemID {
			target = it
			break
		}
	}
	if target == nil {
		return nil, ErrItemNotFound
	}
	target.Type = in.Type
	target.Description = in.Description
	target.Quantity = in.Quantity
	target.UnitPrice = in.UnitPrice
	target.LineTotal = in.UnitPrice.Mul(decimal.NewFromInt(int64(in.Quantity))).Round(2)
	if err := s.store.UpdateItem(ctx, target); err != nil {
		return nil, err
	}
	return s.recomputeAndSave(ctx, e)
}

// RemoveItem deletes a line item.
func (s *Service) RemoveItem(ctx context.Context, a actor.Actor, estimateID, itemID string) (*Estimate, error) {
	e, err := s.editable(ctx, a, estimateID)
	if err != nil {
		return nil, err
	}
	if err := s.store.RemoveItem(ctx, e.ID, itemID); err != nil {
		return nil, err
	}
	return s.recomputeAndSave(ctx, e)
}

// Send shares a DRAFT estimate with the request owner and moves the
// request to ESTIMATE_SHARED.
func (s *Service) Send(ctx context.Context, a actor.Actor, estimateID string) (*Estimate, error) {
	e, err := s.ownedEstimate(ctx, a, estimateID)
	if err != nil {
		return nil, err
	}
	if e.Status != StatusDraft {
		return nil, request.Conflicted(ErrInvalidTransition, string(e.Status))
	}
	items, err := s.store.ListItems(ctx, e.ID)
	if err != nil {
		return nil, err
	}
	e.Recompute(items)
	if len(items) == 0 || !e.TotalAmount.IsPositive() {
		return nil, ErrNotSendable
	}
	expires := s.clock.Now().Add(s.ttl)
	e.Status = StatusSent
	e.ExpiresAt = &expires
	e.UpdatedAt = s.clock.Now()
	if err := s.store.Update(ctx, e); err != nil {
		return nil, err
	}
	if err := s.requests.Transition(ctx, e.RequestID,
		[]request.Status{request.StatusConnected, request.StatusEstimateShared}, request.StatusEstimateShared); err != nil {
		return nil, err
	}
	metrics.EstimateTransitions.WithLabelValues("sent").Inc()
	logging.L(ctx).Info("estimate sent", "estimate_id", e.ID, "total", money.Format(e.TotalAmount))
	return e, nil
}

// Approve accepts a SENT estimate on behalf of the request owner and
// binds the amount onto the execution.
func (s *Service) Approve(ctx context.Context, a actor.Actor, estimateID string) (*Estimate, error) {
	e, err := s.forRequestOwner(ctx, a, estimateID)
	if err != nil {
		return nil, err
	}
	if e.Status != StatusSent {
		return nil, request.Conflicted(ErrInvalidTransition, string(e.Status))
	}
	if e.ExpiresAt != nil && !e.ExpiresAt.After(s.clock.Now()) {
		return nil, request.Conflicted(ErrEstimateExpired, string(e.Status))
	}
	applied, err := s.store.UpdateStatus(ctx, e.ID, StatusSent, StatusApproved, e.ExpiresAt)
	if err != nil {
		return nil, err
	}
	if !applied {
		return nil, s.transitionConflict(ctx, e.ID)
	}
	if s.executions != nil {
		if err := s.executions.BindEstimate(ctx, e.RequestID, e.ID, e.TotalAmount); err != nil {
			return nil, err
		}
	}
	metrics.EstimateTransitions.WithLabelValues("approved").Inc()
	logging.L(ctx).Info("estimate approved", "estimate_id", e.ID, "amount", money.Format(e.TotalAmount))
	return s.store.Get(ctx, e.ID)
}

// Reject declines a SENT estimate; the workshop may edit and resend.
func (s *Service) Reject(ctx context.Context, a actor.Actor, estimateID string) (*Estimate, error) {
	e, err := s.forRequestOwner(ctx, a, estimateID)
	if err != nil {
		return nil, err
	}
	applied, err := s.store.UpdateStatus(ctx, e.ID, StatusSent, StatusRejected, e.ExpiresAt)
	if err != nil {
		return nil, err
	}
	if !applied {
		return nil, s.transitionConflict(ctx, e.ID)
	}
	metrics.EstimateTransitions.WithLabelValues("rejected").Inc()
	logging.L(ctx).Info("estimate rejected", "estimate_id", e.ID)
	return s.store.Get(ctx, e.ID)
}

// Resend re-sends a REJECTED estimate with a fresh expiry.
func (s *Service) Resend(ctx context.Context, a actor.Actor, estimateID string) (*Estimate, error) {
	e, err := s.ownedEstimate(ctx, a, estimateID)
	if err != nil {
		return nil, err
	}
	if e.Status != StatusRejected {
		return nil, request.Conflicted(ErrInvalidTransition, string(e.Status))
	}
	if err := s.requireSlotFree(ctx, e); err != nil {
		return nil, err
	}
	items, err := s.store.ListItems(ctx, e.ID)
	if err != nil {
		return nil, err
	}
	e.Recompute(items)
	if len(items) == 0 || !e.TotalAmount.IsPositive() {
		return nil, ErrNotSendable
	}
	expires := s.clock.Now().Add(s.ttl)
	applied, err := s.store.UpdateStatus(ctx, e.ID, StatusRejected, StatusSent, &expires)
	if err != nil {
		return nil, err
	}
	if !applied {
		return nil, s.transitionConflict(ctx, e.ID)
	}
	metrics.EstimateTransitions.WithLabelValues("resent").Inc()
	return s.store.Get(ctx, e.ID)
}

// Delete removes a DRAFT estimate.
func (s *Service) Delete(ctx context.Context, a actor.Actor, estimateID string) error {
	e, err := s.ownedEstimate(ctx, a, estimateID)
	if err != nil {
		return err
	}
	if e.Status != StatusDraft {
		return request.Conflicted(ErrInvalidTransition, string(e.Status))
	}
	return s.store.Delete(ctx, e.ID)
}

// Get returns an estimate with its items for either party.
func (s *Service) Get(ctx context.Context, a actor.Actor, estimateID string) (*Estimate, []*LineItem, error) {
	e, err := s.store.Get(ctx, estimateID)
	if err != nil {
		return nil, nil, err
	}
	if a.IsWorkshop() {
		w, err := s.directory.ByOwner(ctx, a.ID)
		if err != nil || w.ID != e.WorkshopID {
			return nil, nil, ErrNotFound
		}
	} else {
		r, err := s.requests.Get(ctx, e.RequestID)
		if err != nil || !a.Owns(r.UserID) {
			return nil, nil, ErrNotFound
		}
	}
	items, err := s.store.ListItems(ctx, e.ID)
	if err != nil {
		return nil, nil, err
	}
	return e, items, nil
}

// Approved returns the APPROVED estimate for a request, if any. Used
// by the payment engine to price the escrow checkout. An approval
// stranded by a cancelled connection does not count; only an estimate
// whose connection is still ACCEPTED may be paid.
func (s *Service) Approved(ctx context.Context, requestID string) (*Estimate, error) {
	list, err := s.store.ListByRequest(ctx, requestID)
	if err != nil {
		return nil, err
	}
	for _, e := range list {
		if e.Status != StatusApproved {
			continue
		}
		conn, err := s.connections.Lookup(ctx, e.ConnectionID)
		if err != nil {
			return nil, err
		}
		if conn.Status == connection.StatusAccepted {
			return e, nil
		}
	}
	return nil, ErrNotFound
}

func (s *Service) ownedAcceptedConnection(ctx context.Context, a actor.Actor, connectionID string) (*connection.Connection, error) {
	conn, err := s.connections.Lookup(ctx, connectionID)
	if err != nil {
		return nil, err
	}
	w, err := s.directory.ByOwner(ctx, a.ID)
	if err != nil || w.ID != conn.WorkshopID {
		return nil, actor.ErrForbidden
	}
	if conn.Status != connection.StatusAccepted {
		return nil, request.Conflicted(ErrConnectionState, string(conn.Status))
	}
	return conn, nil
}

func (s *Service) ownedEstimate(ctx context.Context, a actor.Actor, estimateID string) (*Estimate, error) {
	e, err := s.store.Get(ctx, estimateID)
	if err != nil {
		return nil, err
	}
	w, err := s.directory.ByOwner(ctx, a.ID)
	if err != nil || w.ID != e.WorkshopID {
		return nil, actor.ErrForbidden
	}
	return e, nil
}

func (s *Service) forRequestOwner(ctx context.Context, a actor.Actor, estimateID string) (*Estimate, error) {
	e, err := s.store.Get(ctx, estimateID)
	if err != nil {
		return nil, err
	}
	r, err := s.requests.Get(ctx, e.RequestID)
	if err != nil {
		return nil, err
	}
	if !a.Owns(r.UserID) {
		return nil, actor.ErrForbidden
	}
	return e, nil
}

// editable loads an estimate for edit, flipping REJECTED back to
// DRAFT. The flip re-claims the connection's single active slot, so a
// newer draft opened after the rejection blocks it.
func (s *Service) editable(ctx context.Context, a actor.Actor, estimateID string) (*Estimate, error) {
	e, err := s.ownedEstimate(ctx, a, estimateID)
	if err != nil {
		return nil, err
	}
	switch e.Status {
	case StatusDraft:
	case StatusRejected:
		if err := s.requireSlotFree(ctx, e); err != nil {
			return nil, err
		}
		if _, err := s.store.UpdateStatus(ctx, e.ID, StatusRejected, StatusDraft, e.ExpiresAt); err != nil {
			return nil, err
		}
		e.Status = StatusDraft
	default:
		return nil, request.Conflicted(ErrNotEditable, string(e.Status))
	}
	return e, nil
}

// transitionConflict rebuilds the conflict error with the estimate's
// live status so the 409 body carries it.
func (s *Service) transitionConflict(ctx context.Context, id string) error {
	if e, err := s.store.Get(ctx, id); err == nil {
		return request.Conflicted(ErrInvalidTransition, string(e.Status))
	}
	return ErrInvalidTransition
}

// requireSlotFree fails with ErrActiveExists if another estimate holds
// the connection's active slot.
func (s *Service) requireSlotFree(ctx context.Context, e *Estimate) error {
	active, err := s.store.GetActiveByConnection(ctx, e.ConnectionID)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if active.ID != e.ID {
		return request.Conflicted(ErrActiveExists, string(e.Status))
	}
	return nil
}

func (s *Service) recomputeAndSave(ctx context.Context, e *Estimate) (*Estimate, error) {
	items, err := s.store.ListItems(ctx, e.ID)
	if err != nil {
		return nil, err
	}
	e.Recompute(items)
	e.UpdatedAt = s.clock.Now()
	if err := s.store.Update(ctx, e); err != nil {
		return nil, err
	}
	return e, nil
}
