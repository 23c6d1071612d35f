// Package connection implements the workshop matching engine. A
// connection is a single user->workshop attempt for one service
// request; at most one per request may be live (REQUESTED or ACCEPTED)
// and at most three attempts are allowed per (request, workshop) pair.
package connection

import (
	"context"
	"errors"
	"time"

	"github.com/garagelink/garagelink/internal/actor"
	"github.com/garagelink/garagelink/internal/clock"
	"github.com/garagelink/garagelink/internal/idgen"
	"github.com/garagelink/garagelink/internal/logging"
	"github.com/garagelink/garagelink/internal/metrics"
	"github.com/garagelink/garagelink/internal/request"
	"github.com/garagelink/garagelink/internal/workshop"
)

var (
	ErrNotFound          = errors.New("connection not found")
	ErrActiveExists      = errors.New("an active connection already exists for this request")
	ErrAttemptCapReached = errors.New("connection attempt limit reached for this workshop")
	ErrInvalidTransition = errors.New("connection is not in a valid state for this operation")
	ErrServicePaid       = errors.New("cannot cancel after the service amount has been paid")
)

// MaxAttempts caps connection attempts per (request, workshop) pair.
const MaxAttempts = 3

// Status is a connection's lifecycle state.
type Status string

const (
	StatusRequested    Status = "REQUESTED"
	StatusAccepted     Status = "ACCEPTED"
	StatusRejected     Status = "REJECTED"
	StatusAutoRejected Status = "AUTO_REJECTED"
	StatusCancelled    Status = "CANCELLED"
	StatusWithdrawn    Status = "WITHDRAWN"
)

// Live reports whether the connection still occupies the request's
// single active slot.
func (s Status) Live() bool {
	return s == StatusRequested || s == StatusAccepted
}

// CancelledBy records which side cancelled an accepted connection.
type CancelledBy string

const (
	CancelledByUser     CancelledBy = "USER"
	CancelledByWorkshop CancelledBy = "WORKSHOP"
)

// Connection is one matching attempt.
type Connection struct {
	ID          string      `json:"id"`
	RequestID   string      `json:"service_request_id"`
	WorkshopID  string      `json:"workshop_id"`
	Status      Status      `json:"status"`
	CancelledBy CancelledBy `json:"cancelled_by,omitempty"`
	RequestedAt time.Time   `json:"requested_at"`
	RespondedAt *time.Time  `json:"responded_at,omitempty"`
}

// Store persists connections. Create must enforce the single-live-
// connection rule atomically; UpdateStatus is a conditional write.
type Store interface {
	// Create inserts a REQUESTED connection, failing with
	// ErrActiveExists if the request already has a live one.
	Create(ctx context.Context, c *Connection) error
	Get(ctx context.Context, id string) (*Connection, error)
	ListByRequest(ctx context.Context, requestID string) ([]*Connection, error)
	ListByWorkshop(ctx context.Context, workshopID string) ([]*Connection, error)
	CountAttempts(ctx context.Context, requestID, workshopID string) (int, error)
	// UpdateStatus moves id from from to to, stamping responded_at and
	// cancelled_by, and reports whether a row changed.
	UpdateStatus(ctx context.Context, id string, from, to Status, respondedAt time.Time, cancelledBy CancelledBy) (bool, error)
	// ListStaleRequested returns REQUESTED connections requested at or
	// before cutoff.
	ListStaleRequested(ctx context.Context, cutoff time.Time) ([]*Connection, error)
	HasConnections(ctx context.Context, requestID string) (bool, error)
	// EverEngaged reports whether any connection for the request ever
	// reached ACCEPTED (including ones since CANCELLED).
	EverEngaged(ctx context.Context, requestID string) (bool, error)
}

// RequestEngine is the slice of the request lifecycle this engine
// drives.
type RequestEngine interface {
	Get(ctx context.Context, id string) (*request.ServiceRequest, error)
	Transition(ctx context.Context, id string, from []request.Status, to request.Status) error
}

// Directory is the slice of the workshop directory this engine reads.
type Directory interface {
	RequireApproved(ctx context.Context, id string) (*workshop.Workshop, error)
	ByOwner(ctx context.Context, ownerID string) (*workshop.Workshop, error)
}

// ExecutionBinder creates and soft-resets the fulfillment record as
// connections are accepted and cancelled. Implemented by the execution
// engine.
type ExecutionBinder interface {
	BindAccepted(ctx context.Context, requestID, connectionID, workshopID, adminID string) error
	SoftReset(ctx context.Context, requestID string) error
}

// Service owns connection transitions.
type Service struct {
	store      Store
	requests   RequestEngine
	directory  Directory
	executions ExecutionBinder
	clock      clock.Clock
	ttl        time.Duration
}

func NewService(store Store, requests RequestEngine, directory Directory, clk clock.Clock, ttl time.Duration) *Service {
	return &Service{
		store:     store,
		requests:  requests,
		directory: directory,
		clock:     clk,
		ttl:       ttl,
	}
}

// SetExecutionBinder wires the execution engine in. Done at startup.
func (s *Service) SetExecutionBinder(b ExecutionBinder) { s.executions = b }

// Connect opens a REQUESTED connection from the actor's request to a
// workshop and moves the request to CONNECTING.
func (s *Service) Connect(ctx context.Context, a actor.Actor, requestID, workshopID string) (*Connection, error) {
	r, err := s.requests.Get(ctx, requestID)
	if err != nil {
		return nil, err
	}
	if !a.Owns(r.UserID) {
		return nil, actor.ErrForbidden
	}
	if r.Status == request.StatusExpired {
		return nil, request.Conflicted(request.ErrExpired, string(r.Status))
	}
	if !r.PlatformFeePaid {
		return nil, request.Conflicted(request.ErrFeeNotPaid, string(r.Status))
	}
	if _, err := s.directory.RequireApproved(ctx, workshopID); err != nil {
		return nil, err
	}
	attempts, err := s.store.CountAttempts(ctx, requestID, workshopID)
	if err != nil {
		return nil, err
	}
	if attempts >= MaxAttempts {
		return nil, ErrAttemptCapReached
	}

	c := &Connection{
		ID:          idgen.WithPrefix("conn_"),
		RequestID:   requestID,
		WorkshopID:  workshopID,
		Status:      StatusRequested,
		RequestedAt: s.clock.Now(),
	}
	if err := s.store.Create(ctx, c); err != nil {
		return nil, err
	}
	if err := s.requests.Transition(ctx, requestID,
		[]request.Status{request.StatusPlatformFeePaid}, request.StatusConnecting); err != nil {
		return nil, err
	}
	metrics.ConnectionTransitions.WithLabelValues("requested").Inc()
	logging.L(ctx).Info("connection requested",
		"connection_id", c.ID, "request_id", requestID, "workshop_id", workshopID)
	return c, nil
}

// Accept moves a REQUESTED connection to ACCEPTED, binds the execution
// record and moves the request to CONNECTED. Only the owning workshop
// may accept.
func (s *Service) Accept(ctx context.Context, a actor.Actor, connectionID string) (*Connection, error) {
	c, w, err := s.getForWorkshop(ctx, a, connectionID)
	if err != nil {
		return nil, err
	}
	applied, err := s.store.UpdateStatus(ctx, c.ID, StatusRequested, StatusAccepted, s.clock.Now(), "")
	if err != nil {
		return nil, err
	}
	if !applied {
		return nil, s.transitionConflict(ctx, c.ID)
	}
	if s.executions != nil {
		if err := s.executions.BindAccepted(ctx, c.RequestID, c.ID, w.ID, a.ID); err != nil {
			return nil, err
		}
	}
	if err := s.requests.Transition(ctx, c.RequestID,
		[]request.Status{request.StatusConnecting}, request.StatusConnected); err != nil {
		return nil, err
	}
	metrics.ConnectionTransitions.WithLabelValues("accepted").Inc()
	logging.L(ctx).Info("connection accepted", "connection_id", c.ID, "request_id", c.RequestID)
	return s.store.Get(ctx, c.ID)
}

// Reject moves a REQUESTED connection to REJECTED and frees the
// request for another attempt.
func (s *Service) Reject(ctx context.Context, a actor.Actor, connectionID string) (*Connection, error) {
	c, _, err := s.getForWorkshop(ctx, a, connectionID)
	if err != nil {
		return nil, err
	}
	return s.closeRequested(ctx, c, StatusRejected, "rejected")
}

// Withdraw lets the user pull back a still-REQUESTED connection.
func (s *Service) Withdraw(ctx context.Context, a actor.Actor, connectionID string) (*Connection, error) {
	c, err := s.getForUser(ctx, a, connectionID)
	if err != nil {
		return nil, err
	}
	return s.closeRequested(ctx, c, StatusWithdrawn, "withdrawn")
}

// CancelByUser cancels an ACCEPTED connection from the user side.
func (s *Service) CancelByUser(ctx context.Context, a actor.Actor, connectionID string) (*Connection, error) {
	c, err := s.getForUser(ctx, a, connectionID)
	if err != nil {
		return nil, err
	}
	return s.cancelAccepted(ctx, c, CancelledByUser)
}

// CancelByWorkshop cancels an ACCEPTED connection from the workshop
// side.
func (s *Service) CancelByWorkshop(ctx context.Context, a actor.Actor, connectionID string) (*Connection, error) {
	c, _, err := s.getForWorkshop(ctx, a, connectionID)
	if err != nil {
		return nil, err
	}
	return s.cancelAccepted(ctx, c, CancelledByWorkshop)
}

// Get returns a connection visible to the actor.
func (s *Service) Get(ctx context.Context, a actor.Actor, connectionID string) (*Connection, error) {
	c, err := s.store.Get(ctx, connectionID)
	if err != nil {
		return nil, err
	}
	if a.IsWorkshop() {
		w, err := s.directory.ByOwner(ctx, a.ID)
		if err != nil || w.ID != c.WorkshopID {
			return nil, ErrNotFound
		}
		return c, nil
	}
	r, err := s.requests.Get(ctx, c.RequestID)
	if err != nil {
		return nil, err
	}
	if !a.Owns(r.UserID) {
		return nil, ErrNotFound
	}
	return c, nil
}

// ListByRequest lists a request's connections for its owner,
// opportunistically auto-rejecting stale ones first.
func (s *Service) ListByRequest(ctx context.Context, a actor.Actor, requestID string) ([]*Connection, error) {
	r, err := s.requests.Get(ctx, requestID)
	if err != nil {
		return nil, err
	}
	if a.IsUser() && !a.Owns(r.UserID) {
		return nil, actor.ErrForbidden
	}
	if _, err := s.AutoRejectStale(ctx); err != nil {
		logging.L(ctx).Warn("opportunistic auto-reject failed", "error", err)
	}
	return s.store.ListByRequest(ctx, requestID)
}

// ListForWorkshop lists a workshop's inbound connections,
// opportunistically auto-rejecting stale ones first.
func (s *Service) ListForWorkshop(ctx context.Context, a actor.Actor) ([]*Connection, error) {
	w, err := s.directory.ByOwner(ctx, a.ID)
	if err != nil {
		return nil, err
	}
	if _, err := s.AutoRejectStale(ctx); err != nil {
		logging.L(ctx).Warn("opportunistic auto-reject failed", "error", err)
	}
	return s.store.ListByWorkshop(ctx, w.ID)
}

// AutoRejectStale force-rejects every REQUESTED connection older than
// the TTL. Run by the sweep and lazily by list reads; racing runs
// converge via the conditional update.
func (s *Service) AutoRejectStale(ctx context.Context) (int, error) {
	cutoff := s.clock.Now().Add(-s.ttl)
	stale, err := s.store.ListStaleRequested(ctx, cutoff)
	if err != nil {
		return 0, err
	}
	rejected := 0
	for _, c := range stale {
		applied, err := s.store.UpdateStatus(ctx, c.ID, StatusRequested, StatusAutoRejected, s.clock.Now(), "")
		if err != nil {
			logging.L(ctx).Error("auto-reject failed", "connection_id", c.ID, "error", err)
			continue
		}
		if !applied {
			continue
		}
		if err := s.requests.Transition(ctx, c.RequestID,
			[]request.Status{request.StatusConnecting}, request.StatusPlatformFeePaid); err != nil {
			logging.L(ctx).Error("request revert failed", "request_id", c.RequestID, "error", err)
		}
		metrics.ConnectionTransitions.WithLabelValues("auto_rejected").Inc()
		logging.L(ctx).Info("connection auto-rejected", "connection_id", c.ID, "request_id", c.RequestID)
		rejected++
	}
	return rejected, nil
}

// Lookup returns a connection without an actor check. For the other
// engines, which authorize against their own resources.
func (s *Service) Lookup(ctx context.Context, connectionID string) (*Connection, error) {
	return s.store.Get(ctx, connectionID)
}

// HasConnections implements request.ConnectionChecker.
func (s *Service) HasConnections(ctx context.Context, requestID string) (bool, error) {
	return s.store.HasConnections(ctx, requestID)
}

// EverEngaged reports whether a workshop ever actively engaged with
// the request. Used by refund eligibility.
func (s *Service) EverEngaged(ctx context.Context, requestID string) (bool, error) {
	return s.store.EverEngaged(ctx, requestID)
}

func (s *Service) getForUser(ctx context.Context, a actor.Actor, connectionID string) (*Connection, error) {
	c, err := s.store.Get(ctx, connectionID)
	if err != nil {
		return nil, err
	}
	r, err := s.requests.Get(ctx, c.RequestID)
	if err != nil {
		return nil, err
	}
	if !a.Owns(r.UserID) {
		return nil, actor.ErrForbidden
	}
	return c, nil
}

func (s *Service) getForWorkshop(ctx context.Context, a actor.Actor, connectionID string) (*Connection, *workshop.Workshop, error) {
	c, err := s.store.Get(ctx, connectionID)
	if err != nil {
		return nil, nil, err
	}
	w, err := s.directory.ByOwner(ctx, a.ID)
	if err != nil {
		return nil, nil, actor.ErrForbidden
	}
	if w.ID != c.WorkshopID {
		return nil, nil, actor.ErrForbidden
	}
	return c, w, nil
}

// transitionConflict rebuilds the conflict error with the connection's
// live status so the 409 body carries it.
func (s *Service) transitionConflict(ctx context.Context, id string) error {
	if c, err := s.store.Get(ctx, id); err == nil {
		return request.Conflicted(ErrInvalidTransition, string(c.Status))
	}
	return ErrInvalidTransition
}

func (s *Service) closeRequested(ctx context.Context, c *Connection, to Status, outcome string) (*Connection, error) {
	applied, err := s.store.UpdateStatus(ctx, c.ID, StatusRequested, to, s.clock.Now(), "")
	if err != nil {
		return nil, err
	}
	if !applied {
		return nil, s.transitionConflict(ctx, c.ID)
	}
	if err := s.requests.Transition(ctx, c.RequestID,
		[]request.Status{request.StatusConnecting}, request.StatusPlatformFeePaid); err != nil {
		return nil, err
	}
	metrics.ConnectionTransitions.WithLabelValues(outcome).Inc()
	logging.L(ctx).Info("connection closed", "connection_id", c.ID, "status", to)
	return s.store.Get(ctx, c.ID)
}

func (s *Service) cancelAccepted(ctx context.Context, c *Connection, by CancelledBy) (*Connection, error) {
	r, err := s.requests.Get(ctx, c.RequestID)
	if err != nil {
		return nil, err
	}
	if r.Status.MoneyCommitted() {
		return nil, request.Conflicted(ErrServicePaid, string(r.Status))
	}
	applied, err := s.store.UpdateStatus(ctx, c.ID, StatusAccepted, StatusCancelled, s.clock.Now(), by)
	if err != nil {
		return nil, err
	}
	if !applied {
		return nil, s.transitionConflict(ctx, c.ID)
	}
	if s.executions != nil {
		if err := s.executions.SoftReset(ctx, c.RequestID); err != nil {
			logging.L(ctx).Error("execution soft-reset failed", "request_id", c.RequestID, "error", err)
		}
	}
	if err := s.requests.Transition(ctx, c.RequestID,
		[]request.Status{request.StatusConnected, request.StatusEstimateShared}, request.StatusPlatformFeePaid); err != nil {
		return nil, err
	}
	metrics.ConnectionTransitions.WithLabelValues("cancelled").Inc()
	logging.L(ctx).Info("connection cancelled", "connection_id", c.ID, "by", by)
	return s.store.Get(ctx, c.ID)
}
