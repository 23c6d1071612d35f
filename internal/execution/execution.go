// Package execution implements the fulfillment engine: the record of
// a workshop actually performing an accepted job. It owns mechanic
// assignment, OTP-gated completion and the hand-off to escrow release.
package execution

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/garagelink/garagelink/internal/actor"
	"github.com/garagelink/garagelink/internal/clock"
	"github.com/garagelink/garagelink/internal/idgen"
	"github.com/garagelink/garagelink/internal/logging"
	"github.com/garagelink/garagelink/internal/metrics"
	"github.com/garagelink/garagelink/internal/request"
	"github.com/garagelink/garagelink/internal/validation"
	"github.com/garagelink/garagelink/internal/workshop"
)

var (
	ErrNotFound      = errors.New("service execution not found")
	ErrEscrowNotPaid = errors.New("service amount has not been escrowed")
	ErrOTPMismatch   = errors.New("otp code does not match")
	ErrCompleted     = errors.New("execution is already completed")
	ErrCancelled     = errors.New("execution has been cancelled")
	ErrMailFailed    = errors.New("otp email dispatch failed")
	ErrNoEstimate    = errors.New("no approved estimate bound to this execution")
)

// OTPLength is the completion code size.
const OTPLength = 6

// Execution is the fulfillment record for one accepted connection.
// The OTP code never leaves the server.
type Execution struct {
	ID              string          `json:"id"`
	RequestID       string          `json:"service_request_id"`
	ConnectionID    string          `json:"connection_id"`
	WorkshopID      string          `json:"workshop_id"`
	AssignedTo      string          `json:"assigned_to"`
	MechanicIDs     []string        `json:"mechanic_ids"`
	EstimateID      string          `json:"estimate_id,omitempty"`
	EstimateAmount  decimal.Decimal `json:"estimate_amount"`
	EscrowPaid      bool            `json:"escrow_paid"`
	EscrowPaymentID string          `json:"escrow_payment_id,omitempty"`
	OTPCode         string          `json:"-"`
	StartedAt       time.Time       `json:"started_at"`
	CompletedAt     *time.Time      `json:"completed_at,omitempty"`
	CancelledAt     *time.Time      `json:"cancelled_at,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
}

// Active reports whether the execution is still the request's live
// fulfillment record.
func (e *Execution) Active() bool { return e.CancelledAt == nil }

// State derives a coarse lifecycle label from the timestamps and the
// escrow flag. Conflict responses carry it so clients can resync.
func (e *Execution) State() string {
	switch {
	case e.CancelledAt != nil:
		return "CANCELLED"
	case e.CompletedAt != nil:
		return "COMPLETED"
	case e.EscrowPaid:
		return "ESCROW_PAID"
	default:
		return "AWAITING_ESCROW"
	}
}

// Store persists executions. MarkEscrowPaid and ConsumeOTP are
// conditional writes so webhook retries and racing verifications
// apply exactly once.
type Store interface {
	Create(ctx context.Context, e *Execution) error
	Get(ctx context.Context, id string) (*Execution, error)
	// GetActiveByRequest returns the execution for requestID with no
	// cancelled_at tombstone.
	GetActiveByRequest(ctx context.Context, requestID string) (*Execution, error)
	Update(ctx context.Context, e *Execution) error
	// MarkEscrowPaid flips escrow_paid false->true, reporting whether
	// it applied.
	MarkEscrowPaid(ctx context.Context, id, paymentRef string) (bool, error)
	// ConsumeOTP clears the code and stamps completed_at only if the
	// stored code equals code and the execution is not yet completed.
	ConsumeOTP(ctx context.Context, id, code string, at time.Time) (bool, error)
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

// MechanicPool flips mechanics between AVAILABLE and BUSY as they are
// attached to and detached from executions. Implemented by the
// workshop directory.
type MechanicPool interface {
	ClaimMechanic(ctx context.Context, workshopID, mechanicID string) error
	ReleaseMechanic(ctx context.Context, mechanicID string) error
}

// EscrowReleaser moves the escrowed amount to the workshop wallet.
// Implemented by the settlement engine.
type EscrowReleaser interface {
	ReleaseEscrow(ctx context.Context, requestID, workshopID string) error
}

// Mailer delivers the completion OTP to the request owner.
type Mailer interface {
	SendOTP(ctx context.Context, recipient, otp string) error
}

// Service owns execution lifecycle operations. Per-execution mutexes
// serialize OTP generation and verification against each other; all
// cross-process races resolve via the store's conditional writes.
type Service struct {
	store     Store
	requests  RequestEngine
	directory Directory
	mechanics MechanicPool
	mailer    Mailer
	escrow    EscrowReleaser
	clock     clock.Clock

	locks sync.Map // execution ID -> *sync.Mutex
}

func NewService(store Store, requests RequestEngine, directory Directory, mechanics MechanicPool, mailer Mailer, clk clock.Clock) *Service {
	return &Service{
		store:     store,
		requests:  requests,
		directory: directory,
		mechanics: mechanics,
		mailer:    mailer,
		clock:     clk,
	}
}

// SetEscrowReleaser wires the settlement engine in. Done at startup.
func (s *Service) SetEscrowReleaser(r EscrowReleaser) { s.escrow = r }

func (s *Service) lock(id string) *sync.Mutex {
	v, _ := s.locks.LoadOrStore(id, &sync.Mutex{})
	return v.(*sync.Mutex)
}

// BindAccepted creates (or refreshes) the execution when a connection
// is accepted. Implements the matching engine's ExecutionBinder.
func (s *Service) BindAccepted(ctx context.Context, requestID, connectionID, workshopID, adminID string) error {
	now := s.clock.Now()
	existing, err := s.store.GetActiveByRequest(ctx, requestID)
	if err == nil {
		// Re-accept of the same request: refresh the binding.
		existing.ConnectionID = connectionID
		existing.WorkshopID = workshopID
		existing.AssignedTo = adminID
		existing.UpdatedAt = now
		return s.store.Update(ctx, existing)
	}
	if !errors.Is(err, ErrNotFound) {
		return err
	}
	e := &Execution{
		ID:             idgen.WithPrefix("exec_"),
		RequestID:      requestID,
		ConnectionID:   connectionID,
		WorkshopID:     workshopID,
		AssignedTo:     adminID,
		EstimateAmount: decimal.Zero,
		StartedAt:      now,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := s.store.Create(ctx, e); err != nil {
		return err
	}
	logging.L(ctx).Info("execution bound", "execution_id", e.ID, "request_id", requestID)
	return nil
}

// SoftReset tombstones the active execution when its connection is
// cancelled: mechanics are freed, negotiated fields cleared and the
// record kept for history. Implements the matching engine's
// ExecutionBinder.
func (s *Service) SoftReset(ctx context.Context, requestID string) error {
	e, err := s.store.GetActiveByRequest(ctx, requestID)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	mu := s.lock(e.ID)
	mu.Lock()
	defer mu.Unlock()

	for _, mechID := range e.MechanicIDs {
		if relErr := s.mechanics.ReleaseMechanic(ctx, mechID); relErr != nil {
			logging.L(ctx).Error("mechanic release failed", "mechanic_id", mechID, "error", relErr)
		}
	}
	now := s.clock.Now()
	e.MechanicIDs = nil
	e.EstimateID = ""
	e.EstimateAmount = decimal.Zero
	e.OTPCode = ""
	e.CancelledAt = &now
	e.UpdatedAt = now
	if err := s.store.Update(ctx, e); err != nil {
		return err
	}
	logging.L(ctx).Info("execution soft-reset", "execution_id", e.ID, "request_id", requestID)
	return nil
}

// BindEstimate records the approved amount on the active execution.
// Implements the negotiation engine's ExecutionEstimator.
func (s *Service) BindEstimate(ctx context.Context, requestID, estimateID string, amount decimal.Decimal) error {
	e, err := s.store.GetActiveByRequest(ctx, requestID)
	if err != nil {
		return err
	}
	e.EstimateID = estimateID
	e.EstimateAmount = amount
	e.UpdatedAt = s.clock.Now()
	return s.store.Update(ctx, e)
}

// ApplyEscrowPaid flips the escrow flag and moves the request to
// SERVICE_AMOUNT_PAID. Called from the payment webhook; redelivery is
// a no-op success.
func (s *Service) ApplyEscrowPaid(ctx context.Context, requestID, paymentRef string) error {
	e, err := s.store.GetActiveByRequest(ctx, requestID)
	if err != nil {
		return err
	}
	applied, err := s.store.MarkEscrowPaid(ctx, e.ID, paymentRef)
	if err != nil {
		return err
	}
	if !applied {
		return nil
	}
	if err := s.requests.Transition(ctx, requestID,
		[]request.Status{request.StatusEstimateShared}, request.StatusServiceAmountPaid); err != nil {
		return err
	}
	logging.L(ctx).Info("escrow applied", "execution_id", e.ID, "request_id", requestID)
	return nil
}

// IsEscrowPaid reports whether the active execution has its service
// amount escrowed. Used by the payment engine before creating a
// second checkout.
func (s *Service) IsEscrowPaid(ctx context.Context, requestID string) (bool, error) {
	e, err := s.store.GetActiveByRequest(ctx, requestID)
	if err != nil {
		return false, err
	}
	return e.EscrowPaid, nil
}

// Get returns the active execution for a request, visible to either
// party.
func (s *Service) Get(ctx context.Context, a actor.Actor, requestID string) (*Execution, error) {
	e, err := s.store.GetActiveByRequest(ctx, requestID)
	if err != nil {
		return nil, err
	}
	if a.IsWorkshop() {
		w, err := s.directory.ByOwner(ctx, a.ID)
		if err != nil || w.ID != e.WorkshopID {
			return nil, ErrNotFound
		}
		return e, nil
	}
	r, err := s.requests.Get(ctx, requestID)
	if err != nil || !a.Owns(r.UserID) {
		return nil, ErrNotFound
	}
	return e, nil
}

// AssignMechanic attaches a mechanic to the execution, flipping them
// BUSY. Assigning an already-attached mechanic is a no-op.
func (s *Service) AssignMechanic(ctx context.Context, a actor.Actor, requestID, mechanicID string) (*Execution, error) {
	e, err := s.ownedActive(ctx, a, requestID)
	if err != nil {
		return nil, err
	}
	mu := s.lock(e.ID)
	mu.Lock()
	defer mu.Unlock()

	// Re-read under the lock; a racing assign may have attached first.
	e, err = s.store.GetActiveByRequest(ctx, requestID)
	if err != nil {
		return nil, err
	}
	for _, id := range e.MechanicIDs {
		if id == mechanicID {
			return e, nil
		}
	}
	if err := s.mechanics.ClaimMechanic(ctx, e.WorkshopID, mechanicID); err != nil {
		return nil, err
	}
	e.MechanicIDs = append(e.MechanicIDs, mechanicID)
	e.UpdatedAt = s.clock.Now()
	if err := s.store.Update(ctx, e); err != nil {
		// Free the mechanic again so a persist failure does not strand
		// them BUSY.
		if relErr := s.mechanics.ReleaseMechanic(ctx, mechanicID); relErr != nil {
			logging.L(ctx).Error("mechanic release after failed assign", "mechanic_id", mechanicID, "error", relErr)
		}
		return nil, err
	}
	// First assignment moves a paid request into IN_PROGRESS; earlier
	// states simply stay where they are.
	_ = s.requests.Transition(ctx, requestID,
		[]request.Status{request.StatusServiceAmountPaid}, request.StatusInProgress)
	logging.L(ctx).Info("mechanic assigned", "execution_id", e.ID, "mechanic_id", mechanicID)
	return e, nil
}

// RemoveMechanic detaches a mechanic, flipping them AVAILABLE.
func (s *Service) RemoveMechanic(ctx context.Context, a actor.Actor, requestID, mechanicID string) (*Execution, error) {
	e, err := s.ownedActive(ctx, a, requestID)
	if err != nil {
		return nil, err
	}
	mu := s.lock(e.ID)
	mu.Lock()
	defer mu.Unlock()

	e, err = s.store.GetActiveByRequest(ctx, requestID)
	if err != nil {
		return nil, err
	}
	kept := e.MechanicIDs[:0]
	found := false
	for _, id := range e.MechanicIDs {
		if id == mechanicID {
			found = true
			continue
		}
		kept = append(kept, id)
	}
	if !found {
		return e, nil
	}
	e.MechanicIDs = kept
	e.UpdatedAt = s.clock.Now()
	if err := s.store.Update(ctx, e); err != nil {
		return nil, err
	}
	if err := s.mechanics.ReleaseMechanic(ctx, mechanicID); err != nil {
		logging.L(ctx).Error("mechanic release failed", "mechanic_id", mechanicID, "error", err)
	}
	return e, nil
}

// GenerateOTP creates and emails the completion code to the request
// owner. Callable by the workshop admin or an assigned mechanic, only
// after escrow is paid. The code is never returned to the caller; if
// the email fails the stored code is rolled back so a retry starts
// clean.
func (s *Service) GenerateOTP(ctx context.Context, a actor.Actor, requestID string) error {
	e, err := s.store.GetActiveByRequest(ctx, requestID)
	if err != nil {
		return err
	}
	if !s.canOperate(ctx, a, e) {
		return actor.ErrForbidden
	}
	if e.CompletedAt != nil {
		return request.Conflicted(ErrCompleted, e.State())
	}
	if !e.EscrowPaid {
		return request.Conflicted(ErrEscrowNotPaid, e.State())
	}

	mu := s.lock(e.ID)
	mu.Lock()
	defer mu.Unlock()

	r, err := s.requests.Get(ctx, requestID)
	if err != nil {
		return err
	}
	prev := e.OTPCode
	e.OTPCode = idgen.Digits(OTPLength)
	e.UpdatedAt = s.clock.Now()
	if err := s.store.Update(ctx, e); err != nil {
		return err
	}
	if err := s.mailer.SendOTP(ctx, r.UserID, e.OTPCode); err != nil {
		// Roll the stored code back so the state matches what the user
		// actually received.
		e.OTPCode = prev
		if rbErr := s.store.Update(ctx, e); rbErr != nil {
			logging.L(ctx).Error("CRITICAL: otp rollback failed after mail error",
				"execution_id", e.ID, "error", rbErr)
		}
		logging.L(ctx).Error("otp mail failed", "execution_id", e.ID, "error", err)
		return ErrMailFailed
	}
	logging.L(ctx).Info("otp generated", "execution_id", e.ID, "request_id", requestID)
	return nil
}

// VerifyOTP completes the job: on an exact match it stamps
// completed_at, clears the single-use code, walks the request through
// COMPLETED to VERIFIED, releases the escrow to the workshop wallet
// and frees the mechanics. Only the request owner may verify.
func (s *Service) VerifyOTP(ctx context.Context, a actor.Actor, requestID, code string) (*Execution, error) {
	if len(code) != OTPLength {
		return nil, validation.Failf("otp", "must be %d digits", OTPLength)
	}
	e, err := s.store.GetActiveByRequest(ctx, requestID)
	if err != nil {
		return nil, err
	}
	r, err := s.requests.Get(ctx, requestID)
	if err != nil {
		return nil, err
	}
	if !a.Owns(r.UserID) {
		return nil, actor.ErrForbidden
	}

	mu := s.lock(e.ID)
	mu.Lock()
	defer mu.Unlock()

	now := s.clock.Now()
	// Conditional consume: the second of two racing verifications
	// finds the code already cleared and fails here.
	applied, err := s.store.ConsumeOTP(ctx, e.ID, code, now)
	if err != nil {
		return nil, err
	}
	if !applied {
		metrics.OTPVerifications.WithLabelValues("mismatch").Inc()
		return nil, ErrOTPMismatch
	}

	if err := s.requests.Transition(ctx, requestID,
		[]request.Status{request.StatusServiceAmountPaid, request.StatusInProgress}, request.StatusCompleted); err != nil {
		logging.L(ctx).Error("request completion transition failed", "request_id", requestID, "error", err)
	}
	if s.escrow != nil {
		if err := s.escrow.ReleaseEscrow(ctx, requestID, e.WorkshopID); err != nil {
			// Completion already persisted; the payout must be retried
			// out of band.
			logging.L(ctx).Error("CRITICAL: escrow release failed after completion",
				"execution_id", e.ID, "request_id", requestID, "error", err)
		}
	}
	if err := s.requests.Transition(ctx, requestID,
		[]request.Status{request.StatusCompleted}, request.StatusVerified); err != nil {
		logging.L(ctx).Error("request verify transition failed", "request_id", requestID, "error", err)
	}

	e, err = s.store.GetActiveByRequest(ctx, requestID)
	if err != nil {
		return nil, err
	}
	for _, mechID := range e.MechanicIDs {
		if relErr := s.mechanics.ReleaseMechanic(ctx, mechID); relErr != nil {
			logging.L(ctx).Error("mechanic release failed", "mechanic_id", mechID, "error", relErr)
		}
	}
	metrics.OTPVerifications.WithLabelValues("success").Inc()
	logging.L(ctx).Info("service completed", "execution_id", e.ID, "request_id", requestID)
	return e, nil
}

func (s *Service) ownedActive(ctx context.Context, a actor.Actor, requestID string) (*Execution, error) {
	e, err := s.store.GetActiveByRequest(ctx, requestID)
	if err != nil {
		return nil, err
	}
	w, err := s.directory.ByOwner(ctx, a.ID)
	if err != nil || w.ID != e.WorkshopID {
		return nil, actor.ErrForbidden
	}
	if e.CompletedAt != nil {
		return nil, request.Conflicted(ErrCompleted, e.State())
	}
	return e, nil
}

// canOperate allows the workshop owner and any assigned mechanic.
func (s *Service) canOperate(ctx context.Context, a actor.Actor, e *Execution) bool {
	if w, err := s.directory.ByOwner(ctx, a.ID); err == nil && w.ID == e.WorkshopID {
		return true
	}
	for _, id := range e.MechanicIDs {
		if id == a.ID {
			return true
		}
	}
	return false
}
