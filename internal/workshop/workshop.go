// Package workshop manages the workshop directory and its mechanics.
// Only APPROVED workshops are discoverable and may receive
// connections; mechanics flip between AVAILABLE and BUSY as they are
// assigned to and released from executions.
package workshop

import (
	"context"
	"errors"
	"math"
	"sort"
	"time"

	"github.com/garagelink/garagelink/internal/actor"
	"github.com/garagelink/garagelink/internal/clock"
	"github.com/garagelink/garagelink/internal/idgen"
	"github.com/garagelink/garagelink/internal/logging"
	"github.com/garagelink/garagelink/internal/validation"
)

var (
	ErrNotFound         = errors.New("workshop not found")
	ErrMechanicNotFound = errors.New("mechanic not found")
	ErrNotApproved      = errors.New("workshop is not approved")
	ErrMechanicBusy     = errors.New("mechanic is not available")
)

// VerificationStatus is the admin approval state of a workshop.
type VerificationStatus string

const (
	VerificationPending  VerificationStatus = "PENDING"
	VerificationApproved VerificationStatus = "APPROVED"
	VerificationRejected VerificationStatus = "REJECTED"
)

// MechanicStatus is a mechanic's assignment availability.
type MechanicStatus string

const (
	MechanicAvailable MechanicStatus = "AVAILABLE"
	MechanicBusy      MechanicStatus = "BUSY"
)

// NearbyRadiusKm bounds workshop discovery around the user's location.
const NearbyRadiusKm = 20.0

// Workshop is a registered repair shop.
type Workshop struct {
	ID           string             `json:"id"`
	OwnerID      string             `json:"owner_id"`
	Name         string             `json:"name"`
	Address      string             `json:"address"`
	Latitude     float64            `json:"latitude"`
	Longitude    float64            `json:"longitude"`
	Verification VerificationStatus `json:"verification_status"`
	CreatedAt    time.Time          `json:"created_at"`
	UpdatedAt    time.Time          `json:"updated_at"`
}

// Mechanic works for a single workshop.
type Mechanic struct {
	ID         string         `json:"id"`
	WorkshopID string         `json:"workshop_id"`
	Name       string         `json:"name"`
	Status     MechanicStatus `json:"status"`
	CreatedAt  time.Time      `json:"created_at"`
	UpdatedAt  time.Time      `json:"updated_at"`
}

// Store persists workshops and mechanics.
type Store interface {
	CreateWorkshop(ctx context.Context, w *Workshop) error
	GetWorkshop(ctx context.Context, id string) (*Workshop, error)
	GetWorkshopByOwner(ctx context.Context, ownerID string) (*Workshop, error)
	UpdateWorkshop(ctx context.Context, w *Workshop) error
	ListApproved(ctx context.Context) ([]*Workshop, error)

	CreateMechanic(ctx context.Context, m *Mechanic) error
	GetMechanic(ctx context.Context, id string) (*Mechanic, error)
	ListMechanics(ctx context.Context, workshopID string) ([]*Mechanic, error)
	// SetMechanicStatus flips from -> to and reports whether the row
	// actually changed.
	SetMechanicStatus(ctx context.Context, id string, from, to MechanicStatus) (bool, error)
}

// NearbyResult is a discoverable workshop with its distance from the
// query point.
type NearbyResult struct {
	Workshop   *Workshop `json:"workshop"`
	DistanceKm float64   `json:"distance_km"`
}

// Service exposes directory operations.
type Service struct {
	store Store
	clock clock.Clock
}

func NewService(store Store, clk clock.Clock) *Service {
	return &Service{store: store, clock: clk}
}

// Register creates a PENDING workshop for the acting owner.
func (s *Service) Register(ctx context.Context, a actor.Actor, name, address string, lat, lng float64) (*Workshop, error) {
	if err := validation.Required("name", name); err != nil {
		return nil, err
	}
	if lat < -90 || lat > 90 || lng < -180 || lng > 180 {
		return nil, validation.Failf("location", "is out of range")
	}
	now := s.clock.Now()
	w := &Workshop{
		ID:           idgen.WithPrefix("ws_"),
		OwnerID:      a.ID,
		Name:         name,
		Address:      address,
		Latitude:     lat,
		Longitude:    lng,
		Verification: VerificationPending,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := s.store.CreateWorkshop(ctx, w); err != nil {
		return nil, err
	}
	logging.L(ctx).Info("workshop registered", "workshop_id", w.ID, "owner_id", a.ID)
	return w, nil
}

// Get returns a workshop by ID.
func (s *Service) Get(ctx context.Context, id string) (*Workshop, error) {
	return s.store.GetWorkshop(ctx, id)
}

// ByOwner returns the workshop belonging to ownerID.
func (s *Service) ByOwner(ctx context.Context, ownerID string) (*Workshop, error) {
	return s.store.GetWorkshopByOwner(ctx, ownerID)
}

// SetVerification is the admin approval switch.
func (s *Service) SetVerification(ctx context.Context, a actor.Actor, id string, status VerificationStatus) (*Workshop, error) {
	if a.Role != actor.RoleAdmin {
		return nil, actor.ErrForbidden
	}
	w, err := s.store.GetWorkshop(ctx, id)
	if err != nil {
		return nil, err
	}
	w.Verification = status
	w.UpdatedAt = s.clock.Now()
	if err := s.store.UpdateWorkshop(ctx, w); err != nil {
		return nil, err
	}
	logging.L(ctx).Info("workshop verification updated", "workshop_id", id, "status", status)
	return w, nil
}

// RequireApproved returns the workshop only if it is APPROVED.
func (s *Service) RequireApproved(ctx context.Context, id string) (*Workshop, error) {
	w, err := s.store.GetWorkshop(ctx, id)
	if err != nil {
		return nil, err
	}
	if w.Verification != VerificationApproved {
		return nil, ErrNotApproved
	}
	return w, nil
}

// Nearby lists APPROVED workshops within NearbyRadiusKm of the point,
// closest first.
func (s *Service) Nearby(ctx context.Context, lat, lng float64) ([]*NearbyResult, error) {
	approved, err := s.store.ListApproved(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]*NearbyResult, 0, len(approved))
	for _, w := range approved {
		d := haversineKm(lat, lng, w.Latitude, w.Longitude)
		if d <= NearbyRadiusKm {
			out = append(out, &NearbyResult{Workshop: w, DistanceKm: math.Round(d*100) / 100})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DistanceKm < out[j].DistanceKm })
	return out, nil
}

// AddMechanic registers an AVAILABLE mechanic under the actor's
// workshop.
func (s *Service) AddMechanic(ctx context.Context, a actor.Actor, workshopID, name string) (*Mechanic, error) {
	if err := validation.Required("name", name); err != nil {
		return nil, err
	}
	w, err := s.store.GetWorkshop(ctx, workshopID)
	if err != nil {
		return nil, err
	}
	if !a.Owns(w.OwnerID) {
		return nil, actor.ErrForbidden
	}
	now := s.clock.Now()
	m := &Mechanic{
		ID:         idgen.WithPrefix("mech_"),
		WorkshopID: workshopID,
		Name:       name,
		Status:     MechanicAvailable,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := s.store.CreateMechanic(ctx, m); err != nil {
		return nil, err
	}
	return m, nil
}

// Mechanics lists a workshop's mechanics.
func (s *Service) Mechanics(ctx context.Context, workshopID string) ([]*Mechanic, error) {
	if _, err := s.store.GetWorkshop(ctx, workshopID); err != nil {
		return nil, err
	}
	return s.store.ListMechanics(ctx, workshopID)
}

// ClaimMechanic flips a mechanic from AVAILABLE to BUSY for an
// assignment. It verifies the mechanic belongs to workshopID.
func (s *Service) ClaimMechanic(ctx context.Context, workshopID, mechanicID string) error {
	m, err := s.store.GetMechanic(ctx, mechanicID)
	if err != nil {
		return err
	}
	if m.WorkshopID != workshopID {
		return ErrMechanicNotFound
	}
	flipped, err := s.store.SetMechanicStatus(ctx, mechanicID, MechanicAvailable, MechanicBusy)
	if err != nil {
		return err
	}
	if !flipped {
		return ErrMechanicBusy
	}
	return nil
}

// ReleaseMechanic flips a mechanic back to AVAILABLE. Releasing an
// already-available mechanic is a no-op.
func (s *Service) ReleaseMechanic(ctx context.Context, mechanicID string) error {
	_, err := s.store.SetMechanicStatus(ctx, mechanicID, MechanicBusy, MechanicAvailable)
	return err
}

// haversineKm computes great-circle distance between two points.
func haversineKm(lat1, lng1, lat2, lng2 float64) float64 {
	const earthRadiusKm = 6371.0
	rad := func(deg float64) float64 { return deg * math.Pi / 180 }

	dLat := rad(lat2 - lat1)
	dLng := rad(lng2 - lng1)
	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(rad(lat1))*math.Cos(rad(lat2))*math.Sin(dLng/2)*math.Sin(dLng/2)
	return earthRadiusKm * 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
}
