package workshop

import (
	"context"
	"sync"

	"github.com/garagelink/garagelink/internal/clock"
)

// MemoryStore is an in-memory Store for development and tests.
type MemoryStore struct {
	mu        sync.RWMutex
	workshops map[string]*Workshop
	byOwner   map[string]string // owner ID -> workshop ID
	mechanics map[string]*Mechanic
	clock     clock.Clock
}

func NewMemoryStore(clk clock.Clock) *MemoryStore {
	return &MemoryStore{
		workshops: make(map[string]*Workshop),
		byOwner:   make(map[string]string),
		mechanics: make(map[string]*Mechanic),
		clock:     clk,
	}
}

func (m *MemoryStore) CreateWorkshop(ctx context.Context, w *Workshop) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *w
	m.workshops[w.ID] = &cp
	m.byOwner[w.OwnerID] = w.ID
	return nil
}

func (m *MemoryStore) GetWorkshop(ctx context.Context, id string) (*Workshop, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	w, ok := m.workshops[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *w
	return &cp, nil
}

func (m *MemoryStore) GetWorkshopByOwner(ctx context.Context, ownerID string) (*Workshop, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.byOwner[ownerID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *m.workshops[id]
	return &cp, nil
}

func (m *MemoryStore) UpdateWorkshop(ctx context.Context, w *Workshop) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.workshops[w.ID]; !ok {
		return ErrNotFound
	}
	cp := *w
	m.workshops[w.ID] = &cp
	return nil
}

func (m *MemoryStore) ListApproved(ctx context.Context) ([]*Workshop, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Workshop
	for _, w := range m.workshops {
		if w.Verification == VerificationApproved {
			cp := *w
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *MemoryStore) CreateMechanic(ctx context.Context, mech *Mechanic) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *mech
	m.mechanics[mech.ID] = &cp
	return nil
}

func (m *MemoryStore) GetMechanic(ctx context.Context, id string) (*Mechanic, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	mech, ok := m.mechanics[id]
	if !ok {
		return nil, ErrMechanicNotFound
	}
	cp := *mech
	return &cp, nil
}

func (m *MemoryStore) ListMechanics(ctx context.Context, workshopID string) ([]*Mechanic, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Mechanic
	for _, mech := range m.mechanics {
		if mech.WorkshopID == workshopID {
			cp := *mech
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *MemoryStore) SetMechanicStatus(ctx context.Context, id string, from, to MechanicStatus) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	mech, ok := m.mechanics[id]
	if !ok {
		return false, ErrMechanicNotFound
	}
	if mech.Status != from {
		return false, nil
	}
	mech.Status = to
	mech.UpdatedAt = m.clock.Now()
	return true, nil
}
