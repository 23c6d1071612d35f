package request

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/garagelink/garagelink/internal/clock"
)

// MemoryStore is an in-memory Store for development and tests.
type MemoryStore struct {
	mu       sync.RWMutex
	requests map[string]*ServiceRequest
	clock    clock.Clock
}

func NewMemoryStore(clk clock.Clock) *MemoryStore {
	return &MemoryStore{
		requests: make(map[string]*ServiceRequest),
		clock:    clk,
	}
}

func (m *MemoryStore) Create(ctx context.Context, r *ServiceRequest) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.requests[r.ID]; ok {
		return ErrAlreadyExists
	}
	cp := *r
	m.requests[r.ID] = &cp
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*ServiceRequest, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.requests[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *r
	return &cp, nil
}

func (m *MemoryStore) ListByUser(ctx context.Context, userID string) ([]*ServiceRequest, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*ServiceRequest
	for _, r := range m.requests {
		if r.UserID == userID {
			cp := *r
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (m *MemoryStore) ListExpirable(ctx context.Context, now time.Time) ([]*ServiceRequest, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*ServiceRequest
	for _, r := range m.requests {
		if r.Status.Expirable() && r.ExpiresAt != nil && !r.ExpiresAt.After(now) {
			cp := *r
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *MemoryStore) UpdateStatus(ctx context.Context, id string, from []Status, to Status) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.requests[id]
	if !ok {
		return false, ErrNotFound
	}
	for _, f := range from {
		if r.Status == f {
			r.Status = to
			r.UpdatedAt = m.clock.Now()
			return true, nil
		}
	}
	return false, nil
}

func (m *MemoryStore) MarkFeePaid(ctx context.Context, id, paymentRef string, newExpiry time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.requests[id]
	if !ok {
		return false, ErrNotFound
	}
	if r.PlatformFeePaid {
		return false, nil
	}
	r.PlatformFeePaid = true
	r.FeePaymentID = paymentRef
	r.ExpiresAt = &newExpiry
	r.UpdatedAt = m.clock.Now()
	return true, nil
}

func (m *MemoryStore) Delete(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.requests[id]; !ok {
		return ErrNotFound
	}
	delete(m.requests, id)
	return nil
}
