package payment

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is the in-memory Store used in development and tests.
type MemoryStore struct {
	mu         sync.RWMutex
	payments   map[string]*Payment
	byCheckout map[string]string
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		payments:   make(map[string]*Payment),
		byCheckout: make(map[string]string),
	}
}

func (s *MemoryStore) Create(_ context.Context, p *Payment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.byCheckout[p.CheckoutID]; ok {
		return ErrDuplicateCheckout
	}
	cp := *p
	s.payments[p.ID] = &cp
	s.byCheckout[p.CheckoutID] = p.ID
	return nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (*Payment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.payments[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *p
	return &cp, nil
}

func (s *MemoryStore) GetByCheckoutID(_ context.Context, checkoutID string) (*Payment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.byCheckout[checkoutID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *s.payments[id]
	return &cp, nil
}

func (s *MemoryStore) GetCompletedByRequest(_ context.Context, requestID string, t Type) (*Payment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, p := range s.payments {
		if p.RequestID == requestID && p.Type == t &&
			(p.Status == StatusCompleted || p.Status == StatusRefunded) {
			cp := *p
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (s *MemoryStore) ListByUser(_ context.Context, userID string) ([]*Payment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Payment
	for _, p := range s.payments {
		if p.UserID == userID {
			cp := *p
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (s *MemoryStore) MarkCompleted(_ context.Context, checkoutID, intentID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.byCheckout[checkoutID]
	if !ok {
		return false, ErrNotFound
	}
	p := s.payments[id]
	if p.Status != StatusPending {
		return false, nil
	}
	p.Status = StatusCompleted
	p.IntentID = intentID
	p.UpdatedAt = time.Now()
	return true, nil
}

func (s *MemoryStore) MarkRefunded(_ context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.payments[id]
	if !ok {
		return false, ErrNotFound
	}
	if p.IsRefunded {
		return false, nil
	}
	p.IsRefunded = true
	p.Status = StatusRefunded
	p.UpdatedAt = time.Now()
	return true, nil
}

func (s *MemoryStore) MarkEscrowReleased(_ context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.payments[id]
	if !ok {
		return false, ErrNotFound
	}
	if p.EscrowReleased {
		return false, nil
	}
	p.EscrowReleased = true
	p.UpdatedAt = time.Now()
	return true, nil
}
