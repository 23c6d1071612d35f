package estimate

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-memory Store for development and tests.
type MemoryStore struct {
	mu        sync.Mutex
	estimates map[string]*Estimate
	items     map[string][]*LineItem // keyed by estimate ID
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		estimates: make(map[string]*Estimate),
		items:     make(map[string][]*LineItem),
	}
}

func (m *MemoryStore) Create(ctx context.Context, e *Estimate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.estimates {
		if existing.ConnectionID == e.ConnectionID && existing.Status.Active() {
			return ErrActiveExists
		}
	}
	cp := *e
	m.estimates[e.ID] = &cp
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*Estimate, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.estimates[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *e
	return &cp, nil
}

func (m *MemoryStore) GetActiveByConnection(ctx context.Context, connectionID string) (*Estimate, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range m.estimates {
		if e.ConnectionID == connectionID && e.Status.Active() {
			cp := *e
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (m *MemoryStore) ListByRequest(ctx context.Context, requestID string) ([]*Estimate, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Estimate
	for _, e := range m.estimates {
		if e.RequestID == requestID {
			cp := *e
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (m *MemoryStore) Update(ctx context.Context, e *Estimate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.estimates[e.ID]; !ok {
		return ErrNotFound
	}
	cp := *e
	m.estimates[e.ID] = &cp
	return nil
}

func (m *MemoryStore) UpdateStatus(ctx context.Context, id string, from, to Status, expiresAt *time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.estimates[id]
	if !ok {
		return false, ErrNotFound
	}
	if e.Status != from {
		return false, nil
	}
	e.Status = to
	e.ExpiresAt = expiresAt
	return true, nil
}

func (m *MemoryStore) Delete(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.estimates[id]; !ok {
		return ErrNotFound
	}
	delete(m.estimates, id)
	delete(m.items, id)
	return nil
}

func (m *MemoryStore) AddItem(ctx context.Context, item *LineItem) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *item
	m.items[item.EstimateID] = append(m.items[item.EstimateID], &cp)
	return nil
}

func (m *MemoryStore) UpdateItem(ctx context.Context, item *LineItem) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, it := range m.items[item.EstimateID] {
		if it.ID == item.ID {
			cp := *item
			m.items[item.EstimateID][i] = &cp
			return nil
		}
	}
	return ErrItemNotFound
}

func (m *MemoryStore) RemoveItem(ctx context.Context, estimateID, itemID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	list := m.items[estimateID]
	for i, it := range list {
		if it.ID == itemID {
			m.items[estimateID] = append(list[:i], list[i+1:]...)
			return nil
		}
	}
	return ErrItemNotFound
}

func (m *MemoryStore) ListItems(ctx context.Context, estimateID string) ([]*LineItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*LineItem
	for _, it := range m.items[estimateID] {
		cp := *it
		out = append(out, &cp)
	}
	return out, nil
}
