package connection

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-memory Store for development and tests. The
// single-live-connection rule is enforced under the store lock, same
// as the partial unique index does in PostgreSQL.
type MemoryStore struct {
	mu          sync.Mutex
	connections map[string]*Connection
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{connections: make(map[string]*Connection)}
}

func (m *MemoryStore) Create(ctx context.Context, c *Connection) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.connections {
		if existing.RequestID == c.RequestID && existing.Status.Live() {
			return ErrActiveExists
		}
	}
	cp := *c
	m.connections[c.ID] = &cp
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*Connection, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.connections[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *c
	return &cp, nil
}

func (m *MemoryStore) ListByRequest(ctx context.Context, requestID string) ([]*Connection, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Connection
	for _, c := range m.connections {
		if c.RequestID == requestID {
			cp := *c
			out = append(out, &cp)
		}
	}
	sortByRequestedAt(out)
	return out, nil
}

func (m *MemoryStore) ListByWorkshop(ctx context.Context, workshopID string) ([]*Connection, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Connection
	for _, c := range m.connections {
		if c.WorkshopID == workshopID {
			cp := *c
			out = append(out, &cp)
		}
	}
	sortByRequestedAt(out)
	return out, nil
}

func (m *MemoryStore) CountAttempts(ctx context.Context, requestID, workshopID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, c := range m.connections {
		if c.RequestID == requestID && c.WorkshopID == workshopID {
			n++
		}
	}
	return n, nil
}

func (m *MemoryStore) UpdateStatus(ctx context.Context, id string, from, to Status, respondedAt time.Time, cancelledBy CancelledBy) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.connections[id]
	if !ok {
		return false, ErrNotFound
	}
	if c.Status != from {
		return false, nil
	}
	c.Status = to
	c.RespondedAt = &respondedAt
	if cancelledBy != "" {
		c.CancelledBy = cancelledBy
	}
	return true, nil
}

func (m *MemoryStore) ListStaleRequested(ctx context.Context, cutoff time.Time) ([]*Connection, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Connection
	for _, c := range m.connections {
		if c.Status == StatusRequested && !c.RequestedAt.After(cutoff) {
			cp := *c
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *MemoryStore) HasConnections(ctx context.Context, requestID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range m.connections {
		if c.RequestID == requestID {
			return true, nil
		}
	}
	return false, nil
}

func (m *MemoryStore) EverEngaged(ctx context.Context, requestID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range m.connections {
		if c.RequestID == requestID && (c.Status == StatusAccepted || c.Status == StatusCancelled) {
			return true, nil
		}
	}
	return false, nil
}

func sortByRequestedAt(list []*Connection) {
	sort.Slice(list, func(i, j int) bool { return list[i].RequestedAt.After(list[j].RequestedAt) })
}
