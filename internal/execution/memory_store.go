package execution

import (
	"context"
	"sync"
	"time"

	"github.com/garagelink/garagelink/internal/clock"
)

// MemoryStore is an in-memory Store for development and tests.
type MemoryStore struct {
	mu         sync.Mutex
	executions map[string]*Execution
	clock      clock.Clock
}

func NewMemoryStore(clk clock.Clock) *MemoryStore {
	return &MemoryStore{
		executions: make(map[string]*Execution),
		clock:      clk,
	}
}

func copyExecution(e *Execution) *Execution {
	cp := *e
	cp.MechanicIDs = append([]string(nil), e.MechanicIDs...)
	return &cp
}

func (m *MemoryStore) Create(ctx context.Context, e *Execution) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.executions[e.ID] = copyExecution(e)
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*Execution, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.executions[id]
	if !ok {
		return nil, ErrNotFound
	}
	return copyExecution(e), nil
}

func (m *MemoryStore) GetActiveByRequest(ctx context.Context, requestID string) (*Execution, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range m.executions {
		if e.RequestID == requestID && e.CancelledAt == nil {
			return copyExecution(e), nil
		}
	}
	return nil, ErrNotFound
}

func (m *MemoryStore) Update(ctx context.Context, e *Execution) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.executions[e.ID]; !ok {
		return ErrNotFound
	}
	m.executions[e.ID] = copyExecution(e)
	return nil
}

func (m *MemoryStore) MarkEscrowPaid(ctx context.Context, id, paymentRef string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.executions[id]
	if !ok {
		return false, ErrNotFound
	}
	if e.EscrowPaid {
		return false, nil
	}
	e.EscrowPaid = true
	e.EscrowPaymentID = paymentRef
	e.UpdatedAt = m.clock.Now()
	return true, nil
}

func (m *MemoryStore) ConsumeOTP(ctx context.Context, id, code string, at time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.executions[id]
	if !ok {
		return false, ErrNotFound
	}
	if e.CompletedAt != nil || e.OTPCode == "" || e.OTPCode != code {
		return false, nil
	}
	e.OTPCode = ""
	e.CompletedAt = &at
	e.UpdatedAt = at
	return true, nil
}
