package wallet

import (
	"context"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/garagelink/garagelink/internal/actor"
	"github.com/garagelink/garagelink/internal/clock"
	"github.com/garagelink/garagelink/internal/idgen"
)

// MemoryStore is an in-memory Store for development and tests.
type MemoryStore struct {
	mu      sync.RWMutex
	wallets map[string]*Wallet        // keyed by owner ID
	txns    map[string][]*Transaction // keyed by wallet ID, newest first
	clock   clock.Clock
}

func NewMemoryStore(clk clock.Clock) *MemoryStore {
	return &MemoryStore{
		wallets: make(map[string]*Wallet),
		txns:    make(map[string][]*Transaction),
		clock:   clk,
	}
}

func (m *MemoryStore) Get(ctx context.Context, ownerID string) (*Wallet, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	w, ok := m.wallets[ownerID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *w
	return &cp, nil
}

func (m *MemoryStore) Credit(ctx context.Context, ownerID string, role actor.Role, amount decimal.Decimal, txn *Transaction) (*Wallet, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.clock.Now()
	w, ok := m.wallets[ownerID]
	if !ok {
		w = &Wallet{
			ID:        idgen.WithPrefix("wal_"),
			OwnerID:   ownerID,
			OwnerRole: role,
			Balance:   decimal.Zero,
			CreatedAt: now,
		}
		m.wallets[ownerID] = w
	}
	w.Balance = w.Balance.Add(amount)
	w.UpdatedAt = now

	t := *txn
	t.WalletID = w.ID
	m.txns[w.ID] = append([]*Transaction{&t}, m.txns[w.ID]...)

	cp := *w
	return &cp, nil
}

func (m *MemoryStore) Debit(ctx context.Context, ownerID string, amount decimal.Decimal, txn *Transaction) (*Wallet, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	w, ok := m.wallets[ownerID]
	if !ok {
		return nil, ErrNotFound
	}
	if w.Balance.LessThan(amount) {
		return nil, ErrInsufficientFunds
	}
	w.Balance = w.Balance.Sub(amount)
	w.UpdatedAt = m.clock.Now()

	t := *txn
	t.WalletID = w.ID
	m.txns[w.ID] = append([]*Transaction{&t}, m.txns[w.ID]...)

	cp := *w
	return &cp, nil
}

func (m *MemoryStore) Transactions(ctx context.Context, walletID string, limit int) ([]*Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	list := m.txns[walletID]
	if limit > len(list) {
		limit = len(list)
	}
	out := make([]*Transaction, 0, limit)
	for _, t := range list[:limit] {
		cp := *t
		out = append(out, &cp)
	}
	return out, nil
}
