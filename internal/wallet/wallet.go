// Package wallet implements the platform-internal ledger. Refunded
// platform fees, released escrow amounts and top-ups land here, and
// the platform fee can be paid from a sufficiently funded balance.
//
// Every balance change writes a transaction row in the same store
// operation, so the sum of a wallet's transactions always equals its
// balance.
package wallet

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"github.com/garagelink/garagelink/internal/actor"
	"github.com/garagelink/garagelink/internal/clock"
	"github.com/garagelink/garagelink/internal/idgen"
	"github.com/garagelink/garagelink/internal/logging"
	"github.com/garagelink/garagelink/internal/metrics"
)

var (
	ErrNotFound          = errors.New("wallet not found")
	ErrInsufficientFunds = errors.New("insufficient funds")
	ErrInvalidAmount     = errors.New("amount must be positive")
)

// TxnType is the direction of a wallet transaction.
type TxnType string

const (
	TxnCredit TxnType = "CREDIT"
	TxnDebit  TxnType = "DEBIT"
)

// Well-known transaction reasons.
const (
	ReasonFeeRefund     = "PLATFORM_FEE_REFUND"
	ReasonEscrowRelease = "ESCROW_RELEASE"
	ReasonTopup         = "WALLET_TOPUP"
	ReasonFeePayment    = "PLATFORM_FEE_PAYMENT"
)

// Wallet is a single owner's balance.
type Wallet struct {
	ID        string          `json:"id"`
	OwnerID   string          `json:"owner_id"`
	OwnerRole actor.Role      `json:"owner_role"`
	Balance   decimal.Decimal `json:"balance"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// Transaction records one balance change.
type Transaction struct {
	ID        string          `json:"id"`
	WalletID  string          `json:"wallet_id"`
	Type      TxnType         `json:"type"`
	Amount    decimal.Decimal `json:"amount"`
	Reason    string          `json:"reason"`
	Reference string          `json:"reference,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

// Store persists wallets and their transactions. Credit and Debit must
// apply the balance change and insert the transaction atomically.
type Store interface {
	Get(ctx context.Context, ownerID string) (*Wallet, error)
	// Credit creates the wallet if it does not exist yet.
	Credit(ctx context.Context, ownerID string, role actor.Role, amount decimal.Decimal, txn *Transaction) (*Wallet, error)
	// Debit fails with ErrInsufficientFunds if the balance would go
	// negative, and with ErrNotFound if the wallet does not exist.
	Debit(ctx context.Context, ownerID string, amount decimal.Decimal, txn *Transaction) (*Wallet, error)
	Transactions(ctx context.Context, walletID string, limit int) ([]*Transaction, error)
}

// Service exposes ledger operations to the rest of the application.
type Service struct {
	store Store
	clock clock.Clock
}

func NewService(store Store, clk clock.Clock) *Service {
	return &Service{store: store, clock: clk}
}

// Balance returns the wallet for ownerID. A missing wallet reads as a
// zero balance rather than an error.
func (s *Service) Balance(ctx context.Context, a actor.Actor) (*Wallet, error) {
	w, err := s.store.Get(ctx, a.ID)
	if errors.Is(err, ErrNotFound) {
		now := s.clock.Now()
		return &Wallet{
			ID:        idgen.WithPrefix("wal_"),
			OwnerID:   a.ID,
			OwnerRole: a.Role,
			Balance:   decimal.Zero,
			CreatedAt: now,
			UpdatedAt: now,
		}, nil
	}
	return w, err
}

// Credit adds amount to ownerID's wallet, creating it if needed.
func (s *Service) Credit(ctx context.Context, ownerID string, role actor.Role, amount decimal.Decimal, reason, reference string) (*Wallet, error) {
	if !amount.IsPositive() {
		return nil, ErrInvalidAmount
	}
	txn := &Transaction{
		ID:        idgen.WithPrefix("wtx_"),
		Type:      TxnCredit,
		Amount:    amount,
		Reason:    reason,
		Reference: reference,
		CreatedAt: s.clock.Now(),
	}
	w, err := s.store.Credit(ctx, ownerID, role, amount, txn)
	if err != nil {
		return nil, err
	}
	metrics.WalletOperations.WithLabelValues("credit").Inc()
	logging.L(ctx).Info("wallet credited",
		"owner_id", ownerID,
		"amount", amount.StringFixed(2),
		"reason", reason,
		"reference", reference)
	return w, nil
}

// Debit removes amount from ownerID's wallet.
func (s *Service) Debit(ctx context.Context, ownerID string, amount decimal.Decimal, reason, reference string) (*Wallet, error) {
	if !amount.IsPositive() {
		return nil, ErrInvalidAmount
	}
	txn := &Transaction{
		ID:        idgen.WithPrefix("wtx_"),
		Type:      TxnDebit,
		Amount:    amount,
		Reason:    reason,
		Reference: reference,
		CreatedAt: s.clock.Now(),
	}
	w, err := s.store.Debit(ctx, ownerID, amount, txn)
	if err != nil {
		return nil, err
	}
	metrics.WalletOperations.WithLabelValues("debit").Inc()
	logging.L(ctx).Info("wallet debited",
		"owner_id", ownerID,
		"amount", amount.StringFixed(2),
		"reason", reason,
		"reference", reference)
	return w, nil
}

// History lists the most recent transactions for the actor's wallet.
func (s *Service) History(ctx context.Context, a actor.Actor, limit int) ([]*Transaction, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	w, err := s.store.Get(ctx, a.ID)
	if errors.Is(err, ErrNotFound) {
		return []*Transaction{}, nil
	}
	if err != nil {
		return nil, err
	}
	return s.store.Transactions(ctx, w.ID, limit)
}
