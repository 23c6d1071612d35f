//go:build integration

package wallet

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/garagelink/garagelink/internal/actor"
	"github.com/garagelink/garagelink/internal/testutil"
)

func txn(walletID string, t TxnType, amount decimal.Decimal, reason string) *Transaction {
	return &Transaction{
		ID:        "txn_" + time.Now().Format("150405.000000000"),
		WalletID:  walletID,
		Type:      t,
		Amount:    amount,
		Reason:    reason,
		CreatedAt: time.Now(),
	}
}

func TestPostgres_CreditCreatesWallet(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()
	store := NewPostgresStore(db)
	ctx := context.Background()

	w, err := store.Credit(ctx, "user_pg_1", actor.RoleUser, decimal.NewFromInt(100),
		txn("w_pg_1", TxnCredit, decimal.NewFromInt(100), ReasonTopup))
	if err != nil {
		t.Fatalf("credit: %v", err)
	}
	if !w.Balance.Equal(decimal.NewFromInt(100)) {
		t.Fatalf("balance = %s, want 100", w.Balance)
	}

	// A second credit accumulates on the same row.
	w, err = store.Credit(ctx, "user_pg_1", actor.RoleUser, decimal.NewFromInt(50),
		txn(w.ID, TxnCredit, decimal.NewFromInt(50), ReasonTopup))
	if err != nil {
		t.Fatalf("second credit: %v", err)
	}
	if !w.Balance.Equal(decimal.NewFromInt(150)) {
		t.Fatalf("balance = %s, want 150", w.Balance)
	}
}

func TestPostgres_DebitGuards(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()
	store := NewPostgresStore(db)
	ctx := context.Background()

	if _, err := store.Debit(ctx, "user_pg_missing", decimal.NewFromInt(10),
		txn("w_none", TxnDebit, decimal.NewFromInt(10), ReasonFeePayment)); !errors.Is(err, ErrNotFound) {
		t.Fatalf("debit of missing wallet: got %v, want ErrNotFound", err)
	}

	w, err := store.Credit(ctx, "user_pg_2", actor.RoleUser, decimal.NewFromInt(20),
		txn("w_pg_2", TxnCredit, decimal.NewFromInt(20), ReasonTopup))
	if err != nil {
		t.Fatalf("credit: %v", err)
	}
	if _, err := store.Debit(ctx, "user_pg_2", decimal.NewFromInt(30),
		txn(w.ID, TxnDebit, decimal.NewFromInt(30), ReasonFeePayment)); !errors.Is(err, ErrInsufficientFunds) {
		t.Fatalf("overdraft: got %v, want ErrInsufficientFunds", err)
	}
}
