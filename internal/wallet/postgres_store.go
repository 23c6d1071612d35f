package wallet

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/lib/pq"
	"github.com/shopspring/decimal"

	"github.com/garagelink/garagelink/internal/actor"
	"github.com/garagelink/garagelink/internal/idgen"
)

// PostgresStore is the production Store backed by PostgreSQL. Balance
// changes and their transaction rows commit in one serializable
// transaction, and a CHECK constraint keeps balances non-negative.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate creates the wallet tables if they do not exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS wallets (
			id TEXT PRIMARY KEY,
			owner_id TEXT NOT NULL UNIQUE,
			owner_role TEXT NOT NULL,
			balance NUMERIC(10,2) NOT NULL DEFAULT 0 CHECK (balance >= 0),
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
		CREATE TABLE IF NOT EXISTS wallet_transactions (
			id TEXT PRIMARY KEY,
			wallet_id TEXT NOT NULL REFERENCES wallets(id),
			type TEXT NOT NULL,
			amount NUMERIC(10,2) NOT NULL CHECK (amount > 0),
			reason TEXT NOT NULL,
			reference TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
		CREATE INDEX IF NOT EXISTS idx_wallet_transactions_wallet
			ON wallet_transactions(wallet_id, created_at DESC);
	`)
	return err
}

func (s *PostgresStore) Get(ctx context.Context, ownerID string) (*Wallet, error) {
	w := &Wallet{}
	err := s.db.QueryRowContext(ctx, `
		SELECT id, owner_id, owner_role, balance, created_at, updated_at
		FROM wallets WHERE owner_id = $1
	`, ownerID).Scan(&w.ID, &w.OwnerID, &w.OwnerRole, &w.Balance, &w.CreatedAt, &w.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get wallet: %w", err)
	}
	return w, nil
}

func (s *PostgresStore) Credit(ctx context.Context, ownerID string, role actor.Role, amount decimal.Decimal, txn *Transaction) (*Wallet, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	w := &Wallet{}
	err = tx.QueryRowContext(ctx, `
		INSERT INTO wallets (id, owner_id, owner_role, balance)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (owner_id) DO UPDATE
			SET balance = wallets.balance + EXCLUDED.balance,
			    updated_at = NOW()
		RETURNING id, owner_id, owner_role, balance, created_at, updated_at
	`, idgen.WithPrefix("wal_"), ownerID, role, amount).Scan(
		&w.ID, &w.OwnerID, &w.OwnerRole, &w.Balance, &w.CreatedAt, &w.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("credit wallet: %w", err)
	}

	if err := insertTxn(ctx, tx, w.ID, txn); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit credit: %w", err)
	}
	return w, nil
}

func (s *PostgresStore) Debit(ctx context.Context, ownerID string, amount decimal.Decimal, txn *Transaction) (*Wallet, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	w := &Wallet{}
	err = tx.QueryRowContext(ctx, `
		UPDATE wallets
		SET balance = balance - $2, updated_at = NOW()
		WHERE owner_id = $1 AND balance >= $2
		RETURNING id, owner_id, owner_role, balance, created_at, updated_at
	`, ownerID, amount).Scan(
		&w.ID, &w.OwnerID, &w.OwnerRole, &w.Balance, &w.CreatedAt, &w.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		// Distinguish a missing wallet from an underfunded one.
		var exists bool
		if qErr := tx.QueryRowContext(ctx,
			`SELECT EXISTS(SELECT 1 FROM wallets WHERE owner_id = $1)`, ownerID,
		).Scan(&exists); qErr != nil {
			return nil, fmt.Errorf("check wallet: %w", qErr)
		}
		if !exists {
			return nil, ErrNotFound
		}
		return nil, ErrInsufficientFunds
	}
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23514" { // check_violation
			return nil, ErrInsufficientFunds
		}
		return nil, fmt.Errorf("debit wallet: %w", err)
	}

	if err := insertTxn(ctx, tx, w.ID, txn); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit debit: %w", err)
	}
	return w, nil
}

func (s *PostgresStore) Transactions(ctx context.Context, walletID string, limit int) ([]*Transaction, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, wallet_id, type, amount, reason, reference, created_at
		FROM wallet_transactions
		WHERE wallet_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`, walletID, limit)
	if err != nil {
		return nil, fmt.Errorf("list transactions: %w", err)
	}
	defer rows.Close()

	var out []*Transaction
	for rows.Next() {
		t := &Transaction{}
		if err := rows.Scan(&t.ID, &t.WalletID, &t.Type, &t.Amount, &t.Reason, &t.Reference, &t.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan transaction: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func insertTxn(ctx context.Context, tx *sql.Tx, walletID string, txn *Transaction) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO wallet_transactions (id, wallet_id, type, amount, reason, reference, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, txn.ID, walletID, txn.Type, txn.Amount, txn.Reason, txn.Reference, txn.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert transaction: %w", err)
	}
	return nil
}
