package payment

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/lib/pq"
)

// PostgresStore is the production Store backed by PostgreSQL. The
// unique checkout_id plus conditional flag flips make webhook
// redelivery, double refunds and double releases single-shot.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate creates the payments table if it does not exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS payments (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			service_request_id TEXT NOT NULL DEFAULT '',
			amount NUMERIC(10,2) NOT NULL CHECK (amount > 0),
			currency TEXT NOT NULL,
			checkout_id TEXT NOT NULL UNIQUE,
			intent_id TEXT NOT NULL DEFAULT '',
			type TEXT NOT NULL,
			status TEXT NOT NULL,
			is_refunded BOOLEAN NOT NULL DEFAULT FALSE,
			escrow_released BOOLEAN NOT NULL DEFAULT FALSE,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
		CREATE INDEX IF NOT EXISTS idx_payments_request
			ON payments(service_request_id) WHERE service_request_id <> '';
		CREATE INDEX IF NOT EXISTS idx_payments_user ON payments(user_id);
	`)
	return err
}

const paymentCols = `id, user_id, service_request_id, amount, currency, checkout_id,
	intent_id, type, status, is_refunded, escrow_released, created_at, updated_at`

func scanPayment(row interface{ Scan(...any) error }) (*Payment, error) {
	p := &Payment{}
	err := row.Scan(&p.ID, &p.UserID, &p.RequestID, &p.Amount, &p.Currency, &p.CheckoutID,
		&p.IntentID, &p.Type, &p.Status, &p.IsRefunded, &p.EscrowReleased,
		&p.CreatedAt, &p.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan payment: %w", err)
	}
	return p, nil
}

func (s *PostgresStore) Create(ctx context.Context, p *Payment) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO payments (`+paymentCols+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
	`, p.ID, p.UserID, p.RequestID, p.Amount, p.Currency, p.CheckoutID,
		p.IntentID, p.Type, p.Status, p.IsRefunded, p.EscrowReleased,
		p.CreatedAt, p.UpdatedAt)
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == "23505" {
		return ErrDuplicateCheckout
	}
	if err != nil {
		return fmt.Errorf("insert payment: %w", err)
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, id string) (*Payment, error) {
	return scanPayment(s.db.QueryRowContext(ctx,
		`SELECT `+paymentCols+` FROM payments WHERE id = $1`, id))
}

func (s *PostgresStore) GetByCheckoutID(ctx context.Context, checkoutID string) (*Payment, error) {
	return scanPayment(s.db.QueryRowContext(ctx,
		`SELECT `+paymentCols+` FROM payments WHERE checkout_id = $1`, checkoutID))
}

func (s *PostgresStore) GetCompletedByRequest(ctx context.Context, requestID string, t Type) (*Payment, error) {
	return scanPayment(s.db.QueryRowContext(ctx, `
		SELECT `+paymentCols+` FROM payments
		WHERE service_request_id = $1 AND type = $2 AND status IN ('COMPLETED', 'REFUNDED')
		ORDER BY created_at DESC
		LIMIT 1
	`, requestID, t))
}

func (s *PostgresStore) ListByUser(ctx context.Context, userID string) ([]*Payment, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+paymentCols+` FROM payments
		WHERE user_id = $1
		ORDER BY created_at DESC
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("list payments: %w", err)
	}
	defer rows.Close()
	var out []*Payment
	for rows.Next() {
		p, err := scanPayment(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *PostgresStore) MarkCompleted(ctx context.Context, checkoutID, intentID string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE payments
		SET status = 'COMPLETED', intent_id = $2, updated_at = NOW()
		WHERE checkout_id = $1 AND status = 'PENDING'
	`, checkoutID, intentID)
	if err != nil {
		return false, fmt.Errorf("mark completed: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *PostgresStore) MarkRefunded(ctx context.Context, id string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE payments
		SET is_refunded = TRUE, status = 'REFUNDED', updated_at = NOW()
		WHERE id = $1 AND is_refunded = FALSE
	`, id)
	if err != nil {
		return false, fmt.Errorf("mark refunded: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *PostgresStore) MarkEscrowReleased(ctx context.Context, id string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE payments
		SET escrow_released = TRUE, updated_at = NOW()
		WHERE id = $1 AND escrow_released = FALSE
	`, id)
	if err != nil {
		return false, fmt.Errorf("mark escrow released: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}
