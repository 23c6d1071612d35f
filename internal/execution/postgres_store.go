package execution

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
)

// PostgresStore is the production Store backed by PostgreSQL. The
// escrow flag and OTP consumption are conditional UPDATEs so webhook
// retries and racing verifications apply exactly once.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate creates the executions table if it does not exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS service_executions (
			id TEXT PRIMARY KEY,
			service_request_id TEXT NOT NULL REFERENCES service_requests(id),
			connection_id TEXT NOT NULL,
			workshop_id TEXT NOT NULL REFERENCES workshops(id),
			assigned_to TEXT NOT NULL DEFAULT '',
			mechanic_ids TEXT[] NOT NULL DEFAULT '{}',
			estimate_id TEXT NOT NULL DEFAULT '',
			estimate_amount NUMERIC(10,2) NOT NULL DEFAULT 0,
			escrow_paid BOOLEAN NOT NULL DEFAULT FALSE,
			escrow_payment_id TEXT NOT NULL DEFAULT '',
			otp_code TEXT NOT NULL DEFAULT '',
			started_at TIMESTAMPTZ NOT NULL,
			completed_at TIMESTAMPTZ,
			cancelled_at TIMESTAMPTZ,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
		CREATE UNIQUE INDEX IF NOT EXISTS idx_executions_one_active
			ON service_executions(service_request_id)
			WHERE cancelled_at IS NULL;
	`)
	return err
}

const executionCols = `id, service_request_id, connection_id, workshop_id, assigned_to,
	mechanic_ids, estimate_id, estimate_amount, escrow_paid, escrow_payment_id,
	otp_code, started_at, completed_at, cancelled_at, created_at, updated_at`

func scanExecution(row interface{ Scan(...any) error }) (*Execution, error) {
	e := &Execution{}
	var completedAt, cancelledAt sql.NullTime
	err := row.Scan(&e.ID, &e.RequestID, &e.ConnectionID, &e.WorkshopID, &e.AssignedTo,
		pq.Array(&e.MechanicIDs), &e.EstimateID, &e.EstimateAmount, &e.EscrowPaid,
		&e.EscrowPaymentID, &e.OTPCode, &e.StartedAt, &completedAt, &cancelledAt,
		&e.CreatedAt, &e.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan execution: %w", err)
	}
	if completedAt.Valid {
		e.CompletedAt = &completedAt.Time
	}
	if cancelledAt.Valid {
		e.CancelledAt = &cancelledAt.Time
	}
	return e, nil
}

func (s *PostgresStore) Create(ctx context.Context, e *Execution) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO service_executions (`+executionCols+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
	`, e.ID, e.RequestID, e.ConnectionID, e.WorkshopID, e.AssignedTo,
		pq.Array(e.MechanicIDs), e.EstimateID, e.EstimateAmount, e.EscrowPaid,
		e.EscrowPaymentID, e.OTPCode, e.StartedAt, e.CompletedAt, e.CancelledAt,
		e.CreatedAt, e.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert execution: %w", err)
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, id string) (*Execution, error) {
	return scanExecution(s.db.QueryRowContext(ctx,
		`SELECT `+executionCols+` FROM service_executions WHERE id = $1`, id))
}

func (s *PostgresStore) GetActiveByRequest(ctx context.Context, requestID string) (*Execution, error) {
	return scanExecution(s.db.QueryRowContext(ctx, `
		SELECT `+executionCols+` FROM service_executions
		WHERE service_request_id = $1 AND cancelled_at IS NULL
	`, requestID))
}

func (s *PostgresStore) Update(ctx context.Context, e *Execution) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE service_executions
		SET connection_id = $2, workshop_id = $3, assigned_to = $4,
		    mechanic_ids = $5, estimate_id = $6, estimate_amount = $7,
		    otp_code = $8, completed_at = $9, cancelled_at = $10, updated_at = $11
		WHERE id = $1
	`, e.ID, e.ConnectionID, e.WorkshopID, e.AssignedTo,
		pq.Array(e.MechanicIDs), e.EstimateID, e.EstimateAmount,
		e.OTPCode, e.CompletedAt, e.CancelledAt, e.UpdatedAt)
	if err != nil {
		return fmt.Errorf("update execution: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) MarkEscrowPaid(ctx context.Context, id, paymentRef string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE service_executions
		SET escrow_paid = TRUE, escrow_payment_id = $2, updated_at = NOW()
		WHERE id = $1 AND escrow_paid = FALSE
	`, id, paymentRef)
	if err != nil {
		return false, fmt.Errorf("mark escrow paid: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *PostgresStore) ConsumeOTP(ctx context.Context, id, code string, at time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE service_executions
		SET otp_code = '', completed_at = $3, updated_at = $3
		WHERE id = $1 AND otp_code = $2 AND otp_code <> '' AND completed_at IS NULL
	`, id, code, at)
	if err != nil {
		return false, fmt.Errorf("consume otp: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}
