package request

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
)

// PostgresStore is the production Store backed by PostgreSQL. Status
// guards use conditional UPDATEs so racing writers (webhook, sweep,
// user action) converge without explicit locks.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate creates the service_requests table if it does not exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS service_requests (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			vehicle_info TEXT NOT NULL DEFAULT '',
			issue_description TEXT NOT NULL,
			latitude DOUBLE PRECISION NOT NULL DEFAULT 0,
			longitude DOUBLE PRECISION NOT NULL DEFAULT 0,
			status TEXT NOT NULL DEFAULT 'CREATED',
			platform_fee_paid BOOLEAN NOT NULL DEFAULT FALSE,
			fee_payment_id TEXT NOT NULL DEFAULT '',
			expires_at TIMESTAMPTZ,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
		CREATE INDEX IF NOT EXISTS idx_service_requests_user
			ON service_requests(user_id, created_at DESC);
		CREATE INDEX IF NOT EXISTS idx_service_requests_expiry
			ON service_requests(status, expires_at);
	`)
	return err
}

const requestCols = `id, user_id, vehicle_info, issue_description, latitude, longitude,
	status, platform_fee_paid, fee_payment_id, expires_at, created_at, updated_at`

func scanRequest(row interface{ Scan(...any) error }) (*ServiceRequest, error) {
	r := &ServiceRequest{}
	var expiresAt sql.NullTime
	err := row.Scan(&r.ID, &r.UserID, &r.VehicleInfo, &r.IssueDescription,
		&r.Latitude, &r.Longitude, &r.Status, &r.PlatformFeePaid,
		&r.FeePaymentID, &expiresAt, &r.CreatedAt, &r.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan service request: %w", err)
	}
	if expiresAt.Valid {
		r.ExpiresAt = &expiresAt.Time
	}
	return r, nil
}

func (s *PostgresStore) Create(ctx context.Context, r *ServiceRequest) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO service_requests (`+requestCols+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`, r.ID, r.UserID, r.VehicleInfo, r.IssueDescription, r.Latitude, r.Longitude,
		r.Status, r.PlatformFeePaid, r.FeePaymentID, r.ExpiresAt, r.CreatedAt, r.UpdatedAt)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" { // unique_violation
			return ErrAlreadyExists
		}
		return fmt.Errorf("insert service request: %w", err)
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, id string) (*ServiceRequest, error) {
	return scanRequest(s.db.QueryRowContext(ctx,
		`SELECT `+requestCols+` FROM service_requests WHERE id = $1`, id))
}

func (s *PostgresStore) ListByUser(ctx context.Context, userID string) ([]*ServiceRequest, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+requestCols+` FROM service_requests
		WHERE user_id = $1 ORDER BY created_at DESC
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("list service requests: %w", err)
	}
	defer rows.Close()
	return collectRequests(rows)
}

func (s *PostgresStore) ListExpirable(ctx context.Context, now time.Time) ([]*ServiceRequest, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+requestCols+` FROM service_requests
		WHERE status = ANY($1) AND expires_at IS NOT NULL AND expires_at <= $2
	`, pq.Array([]string{string(StatusCreated), string(StatusPlatformFeePaid), string(StatusConnecting)}), now)
	if err != nil {
		return nil, fmt.Errorf("list expirable requests: %w", err)
	}
	defer rows.Close()
	return collectRequests(rows)
}

func (s *PostgresStore) UpdateStatus(ctx context.Context, id string, from []Status, to Status) (bool, error) {
	fromStr := make([]string, len(from))
	for i, f := range from {
		fromStr[i] = string(f)
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE service_requests SET status = $3, updated_at = NOW()
		WHERE id = $1 AND status = ANY($2)
	`, id, pq.Array(fromStr), to)
	if err != nil {
		return false, fmt.Errorf("update request status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *PostgresStore) MarkFeePaid(ctx context.Context, id, paymentRef string, newExpiry time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE service_requests
		SET platform_fee_paid = TRUE, fee_payment_id = $2, expires_at = $3, updated_at = NOW()
		WHERE id = $1 AND platform_fee_paid = FALSE
	`, id, paymentRef, newExpiry)
	if err != nil {
		return false, fmt.Errorf("mark fee paid: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *PostgresStore) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM service_requests WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete service request: %w", err)
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

func collectRequests(rows *sql.Rows) ([]*ServiceRequest, error) {
	var out []*ServiceRequest
	for rows.Next() {
		r, err := scanRequest(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
