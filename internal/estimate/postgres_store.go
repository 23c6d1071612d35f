package estimate

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
)

// PostgresStore is the production Store backed by PostgreSQL. A
// partial unique index keeps one active estimate per connection.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate creates the estimate tables if they do not exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS estimates (
			id TEXT PRIMARY KEY,
			connection_id TEXT NOT NULL REFERENCES workshop_connections(id),
			service_request_id TEXT NOT NULL REFERENCES service_requests(id),
			workshop_id TEXT NOT NULL REFERENCES workshops(id),
			status TEXT NOT NULL DEFAULT 'DRAFT',
			subtotal NUMERIC(10,2) NOT NULL DEFAULT 0,
			tax_rate NUMERIC(5,2) NOT NULL DEFAULT 0,
			tax_amount NUMERIC(10,2) NOT NULL DEFAULT 0,
			discount_amount NUMERIC(10,2) NOT NULL DEFAULT 0,
			total_amount NUMERIC(10,2) NOT NULL DEFAULT 0,
			notes TEXT NOT NULL DEFAULT '',
			expires_at TIMESTAMPTZ,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
		CREATE UNIQUE INDEX IF NOT EXISTS idx_estimates_one_active
			ON estimates(connection_id)
			WHERE status IN ('DRAFT', 'SENT');
		CREATE INDEX IF NOT EXISTS idx_estimates_request
			ON estimates(service_request_id, created_at DESC);
		CREATE TABLE IF NOT EXISTS estimate_line_items (
			id TEXT PRIMARY KEY,
			estimate_id TEXT NOT NULL REFERENCES estimates(id) ON DELETE CASCADE,
			type TEXT NOT NULL,
			description TEXT NOT NULL DEFAULT '',
			quantity INTEGER NOT NULL CHECK (quantity > 0),
			unit_price NUMERIC(10,2) NOT NULL CHECK (unit_price >= 0),
			line_total NUMERIC(10,2) NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_line_items_estimate
			ON estimate_line_items(estimate_id);
	`)
	return err
}

const estimateCols = `id, connection_id, service_request_id, workshop_id, status,
	subtotal, tax_rate, tax_amount, discount_amount, total_amount, notes,
	expires_at, created_at, updated_at`

func scanEstimate(row interface{ Scan(...any) error }) (*Estimate, error) {
	e := &Estimate{}
	var expiresAt sql.NullTime
	err := row.Scan(&e.ID, &e.ConnectionID, &e.RequestID, &e.WorkshopID, &e.Status,
		&e.Subtotal, &e.TaxRate, &e.TaxAmount, &e.DiscountAmount, &e.TotalAmount,
		&e.Notes, &expiresAt, &e.CreatedAt, &e.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan estimate: %w", err)
	}
	if expiresAt.Valid {
		e.ExpiresAt = &expiresAt.Time
	}
	return e, nil
}

func (s *PostgresStore) Create(ctx context.Context, e *Estimate) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO estimates (`+estimateCols+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
	`, e.ID, e.ConnectionID, e.RequestID, e.WorkshopID, e.Status,
		e.Subtotal, e.TaxRate, e.TaxAmount, e.DiscountAmount, e.TotalAmount,
		e.Notes, e.ExpiresAt, e.CreatedAt, e.UpdatedAt)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" { // unique_violation
			return ErrActiveExists
		}
		return fmt.Errorf("insert estimate: %w", err)
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, id string) (*Estimate, error) {
	return scanEstimate(s.db.QueryRowContext(ctx,
		`SELECT `+estimateCols+` FROM estimates WHERE id = $1`, id))
}

func (s *PostgresStore) GetActiveByConnection(ctx context.Context, connectionID string) (*Estimate, error) {
	return scanEstimate(s.db.QueryRowContext(ctx, `
		SELECT `+estimateCols+` FROM estimates
		WHERE connection_id = $1 AND status IN ('DRAFT', 'SENT')
	`, connectionID))
}

func (s *PostgresStore) ListByRequest(ctx context.Context, requestID string) ([]*Estimate, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+estimateCols+` FROM estimates
		WHERE service_request_id = $1 ORDER BY created_at DESC
	`, requestID)
	if err != nil {
		return nil, fmt.Errorf("list estimates: %w", err)
	}
	defer rows.Close()

	var out []*Estimate
	for rows.Next() {
		e, err := scanEstimate(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *PostgresStore) Update(ctx context.Context, e *Estimate) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE estimates
		SET status = $2, subtotal = $3, tax_rate = $4, tax_amount = $5,
		    discount_amount = $6, total_amount = $7, notes = $8,
		    expires_at = $9, updated_at = $10
		WHERE id = $1
	`, e.ID, e.Status, e.Subtotal, e.TaxRate, e.TaxAmount,
		e.DiscountAmount, e.TotalAmount, e.Notes, e.ExpiresAt, e.UpdatedAt)
	if err != nil {
		return fmt.Errorf("update estimate: %w", err)
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

func (s *PostgresStore) UpdateStatus(ctx context.Context, id string, from, to Status, expiresAt *time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE estimates SET status = $3, expires_at = $4, updated_at = NOW()
		WHERE id = $1 AND status = $2
	`, id, from, to, expiresAt)
	if err != nil {
		return false, fmt.Errorf("update estimate status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *PostgresStore) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM estimates WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete estimate: %w", err)
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

func (s *PostgresStore) AddItem(ctx context.Context, item *LineItem) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO estimate_line_items (id, estimate_id, type, description, quantity, unit_price, line_total)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, item.ID, item.EstimateID, item.Type, item.Description, item.Quantity, item.UnitPrice, item.LineTotal)
	if err != nil {
		return fmt.Errorf("insert line item: %w", err)
	}
	return nil
}

func (s *PostgresStore) UpdateItem(ctx context.Context, item *LineItem) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE estimate_line_items
		SET type = $3, description = $4, quantity = $5, unit_price = $6, line_total = $7
		WHERE id = $1 AND estimate_id = $2
	`, item.ID, item.EstimateID, item.Type, item.Description, item.Quantity, item.UnitPrice, item.LineTotal)
	if err != nil {
		return fmt.Errorf("update line item: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrItemNotFound
	}
	return nil
}

func (s *PostgresStore) RemoveItem(ctx context.Context, estimateID, itemID string) error {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM estimate_line_items WHERE id = $1 AND estimate_id = $2`, itemID, estimateID)
	if err != nil {
		return fmt.Errorf("delete line item: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrItemNotFound
	}
	return nil
}

func (s *PostgresStore) ListItems(ctx context.Context, estimateID string) ([]*LineItem, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, estimate_id, type, description, quantity, unit_price, line_total
		FROM estimate_line_items WHERE estimate_id = $1 ORDER BY id
	`, estimateID)
	if err != nil {
		return nil, fmt.Errorf("list line items: %w", err)
	}
	defer rows.Close()

	var out []*LineItem
	for rows.Next() {
		it := &LineItem{}
		if err := rows.Scan(&it.ID, &it.EstimateID, &it.Type, &it.Description,
			&it.Quantity, &it.UnitPrice, &it.LineTotal); err != nil {
			return nil, fmt.Errorf("scan line item: %w", err)
		}
		out = append(out, it)
	}
	return out, rows.Err()
}
