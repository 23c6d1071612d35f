package workshop

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// PostgresStore is the production Store backed by PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate creates the directory tables if they do not exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS workshops (
			id TEXT PRIMARY KEY,
			owner_id TEXT NOT NULL UNIQUE,
			name TEXT NOT NULL,
			address TEXT NOT NULL DEFAULT '',
			latitude DOUBLE PRECISION NOT NULL,
			longitude DOUBLE PRECISION NOT NULL,
			verification_status TEXT NOT NULL DEFAULT 'PENDING',
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
		CREATE INDEX IF NOT EXISTS idx_workshops_verification
			ON workshops(verification_status);
		CREATE TABLE IF NOT EXISTS mechanics (
			id TEXT PRIMARY KEY,
			workshop_id TEXT NOT NULL REFERENCES workshops(id),
			name TEXT NOT NULL,
			status TEXT NOT NULL DEFAULT 'AVAILABLE',
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
		CREATE INDEX IF NOT EXISTS idx_mechanics_workshop
			ON mechanics(workshop_id);
	`)
	return err
}

const workshopCols = `id, owner_id, name, address, latitude, longitude, verification_status, created_at, updated_at`

func scanWorkshop(row interface{ Scan(...any) error }) (*Workshop, error) {
	w := &Workshop{}
	err := row.Scan(&w.ID, &w.OwnerID, &w.Name, &w.Address, &w.Latitude, &w.Longitude,
		&w.Verification, &w.CreatedAt, &w.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan workshop: %w", err)
	}
	return w, nil
}

func (s *PostgresStore) CreateWorkshop(ctx context.Context, w *Workshop) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO workshops (`+workshopCols+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, w.ID, w.OwnerID, w.Name, w.Address, w.Latitude, w.Longitude, w.Verification, w.CreatedAt, w.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert workshop: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetWorkshop(ctx context.Context, id string) (*Workshop, error) {
	return scanWorkshop(s.db.QueryRowContext(ctx,
		`SELECT `+workshopCols+` FROM workshops WHERE id = $1`, id))
}

func (s *PostgresStore) GetWorkshopByOwner(ctx context.Context, ownerID string) (*Workshop, error) {
	return scanWorkshop(s.db.QueryRowContext(ctx,
		`SELECT `+workshopCols+` FROM workshops WHERE owner_id = $1`, ownerID))
}

func (s *PostgresStore) UpdateWorkshop(ctx context.Context, w *Workshop) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE workshops
		SET name = $2, address = $3, latitude = $4, longitude = $5,
		    verification_status = $6, updated_at = $7
		WHERE id = $1
	`, w.ID, w.Name, w.Address, w.Latitude, w.Longitude, w.Verification, w.UpdatedAt)
	if err != nil {
		return fmt.Errorf("update workshop: %w", err)
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

func (s *PostgresStore) ListApproved(ctx context.Context) ([]*Workshop, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+workshopCols+` FROM workshops WHERE verification_status = $1`,
		VerificationApproved)
	if err != nil {
		return nil, fmt.Errorf("list approved workshops: %w", err)
	}
	defer rows.Close()

	var out []*Workshop
	for rows.Next() {
		w, err := scanWorkshop(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

func (s *PostgresStore) CreateMechanic(ctx context.Context, m *Mechanic) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO mechanics (id, workshop_id, name, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, m.ID, m.WorkshopID, m.Name, m.Status, m.CreatedAt, m.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert mechanic: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetMechanic(ctx context.Context, id string) (*Mechanic, error) {
	m := &Mechanic{}
	err := s.db.QueryRowContext(ctx, `
		SELECT id, workshop_id, name, status, created_at, updated_at
		FROM mechanics WHERE id = $1
	`, id).Scan(&m.ID, &m.WorkshopID, &m.Name, &m.Status, &m.CreatedAt, &m.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrMechanicNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get mechanic: %w", err)
	}
	return m, nil
}

func (s *PostgresStore) ListMechanics(ctx context.Context, workshopID string) ([]*Mechanic, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, workshop_id, name, status, created_at, updated_at
		FROM mechanics WHERE workshop_id = $1
		ORDER BY created_at
	`, workshopID)
	if err != nil {
		return nil, fmt.Errorf("list mechanics: %w", err)
	}
	defer rows.Close()

	var out []*Mechanic
	for rows.Next() {
		m := &Mechanic{}
		if err := rows.Scan(&m.ID, &m.WorkshopID, &m.Name, &m.Status, &m.CreatedAt, &m.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan mechanic: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *PostgresStore) SetMechanicStatus(ctx context.Context, id string, from, to MechanicStatus) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE mechanics SET status = $3, updated_at = NOW()
		WHERE id = $1 AND status = $2
	`, id, from, to)
	if err != nil {
		return false, fmt.Errorf("set mechanic status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}
