package connection

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
)

// PostgresStore is the production Store backed by PostgreSQL. A
// partial unique index enforces the single-live-connection rule at
// insert time, so racing Connect calls cannot both succeed.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate creates the connections table if it does not exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS workshop_connections (
			id TEXT PRIMARY KEY,
			service_request_id TEXT NOT NULL REFERENCES service_requests(id),
			workshop_id TEXT NOT NULL REFERENCES workshops(id),
			status TEXT NOT NULL DEFAULT 'REQUESTED',
			cancelled_by TEXT NOT NULL DEFAULT '',
			requested_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			responded_at TIMESTAMPTZ
		);
		CREATE UNIQUE INDEX IF NOT EXISTS idx_connections_one_live
			ON workshop_connections(service_request_id)
			WHERE status IN ('REQUESTED', 'ACCEPTED');
		CREATE INDEX IF NOT EXISTS idx_connections_request
			ON workshop_connections(service_request_id);
		CREATE INDEX IF NOT EXISTS idx_connections_workshop
			ON workshop_connections(workshop_id, requested_at DESC);
		CREATE INDEX IF NOT EXISTS idx_connections_stale
			ON workshop_connections(status, requested_at);
	`)
	return err
}

const connCols = `id, service_request_id, workshop_id, status, cancelled_by, requested_at, responded_at`

func scanConnection(row interface{ Scan(...any) error }) (*Connection, error) {
	c := &Connection{}
	var cancelledBy string
	var respondedAt sql.NullTime
	err := row.Scan(&c.ID, &c.RequestID, &c.WorkshopID, &c.Status, &cancelledBy, &c.RequestedAt, &respondedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan connection: %w", err)
	}
	c.CancelledBy = CancelledBy(cancelledBy)
	if respondedAt.Valid {
		c.RespondedAt = &respondedAt.Time
	}
	return c, nil
}

func (s *PostgresStore) Create(ctx context.Context, c *Connection) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO workshop_connections (id, service_request_id, workshop_id, status, requested_at)
		VALUES ($1, $2, $3, $4, $5)
	`, c.ID, c.RequestID, c.WorkshopID, c.Status, c.RequestedAt)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" { // unique_violation
			return ErrActiveExists
		}
		return fmt.Errorf("insert connection: %w", err)
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, id string) (*Connection, error) {
	return scanConnection(s.db.QueryRowContext(ctx,
		`SELECT `+connCols+` FROM workshop_connections WHERE id = $1`, id))
}

func (s *PostgresStore) ListByRequest(ctx context.Context, requestID string) ([]*Connection, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+connCols+` FROM workshop_connections
		WHERE service_request_id = $1 ORDER BY requested_at DESC
	`, requestID)
	if err != nil {
		return nil, fmt.Errorf("list connections by request: %w", err)
	}
	defer rows.Close()
	return collectConnections(rows)
}

func (s *PostgresStore) ListByWorkshop(ctx context.Context, workshopID string) ([]*Connection, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+connCols+` FROM workshop_connections
		WHERE workshop_id = $1 ORDER BY requested_at DESC
	`, workshopID)
	if err != nil {
		return nil, fmt.Errorf("list connections by workshop: %w", err)
	}
	defer rows.Close()
	return collectConnections(rows)
}

func (s *PostgresStore) CountAttempts(ctx context.Context, requestID, workshopID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM workshop_connections
		WHERE service_request_id = $1 AND workshop_id = $2
	`, requestID, workshopID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count attempts: %w", err)
	}
	return n, nil
}

func (s *PostgresStore) UpdateStatus(ctx context.Context, id string, from, to Status, respondedAt time.Time, cancelledBy CancelledBy) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE workshop_connections
		SET status = $3, responded_at = $4,
		    cancelled_by = CASE WHEN $5 <> '' THEN $5 ELSE cancelled_by END
		WHERE id = $1 AND status = $2
	`, id, from, to, respondedAt, string(cancelledBy))
	if err != nil {
		return false, fmt.Errorf("update connection status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *PostgresStore) ListStaleRequested(ctx context.Context, cutoff time.Time) ([]*Connection, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+connCols+` FROM workshop_connections
		WHERE status = 'REQUESTED' AND requested_at <= $1
	`, cutoff)
	if err != nil {
		return nil, fmt.Errorf("list stale connections: %w", err)
	}
	defer rows.Close()
	return collectConnections(rows)
}

func (s *PostgresStore) HasConnections(ctx context.Context, requestID string) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx, `
		SELECT EXISTS(SELECT 1 FROM workshop_connections WHERE service_request_id = $1)
	`, requestID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check connections: %w", err)
	}
	return exists, nil
}

func (s *PostgresStore) EverEngaged(ctx context.Context, requestID string) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx, `
		SELECT EXISTS(
			SELECT 1 FROM workshop_connections
			WHERE service_request_id = $1 AND status IN ('ACCEPTED', 'CANCELLED')
		)
	`, requestID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check engagement: %w", err)
	}
	return exists, nil
}

func collectConnections(rows *sql.Rows) ([]*Connection, error) {
	var out []*Connection
	for rows.Next() {
		c, err := scanConnection(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}
