package chat

import (
	"context"
	"database/sql"
	"fmt"
)

// PostgresStore is the production Store backed by PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate creates the messages table if it does not exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS messages (
			id TEXT PRIMARY KEY,
			service_request_id TEXT NOT NULL REFERENCES service_requests(id),
			sender_id TEXT NOT NULL,
			sender_role TEXT NOT NULL,
			recipient_id TEXT NOT NULL,
			body TEXT NOT NULL,
			read BOOLEAN NOT NULL DEFAULT FALSE,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
		CREATE INDEX IF NOT EXISTS idx_messages_request ON messages(service_request_id, created_at);
		CREATE INDEX IF NOT EXISTS idx_messages_unread
			ON messages(recipient_id) WHERE read = FALSE;
	`)
	return err
}

func (s *PostgresStore) Create(ctx context.Context, m *Message) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO messages (id, service_request_id, sender_id, sender_role, recipient_id, body, read, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, m.ID, m.RequestID, m.SenderID, m.SenderRole, m.RecipientID, m.Body, m.Read, m.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert message: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListByRequest(ctx context.Context, requestID string, limit int) ([]*Message, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, service_request_id, sender_id, sender_role, recipient_id, body, read, created_at
		FROM (
			SELECT * FROM messages
			WHERE service_request_id = $1
			ORDER BY created_at DESC
			LIMIT $2
		) recent
		ORDER BY created_at ASC
	`, requestID, limit)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()
	var out []*Message
	for rows.Next() {
		m := &Message{}
		if err := rows.Scan(&m.ID, &m.RequestID, &m.SenderID, &m.SenderRole,
			&m.RecipientID, &m.Body, &m.Read, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *PostgresStore) MarkRead(ctx context.Context, requestID, readerID string) (int, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE messages SET read = TRUE
		WHERE service_request_id = $1 AND recipient_id = $2 AND read = FALSE
	`, requestID, readerID)
	if err != nil {
		return 0, fmt.Errorf("mark read: %w", err)
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func (s *PostgresStore) UnreadByRecipient(ctx context.Context, recipientID string) ([]*Unread, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT service_request_id, COUNT(*), MAX(created_at)
		FROM messages
		WHERE recipient_id = $1 AND read = FALSE
		GROUP BY service_request_id
		ORDER BY MAX(created_at) DESC
	`, recipientID)
	if err != nil {
		return nil, fmt.Errorf("unread summary: %w", err)
	}
	defer rows.Close()
	var out []*Unread
	for rows.Next() {
		u := &Unread{}
		if err := rows.Scan(&u.RequestID, &u.Count, &u.LastMessageAt); err != nil {
			return nil, fmt.Errorf("scan unread: %w", err)
		}
		out = append(out, u)
	}
	return out, rows.Err()
}
