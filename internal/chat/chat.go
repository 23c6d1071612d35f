// Package chat carries messages between a vehicle owner and the
// connected workshop, scoped to a service request.
package chat

import (
	"context"
	"errors"
	"time"

	"github.com/garagelink/garagelink/internal/actor"
	"github.com/garagelink/garagelink/internal/clock"
	"github.com/garagelink/garagelink/internal/idgen"
	"github.com/garagelink/garagelink/internal/logging"
	"github.com/garagelink/garagelink/internal/validation"
)

var ErrNoConversation = errors.New("no active conversation for this request")

const maxBodyLen = 2000

// Message is one chat message in a request's conversation.
type Message struct {
	ID          string     `json:"id"`
	RequestID   string     `json:"service_request_id"`
	SenderID    string     `json:"sender_id"`
	SenderRole  actor.Role `json:"sender_role"`
	RecipientID string     `json:"recipient_id"`
	Body        string     `json:"body"`
	Read        bool       `json:"read"`
	CreatedAt   time.Time  `json:"created_at"`
}

// Unread is the per-request unread count for a recipient.
type Unread struct {
	RequestID     string    `json:"service_request_id"`
	Count         int       `json:"count"`
	LastMessageAt time.Time `json:"last_message_at"`
}

// Store persists messages.
type Store interface {
	Create(ctx context.Context, m *Message) error
	ListByRequest(ctx context.Context, requestID string, limit int) ([]*Message, error)
	// MarkRead marks every unread message addressed to the reader in
	// the request's conversation, returning how many it flipped.
	MarkRead(ctx context.Context, requestID, readerID string) (int, error)
	UnreadByRecipient(ctx context.Context, recipientID string) ([]*Unread, error)
}

// Parties are the two sides of a request's conversation.
type Parties struct {
	UserID          string
	WorkshopOwnerID string
}

// PartyResolver maps a request to its conversation parties. The
// workshop side only exists once a connection was accepted.
type PartyResolver interface {
	Parties(ctx context.Context, requestID string) (*Parties, error)
}

// Publisher pushes events to connected clients. Implemented by the
// websocket hub; a no-op stands in when nothing is connected.
type Publisher interface {
	Publish(recipientID string, payload any)
}

// Service owns the conversation rules: only the two parties may read
// or write, and each send notifies the other side.
type Service struct {
	store     Store
	parties   PartyResolver
	publisher Publisher
	clock     clock.Clock
}

func NewService(store Store, parties PartyResolver, publisher Publisher, clk clock.Clock) *Service {
	return &Service{store: store, parties: parties, publisher: publisher, clock: clk}
}

// counterpart resolves the other side of the conversation, erroring
// if the actor is not a party.
func (s *Service) counterpart(ctx context.Context, a actor.Actor, requestID string) (string, error) {
	p, err := s.parties.Parties(ctx, requestID)
	if err != nil {
		return "", err
	}
	switch a.ID {
	case p.UserID:
		return p.WorkshopOwnerID, nil
	case p.WorkshopOwnerID:
		return p.UserID, nil
	}
	return "", actor.ErrForbidden
}

// Send appends a message and notifies the recipient's live sessions.
func (s *Service) Send(ctx context.Context, a actor.Actor, requestID, body string) (*Message, error) {
	if err := validation.Required("body", body); err != nil {
		return nil, err
	}
	if err := validation.MaxLen("body", body, maxBodyLen); err != nil {
		return nil, err
	}
	recipient, err := s.counterpart(ctx, a, requestID)
	if err != nil {
		return nil, err
	}
	m := &Message{
		ID:          idgen.WithPrefix("msg_"),
		RequestID:   requestID,
		SenderID:    a.ID,
		SenderRole:  a.Role,
		RecipientID: recipient,
		Body:        body,
		CreatedAt:   s.clock.Now(),
	}
	if err := s.store.Create(ctx, m); err != nil {
		return nil, err
	}
	if unread, err := s.store.UnreadByRecipient(ctx, recipient); err == nil {
		s.publisher.Publish(recipient, map[string]any{"type": "unread_summary", "unread": unread})
	} else {
		logging.L(ctx).Warn("unread summary skipped", "recipient", recipient, "error", err)
	}
	return m, nil
}

// History lists the conversation, oldest first.
func (s *Service) History(ctx context.Context, a actor.Actor, requestID string, limit int) ([]*Message, error) {
	if _, err := s.counterpart(ctx, a, requestID); err != nil {
		return nil, err
	}
	if limit <= 0 || limit > 200 {
		limit = 200
	}
	return s.store.ListByRequest(ctx, requestID, limit)
}

// MarkRead clears the actor's unread counter for the request.
func (s *Service) MarkRead(ctx context.Context, a actor.Actor, requestID string) (int, error) {
	if _, err := s.counterpart(ctx, a, requestID); err != nil {
		return 0, err
	}
	return s.store.MarkRead(ctx, requestID, a.ID)
}

// UnreadSummary lists the actor's conversations with unread messages.
func (s *Service) UnreadSummary(ctx context.Context, a actor.Actor) ([]*Unread, error) {
	return s.store.UnreadByRecipient(ctx, a.ID)
}
