package chat

import (
	"context"
	"sort"
	"sync"
)

// MemoryStore is the in-memory Store used in development and tests.
type MemoryStore struct {
	mu       sync.RWMutex
	messages []*Message
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (s *MemoryStore) Create(_ context.Context, m *Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *m
	s.messages = append(s.messages, &cp)
	return nil
}

func (s *MemoryStore) ListByRequest(_ context.Context, requestID string, limit int) ([]*Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Message
	for _, m := range s.messages {
		if m.RequestID == requestID {
			cp := *m
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

func (s *MemoryStore) MarkRead(_ context.Context, requestID, readerID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, m := range s.messages {
		if m.RequestID == requestID && m.RecipientID == readerID && !m.Read {
			m.Read = true
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) UnreadByRecipient(_ context.Context, recipientID string) ([]*Unread, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	byRequest := make(map[string]*Unread)
	for _, m := range s.messages {
		if m.RecipientID != recipientID || m.Read {
			continue
		}
		u, ok := byRequest[m.RequestID]
		if !ok {
			u = &Unread{RequestID: m.RequestID}
			byRequest[m.RequestID] = u
		}
		u.Count++
		if m.CreatedAt.After(u.LastMessageAt) {
			u.LastMessageAt = m.CreatedAt
		}
	}
	out := make([]*Unread, 0, len(byRequest))
	for _, u := range byRequest {
		out = append(out, u)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LastMessageAt.After(out[j].LastMessageAt) })
	return out, nil
}
