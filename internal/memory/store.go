// Package memory keeps conversations and messages in process memory.
// It backs the server when no Postgres DSN is configured and in tests.
package memory

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/cwrk-planet/support-chat/internal/domain"
)

type Store struct {
	mu            sync.RWMutex
	nextConvID    int64
	nextMsgID     int64
	conversations map[int64]*domain.Conversation
	messages      map[int64][]domain.Message // conversation id -> ascending by id
}

func NewStore() *Store {
	return &Store{
		conversations: make(map[int64]*domain.Conversation),
		messages:      make(map[int64][]domain.Message),
	}
}

type ConversationRepository struct{ s *Store }

type MessageRepository struct{ s *Store }

func (s *Store) Conversations() *ConversationRepository { return &ConversationRepository{s: s} }

func (s *Store) Messages() *MessageRepository { return &MessageRepository{s: s} }

func (r *ConversationRepository) Create(_ context.Context, c *domain.Conversation) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	r.s.nextConvID++
	c.ID = r.s.nextConvID
	cp := *c
	r.s.conversations[c.ID] = &cp
	return nil
}

func (r *ConversationRepository) Get(_ context.Context, id int64) (*domain.Conversation, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()

	c, ok := r.s.conversations[id]
	if !ok {
		return nil, domain.ErrConversationNotFound
	}
	cp := *c
	return &cp, nil
}

func (r *ConversationRepository) List(_ context.Context, f domain.ConversationFilter, limit int, cursorStr string) ([]domain.Conversation, string, error) {
	cur, err := domain.DecodeCursor(cursorStr)
	if err != nil {
		return nil, "", err
	}

	r.s.mu.RLock()
	var all []domain.Conversation
	for _, c := range r.s.conversations {
		if f.CustomerID != 0 && c.CustomerID != f.CustomerID {
			continue
		}
		if f.Status != "" && c.Status != f.Status {
			continue
		}
		if !cur.Before(c.CreatedAt, c.ID) {
			continue
		}
		all = append(all, *c)
	}
	r.s.mu.RUnlock()

	slices.SortFunc(all, func(a, b domain.Conversation) int {
		if c := b.CreatedAt.Compare(a.CreatedAt); c != 0 {
			return c
		}
		return compareDesc(a.ID, b.ID)
	})
	return page(all, limit, func(c domain.Conversation) domain.Cursor {
		return domain.Cursor{CreatedAt: c.CreatedAt, ID: c.ID}
	})
}

func (r *ConversationRepository) UpdateStatus(_ context.Context, id int64, status domain.ConversationStatus, at time.Time) (*domain.Conversation, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	c, ok := r.s.conversations[id]
	if !ok {
		return nil, domain.ErrConversationNotFound
	}
	c.Status = status
	c.UpdatedAt = at
	cp := *c
	return &cp, nil
}

func (r *ConversationRepository) TouchLastMessage(_ context.Context, id int64, at time.Time) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	c, ok := r.s.conversations[id]
	if !ok {
		return domain.ErrConversationNotFound
	}
	c.LastMessageAt = &at
	c.UpdatedAt = at
	return nil
}

func (r *MessageRepository) Save(_ context.Context, m *domain.Message) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	if _, ok := r.s.conversations[m.ConversationID]; !ok {
		return domain.ErrConversationNotFound
	}
	r.s.nextMsgID++
	m.ID = r.s.nextMsgID
	r.s.messages[m.ConversationID] = append(r.s.messages[m.ConversationID], *m)
	return nil
}

// History returns messages newest first.
func (r *MessageRepository) History(_ context.Context, conversationID int64, cursorStr string, limit int) ([]domain.Message, string, error) {
	cur, err := domain.DecodeCursor(cursorStr)
	if err != nil {
		return nil, "", err
	}

	r.s.mu.RLock()
	src := r.s.messages[conversationID]
	out := make([]domain.Message, 0, min(len(src), limit+1))
	for i := len(src) - 1; i >= 0; i-- {
		if cur.Before(src[i].CreatedAt, src[i].ID) {
			out = append(out, src[i])
		}
	}
	r.s.mu.RUnlock()

	slices.SortStableFunc(out, func(a, b domain.Message) int {
		if c := b.CreatedAt.Compare(a.CreatedAt); c != 0 {
			return c
		}
		return compareDesc(a.ID, b.ID)
	})
	return page(out, limit, func(m domain.Message) domain.Cursor {
		return domain.Cursor{CreatedAt: m.CreatedAt, ID: m.ID}
	})
}

func (r *MessageRepository) MarkRead(_ context.Context, conversationID int64, adminAuthored bool) (int64, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	var n int64
	msgs := r.s.messages[conversationID]
	for i := range msgs {
		if !msgs[i].IsRead && msgs[i].IsAdminReply == adminAuthored {
			msgs[i].IsRead = true
			n++
		}
	}
	return n, nil
}

func compareDesc(a, b int64) int {
	switch {
	case a > b:
		return -1
	case a < b:
		return 1
	}
	return 0
}

// page cuts items to limit; a full page yields a cursor at its last item.
func page[T any](items []T, limit int, key func(T) domain.Cursor) ([]T, string, error) {
	if limit > 0 && len(items) > limit {
		items = items[:limit]
	}
	var next string
	if limit > 0 && len(items) == limit {
		c, err := domain.EncodeCursor(key(items[len(items)-1]))
		if err != nil {
			return nil, "", err
		}
		next = c
	}
	return items, next, nil
}
