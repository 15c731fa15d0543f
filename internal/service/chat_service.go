package service

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/cwrk-planet/support-chat/internal/domain"
)

const (
	defaultSubject       = "Support request"
	defaultMaxMessageLen = 4000
	maxSubjectLen        = 200
)

type ConversationRepository interface {
	Create(ctx context.Context, c *domain.Conversation) error
	Get(ctx context.Context, id int64) (*domain.Conversation, error)
	List(ctx context.Context, f domain.ConversationFilter, limit int, cursor string) ([]domain.Conversation, string, error)
	UpdateStatus(ctx context.Context, id int64, status domain.ConversationStatus, at time.Time) (*domain.Conversation, error)
	TouchLastMessage(ctx context.Context, id int64, at time.Time) error
}

type MessageRepository interface {
	Save(ctx context.Context, m *domain.Message) error
	History(ctx context.Context, conversationID int64, cursor string, limit int) ([]domain.Message, string, error)
	// MarkRead flags every unread message authored by the given side as read.
	MarkRead(ctx context.Context, conversationID int64, adminAuthored bool) (int64, error)
}

// Publisher receives every committed message. It must not block.
type Publisher interface {
	Publish(m domain.Message)
}

type nopPublisher struct{}

func (nopPublisher) Publish(domain.Message) {}

type Options struct {
	MaxMessageLength int
	Publisher        Publisher
	Now              func() time.Time
}

type ChatService struct {
	convRepo ConversationRepository
	msgRepo  MessageRepository
	pub      Publisher
	maxLen   int
	now      func() time.Time
}

func NewChatService(convRepo ConversationRepository, msgRepo MessageRepository, opts Options) *ChatService {
	s := &ChatService{
		convRepo: convRepo,
		msgRepo:  msgRepo,
		pub:      opts.Publisher,
		maxLen:   opts.MaxMessageLength,
		now:      opts.Now,
	}
	if s.pub == nil {
		s.pub = nopPublisher{}
	}
	if s.maxLen <= 0 {
		s.maxLen = defaultMaxMessageLen
	}
	if s.now == nil {
		s.now = time.Now
	}
	return s
}

// CreateConversation opens a conversation owned by the caller.
func (s *ChatService) CreateConversation(ctx context.Context, who domain.Identity, subject string) (*domain.Conversation, error) {
	subject = strings.TrimSpace(subject)
	if subject == "" {
		subject = defaultSubject
	}
	if utf8.RuneCountInString(subject) > maxSubjectLen {
		return nil, fmt.Errorf("%w: subject too long", domain.ErrInvalidInput)
	}

	now := s.now().UTC()
	c := &domain.Conversation{
		CustomerID: who.UserID,
		Subject:    subject,
		Status:     domain.StatusOpen,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := s.convRepo.Create(ctx, c); err != nil {
		return nil, fmt.Errorf("convRepo.Create: %w", err)
	}
	return c, nil
}

// GetConversation returns the conversation if the caller may see it.
func (s *ChatService) GetConversation(ctx context.Context, who domain.Identity, id int64) (*domain.Conversation, error) {
	c, err := s.convRepo.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !who.CanAccess(c) {
		return nil, domain.ErrForbidden
	}
	return c, nil
}

// Authorize decides realtime joins.
func (s *ChatService) Authorize(ctx context.Context, who domain.Identity, conversationID int64) error {
	_, err := s.GetConversation(ctx, who, conversationID)
	return err
}

func (s *ChatService) ListConversations(ctx context.Context, who domain.Identity, status domain.ConversationStatus, limit int, cursor string) ([]domain.Conversation, string, error) {
	if status != "" && !status.Valid() {
		return nil, "", fmt.Errorf("%w: unknown status %q", domain.ErrInvalidInput, status)
	}
	if limit <= 0 {
		limit = 20
	}
	if limit > 50 {
		limit = 50
	}

	f := domain.ConversationFilter{Status: status}
	if !who.IsAdmin {
		f.CustomerID = who.UserID
	}
	return s.convRepo.List(ctx, f, limit, cursor)
}

func (s *ChatService) UpdateStatus(ctx context.Context, who domain.Identity, id int64, status domain.ConversationStatus) (*domain.Conversation, error) {
	if !who.IsAdmin {
		return nil, domain.ErrForbidden
	}
	if !status.Valid() {
		return nil, fmt.Errorf("%w: unknown status %q", domain.ErrInvalidInput, status)
	}
	return s.convRepo.UpdateStatus(ctx, id, status, s.now().UTC())
}

type PostMessageInput struct {
	ConversationID int64
	SenderID       int64
	Content        string
	ImageURL       string
	IsAdminReply   bool
}

// PostMessage validates and commits one message, then hands it to the publisher.
func (s *ChatService) PostMessage(ctx context.Context, who domain.Identity, in PostMessageInput) (*domain.Message, error) {
	if in.SenderID != who.UserID {
		return nil, fmt.Errorf("%w: sender does not match session", domain.ErrForbidden)
	}
	if in.IsAdminReply && !who.IsAdmin {
		return nil, fmt.Errorf("%w: admin reply from non-admin", domain.ErrForbidden)
	}

	content := strings.TrimSpace(in.Content)
	imageURL := strings.TrimSpace(in.ImageURL)
	if content == "" && imageURL == "" {
		return nil, fmt.Errorf("%w: empty message", domain.ErrInvalidMessage)
	}
	if utf8.RuneCountInString(content) > s.maxLen {
		return nil, fmt.Errorf("%w: message too long", domain.ErrInvalidMessage)
	}

	c, err := s.GetConversation(ctx, who, in.ConversationID)
	if err != nil {
		return nil, err
	}
	if c.Status == domain.StatusClosed {
		return nil, domain.ErrConversationClosed
	}

	m := &domain.Message{
		ConversationID: in.ConversationID,
		SenderID:       in.SenderID,
		Content:        content,
		ImageURL:       imageURL,
		IsAdminReply:   in.IsAdminReply,
		CreatedAt:      s.now().UTC(),
	}
	if err := s.msgRepo.Save(ctx, m); err != nil {
		return nil, fmt.Errorf("msgRepo.Save: %w", err)
	}
	if err := s.convRepo.TouchLastMessage(ctx, m.ConversationID, m.CreatedAt); err != nil {
		slog.WarnContext(ctx, "touch conversation failed", "conversation_id", m.ConversationID, "err", err)
	}

	s.pub.Publish(*m)
	return m, nil
}

func (s *ChatService) History(ctx context.Context, who domain.Identity, conversationID int64, cursor string, limit int) ([]domain.Message, string, error) {
	if _, err := s.GetConversation(ctx, who, conversationID); err != nil {
		return nil, "", err
	}
	if limit <= 0 {
		limit = 50
	}
	if limit > 100 {
		limit = 100
	}
	return s.msgRepo.History(ctx, conversationID, cursor, limit)
}

// MarkRead marks the other side's messages as read by the caller.
func (s *ChatService) MarkRead(ctx context.Context, who domain.Identity, conversationID int64) (domain.ReadReceipt, error) {
	if _, err := s.GetConversation(ctx, who, conversationID); err != nil {
		return domain.ReadReceipt{}, err
	}
	n, err := s.msgRepo.MarkRead(ctx, conversationID, !who.IsAdmin)
	if err != nil {
		return domain.ReadReceipt{}, fmt.Errorf("msgRepo.MarkRead: %w", err)
	}
	return domain.ReadReceipt{
		ConversationID: conversationID,
		UserID:         who.UserID,
		ReadAt:         s.now().UTC(),
		Marked:         n,
	}, nil
}
