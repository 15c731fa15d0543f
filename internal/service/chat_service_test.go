package service

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cwrk-planet/support-chat/internal/domain"
	"github.com/cwrk-planet/support-chat/internal/memory"
)

var (
	customer = domain.Identity{UserID: 7}
	stranger = domain.Identity{UserID: 8}
	admin    = domain.Identity{UserID: 1, IsAdmin: true}
)

type recordingPublisher struct {
	mu   sync.Mutex
	msgs []domain.Message
}

func (p *recordingPublisher) Publish(m domain.Message) {
	p.mu.Lock()
	p.msgs = append(p.msgs, m)
	p.mu.Unlock()
}

func newTestService(t *testing.T, pub Publisher) *ChatService {
	t.Helper()
	store := memory.NewStore()
	clock := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	return NewChatService(store.Conversations(), store.Messages(), Options{
		MaxMessageLength: 10,
		Publisher:        pub,
		Now: func() time.Time {
			clock = clock.Add(time.Second)
			return clock
		},
	})
}

func TestCreateConversation(t *testing.T) {
	svc := newTestService(t, nil)
	ctx := context.Background()

	c, err := svc.CreateConversation(ctx, customer, "  ")
	require.NoError(t, err)
	assert.Equal(t, "Support request", c.Subject)
	assert.Equal(t, int64(7), c.CustomerID)
	assert.Equal(t, domain.StatusOpen, c.Status)

	_, err = svc.CreateConversation(ctx, customer, strings.Repeat("x", 201))
	assert.ErrorIs(t, err, domain.ErrInvalidInput)
}

func TestAccessRules(t *testing.T) {
	svc := newTestService(t, nil)
	ctx := context.Background()
	c, err := svc.CreateConversation(ctx, customer, "order")
	require.NoError(t, err)

	assert.NoError(t, svc.Authorize(ctx, customer, c.ID))
	assert.NoError(t, svc.Authorize(ctx, admin, c.ID))
	assert.ErrorIs(t, svc.Authorize(ctx, stranger, c.ID), domain.ErrForbidden)
	assert.ErrorIs(t, svc.Authorize(ctx, admin, 999), domain.ErrConversationNotFound)

	_, err = svc.CreateConversation(ctx, stranger, "other")
	require.NoError(t, err)

	mine, _, err := svc.ListConversations(ctx, customer, "", 0, "")
	require.NoError(t, err)
	assert.Len(t, mine, 1)
	all, _, err := svc.ListConversations(ctx, admin, "", 0, "")
	require.NoError(t, err)
	assert.Len(t, all, 2)

	_, _, err = svc.ListConversations(ctx, admin, "archived", 0, "")
	assert.ErrorIs(t, err, domain.ErrInvalidInput)
}

func TestUpdateStatus(t *testing.T) {
	svc := newTestService(t, nil)
	ctx := context.Background()
	c, err := svc.CreateConversation(ctx, customer, "order")
	require.NoError(t, err)

	_, err = svc.UpdateStatus(ctx, customer, c.ID, domain.StatusClosed)
	assert.ErrorIs(t, err, domain.ErrForbidden)
	_, err = svc.UpdateStatus(ctx, admin, c.ID, "bogus")
	assert.ErrorIs(t, err, domain.ErrInvalidInput)

	got, err := svc.UpdateStatus(ctx, admin, c.ID, domain.StatusClosed)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusClosed, got.Status)

	_, err = svc.PostMessage(ctx, customer, PostMessageInput{ConversationID: c.ID, SenderID: 7, Content: "hi"})
	assert.ErrorIs(t, err, domain.ErrConversationClosed)
}

func TestPostMessage_Validation(t *testing.T) {
	svc := newTestService(t, nil)
	ctx := context.Background()
	c, err := svc.CreateConversation(ctx, customer, "order")
	require.NoError(t, err)

	tests := []struct {
		name string
		who  domain.Identity
		in   PostMessageInput
		want error
	}{
		{"sender mismatch", customer, PostMessageInput{ConversationID: c.ID, SenderID: 9, Content: "hi"}, domain.ErrForbidden},
		{"fake admin reply", customer, PostMessageInput{ConversationID: c.ID, SenderID: 7, Content: "hi", IsAdminReply: true}, domain.ErrForbidden},
		{"empty", customer, PostMessageInput{ConversationID: c.ID, SenderID: 7, Content: "   "}, domain.ErrInvalidMessage},
		{"too long", customer, PostMessageInput{ConversationID: c.ID, SenderID: 7, Content: strings.Repeat("я", 11)}, domain.ErrInvalidMessage},
		{"not owner", stranger, PostMessageInput{ConversationID: c.ID, SenderID: 8, Content: "hi"}, domain.ErrForbidden},
		{"unknown conversation", customer, PostMessageInput{ConversationID: 999, SenderID: 7, Content: "hi"}, domain.ErrConversationNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.PostMessage(ctx, tt.who, tt.in)
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestPostMessage_CommitsAndPublishes(t *testing.T) {
	pub := &recordingPublisher{}
	svc := newTestService(t, pub)
	ctx := context.Background()
	c, err := svc.CreateConversation(ctx, customer, "order")
	require.NoError(t, err)

	m, err := svc.PostMessage(ctx, customer, PostMessageInput{ConversationID: c.ID, SenderID: 7, Content: " hi "})
	require.NoError(t, err)
	assert.NotZero(t, m.ID)
	assert.Equal(t, "hi", m.Content)
	assert.False(t, m.CreatedAt.IsZero())

	img, err := svc.PostMessage(ctx, admin, PostMessageInput{ConversationID: c.ID, SenderID: 1, ImageURL: "https://img.test/1.png", IsAdminReply: true})
	require.NoError(t, err)
	assert.True(t, img.IsAdminReply)

	require.Len(t, pub.msgs, 2)
	assert.Equal(t, m.ID, pub.msgs[0].ID)

	got, err := svc.GetConversation(ctx, customer, c.ID)
	require.NoError(t, err)
	require.NotNil(t, got.LastMessageAt)
	assert.True(t, got.LastMessageAt.Equal(img.CreatedAt))
}

func TestHistoryAndMarkRead(t *testing.T) {
	svc := newTestService(t, nil)
	ctx := context.Background()
	c, err := svc.CreateConversation(ctx, customer, "order")
	require.NoError(t, err)

	for _, p := range []struct {
		who domain.Identity
		in  PostMessageInput
	}{
		{customer, PostMessageInput{ConversationID: c.ID, SenderID: 7, Content: "q1"}},
		{customer, PostMessageInput{ConversationID: c.ID, SenderID: 7, Content: "q2"}},
		{admin, PostMessageInput{ConversationID: c.ID, SenderID: 1, Content: "a1", IsAdminReply: true}},
	} {
		_, err := svc.PostMessage(ctx, p.who, p.in)
		require.NoError(t, err)
	}

	_, _, err = svc.History(ctx, stranger, c.ID, "", 10)
	assert.ErrorIs(t, err, domain.ErrForbidden)

	rcpt, err := svc.MarkRead(ctx, admin, c.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(2), rcpt.Marked)
	assert.Equal(t, int64(1), rcpt.UserID)

	items, _, err := svc.History(ctx, customer, c.ID, "", 10)
	require.NoError(t, err)
	require.Len(t, items, 3)
	assert.Equal(t, "a1", items[0].Content)
	assert.False(t, items[0].IsRead)
	assert.True(t, items[1].IsRead)
}
