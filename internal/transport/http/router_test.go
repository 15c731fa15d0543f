package http

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cwrk-planet/support-chat/internal/domain"
	"github.com/cwrk-planet/support-chat/internal/memory"
	"github.com/cwrk-planet/support-chat/internal/service"
	httpmw "github.com/cwrk-planet/support-chat/internal/transport/http/middleware"
	"github.com/cwrk-planet/support-chat/internal/transport/ws"
)

var (
	customer = domain.Identity{UserID: 7}
	stranger = domain.Identity{UserID: 8}
	agent    = domain.Identity{UserID: 1, IsAdmin: true}
)

type recordingNotifier struct {
	mu    sync.Mutex
	rcpts []domain.ReadReceipt
}

func (n *recordingNotifier) NotifyRead(rcpt domain.ReadReceipt, _ ws.Peer) {
	n.mu.Lock()
	n.rcpts = append(n.rcpts, rcpt)
	n.mu.Unlock()
}

type apiFixture struct {
	router   http.Handler
	chat     *service.ChatService
	notifier *recordingNotifier
}

func newAPI(t *testing.T, verifier httpmw.TokenVerifier) *apiFixture {
	t.Helper()
	store := memory.NewStore()
	clock := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	var mu sync.Mutex
	chat := service.NewChatService(store.Conversations(), store.Messages(), service.Options{
		Now: func() time.Time {
			mu.Lock()
			defer mu.Unlock()
			clock = clock.Add(time.Second)
			return clock
		},
	})
	n := &recordingNotifier{}
	return &apiFixture{
		router: NewRouter(Deps{
			Handler:        NewHandler(chat, n),
			Verifier:       verifier,
			AllowedOrigins: []string{"http://localhost:5173"},
		}),
		chat:     chat,
		notifier: n,
	}
}

func (fx *apiFixture) do(t *testing.T, who *domain.Identity, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var rd *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		rd = bytes.NewReader(b)
	} else {
		rd = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, rd)
	req.Header.Set("Content-Type", "application/json")
	if who != nil {
		req.Header.Set(httpmw.HeaderUserID, strconv.FormatInt(who.UserID, 10))
		req.Header.Set(httpmw.HeaderIsAdmin, strconv.FormatBool(who.IsAdmin))
	}
	rec := httptest.NewRecorder()
	fx.router.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func (fx *apiFixture) create(t *testing.T, who domain.Identity, subject string) ConversationItem {
	t.Helper()
	rec := fx.do(t, &who, http.MethodPost, "/api/conversations", CreateConversationRequest{Subject: subject})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	return decode[ConversationItem](t, rec)
}

func TestHealthz(t *testing.T) {
	fx := newAPI(t, nil)
	rec := fx.do(t, nil, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", rec.Body.String())
}

func TestAuthRequired(t *testing.T) {
	fx := newAPI(t, nil)

	rec := fx.do(t, nil, http.MethodGet, "/api/conversations", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "missing X-User-ID", decode[ErrorResponse](t, rec).Error)

	req := httptest.NewRequest(http.MethodGet, "/api/conversations", nil)
	req.Header.Set(httpmw.HeaderUserID, "abc")
	rec = httptest.NewRecorder()
	fx.router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

type stubVerifier map[string]domain.Identity

func (v stubVerifier) Identity(token string) (domain.Identity, error) {
	if id, ok := v[token]; ok {
		return id, nil
	}
	return domain.Identity{}, errors.New("bad token")
}

func TestBearerAuth(t *testing.T) {
	fx := newAPI(t, stubVerifier{"agent-token": agent})

	call := func(header string) int {
		req := httptest.NewRequest(http.MethodGet, "/api/conversations", nil)
		if header != "" {
			req.Header.Set("Authorization", header)
		}
		// identity headers are ignored once a verifier is configured
		req.Header.Set(httpmw.HeaderUserID, "7")
		rec := httptest.NewRecorder()
		fx.router.ServeHTTP(rec, req)
		return rec.Code
	}

	assert.Equal(t, http.StatusOK, call("Bearer agent-token"))
	assert.Equal(t, http.StatusOK, call("bearer agent-token"))
	assert.Equal(t, http.StatusUnauthorized, call("Bearer nope"))
	assert.Equal(t, http.StatusUnauthorized, call("Basic abc"))
	assert.Equal(t, http.StatusUnauthorized, call(""))
}

func TestConversationLifecycle(t *testing.T) {
	fx := newAPI(t, nil)
	c := fx.create(t, customer, "broken zipper")
	assert.Equal(t, customer.UserID, c.CustomerID)
	assert.Equal(t, "open", c.Status)

	path := fmt.Sprintf("/api/conversations/%d", c.ID)

	rec := fx.do(t, &customer, http.MethodGet, path, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "broken zipper", decode[ConversationItem](t, rec).Subject)

	rec = fx.do(t, &stranger, http.MethodGet, path, nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = fx.do(t, &customer, http.MethodGet, "/api/conversations/999", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "conversation not found", decode[ErrorResponse](t, rec).Error)

	rec = fx.do(t, &customer, http.MethodGet, "/api/conversations/abc", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = fx.do(t, &customer, http.MethodPatch, path, UpdateConversationRequest{Status: domain.StatusClosed})
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = fx.do(t, &agent, http.MethodPatch, path, UpdateConversationRequest{Status: "archived"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = fx.do(t, &agent, http.MethodPatch, path, UpdateConversationRequest{Status: domain.StatusClosed})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "closed", decode[ConversationItem](t, rec).Status)

	_, err := fx.chat.PostMessage(context.Background(), customer, service.PostMessageInput{
		ConversationID: c.ID, SenderID: customer.UserID, Content: "hello?",
	})
	assert.Equal(t, http.StatusConflict, ToHTTP(err))
}

func TestListConversations(t *testing.T) {
	fx := newAPI(t, nil)
	for i := range 3 {
		fx.create(t, customer, fmt.Sprintf("mine %d", i))
	}
	fx.create(t, stranger, "theirs")

	rec := fx.do(t, &customer, http.MethodGet, "/api/conversations?limit=2", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	first := decode[ConversationsListResponse](t, rec)
	require.Len(t, first.Items, 2)
	require.NotEmpty(t, first.NextCursor)
	assert.Equal(t, "mine 2", first.Items[0].Subject)

	rec = fx.do(t, &customer, http.MethodGet, "/api/conversations?limit=2&cursor="+first.NextCursor, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	second := decode[ConversationsListResponse](t, rec)
	require.Len(t, second.Items, 1)
	assert.Equal(t, "mine 0", second.Items[0].Subject)

	rec = fx.do(t, &agent, http.MethodGet, "/api/conversations", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[ConversationsListResponse](t, rec).Items, 4)

	rec = fx.do(t, &agent, http.MethodGet, "/api/conversations?status=closed", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, decode[ConversationsListResponse](t, rec).Items)

	for _, q := range []string{"?cursor=***", "?limit=-1", "?status=bogus"} {
		rec = fx.do(t, &agent, http.MethodGet, "/api/conversations"+q, nil)
		assert.Equal(t, http.StatusBadRequest, rec.Code, q)
	}
}

func TestMessagesAndRead(t *testing.T) {
	fx := newAPI(t, nil)
	c := fx.create(t, customer, "refund")
	ctx := context.Background()

	for i := range 3 {
		_, err := fx.chat.PostMessage(ctx, agent, service.PostMessageInput{
			ConversationID: c.ID, SenderID: agent.UserID, Content: fmt.Sprintf("reply %d", i), IsAdminReply: true,
		})
		require.NoError(t, err)
	}

	path := fmt.Sprintf("/api/conversations/%d", c.ID)
	rec := fx.do(t, &customer, http.MethodGet, path+"/messages?limit=2", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	page := decode[MessagesListResponse](t, rec)
	require.Len(t, page.Items, 2)
	assert.Equal(t, "reply 2", page.Items[0].Content)
	assert.False(t, page.Items[0].IsRead)

	rec = fx.do(t, &customer, http.MethodGet, path+"/messages?cursor="+page.NextCursor, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	rest := decode[MessagesListResponse](t, rec)
	require.Len(t, rest.Items, 1)
	assert.Equal(t, "reply 0", rest.Items[0].Content)

	rec = fx.do(t, &stranger, http.MethodGet, path+"/messages", nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = fx.do(t, &customer, http.MethodPost, path+"/read", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	rr := decode[ReadResponse](t, rec)
	assert.Equal(t, int64(3), rr.Marked)
	assert.Equal(t, customer.UserID, rr.UserID)

	require.Len(t, fx.notifier.rcpts, 1)
	assert.Equal(t, c.ID, fx.notifier.rcpts[0].ConversationID)

	rec = fx.do(t, &customer, http.MethodGet, path+"/messages", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	for _, m := range decode[MessagesListResponse](t, rec).Items {
		assert.True(t, m.IsRead)
	}
}

func TestCORSPreflight(t *testing.T) {
	fx := newAPI(t, nil)
	req := httptest.NewRequest(http.MethodOptions, "/api/conversations", nil)
	req.Header.Set("Origin", "http://localhost:5173")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	rec := httptest.NewRecorder()
	fx.router.ServeHTTP(rec, req)

	assert.Equal(t, "http://localhost:5173", rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestToHTTP(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{domain.ErrConversationNotFound, http.StatusNotFound},
		{fmt.Errorf("%w: nope", domain.ErrForbidden), http.StatusForbidden},
		{domain.ErrUnauthorized, http.StatusUnauthorized},
		{domain.ErrInvalidInput, http.StatusBadRequest},
		{domain.ErrInvalidCursor, http.StatusBadRequest},
		{domain.ErrInvalidMessage, http.StatusBadRequest},
		{domain.ErrConversationClosed, http.StatusConflict},
		{fmt.Errorf("repo: %w", domain.ErrConversationClosed), http.StatusConflict},
		{errors.New("connection refused"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, ToHTTP(tc.err), tc.err.Error())
	}
}
