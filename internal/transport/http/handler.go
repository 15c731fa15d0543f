package http

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/cwrk-planet/support-chat/internal/domain"
	httpmw "github.com/cwrk-planet/support-chat/internal/transport/http/middleware"
	"github.com/cwrk-planet/support-chat/internal/transport/ws"
)

const maxBodyBytes = 64 << 10

type ChatAPI interface {
	CreateConversation(ctx context.Context, who domain.Identity, subject string) (*domain.Conversation, error)
	GetConversation(ctx context.Context, who domain.Identity, id int64) (*domain.Conversation, error)
	ListConversations(ctx context.Context, who domain.Identity, status domain.ConversationStatus, limit int, cursor string) ([]domain.Conversation, string, error)
	UpdateStatus(ctx context.Context, who domain.Identity, id int64, status domain.ConversationStatus) (*domain.Conversation, error)
	History(ctx context.Context, who domain.Identity, conversationID int64, cursor string, limit int) ([]domain.Message, string, error)
	MarkRead(ctx context.Context, who domain.Identity, conversationID int64) (domain.ReadReceipt, error)
}

// ReadNotifier pushes messages_read to live sessions.
type ReadNotifier interface {
	NotifyRead(rcpt domain.ReadReceipt, skip ws.Peer)
}

type Handler struct {
	chat     ChatAPI
	notifier ReadNotifier
}

func NewHandler(chat ChatAPI, notifier ReadNotifier) *Handler {
	return &Handler{chat: chat, notifier: notifier}
}

func identity(r *http.Request) domain.Identity {
	who, _ := httpmw.IdentityFromCtx(r.Context())
	return who
}

func conversationID(r *http.Request) (int64, error) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("%w: conversation id must be a positive integer", domain.ErrInvalidInput)
	}
	return id, nil
}

func queryLimit(r *http.Request) (int, error) {
	s := r.URL.Query().Get("limit")
	if s == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("%w: limit must be a non-negative integer", domain.ErrInvalidInput)
	}
	return n, nil
}

func decodeBody(r *http.Request, v any) error {
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(v); err != nil {
		return fmt.Errorf("%w: invalid json", domain.ErrInvalidInput)
	}
	return nil
}

// POST /api/conversations
func (h *Handler) CreateConversation(w http.ResponseWriter, r *http.Request) {
	var req CreateConversationRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, r, "handler.CreateConversation", err)
		return
	}
	c, err := h.chat.CreateConversation(r.Context(), identity(r), req.Subject)
	if err != nil {
		writeError(w, r, "handler.CreateConversation", err)
		return
	}
	writeJSON(w, http.StatusCreated, conversationItem(c))
}

// GET /api/conversations?status=&limit=&cursor=
func (h *Handler) ListConversations(w http.ResponseWriter, r *http.Request) {
	limit, err := queryLimit(r)
	if err != nil {
		writeError(w, r, "handler.ListConversations", err)
		return
	}
	q := r.URL.Query()
	items, next, err := h.chat.ListConversations(r.Context(), identity(r),
		domain.ConversationStatus(q.Get("status")), limit, q.Get("cursor"))
	if err != nil {
		writeError(w, r, "handler.ListConversations", err)
		return
	}

	resp := ConversationsListResponse{Items: make([]ConversationItem, 0, len(items)), NextCursor: next}
	for i := range items {
		resp.Items = append(resp.Items, conversationItem(&items[i]))
	}
	writeJSON(w, http.StatusOK, resp)
}

// GET /api/conversations/{id}
func (h *Handler) GetConversation(w http.ResponseWriter, r *http.Request) {
	id, err := conversationID(r)
	if err != nil {
		writeError(w, r, "handler.GetConversation", err)
		return
	}
	c, err := h.chat.GetConversation(r.Context(), identity(r), id)
	if err != nil {
		writeError(w, r, "handler.GetConversation", err)
		return
	}
	writeJSON(w, http.StatusOK, conversationItem(c))
}

// PATCH /api/conversations/{id}
func (h *Handler) UpdateConversation(w http.ResponseWriter, r *http.Request) {
	id, err := conversationID(r)
	if err != nil {
		writeError(w, r, "handler.UpdateConversation", err)
		return
	}
	var req UpdateConversationRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, r, "handler.UpdateConversation", err)
		return
	}
	c, err := h.chat.UpdateStatus(r.Context(), identity(r), id, req.Status)
	if err != nil {
		writeError(w, r, "handler.UpdateConversation", err)
		return
	}
	writeJSON(w, http.StatusOK, conversationItem(c))
}

// GET /api/conversations/{id}/messages?cursor=&limit=
func (h *Handler) ListMessages(w http.ResponseWriter, r *http.Request) {
	id, err := conversationID(r)
	if err != nil {
		writeError(w, r, "handler.ListMessages", err)
		return
	}
	limit, err := queryLimit(r)
	if err != nil {
		writeError(w, r, "handler.ListMessages", err)
		return
	}
	items, next, err := h.chat.History(r.Context(), identity(r), id, r.URL.Query().Get("cursor"), limit)
	if err != nil {
		writeError(w, r, "handler.ListMessages", err)
		return
	}
	writeJSON(w, http.StatusOK, MessagesListResponse{Items: messageItems(items), NextCursor: next})
}

// POST /api/conversations/{id}/read
func (h *Handler) MarkRead(w http.ResponseWriter, r *http.Request) {
	id, err := conversationID(r)
	if err != nil {
		writeError(w, r, "handler.MarkRead", err)
		return
	}
	rcpt, err := h.chat.MarkRead(r.Context(), identity(r), id)
	if err != nil {
		writeError(w, r, "handler.MarkRead", err)
		return
	}
	if h.notifier != nil {
		h.notifier.NotifyRead(rcpt, nil)
	}
	writeJSON(w, http.StatusOK, ReadResponse{
		ConversationID: rcpt.ConversationID,
		UserID:         rcpt.UserID,
		ReadAt:         rcpt.ReadAt,
		Marked:         rcpt.Marked,
	})
}
