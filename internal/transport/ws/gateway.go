package ws

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"github.com/cwrk-planet/support-chat/internal/domain"
	"github.com/cwrk-planet/support-chat/internal/service"
	"github.com/cwrk-planet/support-chat/pkg/protocol"
)

const frameTimeout = 10 * time.Second

var (
	errTokenMismatch = errors.New("token does not match userId")
	errShuttingDown  = errors.New("gateway shutting down")
)

type ChatSvc interface {
	Authorize(ctx context.Context, who domain.Identity, conversationID int64) error
	PostMessage(ctx context.Context, who domain.Identity, in service.PostMessageInput) (*domain.Message, error)
	MarkRead(ctx context.Context, who domain.Identity, conversationID int64) (domain.ReadReceipt, error)
}

// TokenVerifier turns a bearer token into an identity.
type TokenVerifier interface {
	Identity(token string) (domain.Identity, error)
}

// Gateway applies inbound frames from any peer to the chat service and the hub.
type Gateway struct {
	hub      *Hub
	chat     ChatSvc
	verifier TokenVerifier // nil trusts the handshake identity
	log      *slog.Logger

	mu   sync.Mutex
	live map[Peer]struct{}
	shut bool
}

func NewGateway(hub *Hub, chat ChatSvc, verifier TokenVerifier, log *slog.Logger) *Gateway {
	if log == nil {
		log = slog.Default()
	}
	return &Gateway{hub: hub, chat: chat, verifier: verifier, log: log, live: make(map[Peer]struct{})}
}

func (g *Gateway) Hub() *Hub { return g.hub }

// Authenticate resolves the identity of a connecting client from its handshake query.
func (g *Gateway) Authenticate(q url.Values) (domain.Identity, error) {
	hs, err := protocol.ParseHandshake(q)
	if err != nil {
		return domain.Identity{}, err
	}
	if g.verifier == nil {
		return domain.Identity{UserID: hs.UserID, IsAdmin: hs.IsAdmin}, nil
	}
	if hs.Token == "" {
		return domain.Identity{}, fmt.Errorf("%w: missing token", domain.ErrUnauthorized)
	}
	id, err := g.verifier.Identity(hs.Token)
	if err != nil {
		return domain.Identity{}, fmt.Errorf("%w: %v", domain.ErrUnauthorized, err)
	}
	if id.UserID != hs.UserID {
		return domain.Identity{}, fmt.Errorf("%w: %v", domain.ErrUnauthorized, errTokenMismatch)
	}
	return id, nil
}

// Connected registers a live peer. It fails once Shutdown has begun.
func (g *Gateway) Connected(p Peer) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.shut {
		return errShuttingDown
	}
	g.live[p] = struct{}{}
	return nil
}

// Disconnected forgets the peer and every room it joined.
func (g *Gateway) Disconnected(p Peer) {
	g.mu.Lock()
	delete(g.live, p)
	g.mu.Unlock()
	g.hub.Remove(p)
}

// Live reports the number of connected peers.
func (g *Gateway) Live() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.live)
}

// Shutdown closes every live peer. Hijacked connections are not closed by http.Server.Shutdown.
func (g *Gateway) Shutdown() {
	g.mu.Lock()
	g.shut = true
	peers := make([]Peer, 0, len(g.live))
	for p := range g.live {
		peers = append(peers, p)
	}
	g.mu.Unlock()

	for _, p := range peers {
		_ = p.Close()
	}
	g.log.Info("gateway closed sessions", "count", len(peers))
}

// HandleFrame processes one raw client frame. Errors never end the session.
func (g *Gateway) HandleFrame(ctx context.Context, p Peer, raw []byte) {
	f, err := protocol.Decode(raw)
	if err != nil {
		g.log.Debug("drop frame", "peer", p.ID(), "err", err)
		return
	}
	if f.Kind != protocol.KindEvent {
		g.log.Debug("ignore frame kind", "peer", p.ID(), "kind", string(f.Kind))
		return
	}

	ctx, cancel := context.WithTimeout(ctx, frameTimeout)
	defer cancel()

	switch f.Event {
	case protocol.EventJoinChat:
		g.join(ctx, p, f)
	case protocol.EventLeaveChat:
		var room protocol.RoomPayload
		if f.Bind(&room) == nil {
			g.hub.Leave(int64(room.ConversationID), p)
		}
	case protocol.EventSendMessage:
		g.sendMessage(ctx, p, f)
	case protocol.EventTyping:
		g.typing(p, f)
	case protocol.EventMessageRead:
		g.messageRead(ctx, p, f)
	default:
		g.log.Debug("unknown event", "peer", p.ID(), "event", f.Event)
	}
}

// join has no response frame; a refused join is only logged.
func (g *Gateway) join(ctx context.Context, p Peer, f protocol.Frame) {
	var room protocol.RoomPayload
	if err := f.Bind(&room); err != nil {
		g.log.Debug("bad join_chat", "peer", p.ID(), "err", err)
		return
	}
	conv := int64(room.ConversationID)
	if err := g.chat.Authorize(ctx, p.Identity(), conv); err != nil {
		g.log.Info("join refused", "peer", p.ID(), "user_id", p.Identity().UserID, "conversation_id", conv, "err", err)
		return
	}
	g.hub.Join(conv, p)
	g.log.Debug("joined", "peer", p.ID(), "conversation_id", conv)
}

func (g *Gateway) sendMessage(ctx context.Context, p Peer, f protocol.Frame) {
	if f.AckID == 0 {
		g.log.Debug("send_message without ack id", "peer", p.ID())
		return
	}

	var in protocol.SendMessagePayload
	if err := f.Bind(&in); err != nil {
		g.ack(p, f.AckID, protocol.SendMessageAck{Error: domain.ErrInvalidMessage.Error()})
		return
	}
	conv := int64(in.ConversationID)
	if !g.hub.IsMember(conv, p) {
		g.ack(p, f.AckID, protocol.SendMessageAck{Error: domain.ErrNotJoined.Error()})
		return
	}

	m, err := g.chat.PostMessage(ctx, p.Identity(), service.PostMessageInput{
		ConversationID: conv,
		SenderID:       in.SenderID,
		Content:        in.Content,
		ImageURL:       in.ImageURL,
		IsAdminReply:   in.IsAdminReply,
	})
	if err != nil {
		g.log.Info("send_message rejected", "peer", p.ID(), "conversation_id", conv, "err", err)
		g.ack(p, f.AckID, protocol.SendMessageAck{Error: PublicError(err)})
		return
	}

	wire := WireMessage(*m)
	g.ack(p, f.AckID, protocol.SendMessageAck{Success: true, Message: &wire})

	// the sender's room subscribers get it too
	ev, err := protocol.NewEvent(protocol.EventNewMessage, wire, 0)
	if err != nil {
		g.log.Error("encode new_message", "err", err)
		return
	}
	g.hub.Broadcast(conv, ev, nil)
}

func (g *Gateway) typing(p Peer, f protocol.Frame) {
	var in protocol.TypingPayload
	if err := f.Bind(&in); err != nil {
		return
	}
	conv := int64(in.ConversationID)
	if !g.hub.IsMember(conv, p) {
		return
	}
	ev, err := protocol.NewEvent(protocol.EventUserTyping, protocol.UserTypingPayload{
		ConversationID: in.ConversationID,
		UserID:         p.Identity().UserID,
		IsTyping:       in.IsTyping,
	}, 0)
	if err != nil {
		return
	}
	g.hub.Broadcast(conv, ev, p)
}

func (g *Gateway) messageRead(ctx context.Context, p Peer, f protocol.Frame) {
	var in protocol.RoomPayload
	if err := f.Bind(&in); err != nil {
		return
	}
	conv := int64(in.ConversationID)
	if !g.hub.IsMember(conv, p) {
		return
	}
	rcpt, err := g.chat.MarkRead(ctx, p.Identity(), conv)
	if err != nil {
		g.log.Info("message_read failed", "peer", p.ID(), "conversation_id", conv, "err", err)
		return
	}
	g.NotifyRead(rcpt, p)
}

// NotifyRead broadcasts messages_read to the room, skipping the reader's own peer.
func (g *Gateway) NotifyRead(rcpt domain.ReadReceipt, skip Peer) {
	ev, err := protocol.NewEvent(protocol.EventMessagesRead, protocol.MessagesReadPayload{
		ConversationID: protocol.ConversationID(rcpt.ConversationID),
		UserID:         rcpt.UserID,
		ReadAt:         rcpt.ReadAt,
	}, 0)
	if err != nil {
		return
	}
	g.hub.Broadcast(rcpt.ConversationID, ev, skip)
}

func (g *Gateway) ack(p Peer, ackID uint64, payload protocol.SendMessageAck) {
	f, err := protocol.NewAck(ackID, payload)
	if err != nil {
		g.log.Error("encode ack", "err", err)
		return
	}
	if err := p.Send(f); err != nil {
		g.log.Debug("ack not delivered", "peer", p.ID(), "err", err)
	}
}

// PublicError is the reason shown to clients. Unknown errors are not exposed.
func PublicError(err error) string {
	for _, known := range []error{
		domain.ErrConversationNotFound,
		domain.ErrConversationClosed,
		domain.ErrForbidden,
		domain.ErrInvalidMessage,
		domain.ErrInvalidInput,
		domain.ErrNotJoined,
		domain.ErrInvalidCursor,
		domain.ErrUnauthorized,
	} {
		if errors.Is(err, known) {
			return err.Error()
		}
	}
	return "internal error"
}

func WireMessage(m domain.Message) protocol.Message {
	return protocol.Message{
		ID:             m.ID,
		ConversationID: protocol.ConversationID(m.ConversationID),
		SenderID:       m.SenderID,
		Content:        m.Content,
		ImageURL:       m.ImageURL,
		IsAdminReply:   m.IsAdminReply,
		IsRead:         m.IsRead,
		CreatedAt:      m.CreatedAt,
	}
}
