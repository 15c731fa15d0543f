package realtime

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/cwrk-planet/support-chat/pkg/protocol"
)

const fallbackRejectReason = "message rejected"

// JoinChat adds the conversation to the membership set. The join is sent now
// when connected and after every successful (re)connect otherwise.
func (m *Manager) JoinChat(id ConversationID) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.joined[id] = struct{}{}
	conn := m.connectedLocked()
	m.mu.Unlock()

	if conn == nil {
		m.log.Debug("join queued", "conversation_id", id.String())
		return
	}
	m.writeHint(conn, protocol.EventJoinChat, protocol.RoomPayload{ConversationID: id})
}

func (m *Manager) LeaveChat(id ConversationID) {
	m.mu.Lock()
	_, was := m.joined[id]
	delete(m.joined, id)
	conn := m.connectedLocked()
	m.mu.Unlock()

	if !was || conn == nil {
		return
	}
	m.writeHint(conn, protocol.EventLeaveChat, protocol.RoomPayload{ConversationID: id})
}

// Joined returns the membership set in ascending order.
func (m *Manager) Joined() []ConversationID {
	m.mu.Lock()
	out := make([]ConversationID, 0, len(m.joined))
	for id := range m.joined {
		out = append(out, id)
	}
	m.mu.Unlock()

	slices.Sort(out)
	return out
}

func (m *Manager) connectedLocked() Conn {
	if m.state != StateConnected {
		return nil
	}
	return m.conn
}

// SendMessage sends one message and waits for the server's acknowledgment.
// The call is never retried.
func (m *Manager) SendMessage(ctx context.Context, msg OutgoingMessage) (Message, error) {
	conn, err := m.activeConn()
	if err != nil {
		return Message{}, err
	}

	ackID := m.seq.Add(1)
	f, err := protocol.NewEvent(protocol.EventSendMessage, msg, ackID)
	if err != nil {
		return Message{}, err
	}
	data, err := f.Encode()
	if err != nil {
		return Message{}, err
	}

	ch := make(chan ackResult, 1)
	m.pendingMu.Lock()
	m.pending[ackID] = ch
	m.pendingMu.Unlock()
	defer m.forget(ackID)

	if err := conn.WriteFrame(ctx, data); err != nil {
		if ctx.Err() != nil {
			return Message{}, ctx.Err()
		}
		return Message{}, fmt.Errorf("%w: %v", ErrConnectionLost, err)
	}

	timer := time.NewTimer(m.opts.AckTimeout)
	defer timer.Stop()

	select {
	case res := <-ch:
		if res.err != nil {
			return Message{}, res.err
		}
		return decodeSendAck(res.frame)
	case <-timer.C:
		return Message{}, ErrTimeout
	case <-ctx.Done():
		return Message{}, ctx.Err()
	}
}

func (m *Manager) forget(ackID uint64) {
	m.pendingMu.Lock()
	delete(m.pending, ackID)
	m.pendingMu.Unlock()
}

func decodeSendAck(f protocol.Frame) (Message, error) {
	var ack protocol.SendMessageAck
	if err := f.Bind(&ack); err != nil {
		return Message{}, &ServerRejectedError{Reason: err.Error()}
	}
	if !ack.Success {
		reason := ack.Error
		if reason == "" {
			reason = fallbackRejectReason
		}
		return Message{}, &ServerRejectedError{Reason: reason}
	}
	if ack.Message == nil {
		return Message{}, &ServerRejectedError{Reason: "acknowledgment without message"}
	}
	return *ack.Message, nil
}

// SendTyping is a hint; it is dropped when not connected.
func (m *Manager) SendTyping(id ConversationID, isTyping bool) {
	m.hint(protocol.EventTyping, protocol.TypingPayload{ConversationID: id, IsTyping: isTyping})
}

// MarkAsRead moves the caller's read watermark for the conversation. It is a
// hint and is dropped when not connected.
func (m *Manager) MarkAsRead(id ConversationID) {
	m.hint(protocol.EventMessageRead, protocol.RoomPayload{ConversationID: id})
}

func (m *Manager) hint(event string, payload any) {
	conn, err := m.activeConn()
	if err != nil {
		if !errors.Is(err, ErrClosed) {
			m.log.Debug("hint dropped", "event", event, "err", err)
		}
		return
	}
	m.writeHint(conn, event, payload)
}

func (m *Manager) OnNewMessage(fn func(Message)) Subscription {
	return m.onMessage.add(m.seq.Add(1), fn)
}

// OffNewMessage removes the given handlers, or all of them when called without arguments.
func (m *Manager) OffNewMessage(subs ...Subscription) { m.onMessage.remove(subs...) }

func (m *Manager) OnUserTyping(fn func(TypingEvent)) Subscription {
	return m.onTyping.add(m.seq.Add(1), fn)
}

func (m *Manager) OffUserTyping(subs ...Subscription) { m.onTyping.remove(subs...) }

func (m *Manager) OnMessagesRead(fn func(ReadEvent)) Subscription {
	return m.onRead.add(m.seq.Add(1), fn)
}

func (m *Manager) OffMessagesRead(subs ...Subscription) { m.onRead.remove(subs...) }
