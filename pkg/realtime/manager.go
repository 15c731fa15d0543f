// Package realtime is the client side of the support chat: one Manager owns the
// single physical connection of a session and multiplexes every conversation over it.
//
// A Manager is constructed explicitly and handed to whatever needs it:
//
//	m := realtime.NewManager(realtime.Options{URL: "https://shop.example/chat"})
//	defer m.Close()
//	m.OnNewMessage(func(msg realtime.Message) { ... })
//	m.Connect(realtime.Identity{UserID: 7})
//	m.JoinChat(42)
//	committed, err := m.SendMessage(ctx, realtime.OutgoingMessage{...})
//
// Connection failures never surface as return values; subscribe with
// OnStateChange or OnConnectionError to observe them.
package realtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cwrk-planet/support-chat/pkg/protocol"
)

const (
	DefaultAckTimeout  = 15 * time.Second
	DefaultDialTimeout = 10 * time.Second
	hintWriteTimeout   = 5 * time.Second
)

type (
	ConversationID  = protocol.ConversationID
	Message         = protocol.Message
	OutgoingMessage = protocol.SendMessagePayload
	TypingEvent     = protocol.UserTypingPayload
	ReadEvent       = protocol.MessagesReadPayload
)

// Identity is fixed for the lifetime of a connection.
type Identity struct {
	UserID  int64
	IsAdmin bool
}

type Options struct {
	// URL of the chat namespace, e.g. http://localhost:8080/chat.
	URL string
	// Transports are tried in order on every attempt. Default: websocket, polling.
	Transports []Transport
	// Reconnect defaults to DefaultReconnectPolicy.
	Reconnect *ReconnectPolicy
	// AckTimeout bounds SendMessage. Default 15s.
	AckTimeout time.Duration
	// DialTimeout bounds dial plus handshake per transport. Default 10s.
	DialTimeout time.Duration
	// Token is sent as the handshake token parameter when set.
	Token  string
	Logger *slog.Logger
}

type ackResult struct {
	frame protocol.Frame
	err   error
}

type Manager struct {
	opts   Options
	policy ReconnectPolicy
	log    *slog.Logger

	mu        sync.Mutex
	state     State
	closed    bool
	conn      Conn
	transport string
	cancel    context.CancelFunc
	done      chan struct{} // identifies the running connection loop
	joined    map[ConversationID]struct{}

	seq atomic.Uint64

	pendingMu sync.Mutex
	pending   map[uint64]chan ackResult

	events    *dispatcher
	onState   registry[StateChange]
	onConnErr registry[*ConnectionError]
	onMessage registry[Message]
	onTyping  registry[TypingEvent]
	onRead    registry[ReadEvent]
}

func NewManager(opts Options) *Manager {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if len(opts.Transports) == 0 {
		opts.Transports = []Transport{
			NewWebSocketTransport(WebSocketOptions{}),
			NewPollingTransport(PollingOptions{}),
		}
	}
	if opts.AckTimeout <= 0 {
		opts.AckTimeout = DefaultAckTimeout
	}
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = DefaultDialTimeout
	}
	policy := DefaultReconnectPolicy()
	if opts.Reconnect != nil {
		policy = *opts.Reconnect
		if policy.MaxAttempts < 0 {
			policy.MaxAttempts = 0
		}
	}

	log := opts.Logger.With(slog.String("component", "realtime"))
	return &Manager{
		opts:    opts,
		policy:  policy,
		log:     log,
		joined:  make(map[ConversationID]struct{}),
		pending: make(map[uint64]chan ackResult),
		events:  newDispatcher(log),
	}
}

// Connect starts connecting in the background. It does nothing unless the
// Manager is Disconnected, so repeated calls never open a second connection.
func (m *Manager) Connect(id Identity) {
	m.mu.Lock()
	if m.closed || m.state != StateDisconnected {
		m.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	m.cancel, m.done = cancel, done
	m.setStateLocked(StateConnecting, 0, nil)
	m.mu.Unlock()

	go m.run(ctx, id, done)
}

// Disconnect tears the connection down and stops reconnecting. Pending sends
// fail with ErrConnectionLost and queued joins are forgotten. Safe to repeat.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	cancel, done, conn := m.cancel, m.done, m.conn
	m.cancel, m.done, m.conn = nil, nil, nil
	clear(m.joined)
	m.mu.Unlock()

	if cancel != nil {
		cancel()
		if conn != nil {
			_ = conn.Close()
		}
		<-done
	}
	m.failPending(ErrConnectionLost)

	m.mu.Lock()
	m.setStateLocked(StateDisconnected, 0, nil)
	m.mu.Unlock()
}

// Close disconnects and disposes the Manager. Every subscription is released.
func (m *Manager) Close() {
	m.Disconnect()

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	m.mu.Unlock()

	m.onState.remove()
	m.onConnErr.remove()
	m.onMessage.remove()
	m.onTyping.remove()
	m.onRead.remove()
	m.events.stop()
}

func (m *Manager) IsConnected() bool {
	return m.State() == StateConnected
}

func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Transport names the transport of the current connection, or "".
func (m *Manager) Transport() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != StateConnected {
		return ""
	}
	return m.transport
}

func (m *Manager) OnStateChange(fn func(StateChange)) Subscription {
	return m.onState.add(m.seq.Add(1), fn)
}

func (m *Manager) OffStateChange(subs ...Subscription) { m.onState.remove(subs...) }

func (m *Manager) OnConnectionError(fn func(*ConnectionError)) Subscription {
	return m.onConnErr.add(m.seq.Add(1), fn)
}

func (m *Manager) OffConnectionError(subs ...Subscription) { m.onConnErr.remove(subs...) }

// setStateLocked records a transition and queues its notification. m.mu must be held.
func (m *Manager) setStateLocked(to State, attempt int, err error) {
	from := m.state
	if from == to && err == nil {
		return
	}
	m.state = to

	m.log.Info("connection state", "from", from.String(), "to", to.String(), "attempt", attempt, "err", errString(err))
	ch := StateChange{From: from, To: to, Attempt: attempt, Err: err}
	m.events.push(func() {
		for _, h := range m.onState.snapshot() {
			h(ch)
		}
	})
}

// ownsLocked reports whether done still identifies the active loop.
func (m *Manager) ownsLocked(done chan struct{}) bool {
	return m.done == done && !m.closed
}

func (m *Manager) run(ctx context.Context, id Identity, done chan struct{}) {
	defer close(done)

	attempt := 0
	for {
		conn, name, err := m.dial(ctx, id)
		if ctx.Err() != nil {
			if conn != nil {
				_ = conn.Close()
			}
			return
		}

		var cerr *ConnectionError
		if err == nil {
			m.mu.Lock()
			if !m.ownsLocked(done) {
				m.mu.Unlock()
				_ = conn.Close()
				return
			}
			m.conn, m.transport = conn, name
			m.setStateLocked(StateConnected, attempt, nil)
			rooms := make([]ConversationID, 0, len(m.joined))
			for c := range m.joined {
				rooms = append(rooms, c)
			}
			m.mu.Unlock()

			for _, c := range rooms {
				m.writeHint(conn, protocol.EventJoinChat, protocol.RoomPayload{ConversationID: c})
			}

			readErr := m.readLoop(ctx, conn)
			_ = conn.Close()

			m.mu.Lock()
			if m.conn == conn {
				m.conn = nil
			}
			m.mu.Unlock()
			m.failPending(ErrConnectionLost)

			if ctx.Err() != nil {
				return
			}
			// a dropped connection gets a fresh series of attempts
			attempt = 0
			cerr = &ConnectionError{Attempt: attempt, Transport: name, Err: fmt.Errorf("%w: %v", ErrConnectionLost, readErr)}
		} else {
			cerr = &ConnectionError{Attempt: attempt, Transport: name, Err: err}
		}
		m.reportConnErr(cerr)

		m.mu.Lock()
		if !m.ownsLocked(done) {
			m.mu.Unlock()
			return
		}
		if attempt >= m.policy.MaxAttempts {
			m.cancel()
			m.cancel, m.done = nil, nil
			m.setStateLocked(StateDisconnected, attempt, errors.Join(ErrReconnectExhausted, cerr))
			m.mu.Unlock()
			return
		}
		attempt++
		m.setStateLocked(StateReconnecting, attempt, cerr)
		m.mu.Unlock()

		t := time.NewTimer(m.policy.delay(attempt))
		select {
		case <-ctx.Done():
			t.Stop()
			return
		case <-t.C:
		}
	}
}

// dial negotiates a transport and completes the handshake.
func (m *Manager) dial(ctx context.Context, id Identity) (Conn, string, error) {
	query := protocol.Handshake{UserID: id.UserID, IsAdmin: id.IsAdmin, Token: m.opts.Token}.Query()

	var errs []error
	name := ""
	for _, t := range m.opts.Transports {
		name = t.Name()
		conn, err := m.dialOne(ctx, t, query)
		if err == nil {
			return conn, name, nil
		}
		if ctx.Err() != nil {
			return nil, name, ctx.Err()
		}
		m.log.Debug("transport failed", "transport", name, "err", err)
		errs = append(errs, fmt.Errorf("%s: %w", name, err))
	}
	return nil, name, errors.Join(errs...)
}

func (m *Manager) dialOne(ctx context.Context, t Transport, query url.Values) (Conn, error) {
	dctx, cancel := context.WithTimeout(ctx, m.opts.DialTimeout)
	defer cancel()

	conn, err := t.Dial(dctx, m.opts.URL, query)
	if err != nil {
		return nil, err
	}
	raw, err := conn.ReadFrame(dctx)
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("handshake: %w", err)
	}
	f, err := protocol.Decode(raw)
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("handshake: %w", err)
	}
	switch f.Kind {
	case protocol.KindConnect:
		return conn, nil
	case protocol.KindConnectError:
		var p protocol.ConnectErrorPayload
		_ = f.Bind(&p)
		_ = conn.Close()
		return nil, fmt.Errorf("handshake refused: %s", p.Message)
	default:
		_ = conn.Close()
		return nil, fmt.Errorf("handshake: unexpected %q frame", f.Kind)
	}
}

func (m *Manager) reportConnErr(cerr *ConnectionError) {
	m.log.Warn("connection error", "attempt", cerr.Attempt, "transport", cerr.Transport, "err", cerr.Err)
	m.events.push(func() {
		for _, h := range m.onConnErr.snapshot() {
			h(cerr)
		}
	})
}

func (m *Manager) readLoop(ctx context.Context, conn Conn) error {
	for {
		raw, err := conn.ReadFrame(ctx)
		if err != nil {
			return err
		}
		f, err := protocol.Decode(raw)
		if err != nil {
			m.log.Warn("drop undecodable frame", "err", err)
			continue
		}
		switch f.Kind {
		case protocol.KindAck:
			m.resolve(f)
		case protocol.KindEvent:
			m.route(f)
		case protocol.KindConnectError:
			var p protocol.ConnectErrorPayload
			_ = f.Bind(&p)
			return fmt.Errorf("server closed session: %s", p.Message)
		}
	}
}

// route decodes an inbound event and queues it for its subscribers.
func (m *Manager) route(f protocol.Frame) {
	switch f.Event {
	case protocol.EventNewMessage:
		var msg Message
		if err := f.Bind(&msg); err != nil {
			m.log.Warn("bad new_message", "err", err)
			return
		}
		m.events.push(func() {
			for _, h := range m.onMessage.snapshot() {
				h(msg)
			}
		})
	case protocol.EventUserTyping:
		var ev TypingEvent
		if err := f.Bind(&ev); err != nil {
			m.log.Warn("bad user_typing", "err", err)
			return
		}
		m.events.push(func() {
			for _, h := range m.onTyping.snapshot() {
				h(ev)
			}
		})
	case protocol.EventMessagesRead:
		var ev ReadEvent
		if err := f.Bind(&ev); err != nil {
			m.log.Warn("bad messages_read", "err", err)
			return
		}
		m.events.push(func() {
			for _, h := range m.onRead.snapshot() {
				h(ev)
			}
		})
	default:
		m.log.Debug("ignore event", "event", f.Event)
	}
}

func (m *Manager) resolve(f protocol.Frame) {
	m.pendingMu.Lock()
	ch, ok := m.pending[f.AckID]
	delete(m.pending, f.AckID)
	m.pendingMu.Unlock()

	if !ok {
		m.log.Debug("ack without pending call", "ack_id", f.AckID)
		return
	}
	ch <- ackResult{frame: f}
}

func (m *Manager) failPending(err error) {
	m.pendingMu.Lock()
	defer m.pendingMu.Unlock()

	for id, ch := range m.pending {
		ch <- ackResult{err: err}
		delete(m.pending, id)
	}
}

// activeConn returns the connection only while Connected.
func (m *Manager) activeConn() (Conn, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, ErrClosed
	}
	if m.state != StateConnected || m.conn == nil {
		return nil, ErrNotConnected
	}
	return m.conn, nil
}

// writeHint sends a fire-and-forget event. Failures are only logged.
func (m *Manager) writeHint(conn Conn, event string, payload any) {
	f, err := protocol.NewEvent(event, payload, 0)
	if err != nil {
		m.log.Warn("encode hint", "event", event, "err", err)
		return
	}
	data, err := f.Encode()
	if err != nil {
		m.log.Warn("encode hint", "event", event, "err", err)
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), hintWriteTimeout)
	defer cancel()
	if err := conn.WriteFrame(ctx, data); err != nil {
		m.log.Debug("hint lost", "event", event, "err", err)
	}
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
