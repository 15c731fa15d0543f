package ws

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/cwrk-planet/support-chat/internal/domain"
	"github.com/cwrk-planet/support-chat/pkg/protocol"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	defaultPingEvery = 15 * time.Second
	writeWait        = 5 * time.Second
	maxFrameBytes    = 1 << 20
)

type ServerOptions struct {
	PingEvery time.Duration
	// CheckOrigin defaults to allowing every origin.
	CheckOrigin func(r *http.Request) bool
}

type Server struct {
	upgrader  websocket.Upgrader
	gw        *Gateway
	log       *slog.Logger
	pingEvery time.Duration
}

func NewServer(gw *Gateway, opts ServerOptions) *Server {
	s := &Server{
		gw:        gw,
		log:       gw.log.With(slog.String("transport", "websocket")),
		pingEvery: opts.PingEvery,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     opts.CheckOrigin,
		},
	}
	if s.pingEvery <= 0 {
		s.pingEvery = defaultPingEvery
	}
	if s.upgrader.CheckOrigin == nil {
		s.upgrader.CheckOrigin = func(r *http.Request) bool { return true }
	}
	return s
}

// HandleWS: GET /chat?userId=&isAdmin=&token=
func (s *Server) HandleWS(w http.ResponseWriter, r *http.Request) {
	who, err := s.gw.Authenticate(r.URL.Query())
	if err != nil {
		writeHandshakeError(w, err)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already replied
		s.log.Warn("ws upgrade failed", "err", err)
		return
	}

	p := newWSPeer(conn, who)
	log := s.log.With("peer", p.ID(), "user_id", who.UserID)
	if err := s.gw.Connected(p); err != nil {
		_ = p.Close()
		return
	}

	if err := p.Send(protocol.NewConnect(p.ID())); err != nil {
		log.Warn("ws send connect failed", "err", err)
		_ = p.Close()
		return
	}
	log.Info("ws connected", "is_admin", who.IsAdmin)

	ctx, cancel := context.WithCancel(r.Context())
	go s.pingLoop(ctx, p)
	s.readLoop(ctx, p)
	cancel()

	s.gw.Disconnected(p)
	if err := p.Close(); err != nil {
		log.Debug("ws close failed", "err", err)
	}
	log.Info("ws disconnected")
}

func (s *Server) readLoop(ctx context.Context, p *wsPeer) {
	p.conn.SetReadLimit(maxFrameBytes)
	_ = p.conn.SetReadDeadline(time.Now().Add(2 * s.pingEvery))
	p.conn.SetPongHandler(func(string) error {
		return p.conn.SetReadDeadline(time.Now().Add(2 * s.pingEvery))
	})

	for {
		_, data, err := p.conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.log.Debug("ws read ended", "peer", p.ID(), "err", err)
			}
			return
		}
		_ = p.conn.SetReadDeadline(time.Now().Add(2 * s.pingEvery))
		s.gw.HandleFrame(ctx, p, data)
	}
}

func (s *Server) pingLoop(ctx context.Context, p *wsPeer) {
	ticker := time.NewTicker(s.pingEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := p.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		case <-ctx.Done():
			return
		case <-p.closed:
			return
		}
	}
}

// writeHandshakeError answers a refused handshake before any upgrade.
func writeHandshakeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, protocol.ErrInvalidHandshake):
		http.Error(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, domain.ErrUnauthorized):
		http.Error(w, "unauthorized", http.StatusUnauthorized)
	default:
		http.Error(w, "internal error", http.StatusInternalServerError)
	}
}

type wsPeer struct {
	id     string
	who    domain.Identity
	conn   *websocket.Conn
	sendMu sync.Mutex
	once   sync.Once
	closed chan struct{}
}

func newWSPeer(conn *websocket.Conn, who domain.Identity) *wsPeer {
	return &wsPeer{
		id:     uuid.NewString(),
		who:    who,
		conn:   conn,
		closed: make(chan struct{}),
	}
}

func (p *wsPeer) ID() string                { return p.id }
func (p *wsPeer) Identity() domain.Identity { return p.who }

func (p *wsPeer) Send(f protocol.Frame) error {
	data, err := f.Encode()
	if err != nil {
		return err
	}
	p.sendMu.Lock()
	defer p.sendMu.Unlock()

	select {
	case <-p.closed:
		return websocket.ErrCloseSent
	default:
	}
	_ = p.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return p.conn.WriteMessage(websocket.TextMessage, data)
}

func (p *wsPeer) Close() error {
	var err error
	p.once.Do(func() {
		close(p.closed)
		p.sendMu.Lock()
		_ = p.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		p.sendMu.Unlock()
		err = p.conn.Close()
	})
	return err
}
