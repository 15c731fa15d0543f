package realtime

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	defaultIdleTimeout  = 45 * time.Second
	defaultWriteTimeout = 10 * time.Second
	maxFrameSize        = 1 << 20
)

type WebSocketOptions struct {
	Dialer *websocket.Dialer
	Header http.Header
	// IdleTimeout closes the connection when neither data nor a ping arrives.
	IdleTimeout time.Duration
}

// WebSocketTransport is the streaming transport, preferred during negotiation.
type WebSocketTransport struct {
	dialer      *websocket.Dialer
	header      http.Header
	idleTimeout time.Duration
}

func NewWebSocketTransport(opts WebSocketOptions) *WebSocketTransport {
	t := &WebSocketTransport{
		dialer:      opts.Dialer,
		header:      opts.Header,
		idleTimeout: opts.IdleTimeout,
	}
	if t.dialer == nil {
		t.dialer = websocket.DefaultDialer
	}
	if t.idleTimeout <= 0 {
		t.idleTimeout = defaultIdleTimeout
	}
	return t
}

func (t *WebSocketTransport) Name() string { return "websocket" }

func (t *WebSocketTransport) Dial(ctx context.Context, endpoint string, query url.Values) (Conn, error) {
	u, err := websocketURL(endpoint)
	if err != nil {
		return nil, err
	}
	u.RawQuery = query.Encode()

	conn, resp, err := t.dialer.DialContext(ctx, u.String(), t.header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("websocket dial %s: %w (status %d)", endpoint, err, resp.StatusCode)
		}
		return nil, fmt.Errorf("websocket dial %s: %w", endpoint, err)
	}
	return newWSConn(conn, t.idleTimeout), nil
}

func websocketURL(endpoint string) (*url.URL, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return nil, fmt.Errorf("parse endpoint: %w", err)
	}
	switch strings.ToLower(u.Scheme) {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return nil, fmt.Errorf("unsupported endpoint scheme %q", u.Scheme)
	}
	return u, nil
}

type wsConn struct {
	conn        *websocket.Conn
	idleTimeout time.Duration

	writeMu   sync.Mutex
	closeOnce sync.Once
}

func newWSConn(conn *websocket.Conn, idle time.Duration) *wsConn {
	c := &wsConn{conn: conn, idleTimeout: idle}
	conn.SetReadLimit(maxFrameSize)
	conn.SetPingHandler(func(appData string) error {
		_ = conn.SetReadDeadline(time.Now().Add(c.idleTimeout))
		err := conn.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(5*time.Second))
		if errors.Is(err, websocket.ErrCloseSent) {
			return nil
		}
		return err
	})
	return c
}

func (c *wsConn) ReadFrame(ctx context.Context) ([]byte, error) {
	deadline := time.Now().Add(c.idleTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = c.conn.SetReadDeadline(deadline)
	// cancellation interrupts a blocked read, e.g. a handshake the server never answers
	stop := context.AfterFunc(ctx, func() { _ = c.conn.SetReadDeadline(time.Now()) })
	defer stop()

	for {
		mt, data, err := c.conn.ReadMessage()
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if err != nil {
			return nil, err
		}
		if mt == websocket.TextMessage || mt == websocket.BinaryMessage {
			return data, nil
		}
	}
}

func (c *wsConn) WriteFrame(ctx context.Context, data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	deadline := time.Now().Add(defaultWriteTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = c.conn.SetWriteDeadline(deadline)
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

func (c *wsConn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		err = c.conn.Close()
	})
	return err
}
