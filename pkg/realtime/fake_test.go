package realtime_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/cwrk-planet/support-chat/pkg/protocol"
	"github.com/cwrk-planet/support-chat/pkg/realtime"
)

var errDialRefused = errors.New("dial refused")

// fakeTransport hands out in-memory connections and records every dial.
type fakeTransport struct {
	name string

	mu     sync.Mutex
	dials  []time.Time
	query  url.Values
	refuse func(n int) error // n is the 0-based dial index
	reject string            // answer the handshake with connect_error

	conns chan *fakeConn
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{name: "fake", conns: make(chan *fakeConn, 16)}
}

func (t *fakeTransport) Name() string { return t.name }

func (t *fakeTransport) Dial(_ context.Context, _ string, q url.Values) (realtime.Conn, error) {
	t.mu.Lock()
	n := len(t.dials)
	t.dials = append(t.dials, time.Now())
	t.query = q
	refuse, reject := t.refuse, t.reject
	t.mu.Unlock()

	if refuse != nil {
		if err := refuse(n); err != nil {
			return nil, err
		}
	}
	c := newFakeConn()
	if reject != "" {
		c.push(protocol.NewConnectError(reject))
		return c, nil
	}
	c.push(protocol.NewConnect("sid-1"))
	t.conns <- c
	return c, nil
}

func (t *fakeTransport) dialCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.dials)
}

func (t *fakeTransport) dialTimes() []time.Time {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]time.Time(nil), t.dials...)
}

func (t *fakeTransport) lastQuery() url.Values {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.query
}

// accept waits for the next established connection.
func (t *fakeTransport) accept(tb testing.TB) *fakeConn {
	tb.Helper()
	select {
	case c := <-t.conns:
		return c
	case <-time.After(2 * time.Second):
		tb.Fatal("no connection dialed")
		return nil
	}
}

// fakeConn is the client end; the test plays the server via push/next.
type fakeConn struct {
	in     chan []byte
	out    chan []byte
	closed chan struct{}
	once   sync.Once
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		in:     make(chan []byte, 64),
		out:    make(chan []byte, 64),
		closed: make(chan struct{}),
	}
}

func (c *fakeConn) ReadFrame(ctx context.Context) ([]byte, error) {
	select {
	case b := <-c.in:
		return b, nil
	case <-c.closed:
		return nil, io.EOF
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *fakeConn) WriteFrame(ctx context.Context, data []byte) error {
	select {
	case <-c.closed:
		return io.ErrClosedPipe
	default:
	}
	select {
	case c.out <- data:
		return nil
	case <-c.closed:
		return io.ErrClosedPipe
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *fakeConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

func (c *fakeConn) isClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

func (c *fakeConn) push(f protocol.Frame) {
	b, err := f.Encode()
	if err != nil {
		panic(err)
	}
	c.in <- b
}

func (c *fakeConn) pushEvent(tb testing.TB, event string, payload any) {
	tb.Helper()
	f, err := protocol.NewEvent(event, payload, 0)
	require.NoError(tb, err)
	c.push(f)
}

func (c *fakeConn) ack(tb testing.TB, ackID uint64, payload any) {
	tb.Helper()
	f, err := protocol.NewAck(ackID, payload)
	require.NoError(tb, err)
	c.push(f)
}

// next returns the next frame the client wrote.
func (c *fakeConn) next(tb testing.TB) protocol.Frame {
	tb.Helper()
	select {
	case b := <-c.out:
		f, err := protocol.Decode(b)
		require.NoError(tb, err)
		return f
	case <-time.After(2 * time.Second):
		tb.Fatal("client wrote nothing")
		return protocol.Frame{}
	}
}

func (c *fakeConn) written() int { return len(c.out) }

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newManager(t *testing.T, ft *fakeTransport, mutate func(*realtime.Options)) *realtime.Manager {
	t.Helper()
	opts := realtime.Options{
		URL:         "http://chat.test/chat",
		Transports:  []realtime.Transport{ft},
		Reconnect:   &realtime.ReconnectPolicy{MaxAttempts: 0},
		AckTimeout:  time.Second,
		DialTimeout: time.Second,
		Logger:      quietLogger(),
	}
	if mutate != nil {
		mutate(&opts)
	}
	m := realtime.NewManager(opts)
	t.Cleanup(m.Close)
	return m
}

func waitState(t *testing.T, m *realtime.Manager, want realtime.State) {
	t.Helper()
	require.Eventually(t, func() bool { return m.State() == want }, 2*time.Second, 5*time.Millisecond,
		"state %s, want %s", m.State(), want)
}

func bindData[T any](t *testing.T, f protocol.Frame) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(f.Data, &v))
	return v
}
