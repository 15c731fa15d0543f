package realtime

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/cwrk-planet/support-chat/pkg/protocol"
)

type PollingOptions struct {
	// Client must not impose a timeout shorter than the server's poll window.
	Client *http.Client
	Header http.Header
}

// PollingTransport is the HTTP long-polling fallback.
type PollingTransport struct {
	client *http.Client
	header http.Header
}

func NewPollingTransport(opts PollingOptions) *PollingTransport {
	t := &PollingTransport{client: opts.Client, header: opts.Header}
	if t.client == nil {
		t.client = &http.Client{}
	}
	return t
}

func (t *PollingTransport) Name() string { return "polling" }

func (t *PollingTransport) Dial(ctx context.Context, endpoint string, query url.Values) (Conn, error) {
	u, err := url.Parse(strings.TrimRight(endpoint, "/") + "/poll")
	if err != nil {
		return nil, fmt.Errorf("parse endpoint: %w", err)
	}

	c := &pollConn{client: t.client, header: t.header, base: *u}
	c.ctx, c.cancel = context.WithCancel(context.Background())

	env, err := c.get(ctx, query)
	if err != nil {
		c.cancel()
		return nil, fmt.Errorf("polling handshake: %w", err)
	}
	if env.SID == "" {
		c.cancel()
		return nil, fmt.Errorf("polling handshake: no session id")
	}
	c.sid = env.SID
	c.buf = env.Frames
	return c, nil
}

type pollConn struct {
	client *http.Client
	header http.Header
	base   url.URL
	sid    string

	// ctx is cancelled by Close and aborts in-flight requests.
	ctx    context.Context
	cancel context.CancelFunc

	buf       []json.RawMessage
	writeMu   sync.Mutex
	closeOnce sync.Once
}

func (c *pollConn) ReadFrame(ctx context.Context) ([]byte, error) {
	for len(c.buf) == 0 {
		if c.ctx.Err() != nil {
			return nil, errConnClosed
		}
		env, err := c.get(ctx, url.Values{protocol.ParamSID: {c.sid}})
		if err != nil {
			return nil, err
		}
		c.buf = env.Frames
	}
	f := c.buf[0]
	c.buf = c.buf[1:]
	return f, nil
}

func (c *pollConn) WriteFrame(ctx context.Context, data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	body, err := json.Marshal(protocol.PollEnvelope{Frames: []json.RawMessage{data}})
	if err != nil {
		return err
	}
	resp, err := c.do(ctx, http.MethodPost, url.Values{protocol.ParamSID: {c.sid}}, body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNoContent {
		return fmt.Errorf("polling write: status %d", resp.StatusCode)
	}
	return nil
}

func (c *pollConn) Close() error {
	c.closeOnce.Do(func() {
		c.cancel()
		ctx, cancel := context.WithTimeout(context.Background(), defaultWriteTimeout)
		defer cancel()
		if resp, err := c.doRaw(ctx, http.MethodDelete, url.Values{protocol.ParamSID: {c.sid}}, nil); err == nil {
			resp.Body.Close()
		}
	})
	return nil
}

func (c *pollConn) get(ctx context.Context, q url.Values) (protocol.PollEnvelope, error) {
	resp, err := c.do(ctx, http.MethodGet, q, nil)
	if err != nil {
		return protocol.PollEnvelope{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return protocol.PollEnvelope{}, fmt.Errorf("polling: status %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	var env protocol.PollEnvelope
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxFrameSize)).Decode(&env); err != nil {
		return protocol.PollEnvelope{}, fmt.Errorf("polling: decode: %w", err)
	}
	return env, nil
}

// do ties the request to both the caller ctx and the connection lifetime.
func (c *pollConn) do(ctx context.Context, method string, q url.Values, body []byte) (*http.Response, error) {
	reqCtx, cancel := context.WithCancel(ctx)
	stop := context.AfterFunc(c.ctx, cancel)
	resp, err := c.doRaw(reqCtx, method, q, body)
	if err != nil {
		stop()
		cancel()
		return nil, err
	}
	resp.Body = &cancelBody{ReadCloser: resp.Body, release: func() { stop(); cancel() }}
	return resp, nil
}

func (c *pollConn) doRaw(ctx context.Context, method string, q url.Values, body []byte) (*http.Response, error) {
	u := c.base
	u.RawQuery = q.Encode()

	var rd io.Reader
	if body != nil {
		rd = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, u.String(), rd)
	if err != nil {
		return nil, err
	}
	for k, vs := range c.header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return c.client.Do(req)
}

type cancelBody struct {
	io.ReadCloser
	release func()
}

func (b *cancelBody) Close() error {
	err := b.ReadCloser.Close()
	b.release()
	return err
}
