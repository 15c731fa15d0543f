package ws

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"sync"
	"time"

	"github.com/cwrk-planet/support-chat/internal/domain"
	"github.com/cwrk-planet/support-chat/pkg/protocol"

	"github.com/sqids/sqids-go"
)

const (
	defaultPollTimeout = 25 * time.Second
	defaultSessionTTL  = 60 * time.Second
	maxQueuedFrames    = 1024
)

var (
	errSessionClosed = errors.New("poll session closed")
	errQueueOverflow = errors.New("poll session queue overflow")
)

type PollOptions struct {
	// PollTimeout bounds one long-poll GET.
	PollTimeout time.Duration
	// SessionTTL is the idle time after which a session is reaped.
	SessionTTL time.Duration
}

// PollServer is the long-polling fallback for clients that cannot open a WebSocket.
type PollServer struct {
	gw      *Gateway
	log     *slog.Logger
	ids     *idGen
	timeout time.Duration
	ttl     time.Duration

	mu       sync.Mutex
	sessions map[string]*pollPeer
}

func NewPollServer(gw *Gateway, opts PollOptions) (*PollServer, error) {
	ids, err := newIDGen()
	if err != nil {
		return nil, err
	}
	s := &PollServer{
		gw:       gw,
		log:      gw.log.With(slog.String("transport", "polling")),
		ids:      ids,
		timeout:  opts.PollTimeout,
		ttl:      opts.SessionTTL,
		sessions: make(map[string]*pollPeer),
	}
	if s.timeout <= 0 {
		s.timeout = defaultPollTimeout
	}
	if s.ttl <= 0 {
		s.ttl = defaultSessionTTL
	}
	return s, nil
}

// HandlePoll serves GET/POST/DELETE /chat/poll.
func (s *PollServer) HandlePoll(w http.ResponseWriter, r *http.Request) {
	sid := r.URL.Query().Get(protocol.ParamSID)

	switch {
	case r.Method == http.MethodGet && sid == "":
		s.open(w, r)
	case r.Method == http.MethodGet:
		s.poll(w, r, sid)
	case r.Method == http.MethodPost:
		s.post(w, r, sid)
	case r.Method == http.MethodDelete:
		s.remove(w, sid)
	default:
		w.Header().Set("Allow", "GET, POST, DELETE")
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *PollServer) open(w http.ResponseWriter, r *http.Request) {
	who, err := s.gw.Authenticate(r.URL.Query())
	if err != nil {
		writeHandshakeError(w, err)
		return
	}

	sid, err := s.ids.next()
	if err != nil {
		s.log.Error("generate session id", "err", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	p := newPollPeer(sid, who)
	// onClose is fixed before the peer becomes visible to Shutdown or the reaper
	p.onClose = func() { s.drop(p) }

	s.mu.Lock()
	s.sessions[sid] = p
	s.mu.Unlock()

	if err := s.gw.Connected(p); err != nil {
		s.mu.Lock()
		delete(s.sessions, sid)
		s.mu.Unlock()
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	}

	connect, err := protocol.NewConnect(sid).Encode()
	if err != nil {
		_ = p.Close()
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	s.log.Info("poll session opened", "sid", sid, "user_id", who.UserID, "is_admin", who.IsAdmin)
	writeEnvelope(w, protocol.PollEnvelope{SID: sid, Frames: []json.RawMessage{connect}})
}

func (s *PollServer) poll(w http.ResponseWriter, r *http.Request, sid string) {
	p := s.lookup(sid)
	if p == nil {
		http.Error(w, "unknown session", http.StatusNotFound)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.timeout)
	defer cancel()

	frames, err := p.wait(ctx)
	if err != nil && len(frames) == 0 {
		http.Error(w, "unknown session", http.StatusNotFound)
		return
	}
	writeEnvelope(w, protocol.PollEnvelope{Frames: frames})
}

func (s *PollServer) post(w http.ResponseWriter, r *http.Request, sid string) {
	p := s.lookup(sid)
	if p == nil {
		http.Error(w, "unknown session", http.StatusNotFound)
		return
	}
	p.touch()

	var env protocol.PollEnvelope
	if err := json.NewDecoder(io.LimitReader(r.Body, maxFrameBytes)).Decode(&env); err != nil {
		http.Error(w, "invalid body", http.StatusBadRequest)
		return
	}
	for _, raw := range env.Frames {
		s.gw.HandleFrame(p.ctx, p, raw)
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *PollServer) remove(w http.ResponseWriter, sid string) {
	p := s.lookup(sid)
	if p == nil {
		http.Error(w, "unknown session", http.StatusNotFound)
		return
	}
	_ = p.Close()
	w.WriteHeader(http.StatusNoContent)
}

func (s *PollServer) lookup(sid string) *pollPeer {
	if sid == "" {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessions[sid]
}

func (s *PollServer) drop(p *pollPeer) {
	s.mu.Lock()
	delete(s.sessions, p.id)
	s.mu.Unlock()
	s.gw.Disconnected(p)
	s.log.Info("poll session closed", "sid", p.id, "user_id", p.who.UserID)
}

// Sessions returns the number of open sessions.
func (s *PollServer) Sessions() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// Run reaps idle sessions until ctx is done.
func (s *PollServer) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.ttl / 2)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case now := <-ticker.C:
			s.reap(now)
		}
	}
}

func (s *PollServer) reap(now time.Time) int {
	s.mu.Lock()
	var idle []*pollPeer
	for _, p := range s.sessions {
		if p.idleSince(now) > s.ttl {
			idle = append(idle, p)
		}
	}
	s.mu.Unlock()

	for _, p := range idle {
		_ = p.Close()
	}
	return len(idle)
}

func writeEnvelope(w http.ResponseWriter, env protocol.PollEnvelope) {
	if env.Frames == nil {
		env.Frames = []json.RawMessage{}
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(env)
}

// pollPeer buffers outbound frames until the client's next GET collects them.
type pollPeer struct {
	id  string
	who domain.Identity

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	queue    []json.RawMessage
	lastSeen time.Time
	closed   bool
	ready    chan struct{}
	onClose  func()
}

func newPollPeer(id string, who domain.Identity) *pollPeer {
	p := &pollPeer{
		id:       id,
		who:      who,
		lastSeen: time.Now(),
		ready:    make(chan struct{}, 1),
	}
	p.ctx, p.cancel = context.WithCancel(context.Background())
	return p
}

func (p *pollPeer) ID() string                { return p.id }
func (p *pollPeer) Identity() domain.Identity { return p.who }

func (p *pollPeer) Send(f protocol.Frame) error {
	data, err := f.Encode()
	if err != nil {
		return err
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return errSessionClosed
	}
	if len(p.queue) >= maxQueuedFrames {
		p.mu.Unlock()
		// the client stopped polling; give up on it
		_ = p.Close()
		return errQueueOverflow
	}
	p.queue = append(p.queue, data)
	p.mu.Unlock()

	select {
	case p.ready <- struct{}{}:
	default:
	}
	return nil
}

// wait returns queued frames, blocking until some arrive or ctx ends.
func (p *pollPeer) wait(ctx context.Context) ([]json.RawMessage, error) {
	p.touch()
	defer p.touch()

	for {
		p.mu.Lock()
		if len(p.queue) > 0 {
			out := p.queue
			p.queue = nil
			p.mu.Unlock()
			return out, nil
		}
		closed := p.closed
		p.mu.Unlock()
		if closed {
			return nil, errSessionClosed
		}

		select {
		case <-p.ready:
		case <-p.ctx.Done():
		case <-ctx.Done():
			return nil, nil
		}
	}
}

func (p *pollPeer) touch() {
	p.mu.Lock()
	p.lastSeen = time.Now()
	p.mu.Unlock()
}

func (p *pollPeer) idleSince(now time.Time) time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	return now.Sub(p.lastSeen)
}

func (p *pollPeer) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	onClose := p.onClose
	p.mu.Unlock()

	p.cancel()
	if onClose != nil {
		onClose()
	}
	return nil
}

// idGen issues short unique session ids.
type idGen struct {
	sqids *sqids.Sqids
	mu    sync.Mutex
	seq   uint64
}

func newIDGen() (*idGen, error) {
	s, err := sqids.New(sqids.Options{
		Alphabet:  "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789",
		MinLength: 12,
	})
	if err != nil {
		return nil, err
	}
	return &idGen{sqids: s}, nil
}

func (g *idGen) next() (string, error) {
	g.mu.Lock()
	g.seq++
	seq := g.seq
	g.mu.Unlock()

	// the random part keeps ids from being guessed from their neighbours
	return g.sqids.Encode([]uint64{seq, rand.Uint64() >> 1})
}
