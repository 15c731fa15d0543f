package ws

import (
	"sync"

	"github.com/cwrk-planet/support-chat/internal/domain"
	"github.com/cwrk-planet/support-chat/pkg/protocol"
)

// Peer is one realtime session, whatever transport carries it.
type Peer interface {
	ID() string
	Identity() domain.Identity
	Send(f protocol.Frame) error
	Close() error
}

// Hub tracks which peers joined which conversation rooms.
type Hub struct {
	mu    sync.RWMutex
	rooms map[int64]map[Peer]struct{} // conversation id -> members
	peers map[Peer]map[int64]struct{} // peer -> joined conversations
}

func NewHub() *Hub {
	return &Hub{
		rooms: make(map[int64]map[Peer]struct{}),
		peers: make(map[Peer]map[int64]struct{}),
	}
}

func (h *Hub) Join(room int64, p Peer) {
	h.mu.Lock()
	defer h.mu.Unlock()

	rs, ok := h.rooms[room]
	if !ok {
		rs = make(map[Peer]struct{})
		h.rooms[room] = rs
	}
	rs[p] = struct{}{}

	ps, ok := h.peers[p]
	if !ok {
		ps = make(map[int64]struct{})
		h.peers[p] = ps
	}
	ps[room] = struct{}{}
}

func (h *Hub) Leave(room int64, p Peer) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.leaveLocked(room, p)
}

func (h *Hub) leaveLocked(room int64, p Peer) {
	if rs, ok := h.rooms[room]; ok {
		delete(rs, p)
		if len(rs) == 0 {
			delete(h.rooms, room)
		}
	}
	if ps, ok := h.peers[p]; ok {
		delete(ps, room)
		if len(ps) == 0 {
			delete(h.peers, p)
		}
	}
}

// Remove drops the peer from every room it joined.
func (h *Hub) Remove(p Peer) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for room := range h.peers[p] {
		h.leaveLocked(room, p)
	}
}

func (h *Hub) IsMember(room int64, p Peer) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.rooms[room][p]
	return ok
}

func (h *Hub) Members(room int64) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[room])
}

// Broadcast sends f to every member of room except skip (which may be nil).
// Delivery is best-effort; it returns the number of peers that accepted the frame.
func (h *Hub) Broadcast(room int64, f protocol.Frame, skip Peer) int {
	h.mu.RLock()
	targets := make([]Peer, 0, len(h.rooms[room]))
	for p := range h.rooms[room] {
		if p != skip {
			targets = append(targets, p)
		}
	}
	h.mu.RUnlock()

	n := 0
	for _, p := range targets {
		if p.Send(f) == nil {
			n++
		}
	}
	return n
}
