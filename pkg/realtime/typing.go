package realtime

import (
	"slices"
	"sync"
	"time"
)

const DefaultTypingQuiescence = 4 * time.Second

type typingKey struct {
	conversation ConversationID
	user         int64
}

type typingEntry struct {
	gen   uint64
	timer *time.Timer
}

// TypingTracker folds user_typing events into "who is typing where".
// The latest signal per (conversation, user) wins; an entry expires after a
// quiet period so a lost "stopped typing" event cannot leave it stuck.
//
//	tr := realtime.NewTypingTracker(0)
//	m.OnUserTyping(tr.Observe)
type TypingTracker struct {
	quiescence time.Duration

	mu      sync.Mutex
	gen     uint64
	entries map[typingKey]*typingEntry
	stopped bool

	onChange registry[TypingEvent]
	seq      uint64
}

// NewTypingTracker uses DefaultTypingQuiescence when quiescence <= 0.
func NewTypingTracker(quiescence time.Duration) *TypingTracker {
	if quiescence <= 0 {
		quiescence = DefaultTypingQuiescence
	}
	return &TypingTracker{
		quiescence: quiescence,
		entries:    make(map[typingKey]*typingEntry),
	}
}

// Observe applies one signal. Listeners hear only actual transitions.
func (t *TypingTracker) Observe(ev TypingEvent) {
	key := typingKey{conversation: ev.ConversationID, user: ev.UserID}

	t.mu.Lock()
	if t.stopped {
		t.mu.Unlock()
		return
	}
	cur, was := t.entries[key]
	if cur != nil {
		cur.timer.Stop()
	}
	if !ev.IsTyping {
		delete(t.entries, key)
		t.mu.Unlock()
		if was {
			t.notify(ev)
		}
		return
	}

	t.gen++
	gen := t.gen
	t.entries[key] = &typingEntry{
		gen:   gen,
		timer: time.AfterFunc(t.quiescence, func() { t.expire(key, gen) }),
	}
	t.mu.Unlock()

	if !was {
		t.notify(ev)
	}
}

func (t *TypingTracker) expire(key typingKey, gen uint64) {
	t.mu.Lock()
	cur, ok := t.entries[key]
	if !ok || cur.gen != gen || t.stopped {
		t.mu.Unlock()
		return
	}
	delete(t.entries, key)
	t.mu.Unlock()

	t.notify(TypingEvent{ConversationID: key.conversation, UserID: key.user, IsTyping: false})
}

func (t *TypingTracker) IsTyping(conversation ConversationID, user int64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.entries[typingKey{conversation: conversation, user: user}]
	return ok
}

// Typing lists the users currently typing in a conversation, ascending.
func (t *TypingTracker) Typing(conversation ConversationID) []int64 {
	t.mu.Lock()
	var out []int64
	for k := range t.entries {
		if k.conversation == conversation {
			out = append(out, k.user)
		}
	}
	t.mu.Unlock()

	slices.Sort(out)
	return out
}

// OnChange is called when a user starts or stops typing, including expiry.
func (t *TypingTracker) OnChange(fn func(TypingEvent)) Subscription {
	t.mu.Lock()
	t.seq++
	id := t.seq
	t.mu.Unlock()
	return t.onChange.add(id, fn)
}

func (t *TypingTracker) OffChange(subs ...Subscription) { t.onChange.remove(subs...) }

// Stop cancels pending expiries and forgets all state.
func (t *TypingTracker) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.stopped = true
	for k, e := range t.entries {
		e.timer.Stop()
		delete(t.entries, k)
	}
	t.onChange.remove()
}

func (t *TypingTracker) notify(ev TypingEvent) {
	for _, h := range t.onChange.snapshot() {
		h(ev)
	}
}
