package realtime

import "sync"

// Subscription identifies one registered handler.
type Subscription struct {
	id uint64
}

type entry[T any] struct {
	id uint64
	fn func(T)
}

// registry is an additive multi-subscriber list. Removal is by handle.
type registry[T any] struct {
	mu       sync.RWMutex
	handlers []entry[T]
}

func (r *registry[T]) add(id uint64, fn func(T)) Subscription {
	r.mu.Lock()
	r.handlers = append(r.handlers, entry[T]{id: id, fn: fn})
	r.mu.Unlock()
	return Subscription{id: id}
}

// remove drops the given handles, or every handler when none are given.
func (r *registry[T]) remove(subs ...Subscription) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(subs) == 0 {
		r.handlers = nil
		return
	}
	kept := r.handlers[:0:0]
	for _, e := range r.handlers {
		drop := false
		for _, s := range subs {
			if s.id == e.id {
				drop = true
				break
			}
		}
		if !drop {
			kept = append(kept, e)
		}
	}
	r.handlers = kept
}

func (r *registry[T]) snapshot() []func(T) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]func(T), len(r.handlers))
	for i, e := range r.handlers {
		out[i] = e.fn
	}
	return out
}

func (r *registry[T]) len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.handlers)
}
