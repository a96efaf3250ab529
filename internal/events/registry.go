package events

import "sync"

// registry is the listener bookkeeping shared by ChannelEvent and CallbackEvent.
// L is the listener type (a channel or a callback), T the notified value.
type registry[L any, T any] struct {
	mu        sync.RWMutex
	listeners map[uint64]L
	nextID    uint64
	replay    bool
	last      T
	notified  bool
}

func newRegistry[L any, T any](replay bool) *registry[L, T] {
	return &registry[L, T]{
		listeners: make(map[uint64]L),
		replay:    replay,
	}
}

// add registers a listener and returns its id plus the value to replay, if any.
func (r *registry[L, T]) add(listener L) (uint64, T, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id := r.nextID
	r.nextID++
	r.listeners[id] = listener
	return id, r.last, r.replay && r.notified
}

func (r *registry[L, T]) remove(id uint64) {
	r.mu.Lock()
	delete(r.listeners, id)
	r.mu.Unlock()
}

// record stores value as the latest event and returns a snapshot of listeners
// so callers can fan out without holding the lock.
func (r *registry[L, T]) record(value T) []L {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.replay {
		r.last = value
		r.notified = true
	}
	snapshot := make([]L, 0, len(r.listeners))
	for _, l := range r.listeners {
		snapshot = append(snapshot, l)
	}
	return snapshot
}

func (r *registry[L, T]) latest() (T, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.last, r.replay && r.notified
}

func (r *registry[L, T]) count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.listeners)
}
