package events

// ChannelEvent fans values out to registered channels.
// Sends never block: a listener whose buffer is full misses that value.
type ChannelEvent[T any] struct {
	reg *registry[chan<- T, T]
}

// NewChannelEvent creates a ChannelEvent. When replayLast is true the most
// recent value is pushed to each new listener as soon as it registers.
func NewChannelEvent[T any](replayLast bool) *ChannelEvent[T] {
	return &ChannelEvent[T]{reg: newRegistry[chan<- T, T](replayLast)}
}

// Listen registers ch and returns a function that removes it again.
func (e *ChannelEvent[T]) Listen(ch chan<- T) func() {
	if ch == nil {
		panic("channel cannot be nil")
	}
	id, last, replay := e.reg.add(ch)
	if replay {
		trySend(ch, last)
	}
	return func() { e.reg.remove(id) }
}

// Notify delivers value to every listener without blocking.
func (e *ChannelEvent[T]) Notify(value T) {
	for _, ch := range e.reg.record(value) {
		trySend(ch, value)
	}
}

// Latest returns the last notified value when replay is enabled.
func (e *ChannelEvent[T]) Latest() (T, bool) {
	return e.reg.latest()
}

// ListenerCount returns the number of registered listeners.
func (e *ChannelEvent[T]) ListenerCount() int {
	return e.reg.count()
}

func trySend[T any](ch chan<- T, value T) {
	select {
	case ch <- value:
	default:
	}
}
