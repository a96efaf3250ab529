package events

// CallbackEvent invokes registered callbacks synchronously on Notify.
// Callbacks run outside the internal lock so they may register or unregister.
type CallbackEvent[T any] struct {
	reg *registry[func(T), T]
}

// NewCallbackEvent creates a CallbackEvent. When replayLast is true a new
// callback is invoked immediately with the most recent value.
func NewCallbackEvent[T any](replayLast bool) *CallbackEvent[T] {
	return &CallbackEvent[T]{reg: newRegistry[func(T), T](replayLast)}
}

// Listen registers callback and returns a function that removes it again.
func (e *CallbackEvent[T]) Listen(callback func(T)) func() {
	if callback == nil {
		panic("callback cannot be nil")
	}
	id, last, replay := e.reg.add(callback)
	if replay {
		callback(last)
	}
	return func() { e.reg.remove(id) }
}

// Notify calls every registered callback with value.
func (e *CallbackEvent[T]) Notify(value T) {
	for _, callback := range e.reg.record(value) {
		callback(value)
	}
}

// Latest returns the last notified value when replay is enabled.
func (e *CallbackEvent[T]) Latest() (T, bool) {
	return e.reg.latest()
}

// ListenerCount returns the number of registered callbacks.
func (e *CallbackEvent[T]) ListenerCount() int {
	return e.reg.count()
}
