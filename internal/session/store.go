package session

import (
	"log"
	"sync"

	"github.com/lowaak/wristlink/internal/events"
)

// View is the read-only face of a Store handed to presentation code.
type View interface {
	Get() State
	// Listen registers ch for state changes. The current state is sent
	// immediately. Returns a deregistration function.
	Listen(ch chan<- State) func()
}

// Store holds the session state and publishes every change.
// It has exactly one writer, the coordinator that created it.
type Store struct {
	mu     sync.RWMutex
	state  State
	event  *events.ChannelEvent[State]
	logger *log.Logger
}

var _ View = (*Store)(nil)

func NewStore(logger *log.Logger) *Store {
	if logger == nil {
		panic("Store: logger cannot be nil")
	}
	s := &Store{
		state:  Idle(),
		event:  events.NewChannelEvent[State](true),
		logger: logger,
	}
	s.event.Notify(s.state)
	return s
}

func (s *Store) Get() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

func (s *Store) Listen(ch chan<- State) func() {
	return s.event.Listen(ch)
}

// Apply replaces the state with fn(current) and notifies listeners when it
// changed. Returns the new state.
func (s *Store) Apply(fn func(State) State) State {
	s.mu.Lock()
	prev := s.state
	next := fn(prev)
	s.state = next
	s.mu.Unlock()

	if next != prev {
		s.logger.Printf("Session: %s -> %s", prev, next)
		s.event.Notify(next)
	}
	return next
}
