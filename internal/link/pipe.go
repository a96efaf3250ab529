package link

import (
	"context"
	"fmt"
	"log"
	"sync"

	"github.com/lowaak/wristlink/internal/events"
	"github.com/lowaak/wristlink/internal/go_func_utils"
	"github.com/lowaak/wristlink/internal/protocol"
)

type PipeOption func(*pipeOptions)

type pipeOptions struct {
	replies   bool
	queueSize int
}

// WithReplies controls whether SendWithReply is supported. Default true.
func WithReplies(enabled bool) PipeOption {
	return func(o *pipeOptions) { o.replies = enabled }
}

// WithQueueSize bounds the number of undelivered payloads per direction.
func WithQueueSize(n int) PipeOption {
	return func(o *pipeOptions) {
		if n > 0 {
			o.queueSize = n
		}
	}
}

// pipeState is shared by both ends so pairing and reachability are symmetric.
type pipeState struct {
	mu        sync.RWMutex
	paired    bool
	reachable bool
}

// PipeEnd is one side of an in-memory link. Each end delivers what it
// receives on its own goroutine, in order.
type PipeEnd struct {
	name    string
	state   *pipeState
	replies bool
	logger  *log.Logger

	peer      *PipeEnd
	inbox     chan Envelope
	receivers *events.CallbackEvent[Envelope]

	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

var _ Link = (*PipeEnd)(nil)

// NewPipe returns two connected ends, paired and reachable.
func NewPipe(logger *log.Logger, opts ...PipeOption) (hub *PipeEnd, peripheral *PipeEnd) {
	if logger == nil {
		panic("Pipe: logger cannot be nil")
	}
	o := pipeOptions{replies: true, queueSize: 64}
	for _, opt := range opts {
		opt(&o)
	}

	state := &pipeState{paired: true, reachable: true}
	hub = newPipeEnd("hub", state, o, logger)
	peripheral = newPipeEnd("peripheral", state, o, logger)
	hub.peer, peripheral.peer = peripheral, hub

	hub.start()
	peripheral.start()
	return hub, peripheral
}

func newPipeEnd(name string, state *pipeState, o pipeOptions, logger *log.Logger) *PipeEnd {
	return &PipeEnd{
		name:      name,
		state:     state,
		replies:   o.replies,
		logger:    logger,
		inbox:     make(chan Envelope, o.queueSize),
		receivers: events.NewCallbackEvent[Envelope](false),
		done:      make(chan struct{}),
	}
}

func (e *PipeEnd) start() {
	e.wg.Add(1)
	go_func_utils.SafeGo(e.logger, func() {
		defer e.wg.Done()
		for {
			select {
			case <-e.done:
				return
			case env := <-e.inbox:
				if e.receivers.ListenerCount() == 0 {
					e.logger.Printf("Pipe[%s]: no receiver, dropping payload", e.name)
					continue
				}
				e.receivers.Notify(env)
			}
		}
	})
}

func (e *PipeEnd) IsPaired() bool {
	e.state.mu.RLock()
	defer e.state.mu.RUnlock()
	return e.state.paired
}

func (e *PipeEnd) IsReachable() bool {
	e.state.mu.RLock()
	defer e.state.mu.RUnlock()
	return e.state.reachable
}

func (e *PipeEnd) SetPaired(paired bool) {
	e.state.mu.Lock()
	e.state.paired = paired
	e.state.mu.Unlock()
}

func (e *PipeEnd) SetReachable(reachable bool) {
	e.state.mu.Lock()
	e.state.reachable = reachable
	e.state.mu.Unlock()
}

func (e *PipeEnd) SupportsReply() bool {
	return e.replies
}

func (e *PipeEnd) OnReceive(handler func(Envelope)) func() {
	return e.receivers.Listen(handler)
}

func (e *PipeEnd) check() error {
	select {
	case <-e.done:
		return ErrClosed
	default:
	}
	if !e.IsPaired() || !e.IsReachable() {
		return ErrUnreachable
	}
	return nil
}

func (e *PipeEnd) Send(ctx context.Context, payload protocol.Payload) error {
	if err := e.check(); err != nil {
		return err
	}
	return e.peer.enqueue(ctx, Envelope{Payload: clonePayload(payload)})
}

func (e *PipeEnd) SendWithReply(ctx context.Context, payload protocol.Payload) (protocol.Payload, error) {
	if !e.replies {
		return nil, ErrNoReply
	}
	if err := e.check(); err != nil {
		return nil, err
	}

	replyCh := make(chan protocol.Payload, 1)
	var once sync.Once
	env := Envelope{
		Payload: clonePayload(payload),
		Reply: func(p protocol.Payload) {
			once.Do(func() { replyCh <- clonePayload(p) })
		},
	}
	if err := e.peer.enqueue(ctx, env); err != nil {
		return nil, err
	}

	select {
	case reply := <-replyCh:
		return reply, nil
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: %w", ErrNoReply, ctx.Err())
	case <-e.done:
		return nil, ErrClosed
	}
}

func (e *PipeEnd) enqueue(ctx context.Context, env Envelope) error {
	select {
	case <-e.done:
		return ErrClosed
	default:
	}
	select {
	case e.inbox <- env:
		return nil
	case <-e.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops this end's delivery goroutine. Sends towards a closed end fail
// with ErrClosed.
func (e *PipeEnd) Close() error {
	e.closeOnce.Do(func() {
		close(e.done)
	})
	e.wg.Wait()
	return nil
}
