// Package coordinator runs the session protocol for one side of the link.
//
// A Coordinator owns the session state and is its only writer. Everything
// that can change it (payloads from the link, hub commands, finished provider
// reads, result timeouts) is posted to an inbox and handled one at a time by
// a single goroutine. Slow work runs on helper goroutines whose completions
// carry the generation they were started under; a completion from an older
// generation has been superseded and is dropped.
package coordinator

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/lowaak/wristlink/internal/events"
	"github.com/lowaak/wristlink/internal/go_func_utils"
	"github.com/lowaak/wristlink/internal/link"
	"github.com/lowaak/wristlink/internal/protocol"
	"github.com/lowaak/wristlink/internal/session"
)

var (
	ErrWrongRole = errors.New("coordinator: command is only available to the hub")
	ErrShutdown  = errors.New("coordinator: shut down")
)

// HeartRateReader is satisfied by *sensors.HeartRateProvider.
type HeartRateReader interface {
	ReadHeartRate(ctx context.Context) (int, bool)
}

// MotionReader is satisfied by *sensors.MotionProvider.
type MotionReader interface {
	ReadSpeed(ctx context.Context) (float64, bool)
	StartAccumulating() error
	StopAccumulating()
}

type inboxEvent interface{ inboxEvent() }

type received struct{ env link.Envelope }

type commandKind int

const (
	cmdStartSession commandKind = iota
	cmdEndSession
	cmdRequestSample
	cmdRequestReading
)

type command struct {
	kind    commandKind
	name    string
	sample  protocol.SampleRequest
	reading protocol.Reading
}

type sampleDone struct {
	gen    uint64
	result protocol.SampleResult
	reply  func(protocol.Payload)
}

type readingDone struct {
	msg   protocol.Message
	reply func(protocol.Payload)
}

type resultTimedOut struct{ gen uint64 }

func (received) inboxEvent()       {}
func (command) inboxEvent()        {}
func (sampleDone) inboxEvent()     {}
func (readingDone) inboxEvent()    {}
func (resultTimedOut) inboxEvent() {}

type outgoing struct {
	payload   protocol.Payload
	wantReply bool
}

type Coordinator struct {
	cfg       Config
	link      link.Link
	heartRate HeartRateReader
	motion    MotionReader
	logger    *log.Logger

	store    *session.Store
	results  *events.ChannelEvent[protocol.SampleResult]
	readings *events.ChannelEvent[protocol.Message]

	inbox      chan inboxEvent
	outbox     chan outgoing
	unregister func()

	// Owned by the actor goroutine.
	gen         uint64
	resultTimer *time.Timer

	ctx          context.Context
	cancel       context.CancelFunc
	wg           sync.WaitGroup
	shutdownOnce sync.Once
}

// New starts a coordinator for cfg.Role on l. heartRate and motion may be nil
// (the hub has neither); missing providers read as unavailable.
func New(cfg Config, l link.Link, heartRate HeartRateReader, motion MotionReader, logger *log.Logger) *Coordinator {
	if l == nil {
		panic("Coordinator: link cannot be nil")
	}
	if logger == nil {
		panic("Coordinator: logger cannot be nil")
	}
	cfg = cfg.withDefaults()

	ctx, cancel := context.WithCancel(context.Background())
	c := &Coordinator{
		cfg:       cfg,
		link:      l,
		heartRate: heartRate,
		motion:    motion,
		logger:    logger,
		store:     session.NewStore(logger),
		results:   events.NewChannelEvent[protocol.SampleResult](true),
		readings:  events.NewChannelEvent[protocol.Message](true),
		inbox:     make(chan inboxEvent, cfg.InboxSize),
		outbox:    make(chan outgoing, cfg.InboxSize),
		ctx:       ctx,
		cancel:    cancel,
	}

	c.unregister = l.OnReceive(func(env link.Envelope) {
		c.post(received{env: env})
	})

	c.wg.Add(2)
	go_func_utils.SafeGo(logger, func() { c.run() })
	go_func_utils.SafeGo(logger, func() { c.runSender() })

	logger.Printf("Coordinator: started as %s", cfg.Role)
	return c
}

func (c *Coordinator) Role() protocol.Role {
	return c.cfg.Role
}

// Session is the read-only view of the session state.
func (c *Coordinator) Session() session.View {
	return c.store
}

// ListenToResults registers ch for SampleResults: accepted ones on the hub,
// transmitted ones on the peripheral.
func (c *Coordinator) ListenToResults(ch chan<- protocol.SampleResult) func() {
	return c.results.Listen(ch)
}

// ListenToReadings registers ch for one-shot HeartRateOnly and VelocityOnly
// readings.
func (c *Coordinator) ListenToReadings(ch chan<- protocol.Message) func() {
	return c.readings.Listen(ch)
}

// StartSession names a new session, or renames the current one.
func (c *Coordinator) StartSession(name string) error {
	return c.command(command{kind: cmdStartSession, name: name})
}

func (c *Coordinator) EndSession() error {
	return c.command(command{kind: cmdEndSession})
}

// RequestSample asks the peripheral for a sample for the given set,
// superseding any sample still outstanding.
func (c *Coordinator) RequestSample(exerciseLogID string, setIndex int) error {
	return c.command(command{
		kind:   cmdRequestSample,
		sample: protocol.SampleRequest{ExerciseLogID: exerciseLogID, SetIndex: setIndex},
	})
}

func (c *Coordinator) RequestHeartRate() error {
	return c.command(command{kind: cmdRequestReading, reading: protocol.ReadingHeartRate})
}

func (c *Coordinator) RequestVelocity() error {
	return c.command(command{kind: cmdRequestReading, reading: protocol.ReadingVelocity})
}

func (c *Coordinator) command(cmd command) error {
	if c.cfg.Role != protocol.RoleHub {
		return ErrWrongRole
	}
	if !c.post(cmd) {
		return ErrShutdown
	}
	return nil
}

// post queues ev for the actor. It blocks while the inbox is full and
// reports false once the coordinator is shut down.
func (c *Coordinator) post(ev inboxEvent) bool {
	select {
	case <-c.ctx.Done():
		return false
	default:
	}
	select {
	case c.inbox <- ev:
		return true
	case <-c.ctx.Done():
		return false
	}
}

// Shutdown stops the actor and the sender and halts motion accumulation.
func (c *Coordinator) Shutdown() {
	c.shutdownOnce.Do(func() {
		c.logger.Printf("Coordinator: shutting down")
		c.unregister()
		c.cancel()
		c.wg.Wait()
		if c.resultTimer != nil {
			c.resultTimer.Stop()
		}
		if c.motion != nil {
			c.motion.StopAccumulating()
		}
		c.logger.Printf("Coordinator: shutdown complete")
	})
}

func (c *Coordinator) run() {
	defer c.wg.Done()
	for {
		select {
		case <-c.ctx.Done():
			return
		case ev := <-c.inbox:
			c.handle(ev)
		}
	}
}

func (c *Coordinator) handle(ev inboxEvent) {
	switch e := ev.(type) {
	case received:
		c.handleReceived(e.env)
	case command:
		c.handleCommand(e)
	case sampleDone:
		c.handleSampleDone(e)
	case readingDone:
		c.readings.Notify(e.msg)
		c.transmit(e.msg, e.reply)
	case resultTimedOut:
		c.handleResultTimeout(e)
	}
}

func (c *Coordinator) handleReceived(env link.Envelope) {
	msgs, err := protocol.Decode(env.Payload, c.cfg.Role)
	if err != nil {
		c.logger.Printf("Coordinator: dropping payload: %v", err)
		return
	}
	for _, msg := range msgs {
		if c.cfg.Role == protocol.RoleHub {
			c.hubReceive(msg)
		} else {
			c.peripheralReceive(msg, env.Reply)
		}
	}
}

// transmit sends msg to the peer, answering the exchange when reply is set.
// Nothing is sent while the link is unpaired or unreachable.
func (c *Coordinator) transmit(msg protocol.Message, reply func(protocol.Payload)) {
	c.enqueue(msg, reply, false)
}

func (c *Coordinator) enqueue(msg protocol.Message, reply func(protocol.Payload), wantReply bool) bool {
	payload, err := protocol.Encode(msg)
	if err != nil {
		c.logger.Printf("Coordinator: %v", err)
		return false
	}
	if !c.link.IsPaired() || !c.link.IsReachable() {
		c.logger.Printf("Coordinator: link unreachable, dropping %s", msg.Kind())
		return false
	}
	if reply != nil {
		reply(payload)
		return true
	}
	select {
	case c.outbox <- outgoing{payload: payload, wantReply: wantReply}:
		return true
	case <-c.ctx.Done():
		return false
	}
}

// runSender performs one-way sends in queue order. Sends expecting a reply
// wait on their own goroutine and feed the reply back as a received payload.
func (c *Coordinator) runSender() {
	defer c.wg.Done()
	for {
		select {
		case <-c.ctx.Done():
			return
		case out := <-c.outbox:
			if out.wantReply {
				c.sendWithReply(out.payload)
				continue
			}
			ctx, cancel := context.WithTimeout(c.ctx, c.cfg.SendTimeout)
			if err := c.link.Send(ctx, out.payload); err != nil {
				c.logger.Printf("Coordinator: send failed: %v", err)
			}
			cancel()
		}
	}
}

func (c *Coordinator) sendWithReply(payload protocol.Payload) {
	c.wg.Add(1)
	go_func_utils.SafeGo(c.logger, func() {
		defer c.wg.Done()
		ctx, cancel := context.WithTimeout(c.ctx, c.cfg.ResultTimeout)
		defer cancel()
		reply, err := c.link.SendWithReply(ctx, payload)
		if err != nil {
			c.logger.Printf("Coordinator: no reply: %v", err)
			return
		}
		c.post(received{env: link.Envelope{Payload: reply}})
	})
}
