// Package link carries protocol payloads between the hub and the peripheral.
//
// A Link reports whether the peer is paired and reachable, sends payloads one
// way or as a request expecting a reply, and hands received payloads to
// registered handlers. Deliveries in one direction arrive in send order.
package link

import (
	"context"
	"errors"
	"maps"

	"github.com/lowaak/wristlink/internal/protocol"
)

var (
	ErrUnreachable = errors.New("link: peer unreachable")
	ErrNoReply     = errors.New("link: no reply")
	ErrClosed      = errors.New("link: closed")
)

// Envelope is one received payload. Reply answers the exchange and is nil
// when the sender did not ask for a reply. Only the first call counts.
type Envelope struct {
	Payload protocol.Payload
	Reply   func(protocol.Payload)
}

// CanReply reports whether the sender is waiting for an answer.
func (e Envelope) CanReply() bool {
	return e.Reply != nil
}

type Link interface {
	IsPaired() bool
	IsReachable() bool
	SupportsReply() bool
	Send(ctx context.Context, payload protocol.Payload) error
	// SendWithReply sends payload and waits for the peer's answer. It fails
	// with ErrNoReply when replies are unsupported or none arrives in time.
	SendWithReply(ctx context.Context, payload protocol.Payload) (protocol.Payload, error)
	// OnReceive registers handler for incoming payloads and returns a
	// function that removes it. Handlers run on the delivery goroutine and
	// must not block.
	OnReceive(handler func(Envelope)) func()
	Close() error
}

func clonePayload(p protocol.Payload) protocol.Payload {
	if p == nil {
		return protocol.Payload{}
	}
	return maps.Clone(p)
}
