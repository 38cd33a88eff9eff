// Package signalling carries negotiation messages between the two peers of a call.
//
// A Transport moves messages over some channel (a WebSocket relay, or memory for
// in-process calls). A Bridge sits on top of a Transport and gives the session
// fire-and-forget sends, an ordered inbound stream, and a ready signal.
package signalling

import (
	"context"

	"github.com/Honorable-Knights-of-the-Roundtable/tonepulse/pkg/signalling"
)

type TransportEvent interface {
	transportEvent()
}

// A partner has joined, this side should start the call.
type ReadyEvent struct{}

// A message from the partner.
type MessageEvent struct {
	Message signalling.Message
}

// The transport failed and is unusable. Always the last event.
type ErrorEvent struct {
	Err error
}

func (ReadyEvent) transportEvent()   {}
func (MessageEvent) transportEvent() {}
func (ErrorEvent) transportEvent()   {}

type Transport interface {
	// Connect to the signalling channel. Events flow once this returns.
	Connect(ctx context.Context) error

	Send(ctx context.Context, message signalling.Message) error

	// Ready, messages, and errors, in order. Closed when the transport is closed.
	Events() <-chan TransportEvent

	Close() error
}

// The wire envelope shared by the WebSocket transport and the relay:
//
//	{"event": "ready"}
//	{"event": "data", "data": <message>}
type envelope struct {
	Event string              `json:"event"`
	Data  *signalling.Message `json:"data,omitempty"`
}

const (
	envelopeEventReady = "ready"
	envelopeEventData  = "data"
)
