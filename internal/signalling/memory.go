package signalling

import (
	"context"
	"encoding/json"
	"errors"
	"sync"

	"github.com/Honorable-Knights-of-the-Roundtable/tonepulse/internal/callerr"
	"github.com/Honorable-Knights-of-the-Roundtable/tonepulse/pkg/signalling"
)

const (
	memoryTransportBufferSize = 256
)

var (
	errTransportClosed = errors.New("transport closed")
	errPeerClosed      = errors.New("peer transport closed")
	errPeerBacklogged  = errors.New("peer transport backlogged")
)

// One end of an in-process signalling channel. Behaves like two WebSocket
// transports joined to the same relay room: the first to connect gets
// ReadyEvent once the second connects, and messages go through JSON.
type MemoryTransport struct {
	peer *MemoryTransport
	pair *memoryPair

	mu     sync.Mutex
	closed bool
	events chan TransportEvent
}

type memoryPair struct {
	mu        sync.Mutex
	connected []*MemoryTransport
}

func NewMemoryTransportPair() (*MemoryTransport, *MemoryTransport) {
	pair := &memoryPair{}
	a := &MemoryTransport{pair: pair, events: make(chan TransportEvent, memoryTransportBufferSize)}
	b := &MemoryTransport{pair: pair, events: make(chan TransportEvent, memoryTransportBufferSize)}
	a.peer, b.peer = b, a
	return a, b
}

func (t *MemoryTransport) Connect(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return callerr.Transport("signalling.connect", err)
	}

	t.pair.mu.Lock()
	defer t.pair.mu.Unlock()
	for _, c := range t.pair.connected {
		if c == t {
			return nil
		}
	}
	t.pair.connected = append(t.pair.connected, t)
	if len(t.pair.connected) == 2 {
		return t.pair.connected[0].deliver(ReadyEvent{})
	}
	return nil
}

func (t *MemoryTransport) Send(ctx context.Context, message signalling.Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	t.mu.Lock()
	closed := t.closed
	t.mu.Unlock()
	if closed {
		return errTransportClosed
	}

	data, err := json.Marshal(message)
	if err != nil {
		return err
	}
	var decoded signalling.Message
	if err := json.Unmarshal(data, &decoded); err != nil {
		return err
	}
	return t.peer.deliver(MessageEvent{Message: decoded})
}

func (t *MemoryTransport) Events() <-chan TransportEvent {
	return t.events
}

func (t *MemoryTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.closed {
		t.closed = true
		close(t.events)
	}
	return nil
}

func (t *MemoryTransport) deliver(event TransportEvent) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return errPeerClosed
	}
	select {
	case t.events <- event:
		return nil
	default:
		return errPeerBacklogged
	}
}
