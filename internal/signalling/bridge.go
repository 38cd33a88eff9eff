package signalling

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/Honorable-Knights-of-the-Roundtable/tonepulse/internal/callerr"
	"github.com/Honorable-Knights-of-the-Roundtable/tonepulse/internal/utils"
	"github.com/Honorable-Knights-of-the-Roundtable/tonepulse/pkg/signalling"
)

var (
	errTransportEnded = errors.New("signalling transport ended")
)

// Adapts a Transport for a negotiation session.
//
// Send never blocks: messages are queued and written, in order, by a single
// writer goroutine. A failed write, or the transport failing, ends the bridge
// with a TransportError, observable through Done and Err.
type Bridge struct {
	logger    *slog.Logger
	transport Transport

	outbound *utils.Queue[signalling.Message]
	inbound  chan signalling.Message

	readyOnce sync.Once
	ready     chan struct{}

	ctx           context.Context
	ctxCancelFunc context.CancelFunc
	finishOnce    sync.Once
	done          chan struct{}
	err           error
}

func NewBridge(transport Transport, logger *slog.Logger) *Bridge {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, ctxCancelFunc := context.WithCancel(context.Background())
	return &Bridge{
		logger:        logger,
		transport:     transport,
		outbound:      utils.NewQueue[signalling.Message](),
		inbound:       make(chan signalling.Message),
		ready:         make(chan struct{}),
		ctx:           ctx,
		ctxCancelFunc: ctxCancelFunc,
		done:          make(chan struct{}),
	}
}

// Connect the transport and start moving messages.
func (b *Bridge) Open(ctx context.Context) error {
	if err := b.transport.Connect(ctx); err != nil {
		if !errors.Is(err, callerr.ErrTransport) {
			err = callerr.Transport("signalling.connect", err)
		}
		b.finish(err)
		return err
	}
	b.logger.Debug("signalling bridge open")
	go b.readLoop()
	go b.writeLoop()
	return nil
}

// Queue a message for the remote peer.
func (b *Bridge) Send(message signalling.Message) {
	b.outbound.Push(message)
}

// Messages from the remote peer, in arrival order. Never closed, select on Done as well.
func (b *Bridge) Inbound() <-chan signalling.Message {
	return b.inbound
}

// Closed once the remote peer is available and this side should call.
func (b *Bridge) Ready() <-chan struct{} {
	return b.ready
}

// Closed once the bridge has ended, see Err.
func (b *Bridge) Done() <-chan struct{} {
	return b.done
}

// Why the bridge ended: nil after Close, a TransportError otherwise.
// Only meaningful once Done is closed.
func (b *Bridge) Err() error {
	select {
	case <-b.done:
		return b.err
	default:
		return nil
	}
}

func (b *Bridge) Close() error {
	b.finish(nil)
	return b.transport.Close()
}

func (b *Bridge) finish(err error) {
	b.finishOnce.Do(func() {
		if err != nil {
			b.logger.Error("signalling bridge failed", "err", err)
		}
		b.err = err
		b.ctxCancelFunc()
		b.outbound.Close()
		close(b.done)
	})
}

func (b *Bridge) readLoop() {
	for event := range b.transport.Events() {
		switch e := event.(type) {
		case ReadyEvent:
			b.readyOnce.Do(func() {
				b.logger.Debug("signalling partner ready")
				close(b.ready)
			})
		case MessageEvent:
			select {
			case b.inbound <- e.Message:
			case <-b.ctx.Done():
				return
			}
		case ErrorEvent:
			err := e.Err
			if !errors.Is(err, callerr.ErrTransport) {
				err = callerr.Transport("signalling.read", err)
			}
			b.finish(err)
			return
		}
	}
	b.finish(callerr.Transport("signalling.read", errTransportEnded))
}

func (b *Bridge) writeLoop() {
	for message := range b.outbound.Out() {
		if b.ctx.Err() != nil {
			return
		}
		if err := b.transport.Send(b.ctx, message); err != nil {
			b.finish(callerr.Transport("signalling.send", err))
			return
		}
	}
}
