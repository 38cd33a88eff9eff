package signalling

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/Honorable-Knights-of-the-Roundtable/tonepulse/internal/callerr"
	"github.com/Honorable-Knights-of-the-Roundtable/tonepulse/pkg/signalling"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	closeGracePeriod = time.Second
)

var (
	errNotConnected = errors.New("transport not connected")
)

// A Transport over a WebSocket connection to a Relay.
// The url names the room, e.g. ws://localhost:1066/ws?room=lobby
type WebSocketTransport struct {
	uuid   uuid.UUID
	logger *slog.Logger
	url    string
	dialer *websocket.Dialer

	conn    *websocket.Conn
	writeMu sync.Mutex

	events       chan TransportEvent
	done         chan struct{}
	shutdownOnce sync.Once
}

func NewWebSocketTransport(url string, logger *slog.Logger) *WebSocketTransport {
	if logger == nil {
		logger = slog.Default()
	}
	id := uuid.New()
	return &WebSocketTransport{
		uuid:   id,
		logger: logger.With("websocket transport uuid", id),
		url:    url,
		dialer: websocket.DefaultDialer,
		events: make(chan TransportEvent),
		done:   make(chan struct{}),
	}
}

func (t *WebSocketTransport) Connect(ctx context.Context) error {
	select {
	case <-t.done:
		return callerr.Transport("signalling.connect", errTransportClosed)
	default:
	}
	conn, _, err := t.dialer.DialContext(ctx, t.url, nil)
	if err != nil {
		t.logger.Error("failed to connect to signalling server", "url", t.url, "err", err)
		return callerr.Transport("signalling.connect", err)
	}
	t.conn = conn
	t.logger.Debug("connected to signalling server", "url", t.url)

	go t.readLoop()
	return nil
}

func (t *WebSocketTransport) Send(ctx context.Context, message signalling.Message) error {
	if t.conn == nil {
		return errNotConnected
	}

	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	deadline, _ := ctx.Deadline()
	if err := t.conn.SetWriteDeadline(deadline); err != nil {
		return err
	}
	return t.conn.WriteJSON(envelope{Event: envelopeEventData, Data: &message})
}

func (t *WebSocketTransport) Events() <-chan TransportEvent {
	return t.events
}

func (t *WebSocketTransport) Close() error {
	var err error
	t.shutdownOnce.Do(func() {
		close(t.done)
		if t.conn == nil {
			close(t.events)
			return
		}
		t.writeMu.Lock()
		t.conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(closeGracePeriod),
		)
		t.writeMu.Unlock()
		err = t.conn.Close()
	})
	return err
}

func (t *WebSocketTransport) readLoop() {
	defer close(t.events)
	for {
		_, payload, err := t.conn.ReadMessage()
		if err != nil {
			select {
			case <-t.done:
				// Closed locally, not an error
				return
			default:
			}
			t.logger.Warn("signalling connection lost", "err", err)
			t.emit(ErrorEvent{Err: callerr.Transport("signalling.read", err)})
			return
		}

		// A frame the peer mangled is its problem, the connection is still good
		var env envelope
		if err := json.Unmarshal(payload, &env); err != nil {
			t.logger.Warn("dropping undecodable signalling frame", "err", err)
			continue
		}

		switch env.Event {
		case envelopeEventReady:
			t.emit(ReadyEvent{})
		case envelopeEventData:
			if env.Data == nil {
				t.logger.Warn("data envelope without a message")
				continue
			}
			t.emit(MessageEvent{Message: *env.Data})
		default:
			t.logger.Warn("unknown envelope event", "event", env.Event)
		}
	}
}

func (t *WebSocketTransport) emit(event TransportEvent) {
	select {
	case t.events <- event:
	case <-t.done:
	}
}
