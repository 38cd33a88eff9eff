package signalling

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	roomCapacity = 2
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// A WebSocket signalling relay. Peers join a room named by the "room" query
// parameter. A room holds two peers: when the second joins, the first is sent
// a ready envelope, and from then on data envelopes are forwarded verbatim to
// the other peer. A third peer is turned away.
type Relay struct {
	logger *slog.Logger

	mu    sync.Mutex
	rooms map[string][]*relayPeer
}

type relayPeer struct {
	uuid    uuid.UUID
	conn    *websocket.Conn
	writeMu sync.Mutex
}

func (p *relayPeer) write(data []byte) error {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	return p.conn.WriteMessage(websocket.TextMessage, data)
}

func NewRelay(logger *slog.Logger) *Relay {
	if logger == nil {
		logger = slog.Default()
	}
	return &Relay{
		logger: logger,
		rooms:  make(map[string][]*relayPeer),
	}
}

func (r *Relay) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	roomName := req.URL.Query().Get("room")
	if roomName == "" {
		http.Error(w, "missing room", http.StatusBadRequest)
		return
	}

	conn, err := upgrader.Upgrade(w, req, nil)
	if err != nil {
		r.logger.Debug("websocket upgrade failed", "err", err)
		return
	}
	peer := &relayPeer{uuid: uuid.New(), conn: conn}
	logger := r.logger.With("room", roomName, "peer uuid", peer.uuid)

	waiting, ok := r.join(roomName, peer)
	if !ok {
		logger.Info("room full, rejecting peer")
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "room full"),
			time.Now().Add(closeGracePeriod))
		conn.Close()
		return
	}
	logger.Info("peer joined room")
	defer func() {
		r.leave(roomName, peer)
		conn.Close()
		logger.Info("peer left room")
	}()

	if waiting != nil {
		ready, _ := json.Marshal(envelope{Event: envelopeEventReady})
		if err := waiting.write(ready); err != nil {
			logger.Warn("could not send ready to waiting peer", "err", err)
		}
	}

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}

		var env envelope
		if err := json.Unmarshal(data, &env); err != nil || env.Event != envelopeEventData {
			logger.Warn("dropping malformed envelope", "err", err)
			continue
		}
		other := r.other(roomName, peer)
		if other == nil {
			logger.Debug("no partner in room, dropping message")
			continue
		}
		if err := other.write(data); err != nil {
			logger.Warn("error while forwarding message", "err", err)
		}
	}
}

// Number of peers currently in a room.
func (r *Relay) Occupancy(roomName string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.rooms[roomName])
}

// Add peer to the room. Returns the peer already waiting (if any),
// and false if the room is full.
func (r *Relay) join(roomName string, peer *relayPeer) (*relayPeer, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	peers := r.rooms[roomName]
	if len(peers) >= roomCapacity {
		return nil, false
	}
	r.rooms[roomName] = append(peers, peer)
	if len(peers) == 1 {
		return peers[0], true
	}
	return nil, true
}

func (r *Relay) leave(roomName string, peer *relayPeer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	peers := r.rooms[roomName]
	remaining := peers[:0]
	for _, p := range peers {
		if p != peer {
			remaining = append(remaining, p)
		}
	}
	if len(remaining) == 0 {
		delete(r.rooms, roomName)
		return
	}
	r.rooms[roomName] = remaining
}

func (r *Relay) other(roomName string, peer *relayPeer) *relayPeer {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, p := range r.rooms[roomName] {
		if p != peer {
			return p
		}
	}
	return nil
}
