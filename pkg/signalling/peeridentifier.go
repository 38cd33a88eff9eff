package signalling

import (
	"fmt"

	"github.com/google/uuid"
)

// Names one participant of a call: a random id for this process,
// and the room both participants join on the signalling server.
type PeerIdentifier struct {
	Uuid uuid.UUID
	Room string
}

func NewPeerIdentifier(room string) PeerIdentifier {
	return PeerIdentifier{
		Uuid: uuid.New(),
		Room: room,
	}
}

func (id PeerIdentifier) String() string {
	return fmt.Sprintf("%s@%s", id.Uuid, id.Room)
}
