package negotiation

import (
	"github.com/Honorable-Knights-of-the-Roundtable/tonepulse/internal/pipeline"
	"github.com/pion/webrtc/v4"
)

// The peer connection a Session negotiates. PionConnection is the production
// implementation, tests substitute their own.
type Connection interface {
	CreateOffer() (webrtc.SessionDescription, error)
	CreateAnswer() (webrtc.SessionDescription, error)
	SetLocalDescription(description webrtc.SessionDescription) error
	SetRemoteDescription(description webrtc.SessionDescription) error
	AddICECandidate(candidate webrtc.ICECandidateInit) error

	// Add an outgoing audio track, returning the sink that feeds it.
	// Must be called before the offer or answer is created, so the
	// description advertises the track.
	AddLocalAudioTrack() (pipeline.Sink, error)

	// Candidates, remote tracks, and state changes, in the order they happened.
	// The channel is closed once the connection is closed.
	Events() <-chan ConnectionEvent

	Close() error
}

// Allocate a fresh connection, one per session.
type ConnectionFactory func() (Connection, error)
