package negotiation

import (
	"github.com/Honorable-Knights-of-the-Roundtable/tonepulse/internal/track"
	"github.com/pion/webrtc/v4"
)

// --------------------------------------------------------------------------------
// Connection events, produced by a Connection

type ConnectionEvent interface {
	connectionEvent()
}

// A local ICE candidate was gathered and should be sent to the remote peer.
type ICECandidateEvent struct {
	Candidate webrtc.ICECandidateInit
}

// The remote peer added an audio track.
type TrackEvent struct {
	Track track.Remote
}

type ConnectionStateEvent struct {
	State ConnectionState
}

func (ICECandidateEvent) connectionEvent()    {}
func (TrackEvent) connectionEvent()           {}
func (ConnectionStateEvent) connectionEvent() {}

type ConnectionState int

const (
	ConnectionNew ConnectionState = iota
	ConnectionConnecting
	ConnectionConnected
	ConnectionDisconnected
	ConnectionFailed
	ConnectionClosed
)

func (s ConnectionState) String() string {
	switch s {
	case ConnectionNew:
		return "new"
	case ConnectionConnecting:
		return "connecting"
	case ConnectionConnected:
		return "connected"
	case ConnectionDisconnected:
		return "disconnected"
	case ConnectionFailed:
		return "failed"
	case ConnectionClosed:
		return "closed"
	default:
		return "unknown"
	}
}

func connectionStateFromPion(state webrtc.PeerConnectionState) ConnectionState {
	switch state {
	case webrtc.PeerConnectionStateConnecting:
		return ConnectionConnecting
	case webrtc.PeerConnectionStateConnected:
		return ConnectionConnected
	case webrtc.PeerConnectionStateDisconnected:
		return ConnectionDisconnected
	case webrtc.PeerConnectionStateFailed:
		return ConnectionFailed
	case webrtc.PeerConnectionStateClosed:
		return ConnectionClosed
	default:
		return ConnectionNew
	}
}

// --------------------------------------------------------------------------------
// Session events, read by the orchestrator

type Event interface {
	sessionEvent()
}

type StateChanged struct {
	From State
	To   State
}

// A remote track arrived. Delivered whatever the session state.
type TrackArrived struct {
	Track track.Remote
}

// Something went wrong. Fatal failures have moved the session to StateFailed,
// others (e.g. a pipeline error) leave the connection up.
type Failure struct {
	Err   error
	Fatal bool
}

func (StateChanged) sessionEvent() {}
func (TrackArrived) sessionEvent() {}
func (Failure) sessionEvent()      {}
