package signalling

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/Honorable-Knights-of-the-Roundtable/tonepulse/internal/callerr"
	"github.com/pion/webrtc/v4"
)

type MessageType string

const (
	MessageTypeOffer     MessageType = "offer"
	MessageTypeAnswer    MessageType = "answer"
	MessageTypeCandidate MessageType = "candidate"
)

var (
	errUnknownMessageType = errors.New("unknown message type")
	errMissingSDP         = errors.New("description message without sdp")
	errMissingCandidate   = errors.New("candidate message without candidate")
)

// A negotiation message exchanged verbatim between the two peers:
//
//	{"type": "offer", "sdp": "..."}
//	{"type": "answer", "sdp": "..."}
//	{"type": "candidate", "candidate": {"candidate": "...", "sdpMid": "0", "sdpMLineIndex": 0}}
//
// A candidate given as a bare string is read as the candidate line.
type Message struct {
	Type      MessageType              `json:"type"`
	SDP       string                   `json:"sdp,omitempty"`
	Candidate *webrtc.ICECandidateInit `json:"candidate,omitempty"`
}

func NewOffer(sdp string) Message {
	return Message{Type: MessageTypeOffer, SDP: sdp}
}

func NewAnswer(sdp string) Message {
	return Message{Type: MessageTypeAnswer, SDP: sdp}
}

func NewCandidate(candidate webrtc.ICECandidateInit) Message {
	return Message{Type: MessageTypeCandidate, Candidate: &candidate}
}

func (m *Message) UnmarshalJSON(data []byte) error {
	var raw struct {
		Type      MessageType     `json:"type"`
		SDP       string          `json:"sdp"`
		Candidate json.RawMessage `json:"candidate"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	*m = Message{Type: raw.Type, SDP: raw.SDP}

	candidate := bytes.TrimSpace(raw.Candidate)
	switch {
	case len(candidate) == 0 || bytes.Equal(candidate, []byte("null")):
	case candidate[0] == '"':
		var line string
		if err := json.Unmarshal(candidate, &line); err != nil {
			return err
		}
		m.Candidate = &webrtc.ICECandidateInit{Candidate: line}
	default:
		m.Candidate = &webrtc.ICECandidateInit{}
		if err := json.Unmarshal(candidate, m.Candidate); err != nil {
			return fmt.Errorf("decoding candidate: %w", err)
		}
	}
	return nil
}

// Check the message carries the payload its type requires.
// Malformed messages are protocol violations.
func (m Message) Validate() error {
	var err error
	switch m.Type {
	case MessageTypeOffer, MessageTypeAnswer:
		if m.SDP == "" {
			err = errMissingSDP
		}
	case MessageTypeCandidate:
		if m.Candidate == nil {
			err = errMissingCandidate
		}
	default:
		err = fmt.Errorf("%w: %q", errUnknownMessageType, m.Type)
	}
	if err != nil {
		return callerr.ProtocolViolation("signalling.validate", err)
	}
	return nil
}

// The session description carried by an offer or answer.
func (m Message) SessionDescription() webrtc.SessionDescription {
	sdpType := webrtc.SDPTypeOffer
	if m.Type == MessageTypeAnswer {
		sdpType = webrtc.SDPTypeAnswer
	}
	return webrtc.SessionDescription{Type: sdpType, SDP: m.SDP}
}

func (m Message) String() string {
	switch m.Type {
	case MessageTypeCandidate:
		if m.Candidate != nil {
			return fmt.Sprintf("candidate(%s)", m.Candidate.Candidate)
		}
	case MessageTypeOffer, MessageTypeAnswer:
		return fmt.Sprintf("%s(%d bytes)", m.Type, len(m.SDP))
	}
	return string(m.Type)
}
