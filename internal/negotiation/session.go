// Package negotiation drives one call from Idle to Connected.
//
// A Session owns the peer connection and every pipeline attached to it. It turns
// signalling messages into connection calls, buffers remote candidates until the
// remote description is in place, and reports what happens as Events.
package negotiation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/Honorable-Knights-of-the-Roundtable/tonepulse/internal/callerr"
	"github.com/Honorable-Knights-of-the-Roundtable/tonepulse/internal/pipeline"
	"github.com/Honorable-Knights-of-the-Roundtable/tonepulse/internal/track"
	"github.com/Honorable-Knights-of-the-Roundtable/tonepulse/internal/utils"
	"github.com/Honorable-Knights-of-the-Roundtable/tonepulse/pkg/signalling"
	"github.com/Honorable-Knights-of-the-Roundtable/tonepulse/pkg/transform"
	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
)

const (
	// Consecutive protocol violations tolerated before the session gives up
	maxProtocolViolations = 3
)

var (
	errNotIdle          = errors.New("session already started")
	errUnexpectedOffer  = errors.New("offer received after negotiation started")
	errUnexpectedAnswer = errors.New("answer received without an outstanding offer")
	errSessionEnded     = errors.New("session has ended")
	errSessionClosed    = errors.New("session closed")
	errConnectionLost   = errors.New("peer connection lost")
)

// Sends messages to the remote peer. Delivery failures are the signaller's
// concern, reported out of band.
type Signaller interface {
	Send(message signalling.Message)
}

type SessionConfig struct {
	// Route local audio through a pulse tone before it is sent
	RouteOutbound bool

	NewConnection ConnectionFactory
	Signaller     Signaller

	// Local capture. May be nil for a receive-only session.
	LocalAudio pipeline.Source

	Logger *slog.Logger
}

type Session struct {
	uuid          uuid.UUID
	logger        *slog.Logger
	routeOutbound bool
	newConnection ConnectionFactory
	signaller     Signaller
	localAudio    pipeline.Source

	// Parent of every pipeline the session attaches.
	// Cancelled, with the reason, when the session ends.
	ctx           context.Context
	ctxCancelFunc context.CancelCauseFunc

	events *utils.Queue[Event]

	mu                   sync.Mutex
	state                State
	role                 Role
	conn                 Connection
	remoteDescriptionSet bool
	pending              PendingCandidateQueue
	outbound             *pipeline.Handle
	inbound              []*pipeline.Handle
	violations           int
}

func NewSession(config SessionConfig) *Session {
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	id := uuid.New()
	ctx, ctxCancelFunc := context.WithCancelCause(context.Background())
	return &Session{
		uuid:          id,
		logger:        config.Logger.With("session uuid", id),
		routeOutbound: config.RouteOutbound,
		newConnection: config.NewConnection,
		signaller:     config.Signaller,
		localAudio:    config.LocalAudio,
		ctx:           ctx,
		ctxCancelFunc: ctxCancelFunc,
		events:        utils.NewQueue[Event](),
	}
}

// --------------------------------------------------------------------------------
// PUBLIC METHODS

// State changes, remote tracks, and failures, in order.
// Closed once the session has ended and every event has been read.
func (s *Session) Events() <-chan Event {
	return s.events.Out()
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) Role() Role {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.role
}

// Number of remote candidates waiting for the remote description.
func (s *Session) PendingCandidates() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pending.Len()
}

// Start the call: allocate a connection, attach local audio, and send one offer.
func (s *Session) CreateAsCaller(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}
	if s.state != StateIdle {
		return s.violation("negotiation.call", errNotIdle)
	}
	s.role = RoleCaller
	s.setState(StateConnecting)

	if err := s.start(); err != nil {
		return s.fail(err)
	}

	offer, err := s.conn.CreateOffer()
	if err != nil {
		return s.fail(callerr.Transport("negotiation.offer", err))
	}
	if err := s.conn.SetLocalDescription(offer); err != nil {
		return s.fail(callerr.Transport("negotiation.local-description", err))
	}
	s.logger.Debug("sending offer")
	s.signaller.Send(signalling.NewOffer(offer.SDP))
	return nil
}

// Answer a remote offer: allocate a connection, attach local audio, apply the
// offer and any candidates that arrived early, and send one answer.
func (s *Session) CreateAsCallee(ctx context.Context, offer signalling.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}
	if err := offer.Validate(); err != nil {
		return s.violation("negotiation.offer", err)
	}
	if offer.Type != signalling.MessageTypeOffer {
		return s.violation("negotiation.offer", fmt.Errorf("expected an offer, got %s", offer.Type))
	}
	return s.acceptOffer(offer)
}

// Process one message from the remote peer. Messages must be handled in the
// order they arrived.
//
// A message the current state does not allow returns a ProtocolViolation and
// changes nothing, unless violations keep coming, in which case the session fails.
func (s *Session) HandleMessage(ctx context.Context, message signalling.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}
	if s.state.terminal() {
		s.logger.Debug("ignoring message for ended session", "message", message)
		return callerr.ProtocolViolation("negotiation.message", errSessionEnded)
	}
	if err := message.Validate(); err != nil {
		return s.violation("negotiation.message", err)
	}

	switch message.Type {
	case signalling.MessageTypeOffer:
		return s.acceptOffer(message)
	case signalling.MessageTypeAnswer:
		return s.acceptAnswer(message)
	case signalling.MessageTypeCandidate:
		return s.acceptCandidate(*message.Candidate)
	}
	return nil
}

// Route a remote track through t into sink, on a pipeline owned by this session.
// Pipeline failures are reported as non-fatal Failure events.
func (s *Session) AttachInbound(remote track.Remote, t transform.Transform, sink pipeline.Sink) (*pipeline.Handle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state.terminal() {
		return nil, errSessionEnded
	}
	h := pipeline.Attach(s.ctx, remote, t, sink,
		pipeline.WithName("inbound"),
		pipeline.WithLogger(s.logger),
	)
	s.inbound = append(s.inbound, h)
	go s.watchPipeline(h)
	return h, nil
}

// Fail the session with err, releasing the connection and every pipeline.
// Only the first call has any effect.
func (s *Session) Fail(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fail(err)
}

// End the session locally, releasing the connection and every pipeline.
func (s *Session) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state.terminal() {
		return
	}
	s.logger.Debug("closing session")
	s.setState(StateClosed)
	s.release(errSessionClosed)
	s.events.Close()
}

// --------------------------------------------------------------------------------
// MESSAGE HANDLERS
// Called with s.mu held

func (s *Session) acceptOffer(offer signalling.Message) error {
	if s.state != StateIdle {
		return s.violation("negotiation.offer", errUnexpectedOffer)
	}
	s.role = RoleCallee
	s.setState(StateConnecting)

	if err := s.start(); err != nil {
		return s.fail(err)
	}
	if err := s.applyRemoteDescription(offer); err != nil {
		return s.fail(err)
	}

	answer, err := s.conn.CreateAnswer()
	if err != nil {
		return s.fail(callerr.Transport("negotiation.answer", err))
	}
	if err := s.conn.SetLocalDescription(answer); err != nil {
		return s.fail(callerr.Transport("negotiation.local-description", err))
	}
	s.logger.Debug("sending answer")
	s.signaller.Send(signalling.NewAnswer(answer.SDP))
	s.violations = 0
	return nil
}

func (s *Session) acceptAnswer(answer signalling.Message) error {
	if s.role != RoleCaller || s.state != StateConnecting || s.remoteDescriptionSet {
		return s.violation("negotiation.answer", errUnexpectedAnswer)
	}
	if err := s.applyRemoteDescription(answer); err != nil {
		return s.fail(err)
	}
	s.violations = 0
	return nil
}

func (s *Session) acceptCandidate(candidate webrtc.ICECandidateInit) error {
	if !s.remoteDescriptionSet {
		s.logger.Debug("queueing remote candidate until the remote description is set",
			"candidate", candidate.Candidate,
			"pending", s.pending.Len()+1,
		)
		s.pending.Push(candidate)
		return nil
	}
	if err := s.conn.AddICECandidate(candidate); err != nil {
		return s.violation("negotiation.candidate", err)
	}
	s.violations = 0
	return nil
}

// Set the remote description, then apply every queued candidate in arrival order.
func (s *Session) applyRemoteDescription(message signalling.Message) error {
	if err := s.conn.SetRemoteDescription(message.SessionDescription()); err != nil {
		return callerr.ProtocolViolation("negotiation.remote-description", err)
	}
	s.remoteDescriptionSet = true

	for _, candidate := range s.pending.Drain() {
		if err := s.conn.AddICECandidate(candidate); err != nil {
			s.logger.Warn("could not apply queued candidate",
				"candidate", candidate.Candidate,
				"err", err,
			)
		}
	}
	return nil
}

// --------------------------------------------------------------------------------
// PRIVATE UTIL METHODS
// Called with s.mu held

// Allocate the connection and attach local audio to it, before any description
// is created.
func (s *Session) start() error {
	conn, err := s.newConnection()
	if err != nil {
		return callerr.Transport("negotiation.connection", err)
	}
	s.conn = conn
	go s.watchConnection(conn)

	if s.localAudio == nil {
		s.logger.Info("no local audio, receive only")
		return nil
	}
	sink, err := conn.AddLocalAudioTrack()
	if err != nil {
		return callerr.Transport("negotiation.local-track", err)
	}

	var t transform.Transform = transform.NewPassthrough()
	if s.routeOutbound {
		t = transform.NewPulseTone()
	}
	s.outbound = pipeline.Attach(s.ctx, s.localAudio, t, sink,
		pipeline.WithName("outbound"),
		pipeline.WithLogger(s.logger),
	)
	go s.watchPipeline(s.outbound)
	s.logger.Debug("local audio attached", "routeOutbound", s.routeOutbound)
	return nil
}

func (s *Session) setState(state State) {
	if s.state == state {
		return
	}
	s.logger.Debug("session state change", "from", s.state, "to", state)
	s.events.Push(StateChanged{From: s.state, To: state})
	s.state = state
}

// Record a protocol violation. Too many in a row fails the session.
func (s *Session) violation(op string, err error) error {
	if !errors.Is(err, callerr.ErrProtocolViolation) {
		err = callerr.ProtocolViolation(op, err)
	}
	s.violations++
	s.logger.Warn("protocol violation",
		"err", err,
		"consecutive", s.violations,
		"state", s.state,
	)
	if s.violations >= maxProtocolViolations {
		s.fail(err)
	}
	return err
}

// Move to StateFailed and release everything. Returns err for convenience.
func (s *Session) fail(err error) error {
	if s.state.terminal() {
		return err
	}
	s.logger.Error("session failed", "err", err)
	s.setState(StateFailed)
	s.release(err)
	s.events.Push(Failure{Err: err, Fatal: true})
	s.events.Close()
	return err
}

func (s *Session) release(reason error) {
	s.ctxCancelFunc(reason)
	if s.outbound != nil {
		s.outbound.Cancel(reason)
	} else if s.localAudio != nil {
		// Never attached, so nothing else will release it
		s.localAudio.Cancel(reason)
	}
	for _, h := range s.inbound {
		h.Cancel(reason)
	}
	if s.conn != nil {
		if err := s.conn.Close(); err != nil {
			s.logger.Warn("error while closing connection", "err", err)
		}
	}
}

// --------------------------------------------------------------------------------
// WATCHERS

func (s *Session) watchConnection(conn Connection) {
	for event := range conn.Events() {
		switch e := event.(type) {
		case ICECandidateEvent:
			s.signaller.Send(signalling.NewCandidate(e.Candidate))

		case TrackEvent:
			s.logger.Debug("remote track arrived", "track", e.Track.ID())
			s.events.Push(TrackArrived{Track: e.Track})

		case ConnectionStateEvent:
			s.logger.Debug("connection state change", "state", e.State)
			s.mu.Lock()
			switch e.State {
			case ConnectionConnected:
				if s.state == StateConnecting {
					s.setState(StateConnected)
				}
			case ConnectionFailed, ConnectionClosed:
				s.fail(callerr.Transport("negotiation.connection", fmt.Errorf("%w: %s", errConnectionLost, e.State)))
			}
			s.mu.Unlock()
		}
	}
}

// Surface pipeline failures. Cancellations are the session's own doing and are not reported.
func (s *Session) watchPipeline(h *pipeline.Handle) {
	<-h.Done()
	if err := h.Err(); errors.Is(err, callerr.ErrPipeline) {
		s.events.Push(Failure{Err: err, Fatal: false})
	}
}
