package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/Honorable-Knights-of-the-Roundtable/tonepulse/internal/audioapi"
	"github.com/Honorable-Knights-of-the-Roundtable/tonepulse/internal/callerr"
	"github.com/Honorable-Knights-of-the-Roundtable/tonepulse/internal/negotiation"
	"github.com/Honorable-Knights-of-the-Roundtable/tonepulse/internal/pipeline"
	sigbridge "github.com/Honorable-Knights-of-the-Roundtable/tonepulse/internal/signalling"
	"github.com/Honorable-Knights-of-the-Roundtable/tonepulse/internal/track"
	"github.com/Honorable-Knights-of-the-Roundtable/tonepulse/pkg/audiodevice"
	"github.com/Honorable-Knights-of-the-Roundtable/tonepulse/pkg/frame"
	"github.com/Honorable-Knights-of-the-Roundtable/tonepulse/pkg/signalling"
	"github.com/pion/webrtc/v4"
)

const toneValue = float32(0.1)

var errLinkClosed = errors.New("link closed")

// --------------------------------------------------------------------------------
// A pair of in-process connections. Audio written to one side's local track
// arrives on the other side's remote track once both descriptions are set.

type linkedNetwork struct {
	mu    sync.Mutex
	conns []*linkedConnection
}

func (n *linkedNetwork) factory() negotiation.ConnectionFactory {
	return func() (negotiation.Connection, error) {
		n.mu.Lock()
		defer n.mu.Unlock()
		c := &linkedConnection{
			network: n,
			name:    fmt.Sprintf("peer%d", len(n.conns)),
			events:  make(chan negotiation.ConnectionEvent, 64),
		}
		c.remote = &chanRemote{
			id:     c.name + "-remote",
			frames: make(chan frame.AudioFrame, 64),
			done:   make(chan struct{}),
		}
		n.conns = append(n.conns, c)
		return c, nil
	}
}

func (n *linkedNetwork) peerOf(c *linkedConnection) *linkedConnection {
	n.mu.Lock()
	defer n.mu.Unlock()
	for _, other := range n.conns {
		if other != c {
			return other
		}
	}
	return nil
}

type linkedConnection struct {
	network *linkedNetwork
	name    string
	remote  *chanRemote

	mu         sync.Mutex
	events     chan negotiation.ConnectionEvent
	closed     bool
	localSet   bool
	remoteSet  bool
	connected  bool
	candidates []string
}

func (c *linkedConnection) CreateOffer() (webrtc.SessionDescription, error) {
	return webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "offer-" + c.name}, nil
}

func (c *linkedConnection) CreateAnswer() (webrtc.SessionDescription, error) {
	return webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "answer-" + c.name}, nil
}

func (c *linkedConnection) SetLocalDescription(webrtc.SessionDescription) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.localSet = true
	c.emit(negotiation.ICECandidateEvent{Candidate: webrtc.ICECandidateInit{Candidate: "candidate-" + c.name}})
	c.maybeConnect()
	return nil
}

func (c *linkedConnection) SetRemoteDescription(webrtc.SessionDescription) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.remoteSet = true
	c.maybeConnect()
	return nil
}

func (c *linkedConnection) AddICECandidate(candidate webrtc.ICECandidateInit) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.candidates = append(c.candidates, candidate.Candidate)
	return nil
}

func (c *linkedConnection) AddLocalAudioTrack() (pipeline.Sink, error) {
	return &linkedSink{from: c}, nil
}

func (c *linkedConnection) Events() <-chan negotiation.ConnectionEvent {
	return c.events
}

func (c *linkedConnection) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.events)
		c.remote.Cancel(errLinkClosed)
	}
	return nil
}

func (c *linkedConnection) isConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected && !c.closed
}

// Called with c.mu held
func (c *linkedConnection) maybeConnect() {
	if c.localSet && c.remoteSet && !c.connected {
		c.connected = true
		c.emit(negotiation.TrackEvent{Track: c.remote})
		c.emit(negotiation.ConnectionStateEvent{State: negotiation.ConnectionConnected})
	}
}

// Called with c.mu held
func (c *linkedConnection) emit(event negotiation.ConnectionEvent) {
	if !c.closed {
		c.events <- event
	}
}

// Drops frames until both ends are connected, like RTP sent into the void.
type linkedSink struct {
	from *linkedConnection
}

func (s *linkedSink) Write(ctx context.Context, audioFrame frame.AudioFrame) error {
	peer := s.from.network.peerOf(s.from)
	if peer == nil || !s.from.isConnected() || !peer.isConnected() {
		return nil
	}
	select {
	case peer.remote.frames <- audioFrame:
	case <-ctx.Done():
		return context.Cause(ctx)
	default:
	}
	return nil
}

func (s *linkedSink) Close() error  { return nil }
func (s *linkedSink) Abort(_ error) {}

type chanRemote struct {
	id     string
	frames chan frame.AudioFrame

	once   sync.Once
	done   chan struct{}
	reason error
}

func (r *chanRemote) ID() string { return r.id }

func (r *chanRemote) Read(ctx context.Context) (frame.AudioFrame, error) {
	select {
	case f := <-r.frames:
		return f, nil
	case <-r.done:
		return frame.AudioFrame{}, r.reason
	case <-ctx.Done():
		return frame.AudioFrame{}, context.Cause(ctx)
	}
}

func (r *chanRemote) Cancel(reason error) {
	r.once.Do(func() {
		if reason == nil {
			reason = io.EOF
		}
		r.reason = reason
		close(r.done)
	})
}

// --------------------------------------------------------------------------------
// Local audio

// Produces constant frames roughly a millisecond apart until closed.
// After switchAfter frames (if positive) the sample rate doubles.
type toneDevice struct {
	switchAfter int
	stream      chan frame.AudioFrame
	stop        chan struct{}
	once        sync.Once
}

func newToneDevice(switchAfter int) *toneDevice {
	d := &toneDevice{
		switchAfter: switchAfter,
		stream:      make(chan frame.AudioFrame),
		stop:        make(chan struct{}),
	}
	go func() {
		defer close(d.stream)
		for n := 0; ; n++ {
			sampleRate := 8000
			if d.switchAfter > 0 && n >= d.switchAfter {
				sampleRate = 16000
			}
			f := frame.New(sampleRate, 1, sampleRate/50, time.Duration(n)*20*time.Millisecond)
			for i := range f.Data {
				f.Data[i] = toneValue
			}
			select {
			case d.stream <- f:
			case <-d.stop:
				return
			}
			select {
			case <-time.After(time.Millisecond):
			case <-d.stop:
				return
			}
		}
	}()
	return d
}

func (d *toneDevice) GetStream() <-chan frame.AudioFrame { return d.stream }
func (d *toneDevice) Close()                             { d.once.Do(func() { close(d.stop) }) }
func (d *toneDevice) GetDeviceProperties() audiodevice.DeviceProperties {
	return audiodevice.DeviceProperties{SampleRate: 8000, NumChannels: 1}
}

type toneAPI struct {
	audioapi.DummyAudioIODeviceAPI
	switchAfter int
}

func (api toneAPI) InitDefaultInputDevice() (audiodevice.AudioSourceDevice, error) {
	return newToneDevice(api.switchAfter), nil
}

// --------------------------------------------------------------------------------
// Rendering

type recordingRenderer struct {
	want int

	mu      sync.Mutex
	streams []string
	frames  []frame.AudioFrame
	enough  chan struct{}
	once    sync.Once
}

func newRecordingRenderer(want int) *recordingRenderer {
	return &recordingRenderer{want: want, enough: make(chan struct{})}
}

func (r *recordingRenderer) Render(ctx context.Context, stream track.Stream) error {
	r.mu.Lock()
	r.streams = append(r.streams, stream.ID())
	r.mu.Unlock()
	for {
		f, err := stream.Read(ctx)
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		r.mu.Lock()
		r.frames = append(r.frames, f)
		if len(r.frames) >= r.want {
			r.once.Do(func() { close(r.enough) })
		}
		r.mu.Unlock()
	}
}

func (r *recordingRenderer) wait(t *testing.T, who string) []frame.AudioFrame {
	t.Helper()
	select {
	case <-r.enough:
	case <-time.After(5 * time.Second):
		t.Fatalf("%s never rendered %d frames", who, r.want)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]frame.AudioFrame(nil), r.frames...)
}

func allSamplesEqual(frames []frame.AudioFrame, value float32) bool {
	for _, f := range frames {
		for _, s := range f.Data {
			if s != value {
				return false
			}
		}
	}
	return true
}

// --------------------------------------------------------------------------------
// Helpers

type peer struct {
	orchestrator *Orchestrator
	renderer     *recordingRenderer
	result       chan error
}

func startPeer(ctx context.Context, t *testing.T, config Config) *peer {
	t.Helper()
	p := &peer{
		renderer: newRecordingRenderer(10),
		result:   make(chan error, 1),
	}
	if config.Renderer == nil {
		config.Renderer = p.renderer
	}
	p.orchestrator = New(config)
	go func() {
		p.result <- p.orchestrator.Run(ctx)
	}()
	eventually(t, func() bool { return p.orchestrator.Session() != nil }, "orchestrator joined signalling")
	return p
}

func (p *peer) wait(t *testing.T) error {
	t.Helper()
	select {
	case err := <-p.result:
		return err
	case <-time.After(5 * time.Second):
		t.Fatalf("Run did not return")
	}
	return nil
}

func eventually(t *testing.T, condition func() bool, message string) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !condition() {
		if time.Now().After(deadline) {
			t.Fatalf("condition never held: %s", message)
		}
		time.Sleep(time.Millisecond)
	}
}

func nextError(t *testing.T, o *Orchestrator) error {
	t.Helper()
	select {
	case err, ok := <-o.Errors():
		if !ok {
			t.Fatalf("error stream closed")
		}
		return err
	case <-time.After(5 * time.Second):
		t.Fatalf("no error reported")
	}
	return nil
}

// Start a caller and a callee over an in-process signalling channel and network.
func startCall(ctx context.Context, t *testing.T, routing Routing, callerAPI audioapi.AudioIODeviceAPI) (*peer, *peer) {
	t.Helper()
	ta, tb := sigbridge.NewMemoryTransportPair()
	network := &linkedNetwork{}

	caller := startPeer(ctx, t, Config{
		Routing:       routing,
		AudioAPI:      callerAPI,
		Transport:     ta,
		NewConnection: network.factory(),
	})
	callee := startPeer(ctx, t, Config{
		Routing:       routing,
		AudioAPI:      toneAPI{},
		Transport:     tb,
		NewConnection: network.factory(),
	})
	return caller, callee
}

// --------------------------------------------------------------------------------
// Tests

func TestCallWithInboundRouting(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	caller, callee := startCall(ctx, t, Routing{Inbound: true}, toneAPI{})

	callerFrames := caller.renderer.wait(t, "caller")
	calleeFrames := callee.renderer.wait(t, "callee")

	if allSamplesEqual(callerFrames, toneValue) || allSamplesEqual(calleeFrames, toneValue) {
		t.Errorf("inbound audio was not pulse toned")
	}
	for _, f := range append(callerFrames, calleeFrames...) {
		for _, s := range f.Data {
			if s < -1 || s > 1 {
				t.Fatalf("rendered sample out of range: %v", s)
			}
		}
	}

	if role := caller.orchestrator.Session().Role(); role != negotiation.RoleCaller {
		t.Errorf("first peer role: got %v, want caller", role)
	}
	if role := callee.orchestrator.Session().Role(); role != negotiation.RoleCallee {
		t.Errorf("second peer role: got %v, want callee", role)
	}
	eventually(t, func() bool {
		return caller.orchestrator.Session().State() == negotiation.StateConnected &&
			callee.orchestrator.Session().State() == negotiation.StateConnected
	}, "both sessions connected")

	cancel()
	if err := caller.wait(t); err != nil {
		t.Errorf("caller Run: %v", err)
	}
	if err := callee.wait(t); err != nil {
		t.Errorf("callee Run: %v", err)
	}
	if _, ok := <-caller.orchestrator.Errors(); ok {
		t.Errorf("caller reported an error")
	}
}

func TestCallWithRawRouting(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	caller, callee := startCall(ctx, t, Routing{}, toneAPI{})

	if !allSamplesEqual(caller.renderer.wait(t, "caller"), toneValue) {
		t.Errorf("caller rendered modified audio on the raw route")
	}
	if !allSamplesEqual(callee.renderer.wait(t, "callee"), toneValue) {
		t.Errorf("callee rendered modified audio on the raw route")
	}

	caller.renderer.mu.Lock()
	streams := append([]string(nil), caller.renderer.streams...)
	caller.renderer.mu.Unlock()
	if len(streams) != 1 || streams[0] != "peer0-remote" {
		t.Errorf("raw route should render the remote track itself, got %v", streams)
	}

	cancel()
	caller.wait(t)
	callee.wait(t)
}

func TestCallWithOutboundRouting(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	caller, callee := startCall(ctx, t, Routing{Outbound: true}, toneAPI{})

	if allSamplesEqual(callee.renderer.wait(t, "callee"), toneValue) {
		t.Errorf("caller audio was not pulse toned before sending")
	}
	if allSamplesEqual(caller.renderer.wait(t, "caller"), toneValue) {
		t.Errorf("callee audio was not pulse toned before sending")
	}

	cancel()
	caller.wait(t)
	callee.wait(t)
}

func TestDeviceUnavailableNeverJoinsSignalling(t *testing.T) {
	ta, tb := sigbridge.NewMemoryTransportPair()
	defer tb.Close()
	o := New(Config{
		AudioAPI: audioapi.NewDummyAudioIODeviceAPI(audiodevice.DeviceProperties{SampleRate: 8000, NumChannels: 1}).
			WithUnavailableInput(errors.New("no microphone")),
		Transport:     ta,
		NewConnection: (&linkedNetwork{}).factory(),
		Renderer:      newRecordingRenderer(1),
	})

	err := o.Run(context.Background())
	if !errors.Is(err, callerr.ErrDeviceUnavailable) {
		t.Fatalf("got %v, want a device unavailable error", err)
	}
	if o.Session() != nil {
		t.Errorf("a session was created without local audio")
	}

	// The other end joining must not ready anyone
	tb.Connect(context.Background())
	select {
	case event := <-tb.Events():
		t.Errorf("other end got %#v, signalling was joined", event)
	case <-time.After(20 * time.Millisecond):
	}
	if _, ok := <-o.Errors(); ok {
		t.Errorf("errors not closed after Run")
	}
}

type scriptedTransport struct {
	events chan sigbridge.TransportEvent
}

func (s *scriptedTransport) Connect(context.Context) error                  { return nil }
func (s *scriptedTransport) Send(context.Context, signalling.Message) error { return nil }
func (s *scriptedTransport) Events() <-chan sigbridge.TransportEvent        { return s.events }
func (s *scriptedTransport) Close() error                                   { return nil }

func TestSignallingFailureEndsRun(t *testing.T) {
	transport := &scriptedTransport{events: make(chan sigbridge.TransportEvent, 4)}
	p := startPeer(context.Background(), t, Config{
		AudioAPI:      toneAPI{},
		Transport:     transport,
		NewConnection: (&linkedNetwork{}).factory(),
	})

	transport.events <- sigbridge.ReadyEvent{}
	eventually(t, func() bool { return p.orchestrator.Session().State() == negotiation.StateConnecting }, "calling")
	transport.events <- sigbridge.ErrorEvent{Err: errors.New("relay went away")}

	err := p.wait(t)
	if !errors.Is(err, callerr.ErrTransport) {
		t.Fatalf("got %v, want a transport error", err)
	}
	if state := p.orchestrator.Session().State(); state != negotiation.StateFailed {
		t.Errorf("session state: got %v, want failed", state)
	}
}

func TestPipelineFailureIsNotFatal(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	// The caller's microphone changes sample rate mid-stream
	caller, callee := startCall(ctx, t, Routing{Outbound: true, Inbound: true}, toneAPI{switchAfter: 5})

	err := nextError(t, caller.orchestrator)
	if !errors.Is(err, callerr.ErrPipeline) {
		t.Fatalf("got %v, want a pipeline error", err)
	}

	// The call itself carries on, the caller still hears the callee
	caller.renderer.wait(t, "caller")
	if state := caller.orchestrator.Session().State(); state == negotiation.StateFailed {
		t.Errorf("session failed because of a pipeline error")
	}
	select {
	case err := <-caller.result:
		t.Fatalf("Run returned early: %v", err)
	default:
	}

	cancel()
	caller.wait(t)
	callee.wait(t)
}

func TestProtocolViolationIsReported(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ta, tb := sigbridge.NewMemoryTransportPair()
	p := startPeer(ctx, t, Config{
		AudioAPI:      toneAPI{},
		Transport:     ta,
		NewConnection: (&linkedNetwork{}).factory(),
	})

	// Joining makes the orchestrator call
	if err := tb.Connect(ctx); err != nil {
		t.Fatalf("connect: %v", err)
	}
	var offer signalling.Message
	for offer.Type != signalling.MessageTypeOffer {
		select {
		case event := <-tb.Events():
			if m, ok := event.(sigbridge.MessageEvent); ok {
				offer = m.Message
			}
		case <-time.After(5 * time.Second):
			t.Fatalf("no offer sent")
		}
	}

	// Offering back to a caller is not allowed
	tb.Send(ctx, signalling.NewOffer("v=0 glare"))

	if err := nextError(t, p.orchestrator); !errors.Is(err, callerr.ErrProtocolViolation) {
		t.Fatalf("got %v, want a protocol violation", err)
	}
	if state := p.orchestrator.Session().State(); state != negotiation.StateConnecting {
		t.Errorf("state changed to %v", state)
	}

	cancel()
	if err := p.wait(t); err != nil {
		t.Errorf("Run: %v", err)
	}
}

// Refuses every remote description, as pion does for unparseable sdp.
type rejectingConnection struct {
	*linkedConnection
}

var errBadDescription = errors.New("unparseable sdp")

func (c rejectingConnection) SetRemoteDescription(webrtc.SessionDescription) error {
	return errBadDescription
}

func TestRejectedDescriptionEndsRunOnce(t *testing.T) {
	transport := &scriptedTransport{events: make(chan sigbridge.TransportEvent, 4)}
	network := &linkedNetwork{}
	linked := network.factory()
	p := startPeer(context.Background(), t, Config{
		AudioAPI:  toneAPI{},
		Transport: transport,
		NewConnection: func() (negotiation.Connection, error) {
			conn, err := linked()
			if err != nil {
				return nil, err
			}
			return rejectingConnection{conn.(*linkedConnection)}, nil
		},
	})

	transport.events <- sigbridge.MessageEvent{Message: signalling.NewOffer("v=0 garbage")}
	transport.events <- sigbridge.MessageEvent{Message: signalling.NewCandidate(webrtc.ICECandidateInit{Candidate: "candidate-late"})}

	err := p.wait(t)
	if !errors.Is(err, callerr.ErrProtocolViolation) || !errors.Is(err, errBadDescription) {
		t.Fatalf("got %v, want the rejected description as a protocol violation", err)
	}
	if state := p.orchestrator.Session().State(); state != negotiation.StateFailed {
		t.Errorf("session state: got %v, want failed", state)
	}
	for err := range p.orchestrator.Errors() {
		t.Errorf("failure also reported: %v", err)
	}
}
