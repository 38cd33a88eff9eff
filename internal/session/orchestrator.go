// Package session runs one call end to end: it acquires local audio, joins the
// signalling channel, drives a negotiation Session, and plays remote audio.
package session

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"

	"github.com/Honorable-Knights-of-the-Roundtable/tonepulse/internal/audioapi"
	"github.com/Honorable-Knights-of-the-Roundtable/tonepulse/internal/callerr"
	"github.com/Honorable-Knights-of-the-Roundtable/tonepulse/internal/negotiation"
	"github.com/Honorable-Knights-of-the-Roundtable/tonepulse/internal/pipeline"
	sigbridge "github.com/Honorable-Knights-of-the-Roundtable/tonepulse/internal/signalling"
	"github.com/Honorable-Knights-of-the-Roundtable/tonepulse/internal/track"
	"github.com/Honorable-Knights-of-the-Roundtable/tonepulse/internal/utils"
	"github.com/Honorable-Knights-of-the-Roundtable/tonepulse/pkg/transform"
	"github.com/google/uuid"
)

var (
	errOrchestratorStopped = errors.New("orchestrator stopped")
	errBridgeClosed        = errors.New("signalling bridge closed")
)

// Where the pulse tone is applied. The same routing is used whether this side
// ends up calling or answering.
type Routing struct {
	// Capture → pulse tone → send
	Outbound bool

	// Receive → pulse tone → render
	Inbound bool
}

// Plays a stream, e.g. to speakers or a file. Render blocks until the stream
// ends (nil), ctx is cancelled, or playback fails.
type Renderer interface {
	Render(ctx context.Context, stream track.Stream) error
}

type Config struct {
	Routing Routing

	// Provides the microphone
	AudioAPI audioapi.AudioIODeviceAPI

	// The signalling channel to the other peer
	Transport sigbridge.Transport

	NewConnection negotiation.ConnectionFactory
	Renderer      Renderer

	// Called, in order, for every session event. Optional.
	OnEvent func(negotiation.Event)

	Logger *slog.Logger
}

type Orchestrator struct {
	uuid   uuid.UUID
	logger *slog.Logger
	config Config

	errors *utils.Queue[error]

	mu      sync.Mutex
	session *negotiation.Session
	remotes []track.Remote

	renderers sync.WaitGroup
}

func New(config Config) *Orchestrator {
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	id := uuid.New()
	return &Orchestrator{
		uuid:   id,
		logger: config.Logger.With("orchestrator uuid", id),
		config: config,
		errors: utils.NewQueue[error](),
	}
}

// Non-fatal failures (a pipeline failing, a bad signalling message) while Run
// carries on. Closed once Run has returned.
func (o *Orchestrator) Errors() <-chan error {
	return o.errors.Out()
}

// The negotiation session of the current call, nil until Run has joined signalling.
func (o *Orchestrator) Session() *negotiation.Session {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.session
}

// Run one call until ctx is cancelled (returns nil) or the call fails.
// The error that failed the call is returned and not also sent on Errors():
// DeviceUnavailable when local audio cannot be acquired, Transport when
// signalling or the connection breaks, ProtocolViolation when the peer's
// messages end the session.
//
// Local audio is acquired first. If that fails, signalling is never joined.
func (o *Orchestrator) Run(ctx context.Context) error {
	defer o.errors.Close()

	microphone, err := o.config.AudioAPI.InitDefaultInputDevice()
	if err != nil {
		err = callerr.DeviceUnavailable("session.acquire-audio", err)
		o.logger.Error("could not acquire local audio", "err", err)
		return err
	}
	o.logger.Debug("local audio acquired", "properties", microphone.GetDeviceProperties())

	bridge := sigbridge.NewBridge(o.config.Transport, o.logger)
	if err := bridge.Open(ctx); err != nil {
		microphone.Close()
		return err
	}

	sess := negotiation.NewSession(negotiation.SessionConfig{
		RouteOutbound: o.config.Routing.Outbound,
		NewConnection: o.config.NewConnection,
		Signaller:     bridge,
		LocalAudio:    pipeline.NewDeviceSource(microphone),
		Logger:        o.logger,
	})
	o.mu.Lock()
	o.session = sess
	o.mu.Unlock()

	renderCtx, renderCancel := context.WithCancelCause(context.Background())
	defer func() {
		renderCancel(errOrchestratorStopped)
		sess.Close()
		bridge.Close()
		o.mu.Lock()
		for _, remote := range o.remotes {
			remote.Cancel(errOrchestratorStopped)
		}
		o.mu.Unlock()
		o.renderers.Wait()
		o.logger.Debug("orchestrator finished")
	}()

	ready := bridge.Ready()
	bridgeDone := bridge.Done()
	events := sess.Events()
	var fatal error
	for {
		select {
		case <-ctx.Done():
			o.logger.Info("call ended locally")
			return nil

		case <-ready:
			ready = nil
			o.logger.Info("signalling partner ready, calling")
			if err := sess.CreateAsCaller(ctx); err != nil {
				o.reportUnlessEnded(sess, err)
			}

		case message := <-bridge.Inbound():
			if err := sess.HandleMessage(ctx, message); err != nil {
				o.reportUnlessEnded(sess, err)
			}

		case <-bridgeDone:
			bridgeDone = nil
			err := bridge.Err()
			if err == nil {
				err = callerr.Transport("session.signalling", errBridgeClosed)
			}
			sess.Fail(err)

		case event, ok := <-events:
			if !ok {
				return fatal
			}
			if o.config.OnEvent != nil {
				o.config.OnEvent(event)
			}
			switch e := event.(type) {
			case negotiation.StateChanged:
				o.logger.Info("call state change", "from", e.From, "to", e.To)
			case negotiation.TrackArrived:
				o.play(renderCtx, sess, e.Track)
			case negotiation.Failure:
				if e.Fatal {
					fatal = e.Err
				} else {
					o.report(e.Err)
				}
			}
		}
	}
}

// Route a remote track to the renderer, through a pulse tone if inbound routing is on.
func (o *Orchestrator) play(ctx context.Context, sess *negotiation.Session, remote track.Remote) {
	o.mu.Lock()
	o.remotes = append(o.remotes, remote)
	o.mu.Unlock()

	var stream track.Stream = remote
	if o.config.Routing.Inbound {
		generated := track.NewGeneratedTrack(remote.ID() + "-pulsetone")
		if _, err := sess.AttachInbound(remote, transform.NewPulseTone(), generated); err != nil {
			o.logger.Warn("could not attach inbound pipeline", "track", remote.ID(), "err", err)
			remote.Cancel(err)
			return
		}
		stream = generated
	}
	o.logger.Info("playing remote track", "track", stream.ID(), "routeInbound", o.config.Routing.Inbound)

	o.renderers.Add(1)
	go func() {
		defer o.renderers.Done()
		err := o.config.Renderer.Render(ctx, stream)
		if err == nil || errors.Is(err, io.EOF) || ctx.Err() != nil {
			return
		}
		// Already reported by the session
		if errors.Is(err, callerr.ErrPipeline) || callerr.IsFatal(err) {
			return
		}
		o.report(callerr.Pipeline("session.render", err))
	}()
}

// An error that ended the session comes back from Run, so only report
// errors the session survived.
func (o *Orchestrator) reportUnlessEnded(sess *negotiation.Session, err error) {
	switch sess.State() {
	case negotiation.StateFailed, negotiation.StateClosed:
		o.logger.Debug("session already ended", "err", err)
		return
	}
	o.report(err)
}

// Report a non-fatal failure. Fatal ones end Run instead.
func (o *Orchestrator) report(err error) {
	if callerr.IsFatal(err) {
		return
	}
	o.logger.Warn("call error", "err", err)
	o.errors.Push(err)
}
