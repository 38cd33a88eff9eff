package negotiation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/Honorable-Knights-of-the-Roundtable/tonepulse/internal/pipeline"
	"github.com/Honorable-Knights-of-the-Roundtable/tonepulse/internal/track"
	"github.com/Honorable-Knights-of-the-Roundtable/tonepulse/internal/utils"
	"github.com/Honorable-Knights-of-the-Roundtable/tonepulse/pkg/encoderdecoder"
	"github.com/google/uuid"
	"github.com/pion/interceptor"
	"github.com/pion/logging"
	"github.com/pion/webrtc/v4"
)

const (
	HEARTBEAT_PERIOD time.Duration = 5 * time.Second

	heartbeatLabel = "heartbeat"
)

var (
	errNoCodecs = errors.New("no codecs configured")
)

type PionConnectionConfig struct {
	// ICE servers and the like, passed to the PeerConnection untouched
	Configuration webrtc.Configuration

	// Codecs to register, in order of preference. The first is used for the local track.
	Codecs []Codec

	// Where pion's own logging goes. nil leaves pion's default logger in place.
	LoggerFactory logging.LoggerFactory

	// Period of the heartbeat data channel used to log round trip latency.
	// Zero uses HEARTBEAT_PERIOD.
	HeartbeatPeriod time.Duration

	Logger *slog.Logger
}

// A Connection backed by a pion PeerConnection.
type PionConnection struct {
	uuid            uuid.UUID
	logger          *slog.Logger
	codec           Codec
	heartbeatPeriod time.Duration

	connection *webrtc.PeerConnection
	events     *utils.Queue[ConnectionEvent]

	// Cancelled when the connection closes, stops the heartbeat and RTCP readers
	ctx           context.Context
	ctxCancelFunc context.CancelFunc
	shutdownOnce  sync.Once

	mu        sync.Mutex
	heartbeat *webrtc.DataChannel
}

// Build a ConnectionFactory producing PionConnections from config.
func NewPionConnectionFactory(config PionConnectionConfig) ConnectionFactory {
	return func() (Connection, error) {
		return NewPionConnection(config)
	}
}

// Create a new PeerConnection with its own MediaEngine (registering config.Codecs),
// the default interceptors, and pion logging routed through config.LoggerFactory.
func NewPionConnection(config PionConnectionConfig) (*PionConnection, error) {
	if len(config.Codecs) == 0 {
		return nil, errNoCodecs
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	if config.HeartbeatPeriod <= 0 {
		config.HeartbeatPeriod = HEARTBEAT_PERIOD
	}

	mediaEngine := &webrtc.MediaEngine{}
	for _, codec := range config.Codecs {
		if err := mediaEngine.RegisterCodec(webrtc.RTPCodecParameters{
			RTPCodecCapability: codec.Capability,
			PayloadType:        codec.PayloadType,
		}, webrtc.RTPCodecTypeAudio); err != nil {
			return nil, fmt.Errorf("registering codec %s: %w", codec.Capability.MimeType, err)
		}
	}

	interceptorRegistry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, interceptorRegistry); err != nil {
		return nil, fmt.Errorf("registering interceptors: %w", err)
	}

	settingEngine := webrtc.SettingEngine{}
	if config.LoggerFactory != nil {
		settingEngine.LoggerFactory = config.LoggerFactory
	}

	api := webrtc.NewAPI(
		webrtc.WithMediaEngine(mediaEngine),
		webrtc.WithInterceptorRegistry(interceptorRegistry),
		webrtc.WithSettingEngine(settingEngine),
	)
	connection, err := api.NewPeerConnection(config.Configuration)
	if err != nil {
		return nil, err
	}

	id := uuid.New()
	ctx, ctxCancelFunc := context.WithCancel(context.Background())
	c := &PionConnection{
		uuid:            id,
		logger:          config.Logger.With("connection uuid", id),
		codec:           config.Codecs[0],
		heartbeatPeriod: config.HeartbeatPeriod,
		connection:      connection,
		events:          utils.NewQueue[ConnectionEvent](),
		ctx:             ctx,
		ctxCancelFunc:   ctxCancelFunc,
	}

	connection.OnICECandidate(c.onICECandidateHandler)
	connection.OnTrack(c.onTrackHandler)
	connection.OnConnectionStateChange(c.onConnectionStateChangeHandler)
	connection.OnDataChannel(func(dc *webrtc.DataChannel) {
		switch dc.Label() {
		case heartbeatLabel:
			c.setHeartbeatDataChannel(dc)
		}
	})

	return c, nil
}

// --------------------------------------------------------------------------------
// Connection Interface

// The offering side owns the heartbeat channel, so it is created here,
// before the offer, to be included in the description.
func (c *PionConnection) CreateOffer() (webrtc.SessionDescription, error) {
	c.mu.Lock()
	needsHeartbeat := c.heartbeat == nil
	c.mu.Unlock()
	if needsHeartbeat {
		dc, err := c.connection.CreateDataChannel(heartbeatLabel, &webrtc.DataChannelInit{})
		if err != nil {
			c.logger.Error("error while creating heartbeat channel", "err", err)
			return webrtc.SessionDescription{}, err
		}
		c.setHeartbeatDataChannel(dc)
	}
	return c.connection.CreateOffer(nil)
}

func (c *PionConnection) CreateAnswer() (webrtc.SessionDescription, error) {
	return c.connection.CreateAnswer(nil)
}

func (c *PionConnection) SetLocalDescription(description webrtc.SessionDescription) error {
	return c.connection.SetLocalDescription(description)
}

func (c *PionConnection) SetRemoteDescription(description webrtc.SessionDescription) error {
	return c.connection.SetRemoteDescription(description)
}

func (c *PionConnection) AddICECandidate(candidate webrtc.ICECandidateInit) error {
	return c.connection.AddICECandidate(candidate)
}

// Create a new audio track to send to the remote peer, using the preferred codec,
// and add it to the PeerConnection.
func (c *PionConnection) AddLocalAudioTrack() (pipeline.Sink, error) {
	encdec, err := encoderdecoder.NewEncoderDecoder(encoderdecoder.TypeForMimeType(c.codec.Capability.MimeType))
	if err != nil {
		return nil, fmt.Errorf("codec %s: %w", c.codec.Capability.MimeType, err)
	}

	trackID := fmt.Sprintf("%s audio", c.uuid.String())
	streamID := fmt.Sprintf("%s audio stream", c.uuid.String())
	localTrack, err := webrtc.NewTrackLocalStaticSample(c.codec.Capability, trackID, streamID)
	if err != nil {
		c.logger.Error("error while creating new audio track", "err", err)
		return nil, err
	}
	sender, err := c.connection.AddTrack(localTrack)
	if err != nil {
		c.logger.Error("error while adding audio track to peer connection", "err", err)
		return nil, err
	}

	// RTCP must be read for the interceptors (NACK, reports) to do their job
	go func() {
		buf := make([]byte, 1500)
		for {
			if _, _, err := sender.Read(buf); err != nil {
				return
			}
		}
	}()

	return track.NewLocalTrackSink(localTrack, encdec, c.logger), nil
}

func (c *PionConnection) Events() <-chan ConnectionEvent {
	return c.events.Out()
}

func (c *PionConnection) Close() error {
	var err error
	c.shutdownOnce.Do(func() {
		c.logger.Debug("closing connection")
		c.ctxCancelFunc()
		err = c.connection.Close()
		c.events.Close()
	})
	return err
}

// --------------------------------------------------------------------------------
// CONNECTION HANDLERS

func (c *PionConnection) onICECandidateHandler(candidate *webrtc.ICECandidate) {
	// nil marks the end of gathering
	if candidate == nil {
		c.logger.Debug("ice gathering complete")
		return
	}
	c.events.Push(ICECandidateEvent{Candidate: candidate.ToJSON()})
}

// Start decoding the remote track straight away, and hand it to the session.
func (c *PionConnection) onTrackHandler(tr *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
	c.logger.Debug(
		"received track",
		"track ID", tr.ID(),
		"track kind", tr.Kind().String(),
		"codec", tr.Codec().MimeType,
	)
	if tr.Kind() != webrtc.RTPCodecTypeAudio {
		return
	}

	encdec, err := encoderdecoder.NewEncoderDecoder(encoderdecoder.TypeForMimeType(tr.Codec().MimeType))
	if err != nil {
		c.logger.Error("no decoder for remote track", "codec", tr.Codec().MimeType, "err", err)
		return
	}

	go func() {
		for {
			if _, _, err := receiver.ReadRTCP(); err != nil {
				return
			}
		}
	}()

	c.events.Push(TrackEvent{Track: track.NewRemoteTrackSource(tr.ID(), tr, encdec, c.logger)})
}

func (c *PionConnection) onConnectionStateChangeHandler(pcs webrtc.PeerConnectionState) {
	c.logger.Debug("peer connection state change", "new state", pcs.String())
	switch pcs {
	case webrtc.PeerConnectionStateConnected:
		c.logger.Info("peer connection connected")
	case webrtc.PeerConnectionStateDisconnected:
		// May recover, ICE keeps trying until the state moves to failed
		c.logger.Info("peer connection disconnected")
	}
	c.events.Push(ConnectionStateEvent{State: connectionStateFromPion(pcs)})
}
