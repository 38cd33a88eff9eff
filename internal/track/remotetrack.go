package track

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Honorable-Knights-of-the-Roundtable/tonepulse/pkg/encoderdecoder"
	"github.com/Honorable-Knights-of-the-Roundtable/tonepulse/pkg/frame"
	"github.com/pion/interceptor"
	"github.com/pion/rtp"
)

const (
	// Roughly one second of 20ms packets
	remoteTrackBufferSize = 50
)

// Satisfied by *webrtc.TrackRemote.
type RTPReader interface {
	ReadRTP() (*rtp.Packet, interceptor.Attributes, error)
}

// Reads RTP packets from a remote track and decodes them to AudioFrames.
//
// Reading starts as soon as the source is created, whether or not anything is
// consuming frames yet. Network audio cannot wait for a slow consumer, so when the
// buffer is full new frames are dropped rather than stalling the RTP reader.
//
// Timestamps follow the RTP timestamps, relative to the first packet, and never decrease.
// A packet older than the newest one seen keeps the newest timestamp.
type RemoteTrackSource struct {
	id     string
	logger *slog.Logger
	encdec encoderdecoder.EncoderDecoder

	frames  chan frame.AudioFrame
	err     error
	dropped atomic.Uint64

	ctx           context.Context
	ctxCancelFunc context.CancelCauseFunc
	cancelOnce    sync.Once
}

func NewRemoteTrackSource(id string, reader RTPReader, encdec encoderdecoder.EncoderDecoder, logger *slog.Logger) *RemoteTrackSource {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, ctxCancelFunc := context.WithCancelCause(context.Background())
	s := &RemoteTrackSource{
		id:            id,
		logger:        logger.With("remote track", id),
		encdec:        encdec,
		frames:        make(chan frame.AudioFrame, remoteTrackBufferSize),
		ctx:           ctx,
		ctxCancelFunc: ctxCancelFunc,
	}
	go s.readLoop(reader)
	return s
}

func (s *RemoteTrackSource) readLoop(reader RTPReader) {
	defer close(s.frames)

	clockRate := time.Duration(s.encdec.Properties().SampleRate)
	var (
		started       bool
		lastTimestamp uint32
		elapsedTicks  int64
	)
	for {
		packet, _, err := reader.ReadRTP()
		if err != nil {
			if !errors.Is(err, io.EOF) {
				s.logger.Debug("remote track read ended", "err", err)
			}
			s.err = io.EOF
			return
		}
		if s.ctx.Err() != nil {
			return
		}
		if len(packet.Payload) == 0 {
			continue
		}

		decoded, err := s.encdec.Decode(packet.Payload)
		if err != nil {
			s.logger.Warn("could not decode remote packet", "err", err)
			continue
		}

		if !started {
			started = true
			lastTimestamp = packet.Timestamp
		}
		// Signed difference handles wraparound, a late packet adds nothing
		if delta := int32(packet.Timestamp - lastTimestamp); delta > 0 {
			elapsedTicks += int64(delta)
			lastTimestamp = packet.Timestamp
		}
		decoded.Timestamp = time.Duration(elapsedTicks) * time.Second / clockRate

		select {
		case s.frames <- decoded:
		default:
			if s.dropped.Add(1) == 1 {
				s.logger.Debug("remote track buffer full, dropping frames")
			}
		}
	}
}

func (s *RemoteTrackSource) ID() string {
	return s.id
}

func (s *RemoteTrackSource) Read(ctx context.Context) (frame.AudioFrame, error) {
	select {
	case audioFrame, ok := <-s.frames:
		if !ok {
			if s.ctx.Err() != nil {
				return frame.AudioFrame{}, context.Cause(s.ctx)
			}
			return frame.AudioFrame{}, s.err
		}
		return audioFrame, nil
	case <-s.ctx.Done():
		return frame.AudioFrame{}, context.Cause(s.ctx)
	case <-ctx.Done():
		return frame.AudioFrame{}, context.Cause(ctx)
	}
}

// Stop delivering frames. The RTP reader itself ends when the track does,
// i.e. when the peer connection is closed.
func (s *RemoteTrackSource) Cancel(reason error) {
	s.cancelOnce.Do(func() {
		if reason == nil {
			reason = context.Canceled
		}
		s.ctxCancelFunc(reason)
	})
}

// Number of frames dropped because nothing was reading.
func (s *RemoteTrackSource) Dropped() uint64 {
	return s.dropped.Load()
}
