package track

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/Honorable-Knights-of-the-Roundtable/tonepulse/pkg/audiodevice"
	"github.com/Honorable-Knights-of-the-Roundtable/tonepulse/pkg/audiodevice/device"
	"github.com/Honorable-Knights-of-the-Roundtable/tonepulse/pkg/encoderdecoder"
	"github.com/Honorable-Knights-of-the-Roundtable/tonepulse/pkg/frame"
	"github.com/pion/webrtc/v4/pkg/media"
)

var (
	errLocalTrackClosed = errors.New("local track sink closed")
)

// Satisfied by *webrtc.TrackLocalStaticSample.
type SampleWriter interface {
	WriteSample(sample media.Sample) error
}

// A pipeline Sink that sends audio on a local WebRTC track.
//
// Frames are converted to the codec format (channels and sample rate),
// encoded, and written as media samples. The converter is built from the first
// frame, since the capture format is only known once audio arrives.
type LocalTrackSink struct {
	logger *slog.Logger
	track  SampleWriter
	encdec encoderdecoder.EncoderDecoder

	mu        sync.Mutex
	converter *device.FormatConverter
	closed    bool
}

func NewLocalTrackSink(track SampleWriter, encdec encoderdecoder.EncoderDecoder, logger *slog.Logger) *LocalTrackSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &LocalTrackSink{
		logger: logger,
		track:  track,
		encdec: encdec,
	}
}

func (s *LocalTrackSink) Write(ctx context.Context, audioFrame frame.AudioFrame) error {
	if err := ctx.Err(); err != nil {
		return context.Cause(ctx)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errLocalTrackClosed
	}

	sourceProperties := audiodevice.DeviceProperties{
		SampleRate:  audioFrame.SampleRate,
		NumChannels: audioFrame.NumChannels,
	}
	if s.converter == nil || s.converter.SourceProperties() != sourceProperties {
		s.logger.Debug("building local track format converter",
			"sourceProperties", sourceProperties,
			"codecProperties", s.encdec.Properties(),
		)
		s.converter = device.NewFormatConverter(sourceProperties, s.encdec.Properties())
	}

	converted := s.converter.Convert(audioFrame)
	if converted.NumFrames == 0 {
		return nil
	}
	encoded, err := s.encdec.Encode(converted)
	if err != nil {
		return err
	}
	return s.track.WriteSample(media.Sample{
		Data:     encoded,
		Duration: converted.Duration(),
	})
}

// The track itself belongs to the peer connection, so there is nothing to flush.
func (s *LocalTrackSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *LocalTrackSink) Abort(reason error) {
	s.logger.Debug("local track sink aborted", "reason", reason)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
}
