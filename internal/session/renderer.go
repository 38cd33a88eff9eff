package session

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"

	"github.com/Honorable-Knights-of-the-Roundtable/tonepulse/internal/track"
	"github.com/Honorable-Knights-of-the-Roundtable/tonepulse/pkg/audiodevice"
	"github.com/Honorable-Knights-of-the-Roundtable/tonepulse/pkg/audiodevice/device"
	"github.com/Honorable-Knights-of-the-Roundtable/tonepulse/pkg/frame"
)

var (
	errRendererInUse = errors.New("renderer already playing a stream")
)

// Plays a stream into an AudioSinkDevice, e.g. a speaker or a .WAV file.
//
// Frames are converted to the device format and pass through a volume stage
// on the way. A sink device consumes exactly one stream, so a DeviceRenderer
// plays a single stream and refuses any other.
type DeviceRenderer struct {
	logger *slog.Logger
	device audiodevice.AudioSinkDevice
	volume *device.AudioAugmentationDevice

	mu   sync.Mutex
	used bool
}

func NewDeviceRenderer(sink audiodevice.AudioSinkDevice, volume float32, logger *slog.Logger) *DeviceRenderer {
	if logger == nil {
		logger = slog.Default()
	}
	augmentation := device.NewAudioAugmentationDevice(sink.GetDeviceProperties())
	augmentation.SetVolumeAdjustMagnitude(volume)
	return &DeviceRenderer{
		logger: logger,
		device: sink,
		volume: augmentation,
	}
}

// Change the playback volume, also while a stream is playing.
func (r *DeviceRenderer) SetVolume(volume float32) {
	r.volume.SetVolumeAdjustMagnitude(volume)
}

func (r *DeviceRenderer) Render(ctx context.Context, stream track.Stream) error {
	r.mu.Lock()
	if r.used {
		r.mu.Unlock()
		return errRendererInUse
	}
	r.used = true
	r.mu.Unlock()

	logger := r.logger.With("track", stream.ID())
	properties := r.device.GetDeviceProperties()

	frames := make(chan frame.AudioFrame)
	r.volume.SetStream(frames)
	r.device.SetStream(r.volume.GetStream())
	defer func() {
		// Cascades through the volume stage and shuts the device down
		close(frames)
		if waiter, ok := r.device.(interface{ WaitForClose() }); ok {
			waiter.WaitForClose()
		}
		logger.Debug("render finished")
	}()

	var converter *device.FormatConverter
	for {
		audioFrame, err := stream.Read(ctx)
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}

		source := audiodevice.DeviceProperties{SampleRate: audioFrame.SampleRate, NumChannels: audioFrame.NumChannels}
		if converter == nil || converter.SourceProperties() != source {
			logger.Debug("rendering format", "source", source, "device", properties)
			converter = device.NewFormatConverter(source, properties)
		}
		converted := converter.Convert(audioFrame)
		if converted.NumFrames == 0 {
			continue
		}

		select {
		case frames <- converted:
		case <-ctx.Done():
			return context.Cause(ctx)
		}
	}
}
