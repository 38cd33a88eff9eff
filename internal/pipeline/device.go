package pipeline

import (
	"context"
	"io"
	"sync"

	"github.com/Honorable-Knights-of-the-Roundtable/tonepulse/pkg/audiodevice"
	"github.com/Honorable-Knights-of-the-Roundtable/tonepulse/pkg/frame"
)

// --------------------------------------------------------------------------------
// DeviceSource

// Adapts an AudioSourceDevice (e.g. a microphone or .WAV file) to a pipeline Source.
// The device stream closing is treated as exhaustion.
type DeviceSource struct {
	device audiodevice.AudioSourceDevice
}

func NewDeviceSource(device audiodevice.AudioSourceDevice) *DeviceSource {
	return &DeviceSource{device: device}
}

func (s *DeviceSource) Read(ctx context.Context) (frame.AudioFrame, error) {
	select {
	case audioFrame, ok := <-s.device.GetStream():
		if !ok {
			return frame.AudioFrame{}, io.EOF
		}
		return audioFrame, nil
	case <-ctx.Done():
		return frame.AudioFrame{}, context.Cause(ctx)
	}
}

func (s *DeviceSource) Cancel(_ error) {
	s.device.Close()
}

// --------------------------------------------------------------------------------
// DeviceSink

// Adapts an AudioSinkDevice (e.g. a speaker or .WAV file) to a pipeline Sink.
//
// The device is handed a stream on creation. Closing or aborting the sink closes
// that stream, which in turn shuts the device down.
type DeviceSink struct {
	device       audiodevice.AudioSinkDevice
	stream       chan frame.AudioFrame
	shutdownOnce sync.Once
}

func NewDeviceSink(device audiodevice.AudioSinkDevice) *DeviceSink {
	stream := make(chan frame.AudioFrame)
	device.SetStream(stream)
	return &DeviceSink{
		device: device,
		stream: stream,
	}
}

func (s *DeviceSink) Write(ctx context.Context, audioFrame frame.AudioFrame) error {
	select {
	case s.stream <- audioFrame:
		return nil
	case <-ctx.Done():
		return context.Cause(ctx)
	}
}

func (s *DeviceSink) Close() error {
	s.shutdown()
	return nil
}

func (s *DeviceSink) Abort(_ error) {
	s.shutdown()
}

func (s *DeviceSink) shutdown() {
	s.shutdownOnce.Do(func() {
		close(s.stream)
	})
}

func (s *DeviceSink) GetDeviceProperties() audiodevice.DeviceProperties {
	return s.device.GetDeviceProperties()
}
