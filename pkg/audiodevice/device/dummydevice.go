package device

import (
	"sync"
	"time"

	"github.com/Honorable-Knights-of-the-Roundtable/tonepulse/pkg/audiodevice"
	"github.com/Honorable-Knights-of-the-Roundtable/tonepulse/pkg/frame"
)

// An AudioSourceDevice that will never produce a frame.
//
// A minimal example of the architecture of an AudioSourceDevice, useful in testing.
type DummyAudioSourceDevice struct {
	properties   audiodevice.DeviceProperties
	shutdownOnce sync.Once
	sinkStream   chan frame.AudioFrame
}

func NewDummyAudioSourceDevice(properties audiodevice.DeviceProperties) *DummyAudioSourceDevice {
	return &DummyAudioSourceDevice{
		properties: properties,
		sinkStream: make(chan frame.AudioFrame),
	}
}

func (d *DummyAudioSourceDevice) Close() {
	d.shutdownOnce.Do(func() {
		close(d.sinkStream)
	})
}

func (d *DummyAudioSourceDevice) GetStream() <-chan frame.AudioFrame {
	return d.sinkStream
}

func (d *DummyAudioSourceDevice) GetDeviceProperties() audiodevice.DeviceProperties {
	return d.properties
}

// An AudioSourceDevice that sends a silent frame every frameDuration until closed,
// standing in for a muted microphone.
type SilentAudioSourceDevice struct {
	properties   audiodevice.DeviceProperties
	shutdownOnce sync.Once
	stop         chan struct{}
	sinkStream   chan frame.AudioFrame
}

func NewSilentAudioSourceDevice(properties audiodevice.DeviceProperties, frameDuration time.Duration) *SilentAudioSourceDevice {
	d := &SilentAudioSourceDevice{
		properties: properties,
		stop:       make(chan struct{}),
		sinkStream: make(chan frame.AudioFrame),
	}
	framesPerChunk := max(1, int(float64(properties.SampleRate)*frameDuration.Seconds()))
	go func() {
		defer close(d.sinkStream)
		ticker := time.NewTicker(frameDuration)
		defer ticker.Stop()
		var timestamp time.Duration
		for {
			select {
			case <-ticker.C:
			case <-d.stop:
				return
			}
			chunk := frame.New(properties.SampleRate, properties.NumChannels, framesPerChunk, timestamp)
			select {
			case d.sinkStream <- chunk:
				timestamp += chunk.Duration()
			case <-d.stop:
				return
			}
		}
	}()
	return d
}

func (d *SilentAudioSourceDevice) Close() {
	d.shutdownOnce.Do(func() {
		close(d.stop)
	})
}

func (d *SilentAudioSourceDevice) GetStream() <-chan frame.AudioFrame {
	return d.sinkStream
}

func (d *SilentAudioSourceDevice) GetDeviceProperties() audiodevice.DeviceProperties {
	return d.properties
}

// An AudioSinkDevice that consumes all frames without any further actions.
//
// A minimal example of the architecture of an AudioSinkDevice, useful in testing.
// Done is closed once the source stream has been closed and drained.
type DummyAudioSinkDevice struct {
	properties audiodevice.DeviceProperties
	done       chan struct{}

	mu       sync.Mutex
	received int
}

func NewDummyAudioSinkDevice(properties audiodevice.DeviceProperties) *DummyAudioSinkDevice {
	return &DummyAudioSinkDevice{
		properties: properties,
		done:       make(chan struct{}),
	}
}

func (d *DummyAudioSinkDevice) SetStream(sourceStream <-chan frame.AudioFrame) {
	go func() {
		defer close(d.done)
		for range sourceStream {
			d.mu.Lock()
			d.received += 1
			d.mu.Unlock()
		}
	}()
}

func (d *DummyAudioSinkDevice) GetDeviceProperties() audiodevice.DeviceProperties {
	return d.properties
}

// Number of frames consumed so far.
func (d *DummyAudioSinkDevice) Received() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.received
}

func (d *DummyAudioSinkDevice) Done() <-chan struct{} {
	return d.done
}
