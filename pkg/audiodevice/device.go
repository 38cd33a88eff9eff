package audiodevice

import "github.com/Honorable-Knights-of-the-Roundtable/tonepulse/pkg/frame"

type DeviceProperties struct {
	SampleRate  int
	NumChannels int
}

// Report whether a frame matches these properties.
func (p DeviceProperties) Matches(f frame.AudioFrame) bool {
	return p.SampleRate == f.SampleRate && p.NumChannels == f.NumChannels
}

// Interface for audio source device, e.g. microphones
//
// Source devices need only define some way to get data out of the device,
// which returns a channel (stream) of AudioFrames
type AudioSourceDevice interface {
	// Get the stream of this audio device.
	//
	// Raw audio data (as AudioFrames) will arrive on the returned channel.
	// The channel is closed once the device has no more audio to give,
	// either because it ran out or because Close was called.
	GetStream() <-chan frame.AudioFrame

	// Meaningfully close the AudioSourceDevice, including any cleanup of
	// memory and closing of channels.
	//
	// It is assumed that once closed, this device will transmit no more information.
	// Close must be safe to call more than once, and from any goroutine.
	Close()

	GetDeviceProperties() DeviceProperties
}

// Interface for audio sink devices, e.g. speakers
//
// Sink devices need only define some way to consume data,
// taken as a channel (stream) of AudioFrames
type AudioSinkDevice interface {
	// Set the source stream of this audio device.
	//
	// Raw audio data (as AudioFrames) will arrive on the given channel.
	//
	// When this stream is closed, it is assumed the device will be cleaned up
	// (memory will be freed, other channels will be closed, etc)
	SetStream(sourceStream <-chan frame.AudioFrame)

	GetDeviceProperties() DeviceProperties

	// Closing an AudioSinkDevice is not an easy task, because of the pipeline
	// techniques used here. If a sink device that is actively receiving audio
	// is closed without closing the upstream source device, that source will
	// attempt to send on a closed channel, creating a panic.
	//
	// Instead, AudioSinkDevices should automatically close when the sourceStream
	// is closed, to affect a cascade of closures along a pipeline.
	//
	//
	// Close()
}
