package device

import (
	"log/slog"
	"sync"

	"github.com/Honorable-Knights-of-the-Roundtable/tonepulse/pkg/audiodevice"
	"github.com/Honorable-Knights-of-the-Roundtable/tonepulse/pkg/frame"
	"github.com/oov/audio/resampler"
)

const (
	resampleQuality = 10
)

// Converts AudioFrames from one set of device properties to another,
// e.g. 48kHz stereo microphone audio to 8kHz mono for a G.711 track.
//
// A FormatConverter holds resampler state between calls, so one converter
// must only be used for one continuous stream.
type FormatConverter struct {
	sourceProperties audiodevice.DeviceProperties
	sinkProperties   audiodevice.DeviceProperties

	// The functions to apply when processing the source data to sink format
	formatConversionFunctions []audioFormatConversionFunction
}

// Create a converter from sourceProperties to sinkProperties.
// If the properties are equal, Convert returns frames unchanged.
func NewFormatConverter(
	sourceProperties audiodevice.DeviceProperties,
	sinkProperties audiodevice.DeviceProperties,
) *FormatConverter {
	formatConversionFunctions := make([]audioFormatConversionFunction, 0)

	if sourceProperties.NumChannels != sinkProperties.NumChannels {
		slog.Debug("adding channel conversion",
			"sourceChannels", sourceProperties.NumChannels,
			"sinkChannels", sinkProperties.NumChannels,
		)
		formatConversionFunctions = append(formatConversionFunctions, channelConversion(sinkProperties.NumChannels))
	}
	if sourceProperties.SampleRate != sinkProperties.SampleRate {
		slog.Debug("adding resampler",
			"sourceSampleRate", sourceProperties.SampleRate,
			"sinkSampleRate", sinkProperties.SampleRate,
		)
		formatConversionFunctions = append(formatConversionFunctions, newResampleFunction(sourceProperties, sinkProperties))
	}

	return &FormatConverter{
		sourceProperties:          sourceProperties,
		sinkProperties:            sinkProperties,
		formatConversionFunctions: formatConversionFunctions,
	}
}

func (c *FormatConverter) Convert(sourceFrame frame.AudioFrame) frame.AudioFrame {
	for _, f := range c.formatConversionFunctions {
		sourceFrame = f(sourceFrame)
	}
	return sourceFrame
}

func (c *FormatConverter) SourceProperties() audiodevice.DeviceProperties {
	return c.sourceProperties
}

func (c *FormatConverter) SinkProperties() audiodevice.DeviceProperties {
	return c.sinkProperties
}

// --------------------------------------------------------------------------------

// Middle-man processing device to handle format mismatches
// between the source data format to the sink data format.
//
// e.g. if the source format is mono, but the sink format specifies stereo,
// this device will handle the conversion.
//
// This device is both a sink and a source!
type AudioFormatConversionDevice struct {
	converter *FormatConverter

	// The stream that data *leaves on*. GetStream returns this channel,
	// SetStream sets the channel data arrives on.
	sinkChannel chan frame.AudioFrame

	shutdownOnce sync.Once
}

// Create a new AudioFormatConversionDevice by defining:
// - the source properties (the properties of the audio being fed into this device)
// - the sink properties (the properties of the audio leaving this device)
//
// This device will only start converting once SetStream is called.
func NewAudioFormatConversionDevice(
	sourceProperties audiodevice.DeviceProperties,
	sinkProperties audiodevice.DeviceProperties,
) *AudioFormatConversionDevice {
	return &AudioFormatConversionDevice{
		converter:   NewFormatConverter(sourceProperties, sinkProperties),
		sinkChannel: make(chan frame.AudioFrame),
	}
}

// --------------------------------------------------------------------------------
// AudioSourceDevice Interface

func (d *AudioFormatConversionDevice) GetStream() <-chan frame.AudioFrame {
	return d.sinkChannel
}

func (d *AudioFormatConversionDevice) Close() {
	d.shutdownOnce.Do(func() {
		close(d.sinkChannel)
	})
}

// WARNING:
// GetDeviceProperties of the AudioFormatConversionDevice returns the
// device properties of the LEAVING data. i.e. the data that exits this device!
//
// If you need the properties of the data entering this device, call GetSourceDeviceProperties()
func (d *AudioFormatConversionDevice) GetDeviceProperties() audiodevice.DeviceProperties {
	return d.converter.SinkProperties()
}

// --------------------------------------------------------------------------------
// AudioSinkDevice Interface

func (d *AudioFormatConversionDevice) SetStream(sourceChannel <-chan frame.AudioFrame) {
	go func() {
		for audioFrame := range sourceChannel {
			d.sinkChannel <- d.converter.Convert(audioFrame)
		}
		// This goroutine dies when sourceChannel is closed.
		d.Close()
	}()
}

func (d *AudioFormatConversionDevice) GetSourceDeviceProperties() audiodevice.DeviceProperties {
	return d.converter.SourceProperties()
}

// --------------------------------------------------------------------------------

type audioFormatConversionFunction func(sourceFrame frame.AudioFrame) frame.AudioFrame

// Map any channel count onto numChannels.
// Down-mixing to mono averages every channel, up-mixing from mono copies the
// single plane, and anything else copies matching planes and repeats the last one.
func channelConversion(numChannels int) audioFormatConversionFunction {
	return func(sourceFrame frame.AudioFrame) frame.AudioFrame {
		out := frame.New(sourceFrame.SampleRate, numChannels, sourceFrame.NumFrames, sourceFrame.Timestamp)

		if numChannels == 1 {
			plane := out.Plane(0)
			scale := 1 / float32(sourceFrame.NumChannels)
			for c := 0; c < sourceFrame.NumChannels; c++ {
				for i, v := range sourceFrame.Plane(c) {
					plane[i] += v * scale
				}
			}
			return out
		}

		for c := 0; c < numChannels; c++ {
			copy(out.Plane(c), sourceFrame.Plane(min(c, sourceFrame.NumChannels-1)))
		}
		return out
	}
}

func newResampleFunction(sourceProperties audiodevice.DeviceProperties, sinkProperties audiodevice.DeviceProperties) audioFormatConversionFunction {
	r := resampler.New(sinkProperties.NumChannels, sourceProperties.SampleRate, sinkProperties.SampleRate, resampleQuality)
	return func(sourceFrame frame.AudioFrame) frame.AudioFrame {
		// Leave a little headroom, the resampler may flush part of its filter delay
		capacity := sourceFrame.NumFrames*sinkProperties.SampleRate/sourceFrame.SampleRate + 16
		planes := make([][]float32, sourceFrame.NumChannels)
		written := capacity
		for c := range planes {
			planes[c] = make([]float32, capacity)
			_, w := r.ProcessFloat32(c, sourceFrame.Plane(c), planes[c])
			written = min(written, w)
		}

		out := frame.New(sinkProperties.SampleRate, sourceFrame.NumChannels, written, sourceFrame.Timestamp)
		for c, plane := range planes {
			copy(out.Plane(c), plane[:written])
		}
		return out
	}
}
