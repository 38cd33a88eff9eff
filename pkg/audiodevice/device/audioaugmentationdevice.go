package device

import (
	"math"
	"sync"
	"sync/atomic"

	"github.com/Honorable-Knights-of-the-Roundtable/tonepulse/pkg/audiodevice"
	"github.com/Honorable-Knights-of-the-Roundtable/tonepulse/pkg/frame"
)

// Middle-man processing device to handle audio augmentations,
// such as volume controls
// This device is both a sink and a source!
type AudioAugmentationDevice struct {
	deviceProperties audiodevice.DeviceProperties

	// The stream that data *leaves on*
	// i.e. the stream that acts like a source, as it produces frames
	sinkStream chan frame.AudioFrame

	augmentationFunctions []audioAugmentationFunction

	// float32 bits, so the volume may be changed while frames are flowing
	volumeAdjustMagnitude atomic.Uint32

	shutdownOnce sync.Once
}

// Create a new AudioAugmentationDevice, automatically adding
// audioAugmentationFunctions:
//   - volumeAdjust (controlled with AudioAugmentationDevice.SetVolumeAdjustMagnitude)
//     (0.0 for mute, no cap on volume, samples are clipped to [-1, 1])
//
// Note one must still call SetStream, passing in the source channel,
// and GetStream, to receive the sink channel, to use this device, in an
// effort to remain consistent with the device interfaces.
//
// This device will only start augmenting once SetStream is called.
func NewAudioAugmentationDevice(deviceProperties audiodevice.DeviceProperties) *AudioAugmentationDevice {
	device := &AudioAugmentationDevice{
		deviceProperties: deviceProperties,
		sinkStream:       make(chan frame.AudioFrame),
	}
	device.SetVolumeAdjustMagnitude(1.0)

	device.augmentationFunctions = []audioAugmentationFunction{
		device.volumeAdjust,
	}

	return device
}

// --------------------------------------------------------------------------------
// AudioSourceDevice Interface

func (d *AudioAugmentationDevice) GetStream() <-chan frame.AudioFrame {
	return d.sinkStream
}

// Closing this device directly is only safe once the upstream stream has been closed,
// which happens automatically. See AudioSinkDevice for the reasoning.
func (d *AudioAugmentationDevice) Close() {
	d.shutdownOnce.Do(func() {
		close(d.sinkStream)
	})
}

// The device properties of the incoming and outgoing AudioFrames are identical,
// so this serves as both Source and Sink Device Properties
func (d *AudioAugmentationDevice) GetDeviceProperties() audiodevice.DeviceProperties {
	return d.deviceProperties
}

// --------------------------------------------------------------------------------
// AudioSinkDevice Interface

func (d *AudioAugmentationDevice) SetStream(sourceStream <-chan frame.AudioFrame) {
	go func() {
		for audioFrame := range sourceStream {
			for _, f := range d.augmentationFunctions {
				audioFrame = f(audioFrame)
			}
			d.sinkStream <- audioFrame
		}
		// This goroutine dies when sourceStream is closed.
		d.Close()
	}()
}

// --------------------------------------------------------------------------------
// Methods relating to changing the augmentation functions

// Set the volumeAdjustMagnitude to a new value. Must be non-negative.
// 0.0 means muted, 1.0 is natural scaling.
func (d *AudioAugmentationDevice) SetVolumeAdjustMagnitude(volumeAdjustMagnitude float32) {
	if volumeAdjustMagnitude < 0.0 {
		volumeAdjustMagnitude = 0.0
	}
	d.volumeAdjustMagnitude.Store(math.Float32bits(volumeAdjustMagnitude))
}

func (d *AudioAugmentationDevice) GetVolumeAdjustMagnitude() float32 {
	return math.Float32frombits(d.volumeAdjustMagnitude.Load())
}

// --------------------------------------------------------------------------------

// An audioAugmentationFunction must produce AudioFrames with the same shape
// as the sourceFrame. Since the frame is owned by this device once received,
// functions are free to modify the samples in place.
type audioAugmentationFunction func(sourceFrame frame.AudioFrame) frame.AudioFrame

func (d *AudioAugmentationDevice) volumeAdjust(sourceFrame frame.AudioFrame) frame.AudioFrame {
	magnitude := d.GetVolumeAdjustMagnitude()
	if magnitude == 1.0 {
		return sourceFrame
	}
	for i, v := range sourceFrame.Data {
		sourceFrame.Data[i] = min(max(v*magnitude, -1), 1)
	}
	return sourceFrame
}
