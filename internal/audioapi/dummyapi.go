package audioapi

import (
	"time"

	"github.com/Honorable-Knights-of-the-Roundtable/tonepulse/pkg/audiodevice"
	"github.com/Honorable-Knights-of-the-Roundtable/tonepulse/pkg/audiodevice/device"
)

// An API with one input and one output device, neither backed by hardware:
// - the input produces nothing, or paced silence (WithSilentInput), or fails to open (WithUnavailableInput)
// - the output consumes all frames and does nothing
//
// Silent input lets a peer without a microphone still send a track,
// which the far side can render with the pulse tone added.
type DummyAudioIODeviceAPI struct {
	properties    audiodevice.DeviceProperties
	frameDuration time.Duration
	inputErr      error
}

func NewDummyAudioIODeviceAPI(properties audiodevice.DeviceProperties) DummyAudioIODeviceAPI {
	return DummyAudioIODeviceAPI{
		properties: properties,
	}
}

// Input devices send a silent frame every frameDuration until closed.
func (api DummyAudioIODeviceAPI) WithSilentInput(frameDuration time.Duration) DummyAudioIODeviceAPI {
	api.frameDuration = frameDuration
	return api
}

// Opening an input device fails with err, as if no microphone were present.
func (api DummyAudioIODeviceAPI) WithUnavailableInput(err error) DummyAudioIODeviceAPI {
	api.inputErr = err
	return api
}

func (api DummyAudioIODeviceAPI) InputDevices() []AudioIODevice {
	if api.inputErr != nil {
		return nil
	}
	return []AudioIODevice{
		{
			ID:               0,
			Name:             "DummyInput",
			DeviceProperties: api.properties,
		},
	}
}

func (api DummyAudioIODeviceAPI) InitInputDeviceFromID(id AudioIODevice) (audiodevice.AudioSourceDevice, error) {
	if id.ID != 0 {
		return nil, errNoDeviceWithID
	}
	return api.InitDefaultInputDevice()
}

func (api DummyAudioIODeviceAPI) InitDefaultInputDevice() (audiodevice.AudioSourceDevice, error) {
	if api.inputErr != nil {
		return nil, api.inputErr
	}
	if api.frameDuration > 0 {
		return device.NewSilentAudioSourceDevice(api.properties, api.frameDuration), nil
	}
	return device.NewDummyAudioSourceDevice(api.properties), nil
}

func (api DummyAudioIODeviceAPI) OutputDevices() []AudioIODevice {
	return []AudioIODevice{
		{
			ID:               0,
			Name:             "DummyOutput",
			DeviceProperties: api.properties,
		},
	}
}

func (api DummyAudioIODeviceAPI) InitOutputDeviceFromID(id AudioIODevice) (audiodevice.AudioSinkDevice, error) {
	if id.ID != 0 {
		return nil, errNoDeviceWithID
	}
	return api.InitDefaultOutputDevice()
}

func (api DummyAudioIODeviceAPI) InitDefaultOutputDevice() (audiodevice.AudioSinkDevice, error) {
	return device.NewDummyAudioSinkDevice(api.properties), nil
}
