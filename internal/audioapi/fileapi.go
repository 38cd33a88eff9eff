package audioapi

import (
	"context"
	"log/slog"
	"os"
	"time"

	"github.com/Honorable-Knights-of-the-Roundtable/tonepulse/pkg/audiodevice"
	"github.com/Honorable-Knights-of-the-Roundtable/tonepulse/pkg/audiodevice/device"
	"github.com/go-audio/wav"
)

// An API over .WAV files: the input device plays a file as if it were a
// microphone, the output device records whatever it is given to a file.
//
// Either path may be empty, in which case there is no such device.
type FileAudioIODeviceAPI struct {
	inputFilePath    string
	outputFilePath   string
	frameDuration    time.Duration
	loop             bool
	outputProperties audiodevice.DeviceProperties
}

func NewFileAudioIODeviceAPI(
	inputFilePath string,
	outputFilePath string,
	frameDuration time.Duration,
	loop bool,
	outputProperties audiodevice.DeviceProperties,
) *FileAudioIODeviceAPI {
	return &FileAudioIODeviceAPI{
		inputFilePath:    inputFilePath,
		outputFilePath:   outputFilePath,
		frameDuration:    frameDuration,
		loop:             loop,
		outputProperties: outputProperties,
	}
}

func (api *FileAudioIODeviceAPI) InputDevices() []AudioIODevice {
	if api.inputFilePath == "" {
		return nil
	}

	f, err := os.Open(api.inputFilePath)
	if err != nil {
		slog.Debug("input file unavailable", "audioFile", api.inputFilePath, "err", err)
		return nil
	}
	defer f.Close()
	decoder := wav.NewDecoder(f)
	if !decoder.IsValidFile() {
		slog.Debug("input file is not a valid wav file", "audioFile", api.inputFilePath)
		return nil
	}

	return []AudioIODevice{
		{
			ID:   0,
			Name: api.inputFilePath,
			DeviceProperties: audiodevice.DeviceProperties{
				SampleRate:  int(decoder.SampleRate),
				NumChannels: int(decoder.NumChans),
			},
		},
	}
}

func (api *FileAudioIODeviceAPI) InitInputDeviceFromID(id AudioIODevice) (audiodevice.AudioSourceDevice, error) {
	if id.ID != 0 {
		return nil, errNoDeviceWithID
	}
	return api.InitDefaultInputDevice()
}

// Open the input file and start playing it immediately.
// Playback is paced by the device, and blocks while nobody reads the stream.
func (api *FileAudioIODeviceAPI) InitDefaultInputDevice() (audiodevice.AudioSourceDevice, error) {
	if api.inputFilePath == "" {
		return nil, errNoDefaultDevice
	}
	d, err := device.NewFileAudioInputDevice(api.inputFilePath, api.frameDuration, api.loop)
	if err != nil {
		return nil, err
	}
	d.Play(context.Background())
	return d, nil
}

func (api *FileAudioIODeviceAPI) OutputDevices() []AudioIODevice {
	if api.outputFilePath == "" {
		return nil
	}
	return []AudioIODevice{
		{
			ID:               0,
			Name:             api.outputFilePath,
			DeviceProperties: api.outputProperties,
		},
	}
}

func (api *FileAudioIODeviceAPI) InitOutputDeviceFromID(id AudioIODevice) (audiodevice.AudioSinkDevice, error) {
	if id.ID != 0 {
		return nil, errNoDeviceWithID
	}
	return api.InitDefaultOutputDevice()
}

func (api *FileAudioIODeviceAPI) InitDefaultOutputDevice() (audiodevice.AudioSinkDevice, error) {
	if api.outputFilePath == "" {
		return nil, errNoDefaultDevice
	}
	return device.NewFileAudioOutputDevice(
		api.outputFilePath,
		api.outputProperties.SampleRate,
		api.outputProperties.NumChannels,
	)
}
