package audioapi

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/Honorable-Knights-of-the-Roundtable/tonepulse/pkg/audiodevice"
	"github.com/Honorable-Knights-of-the-Roundtable/tonepulse/pkg/frame"
	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

var (
	_ AudioIODeviceAPI = (*FileAudioIODeviceAPI)(nil)
	_ AudioIODeviceAPI = DummyAudioIODeviceAPI{}
)

// Write numFrames of a constant 16 bit signal to a new wav file.
func writeWAV(t *testing.T, properties audiodevice.DeviceProperties, numFrames int) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "input.wav")
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("create wav: %v", err)
	}
	encoder := wav.NewEncoder(f, properties.SampleRate, 16, properties.NumChannels, 1)
	buf := &goaudio.IntBuffer{
		Format:         &goaudio.Format{SampleRate: properties.SampleRate, NumChannels: properties.NumChannels},
		Data:           make([]int, numFrames*properties.NumChannels),
		SourceBitDepth: 16,
	}
	for i := range buf.Data {
		buf.Data[i] = 8192
	}
	if err := encoder.Write(buf); err != nil {
		t.Fatalf("write wav: %v", err)
	}
	if err := errors.Join(encoder.Close(), f.Close()); err != nil {
		t.Fatalf("close wav: %v", err)
	}
	return path
}

func TestFileAPIListsInputProperties(t *testing.T) {
	properties := audiodevice.DeviceProperties{SampleRate: 16000, NumChannels: 2}
	api := NewFileAudioIODeviceAPI(writeWAV(t, properties, 1600), "", 10*time.Millisecond, false, properties)

	devices := api.InputDevices()
	if len(devices) != 1 {
		t.Fatalf("got %d input devices, want 1", len(devices))
	}
	if devices[0].DeviceProperties != properties {
		t.Errorf("properties: got %+v, want %+v", devices[0].DeviceProperties, properties)
	}
	if len(api.OutputDevices()) != 0 {
		t.Errorf("no output file configured, but output devices listed")
	}
}

func TestFileAPIInputPlaysFile(t *testing.T) {
	properties := audiodevice.DeviceProperties{SampleRate: 8000, NumChannels: 1}
	api := NewFileAudioIODeviceAPI(writeWAV(t, properties, 400), "", 10*time.Millisecond, false, properties)

	source, err := api.InitDefaultInputDevice()
	if err != nil {
		t.Fatalf("init input: %v", err)
	}
	defer source.Close()

	total := 0
	var last frame.AudioFrame
	timeout := time.After(5 * time.Second)
	for done := false; !done; {
		select {
		case f, ok := <-source.GetStream():
			if !ok {
				done = true
				break
			}
			if !properties.Matches(f) {
				t.Fatalf("frame format %d/%d", f.SampleRate, f.NumChannels)
			}
			total += f.NumFrames
			last = f
		case <-timeout:
			t.Fatalf("file never finished playing")
		}
	}
	if total != 400 {
		t.Errorf("played %d frames, want 400", total)
	}
	if v := last.Data[0]; v < 0.24 || v > 0.26 {
		t.Errorf("sample value: got %v, want 0.25", v)
	}
}

func TestFileAPIMissingDevices(t *testing.T) {
	properties := audiodevice.DeviceProperties{SampleRate: 8000, NumChannels: 1}

	api := NewFileAudioIODeviceAPI("", "", 20*time.Millisecond, false, properties)
	if _, err := api.InitDefaultInputDevice(); !errors.Is(err, errNoDefaultDevice) {
		t.Errorf("input: got %v, want errNoDefaultDevice", err)
	}
	if _, err := api.InitDefaultOutputDevice(); !errors.Is(err, errNoDefaultDevice) {
		t.Errorf("output: got %v, want errNoDefaultDevice", err)
	}

	missing := NewFileAudioIODeviceAPI(filepath.Join(t.TempDir(), "nope.wav"), "", 20*time.Millisecond, false, properties)
	if devices := missing.InputDevices(); len(devices) != 0 {
		t.Errorf("missing file listed as a device")
	}
	if _, err := missing.InitDefaultInputDevice(); err == nil {
		t.Errorf("expected an error opening a missing file")
	}
	if _, err := missing.InitInputDeviceFromID(AudioIODevice{ID: 3}); !errors.Is(err, errNoDeviceWithID) {
		t.Errorf("got %v, want errNoDeviceWithID", err)
	}
}

func TestFileAPIOutputRecords(t *testing.T) {
	properties := audiodevice.DeviceProperties{SampleRate: 8000, NumChannels: 1}
	path := filepath.Join(t.TempDir(), "output.wav")
	api := NewFileAudioIODeviceAPI("", path, 20*time.Millisecond, false, properties)

	sink, err := api.InitDefaultOutputDevice()
	if err != nil {
		t.Fatalf("init output: %v", err)
	}
	if sink.GetDeviceProperties() != properties {
		t.Errorf("properties: got %+v", sink.GetDeviceProperties())
	}

	stream := make(chan frame.AudioFrame)
	sink.SetStream(stream)
	for i := 0; i < 5; i++ {
		stream <- frame.New(8000, 1, 160, time.Duration(i)*20*time.Millisecond)
	}
	close(stream)

	waiter, ok := sink.(interface{ WaitForClose() })
	if !ok {
		t.Fatalf("file output device cannot be waited on")
	}
	waiter.WaitForClose()

	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open recording: %v", err)
	}
	defer f.Close()
	buf, err := wav.NewDecoder(f).FullPCMBuffer()
	if err != nil {
		t.Fatalf("decode recording: %v", err)
	}
	if len(buf.Data) != 5*160 {
		t.Errorf("recorded %d samples, want %d", len(buf.Data), 5*160)
	}
}

func TestDummyAPI(t *testing.T) {
	properties := audiodevice.DeviceProperties{SampleRate: 48000, NumChannels: 2}
	api := NewDummyAudioIODeviceAPI(properties)

	source, err := api.InitInputDeviceFromID(api.InputDevices()[0])
	if err != nil {
		t.Fatalf("init input: %v", err)
	}
	source.Close()
	if _, ok := <-source.GetStream(); ok {
		t.Errorf("closed dummy source produced a frame")
	}

	if _, err := api.InitOutputDeviceFromID(AudioIODevice{ID: 1}); !errors.Is(err, errNoDeviceWithID) {
		t.Errorf("got %v, want errNoDeviceWithID", err)
	}
}

func TestDummyAPISilentInput(t *testing.T) {
	properties := audiodevice.DeviceProperties{SampleRate: 8000, NumChannels: 1}
	api := NewDummyAudioIODeviceAPI(properties).WithSilentInput(5 * time.Millisecond)

	source, err := api.InitDefaultInputDevice()
	if err != nil {
		t.Fatalf("init input: %v", err)
	}
	defer source.Close()

	var last time.Duration = -1
	for i := 0; i < 3; i++ {
		select {
		case f, ok := <-source.GetStream():
			if !ok {
				t.Fatalf("silent source closed early")
			}
			if f.SampleRate != 8000 || f.NumChannels != 1 || f.NumFrames != 40 {
				t.Errorf("frame %d shape: %d/%d/%d", i, f.SampleRate, f.NumChannels, f.NumFrames)
			}
			for _, v := range f.Data {
				if v != 0 {
					t.Fatalf("frame %d is not silent", i)
				}
			}
			if f.Timestamp <= last {
				t.Errorf("frame %d timestamp %v did not advance past %v", i, f.Timestamp, last)
			}
			last = f.Timestamp
		case <-time.After(time.Second):
			t.Fatalf("no frame from the silent source")
		}
	}

	source.Close()
	for range source.GetStream() {
	}
}

func TestDummyAPIUnavailableInput(t *testing.T) {
	noMicrophone := errors.New("no microphone")
	api := NewDummyAudioIODeviceAPI(audiodevice.DeviceProperties{SampleRate: 8000, NumChannels: 1}).
		WithUnavailableInput(noMicrophone)

	if devices := api.InputDevices(); len(devices) != 0 {
		t.Errorf("listed %d input devices, want none", len(devices))
	}
	if _, err := api.InitDefaultInputDevice(); !errors.Is(err, noMicrophone) {
		t.Errorf("got %v, want the configured error", err)
	}
	if _, err := api.InitInputDeviceFromID(AudioIODevice{ID: 0}); !errors.Is(err, noMicrophone) {
		t.Errorf("by id: got %v, want the configured error", err)
	}
	if _, err := api.InitDefaultOutputDevice(); err != nil {
		t.Errorf("output should still open: %v", err)
	}
}
