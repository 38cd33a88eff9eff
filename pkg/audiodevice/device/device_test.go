package device

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/Honorable-Knights-of-the-Roundtable/tonepulse/pkg/audiodevice"
	"github.com/Honorable-Knights-of-the-Roundtable/tonepulse/pkg/frame"
)

var (
	_ audiodevice.AudioSourceDevice = (*FileAudioInputDevice)(nil)
	_ audiodevice.AudioSinkDevice   = (*FileAudioOutputDevice)(nil)
	_ audiodevice.AudioSourceDevice = (*AudioFormatConversionDevice)(nil)
	_ audiodevice.AudioSinkDevice   = (*AudioFormatConversionDevice)(nil)
	_ audiodevice.AudioSourceDevice = (*AudioAugmentationDevice)(nil)
	_ audiodevice.AudioSinkDevice   = (*AudioAugmentationDevice)(nil)
	_ audiodevice.AudioSourceDevice = (*DummyAudioSourceDevice)(nil)
	_ audiodevice.AudioSinkDevice   = (*DummyAudioSinkDevice)(nil)
	_ audiodevice.AudioSourceDevice = (*SilentAudioSourceDevice)(nil)
)

func filledFrame(sampleRate, numChannels, numFrames int, value float32) frame.AudioFrame {
	f := frame.New(sampleRate, numChannels, numFrames, 0)
	for i := range f.Data {
		f.Data[i] = value
	}
	return f
}

func TestFormatConverterChannels(t *testing.T) {
	down := NewFormatConverter(
		audiodevice.DeviceProperties{SampleRate: 8000, NumChannels: 2},
		audiodevice.DeviceProperties{SampleRate: 8000, NumChannels: 1},
	)
	stereo := frame.New(8000, 2, 4, 0)
	copy(stereo.Plane(0), []float32{1, 1, 1, 1})
	copy(stereo.Plane(1), []float32{0, 0, 0, 0})
	mono := down.Convert(stereo)
	if mono.NumChannels != 1 || mono.Data[0] != 0.5 {
		t.Errorf("down-mix: got %d channels, first sample %v", mono.NumChannels, mono.Data[0])
	}

	up := NewFormatConverter(
		audiodevice.DeviceProperties{SampleRate: 8000, NumChannels: 1},
		audiodevice.DeviceProperties{SampleRate: 8000, NumChannels: 2},
	)
	out := up.Convert(filledFrame(8000, 1, 4, 0.3))
	if out.NumChannels != 2 || out.Plane(1)[3] != 0.3 {
		t.Errorf("up-mix: got %d channels, %v", out.NumChannels, out.Data)
	}
}

func TestFormatConverterIdentity(t *testing.T) {
	properties := audiodevice.DeviceProperties{SampleRate: 48000, NumChannels: 2}
	c := NewFormatConverter(properties, properties)
	in := filledFrame(48000, 2, 480, 0.2)
	out := c.Convert(in)
	if &out.Data[0] != &in.Data[0] {
		t.Errorf("matching formats should pass frames through")
	}
}

func TestFormatConverterResamples(t *testing.T) {
	c := NewFormatConverter(
		audiodevice.DeviceProperties{SampleRate: 8000, NumChannels: 1},
		audiodevice.DeviceProperties{SampleRate: 16000, NumChannels: 1},
	)

	total := 0
	for i := 0; i < 10; i++ {
		out := c.Convert(filledFrame(8000, 1, 160, 0.1))
		if out.SampleRate != 16000 {
			t.Fatalf("sample rate: got %d", out.SampleRate)
		}
		total += out.NumFrames
	}
	// Some output is held back by the filter delay
	if total < 2500 || total > 3400 {
		t.Errorf("got %d output frames for 1600 input frames, want about 3200", total)
	}
}

func TestAugmentationDeviceClips(t *testing.T) {
	d := NewAudioAugmentationDevice(audiodevice.DeviceProperties{SampleRate: 8000, NumChannels: 1})
	d.SetVolumeAdjustMagnitude(2.0)

	in := make(chan frame.AudioFrame, 1)
	d.SetStream(in)
	in <- filledFrame(8000, 1, 10, 0.8)
	close(in)

	out := <-d.GetStream()
	for _, s := range out.Data {
		if s != 1 {
			t.Fatalf("sample: got %v, want 1", s)
		}
	}
	if _, ok := <-d.GetStream(); ok {
		t.Errorf("stream not closed after source closed")
	}

	d.SetVolumeAdjustMagnitude(-1)
	if d.GetVolumeAdjustMagnitude() != 0 {
		t.Errorf("negative volume not clamped to 0")
	}
}

func TestConversionDeviceChain(t *testing.T) {
	d := NewAudioFormatConversionDevice(
		audiodevice.DeviceProperties{SampleRate: 8000, NumChannels: 1},
		audiodevice.DeviceProperties{SampleRate: 8000, NumChannels: 2},
	)
	sink := NewDummyAudioSinkDevice(d.GetDeviceProperties())
	sink.SetStream(d.GetStream())

	in := make(chan frame.AudioFrame)
	d.SetStream(in)
	for i := 0; i < 3; i++ {
		in <- filledFrame(8000, 1, 160, 0.1)
	}
	close(in)

	select {
	case <-sink.Done():
	case <-time.After(5 * time.Second):
		t.Fatalf("closure did not cascade to the sink")
	}
	if sink.Received() != 3 {
		t.Errorf("sink received %d frames, want 3", sink.Received())
	}
}

func TestFileDeviceRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "roundtrip.wav")
	output, err := NewFileAudioOutputDevice(path, 8000, 2)
	if err != nil {
		t.Fatalf("create output: %v", err)
	}
	stream := make(chan frame.AudioFrame)
	output.SetStream(stream)
	for i := 0; i < 4; i++ {
		f := frame.New(8000, 2, 100, 0)
		for j := range f.Plane(0) {
			f.Plane(0)[j] = 0.5
			f.Plane(1)[j] = -0.25
		}
		stream <- f
	}
	close(stream)
	output.WaitForClose()
	if output.FramesWritten() != 400 {
		t.Errorf("frames written: got %d, want 400", output.FramesWritten())
	}

	input, err := NewFileAudioInputDevice(path, 5*time.Millisecond, false)
	if err != nil {
		t.Fatalf("open input: %v", err)
	}
	if got := input.GetDeviceProperties(); got.SampleRate != 8000 || got.NumChannels != 2 {
		t.Fatalf("properties: got %+v", got)
	}
	input.Play(context.Background())

	total := 0
	var last time.Duration = -1
	for f := range input.GetStream() {
		if f.Timestamp <= last {
			t.Fatalf("timestamps not increasing: %v after %v", f.Timestamp, last)
		}
		last = f.Timestamp
		if l, r := f.Plane(0)[0], f.Plane(1)[0]; l < 0.49 || l > 0.51 || r < -0.26 || r > -0.24 {
			t.Fatalf("samples: got %v / %v", l, r)
		}
		total += f.NumFrames
	}
	if total != 400 {
		t.Errorf("played %d frames, want 400", total)
	}
}

func TestFileInputCloseBeforePlay(t *testing.T) {
	path := filepath.Join(t.TempDir(), "short.wav")
	output, err := NewFileAudioOutputDevice(path, 8000, 1)
	if err != nil {
		t.Fatalf("create output: %v", err)
	}
	stream := make(chan frame.AudioFrame)
	output.SetStream(stream)
	stream <- filledFrame(8000, 1, 80, 0.1)
	close(stream)
	output.WaitForClose()

	input, err := NewFileAudioInputDevice(path, 10*time.Millisecond, true)
	if err != nil {
		t.Fatalf("open input: %v", err)
	}
	input.Close()
	input.Close()
	if _, ok := <-input.GetStream(); ok {
		t.Errorf("closed device produced a frame")
	}
	// Play after Close is ignored
	input.Play(context.Background())
}

func TestFileInputRejectsBadFiles(t *testing.T) {
	if _, err := NewFileAudioInputDevice(filepath.Join(t.TempDir(), "missing.wav"), 20*time.Millisecond, false); err == nil {
		t.Errorf("expected an error for a missing file")
	}
}
