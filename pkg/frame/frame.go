package frame

import (
	"errors"
	"fmt"
	"time"
)

var (
	errNonPositiveSampleRate = errors.New("frame sample rate must be positive")
	errNonPositiveChannels   = errors.New("frame channel count must be positive")
	errNegativeFrameCount    = errors.New("frame count must not be negative")
)

// A chunk of planar, floating point PCM audio.
//
// Samples for channel c occupy Data[c*NumFrames : (c+1)*NumFrames], and every
// sample is expected to lie in [-1, 1]. This matches the "f32-planar" layout
// used by WebCodecs AudioData, which keeps per-channel processing a simple slice.
//
// An AudioFrame is handed from stage to stage by value. Once a frame has been
// passed downstream the producer must not touch Data again, since the consumer
// now owns (and may mutate or reuse) the underlying memory.
type AudioFrame struct {
	SampleRate  int
	NumChannels int
	NumFrames   int

	// Presentation time of the first sample, relative to the start of the stream.
	// Timestamps within one stream never decrease.
	Timestamp time.Duration

	Data []float32
}

// Encoded audio, e.g. the payload of an RTP packet.
type EncodedFrame []byte

// Create a zeroed frame with the given shape.
func New(sampleRate int, numChannels int, numFrames int, timestamp time.Duration) AudioFrame {
	return AudioFrame{
		SampleRate:  sampleRate,
		NumChannels: numChannels,
		NumFrames:   numFrames,
		Timestamp:   timestamp,
		Data:        make([]float32, numChannels*numFrames),
	}
}

// Build a planar frame from interleaved samples (L R L R ...).
// Trailing samples that do not fill a whole frame are dropped.
func FromInterleaved(interleaved []float32, sampleRate int, numChannels int, timestamp time.Duration) AudioFrame {
	numFrames := len(interleaved) / numChannels
	f := New(sampleRate, numChannels, numFrames, timestamp)
	for i := 0; i < numFrames; i++ {
		for c := 0; c < numChannels; c++ {
			f.Data[c*numFrames+i] = interleaved[i*numChannels+c]
		}
	}
	return f
}

// Write the frame into dst as interleaved samples, growing dst if required.
func (f AudioFrame) Interleave(dst []float32) []float32 {
	n := f.NumFrames * f.NumChannels
	if cap(dst) < n {
		dst = make([]float32, n)
	}
	dst = dst[:n]
	for c := 0; c < f.NumChannels; c++ {
		plane := f.Plane(c)
		for i, v := range plane {
			dst[i*f.NumChannels+c] = v
		}
	}
	return dst
}

// The samples of a single channel.
func (f AudioFrame) Plane(channel int) []float32 {
	return f.Data[channel*f.NumFrames : (channel+1)*f.NumFrames]
}

// Wall-clock length of the audio held by this frame.
func (f AudioFrame) Duration() time.Duration {
	if f.SampleRate <= 0 {
		return 0
	}
	return time.Duration(f.NumFrames) * time.Second / time.Duration(f.SampleRate)
}

// Check the frame is internally consistent.
func (f AudioFrame) Validate() error {
	switch {
	case f.SampleRate <= 0:
		return errNonPositiveSampleRate
	case f.NumChannels <= 0:
		return errNonPositiveChannels
	case f.NumFrames < 0:
		return errNegativeFrameCount
	case len(f.Data) < f.NumChannels*f.NumFrames:
		return fmt.Errorf("frame holds %d samples, expected %d channels x %d frames",
			len(f.Data), f.NumChannels, f.NumFrames)
	}
	return nil
}

// Report whether two frames have the same sample rate, channel count, and frame count.
func (f AudioFrame) SameShape(other AudioFrame) bool {
	return f.SampleRate == other.SampleRate &&
		f.NumChannels == other.NumChannels &&
		f.NumFrames == other.NumFrames
}
