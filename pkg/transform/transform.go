package transform

import (
	"github.com/Honorable-Knights-of-the-Roundtable/tonepulse/pkg/frame"
)

// A per-chunk audio transform, the middle stage of a media pipeline.
//
// Apply must return a frame with the same sample rate, frame count, channel count,
// and timestamp as the input. dst is a scratch buffer the transform may write the
// output samples into. If dst is too small, the transform allocates its own.
//
// A Transform may hold state between calls (e.g. oscillator phases), so one instance
// must only ever be used by a single pipeline. Use a Factory to get a fresh instance
// per pipeline.
type Transform interface {
	Apply(in frame.AudioFrame, dst []float32) (frame.AudioFrame, error)
}

// Produce a fresh, independent Transform.
type Factory func() Transform

// Adapt a plain function to the Transform interface.
type Func func(in frame.AudioFrame, dst []float32) (frame.AudioFrame, error)

func (f Func) Apply(in frame.AudioFrame, dst []float32) (frame.AudioFrame, error) {
	return f(in, dst)
}

// A Transform that hands frames through untouched. Used for the "raw" route,
// where audio is forwarded to the connection or renderer without modification.
type Passthrough struct{}

func NewPassthrough() Transform {
	return Passthrough{}
}

func (Passthrough) Apply(in frame.AudioFrame, _ []float32) (frame.AudioFrame, error) {
	return in, nil
}
