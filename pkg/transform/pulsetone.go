package transform

import (
	"math"

	"github.com/Honorable-Knights-of-the-Roundtable/tonepulse/pkg/frame"
)

const (
	PulseToneCarrierFrequency  float64 = 120.0
	PulseToneEnvelopeFrequency float64 = 0.75
	PulseToneAmplitude         float64 = 0.5

	twoPi = 2.0 * math.Pi
)

// Adds a warbling tone to the audio passing through it:
//
//	out = clamp(in + 0.5 * sin(phaseA + omegaA*t) * sin(phaseB + omegaB*t)^2, -1, 1)
//
// where omegaA is a 120Hz carrier and omegaB a 0.75Hz envelope, so the tone pulses
// in and out roughly one and a half times a second. t is the offset of the sample
// within the frame. Every channel receives the same tone.
//
// After each frame both phases advance by omega * numFrames / sampleRate and are
// wrapped back into [0, 2pi), so the tone is continuous across frames and the phase
// accumulators never grow without bound.
type PulseTone struct {
	omegaA float64
	omegaB float64
	phaseA float64
	phaseB float64
}

func NewPulseTone() *PulseTone {
	return &PulseTone{
		omegaA: twoPi * PulseToneCarrierFrequency,
		omegaB: twoPi * PulseToneEnvelopeFrequency,
	}
}

// A Factory producing independent PulseTone transforms.
func PulseToneFactory() Transform {
	return NewPulseTone()
}

func (p *PulseTone) Apply(in frame.AudioFrame, dst []float32) (frame.AudioFrame, error) {
	if err := in.Validate(); err != nil {
		return frame.AudioFrame{}, err
	}

	numSamples := in.NumChannels * in.NumFrames
	if cap(dst) < numSamples {
		dst = make([]float32, numSamples)
	}
	dst = dst[:numSamples]

	dt := 1.0 / float64(in.SampleRate)
	for c := 0; c < in.NumChannels; c++ {
		offset := c * in.NumFrames
		for i := 0; i < in.NumFrames; i++ {
			t := float64(i) * dt
			b := math.Sin(p.phaseB + p.omegaB*t)
			tone := PulseToneAmplitude * math.Sin(p.phaseA+p.omegaA*t) * b * b
			dst[offset+i] = clamp(float64(in.Data[offset+i]) + tone)
		}
	}

	elapsed := float64(in.NumFrames) * dt
	p.phaseA = wrapPhase(p.phaseA + p.omegaA*elapsed)
	p.phaseB = wrapPhase(p.phaseB + p.omegaB*elapsed)

	return frame.AudioFrame{
		SampleRate:  in.SampleRate,
		NumChannels: in.NumChannels,
		NumFrames:   in.NumFrames,
		Timestamp:   in.Timestamp,
		Data:        dst,
	}, nil
}

// Current carrier and envelope phases, both in [0, 2pi).
func (p *PulseTone) Phases() (phaseA float64, phaseB float64) {
	return p.phaseA, p.phaseB
}

func wrapPhase(phase float64) float64 {
	phase = math.Mod(phase, twoPi)
	if phase < 0 {
		phase += twoPi
	}
	return phase
}

func clamp(v float64) float32 {
	return float32(math.Min(math.Max(-1.0, v), 1.0))
}
