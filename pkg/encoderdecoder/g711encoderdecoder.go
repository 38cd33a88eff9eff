package encoderdecoder

import (
	"math"

	"github.com/Honorable-Knights-of-the-Roundtable/tonepulse/pkg/audiodevice"
	"github.com/Honorable-Knights-of-the-Roundtable/tonepulse/pkg/frame"
	"github.com/zaf/g711"
)

const (
	g711SampleRate  = 8000
	g711NumChannels = 1
)

// G.711 (PCMU / PCMA) encoder decoder.
// One byte per sample, 8kHz mono, no state between frames.
type G711EncoderDecoder struct {
	alaw bool
}

func newG711EncoderDecoder(alaw bool) G711EncoderDecoder {
	return G711EncoderDecoder{alaw: alaw}
}

func (encdec G711EncoderDecoder) Properties() audiodevice.DeviceProperties {
	return audiodevice.DeviceProperties{
		SampleRate:  g711SampleRate,
		NumChannels: g711NumChannels,
	}
}

func (encdec G711EncoderDecoder) Encode(audioFrame frame.AudioFrame) (frame.EncodedFrame, error) {
	if !encdec.Properties().Matches(audioFrame) {
		return nil, errFrameFormatMismatch
	}

	encoded := make(frame.EncodedFrame, audioFrame.NumFrames)
	for i, sample := range audioFrame.Plane(0) {
		linear := int16(min(max(sample, -1), 1) * math.MaxInt16)
		if encdec.alaw {
			encoded[i] = g711.EncodeAlawFrame(linear)
		} else {
			encoded[i] = g711.EncodeUlawFrame(linear)
		}
	}
	return encoded, nil
}

func (encdec G711EncoderDecoder) Decode(encodedData frame.EncodedFrame) (frame.AudioFrame, error) {
	decoded := frame.New(g711SampleRate, g711NumChannels, len(encodedData), 0)
	for i, b := range encodedData {
		var linear int16
		if encdec.alaw {
			linear = g711.DecodeAlawFrame(b)
		} else {
			linear = g711.DecodeUlawFrame(b)
		}
		decoded.Data[i] = float32(linear) / math.MaxInt16
	}
	return decoded, nil
}
