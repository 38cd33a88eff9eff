package encoderdecoder

import (
	"errors"

	"github.com/Honorable-Knights-of-the-Roundtable/tonepulse/pkg/audiodevice"
	"github.com/Honorable-Knights-of-the-Roundtable/tonepulse/pkg/frame"
)

var (
	errNullEncoderDecoderUsed error = errors.New("null encoder decoder used")
)

// An encoder decoder that does NO ENCODING/DECODING
// Instead, an error is *always* returned.
//
// Useful as a placeholder before a codec has been negotiated.
type NullEncoderDecoder struct{}

func (encdec NullEncoderDecoder) Encode(_ frame.AudioFrame) (frame.EncodedFrame, error) {
	return nil, errNullEncoderDecoderUsed
}

func (encdec NullEncoderDecoder) Decode(_ frame.EncodedFrame) (frame.AudioFrame, error) {
	return frame.AudioFrame{}, errNullEncoderDecoderUsed
}

func (encdec NullEncoderDecoder) Properties() audiodevice.DeviceProperties {
	return audiodevice.DeviceProperties{}
}
