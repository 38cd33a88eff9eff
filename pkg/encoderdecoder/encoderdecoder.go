package encoderdecoder

import (
	"errors"
	"strings"

	"github.com/Honorable-Knights-of-the-Roundtable/tonepulse/pkg/audiodevice"
	"github.com/Honorable-Knights-of-the-Roundtable/tonepulse/pkg/frame"
	"github.com/pion/webrtc/v4"
)

type EncoderDecoderTypeEnum string

var (
	EncoderDecoderTypeNotImplemented EncoderDecoderTypeEnum = "not implemented"
	EncoderDecoderTypeNull           EncoderDecoderTypeEnum = "null"
	EncoderDecoderTypePCMU           EncoderDecoderTypeEnum = "pcmu"
	EncoderDecoderTypePCMA           EncoderDecoderTypeEnum = "pcma"
)

var (
	errEncoderDecoderTypeNotImplemented = errors.New("specified encoderdecoder type is not implemented")
	errFrameFormatMismatch              = errors.New("frame does not match encoder format")
)

// Audio encoder/decoder interface.
// Used to encode raw AudioFrames to an encoded frame,
// and decode those frames back to AudioFrames.
//
// Encoders expect frames already in their native format (see Properties),
// conversion is the job of a FormatConverter upstream.
// Decoded frames carry a zero timestamp, the caller is responsible for timing.
type EncoderDecoder interface {
	Encode(audioFrame frame.AudioFrame) (frame.EncodedFrame, error)
	Decode(encodedData frame.EncodedFrame) (frame.AudioFrame, error)
	Properties() audiodevice.DeviceProperties
}

// Create a new encoder/decoder based on the negotiated codec
// If something goes wrong during creation of an encoder/decoder
// (e.g. the mime type does not have an implementation) then a nil Encoder/Decoder
// and an error is returned.
func NewEncoderDecoder(encoderdecoderID EncoderDecoderTypeEnum) (EncoderDecoder, error) {
	switch encoderdecoderID {
	case EncoderDecoderTypeNull:
		return NullEncoderDecoder{}, nil
	case EncoderDecoderTypePCMU:
		return newG711EncoderDecoder(false), nil
	case EncoderDecoderTypePCMA:
		return newG711EncoderDecoder(true), nil
	case EncoderDecoderTypeNotImplemented:
		return nil, errEncoderDecoderTypeNotImplemented
	default:
		return nil, errEncoderDecoderTypeNotImplemented
	}
}

// Map a negotiated RTP mime type (e.g. "audio/PCMU") to an encoder/decoder type.
func TypeForMimeType(mimeType string) EncoderDecoderTypeEnum {
	switch {
	case strings.EqualFold(mimeType, webrtc.MimeTypePCMU):
		return EncoderDecoderTypePCMU
	case strings.EqualFold(mimeType, webrtc.MimeTypePCMA):
		return EncoderDecoderTypePCMA
	default:
		return EncoderDecoderTypeNotImplemented
	}
}
