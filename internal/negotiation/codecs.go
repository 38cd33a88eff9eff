package negotiation

import (
	"errors"
	"fmt"

	"github.com/pion/webrtc/v4"
)

// An RTP codec together with the static payload type it is registered under.
type Codec struct {
	Capability  webrtc.RTPCodecCapability
	PayloadType webrtc.PayloadType
}

var (
	// Define a mapping from string representation (e.g. for use in config files) to codec specification
	CodecMap map[string]Codec = map[string]Codec{
		"CodecPCMU8000Mono": {
			Capability: webrtc.RTPCodecCapability{
				MimeType:  webrtc.MimeTypePCMU,
				ClockRate: 8000,
				Channels:  1,
			},
			PayloadType: 0,
		},
		"CodecPCMA8000Mono": {
			Capability: webrtc.RTPCodecCapability{
				MimeType:  webrtc.MimeTypePCMA,
				ClockRate: 8000,
				Channels:  1,
			},
			PayloadType: 8,
		},
	}

	errNoCodecsAuthorized = errors.New("no codecs authorized")
)

// Load and return a list of codecs using the given strings.
// Strings must be associated to a codec in CodecMap, otherwise an error is returned.
// The first codec is preferred for the local track.
func AuthorizedCodecs(codecStrings []string) ([]Codec, error) {
	if len(codecStrings) == 0 {
		return nil, errNoCodecsAuthorized
	}

	codecs := make([]Codec, len(codecStrings))
	var ok bool
	for i, s := range codecStrings {
		codecs[i], ok = CodecMap[s]
		if !ok {
			return nil, fmt.Errorf("no codec with associated string %s", s)
		}
	}

	return codecs, nil
}
