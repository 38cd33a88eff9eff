// Package track adapts WebRTC media tracks to pipeline stages.
//
// Outbound audio is written to a local track through a LocalTrackSink. Inbound
// audio is read from a remote track through a RemoteTrackSource. A GeneratedTrack
// turns the output of a pipeline back into something a renderer can play.
package track

import (
	"context"

	"github.com/Honorable-Knights-of-the-Roundtable/tonepulse/internal/pipeline"
	"github.com/Honorable-Knights-of-the-Roundtable/tonepulse/pkg/frame"
)

// A playable stream of audio, e.g. a remote track or the output of an inbound pipeline.
type Stream interface {
	ID() string

	// Block until the next frame is available.
	// io.EOF means the stream ended normally, any other error means it was aborted.
	Read(ctx context.Context) (frame.AudioFrame, error)
}

// A remote audio track. It may be played directly, or routed through a pipeline.
type Remote interface {
	Stream
	pipeline.Source
}
