package track

import (
	"context"
	"errors"
	"io"
	"sync"

	"github.com/Honorable-Knights-of-the-Roundtable/tonepulse/pkg/frame"
)

var (
	errGeneratedTrackEnded = errors.New("generated track ended")
)

// A track whose frames are written by a pipeline and read by a renderer.
//
// Write blocks until the frame is read, so a slow renderer slows the pipeline.
// Close ends the track normally (readers see io.EOF), Abort ends it with a reason.
type GeneratedTrack struct {
	id     string
	frames chan frame.AudioFrame

	done    chan struct{}
	err     error
	endOnce sync.Once
}

func NewGeneratedTrack(id string) *GeneratedTrack {
	return &GeneratedTrack{
		id:     id,
		frames: make(chan frame.AudioFrame),
		done:   make(chan struct{}),
	}
}

func (t *GeneratedTrack) ID() string {
	return t.id
}

func (t *GeneratedTrack) Read(ctx context.Context) (frame.AudioFrame, error) {
	select {
	case audioFrame := <-t.frames:
		return audioFrame, nil
	case <-t.done:
		return frame.AudioFrame{}, t.err
	case <-ctx.Done():
		return frame.AudioFrame{}, context.Cause(ctx)
	}
}

func (t *GeneratedTrack) Write(ctx context.Context, audioFrame frame.AudioFrame) error {
	select {
	case t.frames <- audioFrame:
		return nil
	case <-t.done:
		return errGeneratedTrackEnded
	case <-ctx.Done():
		return context.Cause(ctx)
	}
}

func (t *GeneratedTrack) Close() error {
	t.end(io.EOF)
	return nil
}

func (t *GeneratedTrack) Abort(reason error) {
	if reason == nil {
		reason = errGeneratedTrackEnded
	}
	t.end(reason)
}

func (t *GeneratedTrack) end(err error) {
	t.endOnce.Do(func() {
		t.err = err
		close(t.done)
	})
}

// Closed once the track has ended.
func (t *GeneratedTrack) Done() <-chan struct{} {
	return t.done
}
