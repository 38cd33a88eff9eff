// Package pipeline connects one audio source to one sink through a single transform.
//
// A pipeline is a single goroutine that reads one frame, transforms it, writes it,
// and only then reads the next. A slow sink therefore stalls the source rather than
// buffering frames without bound. Tearing a pipeline down is done exactly once,
// on the pipeline goroutine, whatever caused it.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/Honorable-Knights-of-the-Roundtable/tonepulse/internal/callerr"
	"github.com/Honorable-Knights-of-the-Roundtable/tonepulse/pkg/frame"
	"github.com/Honorable-Knights-of-the-Roundtable/tonepulse/pkg/transform"
	"github.com/google/uuid"
)

var (
	errFormatChanged     = errors.New("frame format changed mid-stream")
	errTimestampRewound  = errors.New("frame timestamp decreased")
	errTransformShape    = errors.New("transform changed the frame shape")
	errPipelineCancelled = errors.New("pipeline cancelled")
)

// Produces frames for a pipeline, e.g. a microphone or a remote track.
type Source interface {
	// Block until the next frame is available. io.EOF signals the source is exhausted.
	// Read must return promptly once ctx is done.
	Read(ctx context.Context) (frame.AudioFrame, error)

	// Release the source early. Called at most once, never after exhaustion.
	Cancel(reason error)
}

// Consumes frames from a pipeline, e.g. a local track or a renderer.
type Sink interface {
	// Take ownership of a frame. Write must return promptly once ctx is done.
	Write(ctx context.Context, audioFrame frame.AudioFrame) error

	// The source is exhausted and every frame has been written.
	Close() error

	// The pipeline was cancelled or failed, reason says why.
	Abort(reason error)
}

type Option func(*Handle)

func WithLogger(logger *slog.Logger) Option {
	return func(h *Handle) {
		h.logger = logger
	}
}

// Name the pipeline in logs and errors, e.g. "outbound" or "inbound".
func WithName(name string) Option {
	return func(h *Handle) {
		h.name = name
	}
}

// Call f with each frame just before it is written.
// The frame belongs to the sink, f must not retain or modify it.
func WithFrameObserver(f func(frame.AudioFrame)) Option {
	return func(h *Handle) {
		h.observer = f
	}
}

// A running pipeline.
type Handle struct {
	uuid     uuid.UUID
	name     string
	logger   *slog.Logger
	observer func(frame.AudioFrame)

	ctx           context.Context
	ctxCancelFunc context.CancelCauseFunc

	done   chan struct{}
	err    error
	frames atomic.Uint64
}

// Start moving frames from source, through t, into sink.
//
// The pipeline runs until the source is exhausted, a stage fails, the handle is
// cancelled, or ctx is done. On exhaustion the sink is closed. Otherwise the source
// is cancelled and the sink aborted, each exactly once, with the reason.
func Attach(ctx context.Context, source Source, t transform.Transform, sink Sink, opts ...Option) *Handle {
	h := &Handle{
		uuid: uuid.New(),
		name: "pipeline",
		done: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(h)
	}
	if h.logger == nil {
		h.logger = slog.Default()
	}
	h.logger = h.logger.With(
		"pipeline", h.name,
		"pipeline uuid", h.uuid,
	)
	h.ctx, h.ctxCancelFunc = context.WithCancelCause(ctx)

	go h.run(source, t, sink)
	return h
}

// Stop the pipeline. Safe to call any number of times, from any goroutine.
// Only the first reason is kept. Cancel does not wait for teardown, use Wait for that.
func (h *Handle) Cancel(reason error) {
	if reason == nil {
		reason = errPipelineCancelled
	}
	h.ctxCancelFunc(reason)
}

// Closed once the pipeline has been torn down.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// Wait for teardown and return the terminal error.
// nil means the source was exhausted and the sink closed cleanly.
func (h *Handle) Wait() error {
	<-h.done
	return h.err
}

// The terminal error, or nil if the pipeline is still running or completed cleanly.
func (h *Handle) Err() error {
	select {
	case <-h.done:
		return h.err
	default:
		return nil
	}
}

// Number of frames written to the sink so far.
func (h *Handle) Frames() uint64 {
	return h.frames.Load()
}

func (h *Handle) Name() string {
	return h.name
}

func (h *Handle) run(source Source, t transform.Transform, sink Sink) {
	defer close(h.done)
	h.logger.Debug("pipeline started")

	err := h.pump(source, t, sink)
	if err == nil {
		if closeErr := sink.Close(); closeErr != nil {
			h.err = callerr.Pipeline(h.op("sink.close"), closeErr)
			h.logger.Warn("error while closing sink", "err", closeErr)
			return
		}
		h.logger.Debug("pipeline completed", "frames", h.Frames())
		return
	}

	// Record a stage failure as the cause, unless a cancellation got there first
	h.ctxCancelFunc(err)
	reason := context.Cause(h.ctx)
	source.Cancel(reason)
	sink.Abort(reason)
	h.err = reason

	if errors.Is(reason, callerr.ErrPipeline) {
		h.logger.Error("pipeline failed", "err", reason, "frames", h.Frames())
	} else {
		h.logger.Debug("pipeline cancelled", "reason", reason, "frames", h.Frames())
	}
}

// Move frames until the source is exhausted (nil) or something stops the pipeline.
func (h *Handle) pump(source Source, t transform.Transform, sink Sink) error {
	var guard shapeGuard
	for {
		audioFrame, err := source.Read(h.ctx)
		if err != nil {
			if h.ctx.Err() != nil {
				return context.Cause(h.ctx)
			}
			if errors.Is(err, io.EOF) {
				return nil
			}
			return callerr.Pipeline(h.op("source"), err)
		}
		// Cancelled while the frame was in flight, drop it
		if h.ctx.Err() != nil {
			return context.Cause(h.ctx)
		}

		if err := guard.check(audioFrame); err != nil {
			return callerr.Pipeline(h.op("source"), err)
		}

		// The pipeline owns the frame, so the transform may write over it in place
		out, err := t.Apply(audioFrame, audioFrame.Data)
		if err != nil {
			return callerr.Pipeline(h.op("transform"), err)
		}
		if !out.SameShape(audioFrame) || out.Timestamp != audioFrame.Timestamp {
			return callerr.Pipeline(h.op("transform"), errTransformShape)
		}

		if h.observer != nil {
			h.observer(out)
		}
		if err := sink.Write(h.ctx, out); err != nil {
			if h.ctx.Err() != nil {
				return context.Cause(h.ctx)
			}
			return callerr.Pipeline(h.op("sink"), err)
		}
		h.frames.Add(1)
	}
}

func (h *Handle) op(stage string) string {
	return fmt.Sprintf("pipeline.%s.%s", h.name, stage)
}

// Tracks the format of a stream so a mid-stream change is caught before it
// reaches a stateful transform.
type shapeGuard struct {
	started     bool
	sampleRate  int
	numChannels int
	timestamp   time.Duration
}

func (g *shapeGuard) check(f frame.AudioFrame) error {
	if err := f.Validate(); err != nil {
		return err
	}
	if !g.started {
		g.started = true
		g.sampleRate = f.SampleRate
		g.numChannels = f.NumChannels
		g.timestamp = f.Timestamp
		return nil
	}
	if f.SampleRate != g.sampleRate || f.NumChannels != g.numChannels {
		return fmt.Errorf("%w: %dHz/%dch to %dHz/%dch", errFormatChanged,
			g.sampleRate, g.numChannels, f.SampleRate, f.NumChannels)
	}
	if f.Timestamp < g.timestamp {
		return fmt.Errorf("%w: %v after %v", errTimestampRewound, f.Timestamp, g.timestamp)
	}
	g.timestamp = f.Timestamp
	return nil
}
