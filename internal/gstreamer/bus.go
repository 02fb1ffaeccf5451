package gstreamer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/tinyzimmer/go-gst/gst"
)

var initOnce sync.Once

// Init initializes GStreamer once per process.
func Init() {
	initOnce.Do(func() { gst.Init(nil) })
}

// Available reports whether the named element factories can be instantiated.
func Available(factories ...string) error {
	Init()
	for _, name := range factories {
		if _, err := gst.NewElement(name); err != nil {
			return fmt.Errorf("gstreamer: element %q unavailable: %w", name, err)
		}
	}
	return nil
}

// PipelineError is a classified error message from a pipeline bus.
type PipelineError struct {
	Category ErrorCategory
	Message  string
	Debug    string
}

func (e *PipelineError) Error() string {
	return fmt.Sprintf("pipeline error [%s]: %s", e.Category, e.Message)
}

func asPipelineError(err error, target **PipelineError) bool {
	return errors.As(err, target)
}

// ErrEndOfStream is returned by Watch when the pipeline reaches EOS.
var ErrEndOfStream = errors.New("end of stream")

// Watch polls a pipeline bus until EOS, an error message, or ctx cancellation.
//
// onPlaying runs each time the pipeline itself transitions to PLAYING.
// Returns ErrEndOfStream on EOS, *PipelineError on error, nil on cancellation.
func Watch(ctx context.Context, pipeline *gst.Pipeline, onPlaying func()) error {
	if pipeline == nil {
		return fmt.Errorf("gstreamer: pipeline not initialized")
	}
	bus := pipeline.GetPipelineBus()

	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		// Short poll for responsive shutdown
		msg := bus.TimedPop(50 * time.Millisecond)
		if msg == nil {
			continue
		}

		switch msg.Type() {
		case gst.MessageEOS:
			return ErrEndOfStream

		case gst.MessageError:
			gerr := msg.ParseError()
			perr := &PipelineError{
				Category: ClassifyGStreamerError(gerr),
				Message:  gerr.Error(),
				Debug:    gerr.DebugString(),
			}
			slog.Error("gstreamer: pipeline error",
				"error", perr.Message,
				"debug", perr.Debug,
				"category", perr.Category.String(),
				"pipeline", pipeline.GetName(),
			)
			return perr

		case gst.MessageStateChanged:
			if msg.Source() == pipeline.GetName() {
				old, now := msg.ParseStateChanged()
				slog.Debug("gstreamer: pipeline state changed", "pipeline", pipeline.GetName(), "from", old, "to", now)
				if now == gst.StatePlaying && onPlaying != nil {
					onPlaying()
				}
			}
		}
	}
}

// WaitEOS waits for the end of stream after an EOS event was sent, bounded by timeout.
func WaitEOS(pipeline *gst.Pipeline, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	err := Watch(ctx, pipeline, nil)
	switch {
	case errors.Is(err, ErrEndOfStream):
		return nil
	case err == nil:
		return fmt.Errorf("gstreamer: timed out after %v waiting for end of stream", timeout)
	default:
		return err
	}
}

// Teardown sets a pipeline to NULL, releasing devices and files.
func Teardown(pipeline *gst.Pipeline) error {
	if pipeline == nil {
		return nil
	}
	if err := pipeline.SetState(gst.StateNull); err != nil {
		return fmt.Errorf("gstreamer: failed to set pipeline to NULL: %w", err)
	}
	return nil
}
