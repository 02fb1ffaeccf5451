// Package writer turns a sequence of frame samples into a container file.
//
// A Writer is opened against a target path, accepts frames while Ready
// reports capacity, and finalizes asynchronously. Abort makes the output
// unreachable, including when finalization completes after the abort.
package writer

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/e7canasta/facecapture/internal/media"
)

// Writer is a single-use encoder for one recording target.
//
// Append is only ever called from one goroutine at a time. Finish and Abort
// may be called from another goroutine.
type Writer interface {
	// Ready reports whether the writer can take another frame without blocking.
	Ready() bool

	// Append encodes one frame. pts is relative to the first frame of the session.
	Append(s media.FrameSample, pts time.Duration) error

	// Finish flushes and closes the container, then calls done exactly once
	// from the writer's own goroutine.
	Finish(done func(error))

	// Abort stops the writer without finalizing and deletes any output.
	// Safe to call more than once and after Finish.
	Abort() error
}

// Factory opens a writer for a target path.
type Factory func(target string) (Writer, error)

// Container names a supported output container.
type Container string

const (
	ContainerMP4 Container = "mp4"
	ContainerY4M Container = "y4m"
)

// Extension returns the file extension for the container, without the dot.
func (c Container) Extension() string {
	return string(c)
}

// ParseContainer validates a container name.
func ParseContainer(s string) (Container, error) {
	switch Container(strings.ToLower(s)) {
	case ContainerMP4, "":
		return ContainerMP4, nil
	case ContainerY4M:
		return ContainerY4M, nil
	default:
		return "", fmt.Errorf("writer: unsupported container %q (must be mp4 or y4m)", s)
	}
}

// Options configures the writer a Factory opens.
type Options struct {
	Container Container

	// FrameRate is written into the container header; 0 lets the writer guess from PTS.
	FrameRate float64

	// BufferFrames bounds the writer's internal backlog; Ready is false when it is full.
	BufferFrames int

	// Encoders is the ordered list of GStreamer H.264 encoders to try (mp4 only).
	Encoders []string
}

// DefaultEncoders is tried in order when no encoder list is configured.
var DefaultEncoders = []string{"vaapih264enc", "v4l2h264enc", "x264enc", "openh264enc"}

// NewFactory returns the factory for the configured container.
func NewFactory(opts Options) (Factory, error) {
	opts, err := opts.withDefaults()
	if err != nil {
		return nil, err
	}
	return func(target string) (Writer, error) {
		return Open(target, opts)
	}, nil
}

// Open opens a writer for target using the configured container.
func Open(target string, opts Options) (Writer, error) {
	opts, err := opts.withDefaults()
	if err != nil {
		return nil, err
	}
	if opts.Container == ContainerY4M {
		return NewY4M(target, opts)
	}
	return NewGStreamer(target, opts)
}

func (o Options) withDefaults() (Options, error) {
	if o.BufferFrames < 1 {
		o.BufferFrames = 8
	}
	switch o.Container {
	case ContainerY4M:
	case ContainerMP4, "":
		o.Container = ContainerMP4
		if len(o.Encoders) == 0 {
			o.Encoders = DefaultEncoders
		}
	default:
		return o, fmt.Errorf("writer: unsupported container %q", o.Container)
	}
	return o, nil
}

// removeOutput deletes a target, treating "already gone" as success.
func removeOutput(target string) error {
	if err := os.Remove(target); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("writer: remove %s: %w", target, err)
	}
	return nil
}
