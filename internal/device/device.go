// Package device provides the capture devices the pipeline can drive.
//
// All variants implement Device and are selected once at construction:
//   - Null: authorized, advertises nothing, never emits frames
//   - Simulated: synthetic RGB frames with brightness metadata
//   - GStreamer: a V4L2 camera (or videotestsrc) through an appsink
//
// Frames are delivered on the device's own goroutine. FrameSample.Pixels is
// borrowed and only valid until the callback returns.
package device

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/e7canasta/facecapture/internal/gstreamer"
	"github.com/e7canasta/facecapture/internal/media"
)

// Device is a capture device.
type Device interface {
	// AuthorizationState reports the current camera-permission state.
	AuthorizationState() media.AuthorizationState

	// RequestAccess prompts for access. Concurrent callers share one prompt;
	// done is called exactly once per caller, on another goroutine.
	RequestAccess(done func(granted bool))

	// Capabilities returns the ordered, immutable list of supported formats.
	Capabilities() media.Capability

	// Configure selects a format and frame duration. Returns a
	// *media.ConfigurationError if the format is not advertised.
	Configure(format media.Format, frameDuration time.Duration) error

	// StartStreaming begins delivering frames to onSample.
	StartStreaming(onSample func(media.FrameSample)) error

	// StopStreaming stops delivery. Safe to call when not streaming.
	StopStreaming() error
}

// Kind selects the device variant.
type Kind string

const (
	KindAuto      Kind = "auto"
	KindGStreamer Kind = "gstreamer"
	KindSimulated Kind = "simulated"
	KindNull      Kind = "null"
)

// Options configures Open.
type Options struct {
	Kind Kind

	// Source is a V4L2 device node ("/dev/video0") or "videotestsrc".
	Source string

	// DefaultFormat and DefaultFPS are what the device produces when it is
	// never configured (negotiation found no usable format).
	DefaultFormat media.Format
	DefaultFPS    float64

	Reconnect gstreamer.ReconnectConfig
	Simulated SimulatedOptions
}

// Open creates the device for opts.Kind. KindAuto picks GStreamer when the
// source exists and GStreamer is usable, and falls back to Null otherwise.
func Open(opts Options) (Device, error) {
	switch opts.Kind {
	case KindNull:
		return NewNull(), nil
	case KindSimulated:
		return NewSimulated(opts.Simulated), nil
	case KindGStreamer:
		return NewGStreamer(opts)
	case KindAuto, "":
		if !sourcePresent(opts.Source) {
			slog.Warn("device: no capture source present, using null device", "source", opts.Source)
			return NewNull(), nil
		}
		d, err := NewGStreamer(opts)
		if err != nil {
			slog.Warn("device: GStreamer unavailable, using null device", "error", err)
			return NewNull(), nil
		}
		return d, nil
	default:
		return nil, fmt.Errorf("device: unknown kind %q", opts.Kind)
	}
}

func sourcePresent(source string) bool {
	if source == "" {
		return false
	}
	if !strings.HasPrefix(source, "/") {
		return true
	}
	_, err := os.Stat(source)
	return err == nil
}

func configurationError(c media.Capability, f media.Format) error {
	if len(c.Formats) == 0 {
		return &media.ConfigurationError{Format: f, Err: media.ErrNoUsableFormat}
	}
	return &media.ConfigurationError{Format: f, Err: fmt.Errorf("format not advertised by device (%d formats)", len(c.Formats))}
}
