// Package media holds the value types shared by every stage of the capture
// pipeline: formats, capability snapshots, frame samples and authorization.
package media

import (
	"fmt"
	"time"
)

// PixelFormat identifies the memory layout of FrameSample.Pixels.
type PixelFormat string

const (
	PixelFormatRGB  PixelFormat = "RGB"
	PixelFormatGray PixelFormat = "GRAY8"
	PixelFormatYUY2 PixelFormat = "YUY2"
	PixelFormatNV12 PixelFormat = "NV12"
	PixelFormatI420 PixelFormat = "I420"
)

// BytesPerPixel returns the packed size of one pixel, or 0 for planar/subsampled layouts.
func (p PixelFormat) BytesPerPixel() int {
	switch p {
	case PixelFormatRGB:
		return 3
	case PixelFormatGray:
		return 1
	default:
		return 0
	}
}

// Format is a resolution plus pixel layout.
type Format struct {
	Width       int         `json:"width" yaml:"width"`
	Height      int         `json:"height" yaml:"height"`
	PixelFormat PixelFormat `json:"pixel_format" yaml:"pixel_format"`
}

// String renders the format as "640x480/RGB".
func (f Format) String() string {
	return fmt.Sprintf("%dx%d/%s", f.Width, f.Height, f.PixelFormat)
}

// FrameSize returns the expected buffer length for packed formats, or 0 when unknown.
func (f Format) FrameSize() int {
	return f.Width * f.Height * f.PixelFormat.BytesPerPixel()
}

// FrameRateRange is the inclusive range of frame rates a format supports.
type FrameRateRange struct {
	MinFPS float64 `json:"min_fps" yaml:"min_fps"`
	MaxFPS float64 `json:"max_fps" yaml:"max_fps"`
}

// FormatDescription pairs a format with the frame rates it supports.
type FormatDescription struct {
	Format     `yaml:",inline"`
	FrameRates FrameRateRange `json:"frame_rates" yaml:"frame_rates"`
}

// Capability is the ordered list of formats a device advertises.
// Treat it as an immutable snapshot.
type Capability struct {
	Formats []FormatDescription `json:"formats"`
}

// Contains reports whether f is one of the advertised formats.
func (c Capability) Contains(f Format) bool {
	for _, d := range c.Formats {
		if d.Format == f {
			return true
		}
	}
	return false
}

// Lookup returns the first description matching f.
func (c Capability) Lookup(f Format) (FormatDescription, bool) {
	for _, d := range c.Formats {
		if d.Format == f {
			return d, true
		}
	}
	return FormatDescription{}, false
}

// AuthorizationState is the camera-permission state of a device.
// Denied and Restricted are terminal for the device instance.
type AuthorizationState int

const (
	AuthorizationNotDetermined AuthorizationState = iota
	AuthorizationRestricted
	AuthorizationDenied
	AuthorizationAuthorized
)

func (a AuthorizationState) String() string {
	switch a {
	case AuthorizationNotDetermined:
		return "not_determined"
	case AuthorizationRestricted:
		return "restricted"
	case AuthorizationDenied:
		return "denied"
	case AuthorizationAuthorized:
		return "authorized"
	default:
		return "unknown"
	}
}

// ParseAuthorizationState is the inverse of AuthorizationState.String.
func ParseAuthorizationState(s string) (AuthorizationState, error) {
	switch s {
	case "not_determined":
		return AuthorizationNotDetermined, nil
	case "restricted":
		return AuthorizationRestricted, nil
	case "denied":
		return AuthorizationDenied, nil
	case "authorized", "":
		return AuthorizationAuthorized, nil
	default:
		return 0, fmt.Errorf("media: unknown authorization state %q", s)
	}
}

// ExposureMetadata is the per-frame exposure information a device may attach.
type ExposureMetadata struct {
	// Brightness in device units (EV for cameras that report it).
	Brightness   *float64
	ExposureTime time.Duration
	ISO          float64
}

// FrameSample is a single frame as delivered by a capture device.
//
// Pixels is borrowed: it is only valid for the duration of the delivery
// callback. Anything that keeps the sample past the callback must Clone it.
type FrameSample struct {
	Seq      uint64
	Pixels   []byte
	Format   Format
	PTS      time.Duration // device clock, monotonic within a capture session
	Exposure *ExposureMetadata
}

// Clone returns a sample that owns its pixel buffer.
func (s FrameSample) Clone() FrameSample {
	c := s
	c.Pixels = make([]byte, len(s.Pixels))
	copy(c.Pixels, s.Pixels)
	if s.Exposure != nil {
		md := *s.Exposure
		if s.Exposure.Brightness != nil {
			b := *s.Exposure.Brightness
			md.Brightness = &b
		}
		c.Exposure = &md
	}
	return c
}
