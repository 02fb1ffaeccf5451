// Package gstreamer holds the GStreamer plumbing shared by the capture device
// and the MP4 writer: availability checks, bus handling, error
// classification and reconnection with backoff.
package gstreamer

import (
	"strings"

	"github.com/tinyzimmer/go-gst/gst"
)

// ErrorCategory represents the classification of GStreamer errors for telemetry
type ErrorCategory int

const (
	// ErrCategoryDevice indicates the capture device went away or is busy
	ErrCategoryDevice ErrorCategory = iota
	// ErrCategoryPermission indicates the process may not open the device or target
	ErrCategoryPermission
	// ErrCategoryFormat indicates caps negotiation or format failures
	ErrCategoryFormat
	// ErrCategoryEncoder indicates encoder/muxer failures or missing plugins
	ErrCategoryEncoder
	// ErrCategoryStorage indicates the output could not be written
	ErrCategoryStorage
	// ErrCategoryUnknown indicates unclassified errors
	ErrCategoryUnknown
)

// String returns a human-readable string representation of the error category
func (e ErrorCategory) String() string {
	switch e {
	case ErrCategoryDevice:
		return "device"
	case ErrCategoryPermission:
		return "permission"
	case ErrCategoryFormat:
		return "format"
	case ErrCategoryEncoder:
		return "encoder"
	case ErrCategoryStorage:
		return "storage"
	default:
		return "unknown"
	}
}

// Retryable reports whether restarting the pipeline may recover from the error.
func (e ErrorCategory) Retryable() bool {
	return e == ErrCategoryDevice || e == ErrCategoryUnknown
}

// ClassifyGStreamerError analyzes a GStreamer error and categorizes it for telemetry
//
// Classification is based on message heuristics; go-gst's GError does not
// expose the error domain. Permission is checked first (most specific), then
// storage, format, encoder and device.
func ClassifyGStreamerError(gerr *gst.GError) ErrorCategory {
	if gerr == nil {
		return ErrCategoryUnknown
	}
	return Classify(gerr.Error(), gerr.DebugString())
}

// Classify categorizes an error from its message and debug strings.
func Classify(message, debug string) ErrorCategory {
	combined := strings.ToLower(message + " " + debug)

	switch {
	case containsAny(combined, permissionKeywords):
		return ErrCategoryPermission
	case containsAny(combined, storageKeywords):
		return ErrCategoryStorage
	case containsAny(combined, formatKeywords):
		return ErrCategoryFormat
	case containsAny(combined, encoderKeywords):
		return ErrCategoryEncoder
	case containsAny(combined, deviceKeywords):
		return ErrCategoryDevice
	default:
		return ErrCategoryUnknown
	}
}

var (
	permissionKeywords = []string{
		"permission denied",
		"not permitted",
		"eacces",
		"access denied",
	}
	storageKeywords = []string{
		"no space left",
		"could not write",
		"could not open file",
		"read-only file system",
		"disk",
		"filesink",
	}
	formatKeywords = []string{
		"not negotiated",
		"not-negotiated",
		"negotiation",
		"caps",
		"format",
		"resolution",
	}
	encoderKeywords = []string{
		"encode",
		"encoder",
		"codec",
		"mux",
		"missing plugin",
		"no element",
	}
	deviceKeywords = []string{
		"no such device",
		"device busy",
		"resource busy",
		"cannot identify device",
		"disconnected",
		"v4l2",
		"failed to allocate",
	}
)

func containsAny(s string, keywords []string) bool {
	for _, kw := range keywords {
		if strings.Contains(s, kw) {
			return true
		}
	}
	return false
}
