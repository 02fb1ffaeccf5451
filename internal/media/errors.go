package media

import (
	"errors"
	"fmt"
)

var (
	// ErrNoUsableFormat is returned by negotiation when a device advertises no formats.
	ErrNoUsableFormat = errors.New("no usable format")

	// ErrAlreadyRecording is returned when a recording is started while one is open.
	ErrAlreadyRecording = errors.New("recording already in progress")

	// ErrNotRecording is returned by stop/discard when no session is in a valid state.
	ErrNotRecording = errors.New("no recording in progress")

	// ErrDiscarded is returned to a pending stop when the session was discarded meanwhile.
	ErrDiscarded = errors.New("recording discarded")

	// ErrPipelineStopped is returned by operations issued after the pipeline stopped.
	ErrPipelineStopped = errors.New("pipeline stopped")
)

// PermissionError reports that camera access is not available.
type PermissionError struct {
	State AuthorizationState
}

func (e *PermissionError) Error() string {
	return fmt.Sprintf("camera access %s", e.State)
}

// ConfigurationError reports that the device could not be set up with a format.
type ConfigurationError struct {
	Format Format
	Err    error
}

func (e *ConfigurationError) Error() string {
	if e.Format == (Format{}) {
		return fmt.Sprintf("device configuration failed: %v", e.Err)
	}
	return fmt.Sprintf("device configuration failed for %s: %v", e.Format, e.Err)
}

func (e *ConfigurationError) Unwrap() error { return e.Err }

// RecordingError aborts the current recording session only.
type RecordingError struct {
	Op     string // "open", "append", "finalize"
	Target string
	Err    error
}

func (e *RecordingError) Error() string {
	return fmt.Sprintf("recording %s %s: %v", e.Op, e.Target, e.Err)
}

func (e *RecordingError) Unwrap() error { return e.Err }
