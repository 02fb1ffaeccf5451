package facecapture

import (
	"time"

	"github.com/e7canasta/facecapture/internal/media"
	"github.com/e7canasta/facecapture/internal/queue"
	"github.com/e7canasta/facecapture/internal/recorder"
)

// Re-exported data model.
type (
	Format             = media.Format
	FormatDescription  = media.FormatDescription
	FrameRateRange     = media.FrameRateRange
	Capability         = media.Capability
	FrameSample        = media.FrameSample
	ExposureMetadata   = media.ExposureMetadata
	AuthorizationState = media.AuthorizationState

	PermissionError    = media.PermissionError
	ConfigurationError = media.ConfigurationError
	RecordingError     = media.RecordingError

	// Result is a finalized recording: its target and one timestamp per written frame.
	Result = recorder.Result
)

var (
	ErrNoUsableFormat   = media.ErrNoUsableFormat
	ErrAlreadyRecording = media.ErrAlreadyRecording
	ErrNotRecording     = media.ErrNotRecording
	ErrDiscarded        = media.ErrDiscarded
	ErrPipelineStopped  = media.ErrPipelineStopped
)

// Stats is a snapshot of pipeline counters.
type Stats struct {
	CaptureSessionID string         `json:"capture_session_id,omitempty"`
	Running          bool           `json:"running"`
	Format           media.Format   `json:"format"`
	FrameDuration    time.Duration  `json:"frame_duration"`
	FramesDelivered  uint64         `json:"frames_delivered"`
	PreviewFrames    uint64         `json:"preview_frames"`
	PreviewDrops     uint64         `json:"preview_drops"`
	ExposureSamples  uint64         `json:"exposure_samples"`
	Uptime           time.Duration  `json:"uptime"`
	Queue            queue.Stats    `json:"queue"`
	Recorder         recorder.Stats `json:"recorder"`
}
