// Package delivery hands completed recordings off to the upload layer.
//
// A Dispatcher runs every configured Sink, in order, for each Record on a
// single background goroutine:
//
//	Result → Record → MinIO (video + metadata) → Postgres catalog → Kafka event
//
// Sink failures are logged and counted. There is no retry policy.
package delivery

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/e7canasta/facecapture/internal/recorder"
	"github.com/e7canasta/facecapture/internal/timing"
)

// Record is a completed recording plus what the sinks learned about it.
type Record struct {
	SessionID        string       `json:"session_id"`
	CaptureSessionID string       `json:"capture_session_id,omitempty"`
	TaskID           string       `json:"task_id"`
	Target           string       `json:"target"`
	Container        string       `json:"container"`
	SizeBytes        int64        `json:"size_bytes"`
	StartedAt        time.Time    `json:"started_at"`
	FinishedAt       time.Time    `json:"finished_at"`
	Frames           int          `json:"frames"`
	Dropped          uint64       `json:"dropped"`
	OutOfOrder       uint64       `json:"out_of_order"`
	Timing           timing.Stats `json:"timing"`
	FrameTimestamps  []float64    `json:"frame_timestamps"`

	// Set by the object sink once the video is uploaded.
	ObjectKey    string `json:"object_key,omitempty"`
	MetadataKey  string `json:"metadata_key,omitempty"`
	ObjectBucket string `json:"object_bucket,omitempty"`
}

// NewRecord builds a Record from a recorder result. The file size is read
// from disk; a missing file leaves it at zero.
func NewRecord(res recorder.Result, captureSessionID string) *Record {
	r := &Record{
		SessionID:        res.SessionID,
		CaptureSessionID: captureSessionID,
		TaskID:           res.TaskID,
		Target:           res.Target,
		Container:        strings.TrimPrefix(filepath.Ext(res.Target), "."),
		StartedAt:        res.StartedAt,
		FinishedAt:       res.FinishedAt,
		Frames:           len(res.FrameTimestamps),
		Dropped:          res.Dropped,
		OutOfOrder:       res.OutOfOrder,
		Timing:           res.Timing,
		FrameTimestamps:  res.FrameTimestamps,
	}
	if fi, err := os.Stat(res.Target); err == nil {
		r.SizeBytes = fi.Size()
	}
	return r
}

// Duration is the wall time between start and finalize.
func (r *Record) Duration() time.Duration {
	return r.FinishedAt.Sub(r.StartedAt)
}

// Metadata renders the JSON sidecar uploaded next to the video.
func (r *Record) Metadata() ([]byte, error) {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("delivery: marshal metadata: %w", err)
	}
	return data, nil
}

// ContentType returns the MIME type of the video file.
func (r *Record) ContentType() string {
	switch r.Container {
	case "mp4":
		return "video/mp4"
	case "y4m":
		return "video/x-yuv4mpeg"
	default:
		return "application/octet-stream"
	}
}
