package writer

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/e7canasta/facecapture/internal/gstreamer"
	"github.com/e7canasta/facecapture/internal/media"
	"github.com/e7canasta/facecapture/internal/negotiate"
	"github.com/tinyzimmer/go-gst/gst"
	"github.com/tinyzimmer/go-gst/gst/app"
)

// finishTimeout bounds how long finalization waits for the muxer to drain.
const finishTimeout = 10 * time.Second

// GStreamer encodes frames to H.264 in an MP4 container.
//
// Pipeline structure:
//
//	appsrc → videoconvert → <encoder> → h264parse → mp4mux → filesink
//
// The appsrc caps are set from the first frame. Ready compares the appsrc
// backlog against its max-bytes budget.
type GStreamer struct {
	target  string
	fps     float64
	encoder string
	budget  uint64 // appsrc max-bytes, set once the frame size is known
	buffers int

	pipeline *gst.Pipeline
	src      *app.Source

	mu      sync.Mutex
	format  media.Format
	capsSet bool
	closed  bool
	lastPTS time.Duration
	aborted atomic.Bool
}

// NewGStreamer builds the encoding pipeline and sets it PLAYING.
func NewGStreamer(target string, opts Options) (*GStreamer, error) {
	gstreamer.Init()

	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return nil, fmt.Errorf("writer: create output directory: %w", err)
	}

	pipeline, err := gst.NewPipeline("")
	if err != nil {
		return nil, fmt.Errorf("writer: failed to create pipeline: %w", err)
	}

	src, err := app.NewAppSrc()
	if err != nil {
		return nil, fmt.Errorf("writer: failed to create appsrc: %w", err)
	}
	src.SetProperty("format", gst.FormatTime)
	src.SetProperty("is-live", true)
	src.SetProperty("block", false)

	converter, err := gst.NewElement("videoconvert")
	if err != nil {
		return nil, fmt.Errorf("writer: failed to create videoconvert: %w", err)
	}

	encoder, encoderName, err := newEncoder(opts.Encoders)
	if err != nil {
		return nil, err
	}

	parser, err := gst.NewElement("h264parse")
	if err != nil {
		return nil, fmt.Errorf("writer: failed to create h264parse: %w", err)
	}
	muxer, err := gst.NewElement("mp4mux")
	if err != nil {
		return nil, fmt.Errorf("writer: failed to create mp4mux: %w", err)
	}
	sink, err := gst.NewElement("filesink")
	if err != nil {
		return nil, fmt.Errorf("writer: failed to create filesink: %w", err)
	}
	sink.SetProperty("location", target)
	sink.SetProperty("sync", false)

	pipeline.AddMany(src.Element, converter, encoder, parser, muxer, sink)
	if err := gst.ElementLinkMany(src.Element, converter, encoder, parser, muxer, sink); err != nil {
		return nil, fmt.Errorf("writer: failed to link pipeline elements: %w", err)
	}

	if err := pipeline.SetState(gst.StatePlaying); err != nil {
		gstreamer.Teardown(pipeline)
		return nil, fmt.Errorf("writer: failed to start pipeline: %w", err)
	}

	w := &GStreamer{
		target:   target,
		fps:      opts.FrameRate,
		encoder:  encoderName,
		buffers:  opts.BufferFrames,
		pipeline: pipeline,
		src:      src,
	}

	slog.Info("writer: mp4 pipeline created", "target", target, "encoder", encoderName)
	return w, nil
}

// newEncoder tries each candidate in order, falling back to the next one.
func newEncoder(candidates []string) (*gst.Element, string, error) {
	for _, name := range candidates {
		enc, err := gst.NewElement(name)
		if err != nil {
			slog.Debug("writer: encoder unavailable, trying next", "encoder", name, "error", err)
			continue
		}
		if name == "x264enc" {
			enc.SetProperty("speed-preset", 1) // ultrafast
			enc.SetProperty("tune", 4)         // zerolatency
		}
		return enc, name, nil
	}
	return nil, "", fmt.Errorf("writer: no H.264 encoder available (tried %v)", candidates)
}

// Ready reports whether the appsrc backlog is under its byte budget.
func (w *GStreamer) Ready() bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return false
	}
	if !w.capsSet {
		return true
	}
	return w.src.GetCurrentLevelBytes() < w.budget
}

// Append pushes one frame into the appsrc. pts is relative to the session start.
func (w *GStreamer) Append(s media.FrameSample, pts time.Duration) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return errWriterClosed
	}
	if !w.capsSet {
		if err := w.setCaps(s.Format); err != nil {
			return err
		}
	} else if s.Format != w.format {
		return fmt.Errorf("writer: format changed mid-recording (%s → %s)", w.format, s.Format)
	}

	buf := gst.NewBufferFromBytes(s.Pixels)
	buf.SetPresentationTimestamp(pts)
	if w.lastPTS > 0 && pts > w.lastPTS {
		buf.SetDuration(pts - w.lastPTS)
	}
	w.lastPTS = pts

	if ret := w.src.PushBuffer(buf); ret != gst.FlowOK {
		return fmt.Errorf("writer: push buffer: flow %v", ret)
	}
	return nil
}

func (w *GStreamer) setCaps(f media.Format) error {
	if f.PixelFormat.BytesPerPixel() == 0 {
		return fmt.Errorf("writer: unsupported pixel format %s", f.PixelFormat)
	}

	// 0/1 marks a variable frame rate when none is configured.
	num, den := negotiate.Fraction(w.fps)
	caps := fmt.Sprintf("video/x-raw,format=%s,width=%d,height=%d,framerate=%d/%d",
		f.PixelFormat, f.Width, f.Height, num, den)
	w.src.SetCaps(gst.NewCapsFromString(caps))

	w.budget = uint64(f.FrameSize() * max(w.buffers, 1))
	w.src.SetProperty("max-bytes", w.budget)
	w.format = f
	w.capsSet = true

	slog.Debug("writer: appsrc caps set", "caps", caps, "max_bytes", w.budget)
	return nil
}

// Finish sends EOS and waits for the muxer to write the moov atom on a
// background goroutine; done receives the result.
func (w *GStreamer) Finish(done func(error)) {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		go done(errWriterClosed)
		return
	}
	w.closed = true
	w.mu.Unlock()

	go func() {
		var err error
		if ret := w.src.EndStream(); ret != gst.FlowOK {
			err = fmt.Errorf("writer: end stream: flow %v", ret)
		} else {
			err = gstreamer.WaitEOS(w.pipeline, finishTimeout)
		}
		if terr := gstreamer.Teardown(w.pipeline); terr != nil && err == nil {
			err = terr
		}

		if w.aborted.Load() {
			removeOutput(w.target)
			err = errWriterClosed
		}
		if err != nil && !w.aborted.Load() {
			err = &writeError{target: w.target, err: err}
		}

		slog.Info("writer: mp4 finalized", "target", w.target, "error", err)
		done(err)
	}()
}

// Abort tears the pipeline down and removes the partial file.
func (w *GStreamer) Abort() error {
	w.aborted.Store(true)

	w.mu.Lock()
	wasClosed := w.closed
	w.closed = true
	w.mu.Unlock()

	if !wasClosed {
		if err := gstreamer.Teardown(w.pipeline); err != nil {
			slog.Warn("writer: teardown on abort failed", "target", w.target, "error", err)
		}
	}
	return removeOutput(w.target)
}

type writeError struct {
	target string
	err    error
}

func (e *writeError) Error() string {
	return fmt.Sprintf("finalize %s: %v", e.target, e.err)
}

func (e *writeError) Unwrap() error { return e.err }
