package device

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/e7canasta/facecapture/internal/gstreamer"
	"github.com/e7canasta/facecapture/internal/media"
	"github.com/e7canasta/facecapture/internal/negotiate"
	"github.com/tinyzimmer/go-gst/gst"
	"github.com/tinyzimmer/go-gst/gst/app"
)

// TestSource selects videotestsrc instead of a V4L2 node.
const TestSource = "videotestsrc"

// testSourceFormats is what videotestsrc advertises; it accepts any size, so
// a fixed list stands in for a probe.
var testSourceFormats = []media.FormatDescription{
	{Format: media.Format{Width: 1280, Height: 720, PixelFormat: media.PixelFormatI420}, FrameRates: media.FrameRateRange{MinFPS: 1, MaxFPS: 30}},
	{Format: media.Format{Width: 640, Height: 480, PixelFormat: media.PixelFormatI420}, FrameRates: media.FrameRateRange{MinFPS: 1, MaxFPS: 60}},
	{Format: media.Format{Width: 320, Height: 240, PixelFormat: media.PixelFormatI420}, FrameRates: media.FrameRateRange{MinFPS: 1, MaxFPS: 60}},
}

// GStreamerStats is a snapshot of capture counters.
type GStreamerStats struct {
	Frames     uint64
	BytesRead  uint64
	Reconnects uint32
	Connected  bool
}

// GStreamer captures from a V4L2 camera (or videotestsrc) and delivers RGB
// frames.
//
// Pipeline structure:
//
//	v4l2src → capsfilter(native) → videoconvert → videoscale → capsfilter(RGB) → appsink
//
// The native capsfilter pins the configured format and frame rate. Frames are
// handed to the callback straight from the mapped appsink buffer and
// unmapped once it returns.
type GStreamer struct {
	source        string
	defaultFormat media.Format
	defaultFPS    float64
	reconnectCfg  gstreamer.ReconnectConfig

	gate *accessGate

	capsOnce sync.Once
	caps     media.Capability

	mu            sync.Mutex
	auth          media.AuthorizationState
	configured    *media.Format
	frameDuration time.Duration
	pipeline      *gst.Pipeline
	onSample      func(media.FrameSample)
	cancel        context.CancelFunc
	wg            sync.WaitGroup

	reconnectState gstreamer.ReconnectState
	frames         atomic.Uint64
	bytesRead      atomic.Uint64
	connected      atomic.Bool
	startedAt      time.Time
}

// NewGStreamer creates a GStreamer-backed device. It fails when the required
// elements cannot be instantiated.
func NewGStreamer(opts Options) (*GStreamer, error) {
	srcFactory := "v4l2src"
	if opts.Source == TestSource {
		srcFactory = TestSource
	}
	if err := gstreamer.Available(srcFactory, "videoconvert", "videoscale", "capsfilter", "appsink"); err != nil {
		return nil, fmt.Errorf("device: %w", err)
	}

	d := &GStreamer{
		source:        opts.Source,
		defaultFormat: opts.DefaultFormat,
		defaultFPS:    opts.DefaultFPS,
		reconnectCfg:  opts.Reconnect,
		auth:          probeAuthorization(opts.Source),
	}
	d.gate = newAccessGate(d.prompt)
	return d, nil
}

// probeAuthorization maps device-node access to an authorization state.
func probeAuthorization(source string) media.AuthorizationState {
	if !strings.HasPrefix(source, "/") {
		return media.AuthorizationAuthorized
	}
	f, err := os.OpenFile(source, os.O_RDWR, 0)
	switch {
	case err == nil:
		f.Close()
		return media.AuthorizationAuthorized
	case errors.Is(err, fs.ErrPermission):
		return media.AuthorizationDenied
	case errors.Is(err, fs.ErrNotExist):
		return media.AuthorizationRestricted
	default:
		// Busy or transient; let a later request settle it.
		return media.AuthorizationNotDetermined
	}
}

func (d *GStreamer) AuthorizationState() media.AuthorizationState {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.auth
}

// prompt re-checks device access. Linux has no consent dialog; group
// membership decides.
func (d *GStreamer) prompt() bool {
	state := probeAuthorization(d.source)
	d.mu.Lock()
	d.auth = state
	d.mu.Unlock()
	slog.Info("device: access checked", "source", d.source, "state", state.String())
	return state == media.AuthorizationAuthorized
}

func (d *GStreamer) RequestAccess(done func(bool)) {
	switch d.AuthorizationState() {
	case media.AuthorizationAuthorized:
		go done(true)
	case media.AuthorizationDenied, media.AuthorizationRestricted:
		go done(false)
	default:
		d.gate.request(done)
	}
}

// Capabilities probes the source once and caches the result.
func (d *GStreamer) Capabilities() media.Capability {
	d.capsOnce.Do(func() {
		if d.source == TestSource {
			d.caps = media.Capability{Formats: testSourceFormats}
			return
		}
		c, err := d.probeCaps()
		if err != nil {
			slog.Warn("device: capability probe failed", "source", d.source, "error", err)
			return
		}
		d.caps = c
		slog.Info("device: capabilities probed", "source", d.source, "formats", len(c.Formats))
	})
	return d.caps
}

// probeCaps brings the source to READY and reads what its pad can produce.
func (d *GStreamer) probeCaps() (media.Capability, error) {
	src, err := gst.NewElement("v4l2src")
	if err != nil {
		return media.Capability{}, fmt.Errorf("device: failed to create v4l2src: %w", err)
	}
	src.SetProperty("device", d.source)
	if err := src.SetState(gst.StateReady); err != nil {
		return media.Capability{}, fmt.Errorf("device: failed to open %s: %w", d.source, err)
	}
	defer src.SetState(gst.StateNull)

	pad := src.GetStaticPad("src")
	if pad == nil {
		return media.Capability{}, fmt.Errorf("device: v4l2src has no src pad")
	}
	caps := pad.QueryCaps(nil)
	if caps == nil {
		return media.Capability{}, fmt.Errorf("device: caps query returned nothing")
	}
	return ParseCaps(caps.String())
}

func (d *GStreamer) Configure(f media.Format, frameDuration time.Duration) error {
	c := d.Capabilities()
	if !c.Contains(f) {
		return configurationError(c, f)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.pipeline != nil {
		return &media.ConfigurationError{Format: f, Err: fmt.Errorf("device is streaming")}
	}
	format := f
	d.configured = &format
	d.frameDuration = frameDuration
	slog.Info("device: configured", "format", f.String(), "frame_duration", frameDuration)
	return nil
}

// activeFormat returns the native format and rate to request. Must hold mu.
func (d *GStreamer) activeFormat() (media.Format, float64) {
	if d.configured != nil {
		fps := 0.0
		if d.frameDuration > 0 {
			fps = float64(time.Second) / float64(d.frameDuration)
		}
		return *d.configured, fps
	}
	return d.defaultFormat, d.defaultFPS
}

// StartStreaming builds the pipeline, sets it PLAYING, and supervises it with
// reconnection on retryable errors.
func (d *GStreamer) StartStreaming(onSample func(media.FrameSample)) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.auth != media.AuthorizationAuthorized {
		return &media.PermissionError{State: d.auth}
	}
	if d.pipeline != nil {
		return fmt.Errorf("device: already streaming")
	}

	d.onSample = onSample
	if err := d.buildLocked(); err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	d.cancel = cancel
	d.startedAt = time.Now()
	gstreamer.ResetReconnectState(&d.reconnectState)

	d.wg.Add(1)
	go d.supervise(ctx)

	native, fps := d.activeFormat()
	slog.Info("device: streaming started", "source", d.source, "format", native.String(), "fps", fps)
	return nil
}

// buildLocked creates the capture pipeline and sets it PLAYING. Must hold mu.
func (d *GStreamer) buildLocked() error {
	native, fps := d.activeFormat()
	pipeline, err := createCapturePipeline(d.source, native, fps, d.handleSample)
	if err != nil {
		return err
	}
	if err := pipeline.SetState(gst.StatePlaying); err != nil {
		gstreamer.Teardown(pipeline)
		return fmt.Errorf("device: failed to start pipeline: %w", err)
	}
	d.pipeline = pipeline
	return nil
}

func (d *GStreamer) supervise(ctx context.Context) {
	defer d.wg.Done()

	run := func(ctx context.Context) error {
		d.mu.Lock()
		pipeline := d.pipeline
		d.mu.Unlock()

		err := gstreamer.Watch(ctx, pipeline, func() {
			d.connected.Store(true)
			gstreamer.ResetReconnectState(&d.reconnectState)
		})
		d.connected.Store(false)
		if errors.Is(err, gstreamer.ErrEndOfStream) {
			return &gstreamer.PipelineError{Category: gstreamer.ErrCategoryDevice, Message: "source ended"}
		}
		return err
	}

	rebuild := func(attempt int) error {
		d.mu.Lock()
		defer d.mu.Unlock()
		if d.pipeline != nil {
			gstreamer.Teardown(d.pipeline)
			d.pipeline = nil
		}
		slog.Info("device: rebuilding capture pipeline", "source", d.source, "attempt", attempt)
		return d.buildLocked()
	}

	if err := gstreamer.RunWithReconnect(ctx, run, d.reconnectCfg, &d.reconnectState, rebuild); err != nil {
		slog.Error("device: capture stopped", "source", d.source, "error", err)
	}
}

// handleSample runs on the GStreamer streaming thread.
func (d *GStreamer) handleSample(pixels []byte, format media.Format, pts time.Duration) {
	d.mu.Lock()
	cb := d.onSample
	d.mu.Unlock()
	if cb == nil {
		return
	}
	if pts < 0 {
		pts = time.Since(d.startedAt)
	}
	seq := d.frames.Add(1)
	d.bytesRead.Add(uint64(len(pixels)))
	cb(media.FrameSample{Seq: seq, Pixels: pixels, Format: format, PTS: pts})
}

// StopStreaming stops the supervisor and tears the pipeline down.
func (d *GStreamer) StopStreaming() error {
	d.mu.Lock()
	cancel := d.cancel
	d.cancel = nil
	d.onSample = nil
	d.mu.Unlock()

	if cancel == nil {
		return nil
	}
	cancel()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(3 * time.Second):
		slog.Warn("device: supervisor did not exit within timeout", "source", d.source)
	}

	d.mu.Lock()
	pipeline := d.pipeline
	d.pipeline = nil
	d.mu.Unlock()

	if err := gstreamer.Teardown(pipeline); err != nil {
		return fmt.Errorf("device: %w", err)
	}
	slog.Info("device: streaming stopped",
		"source", d.source,
		"frames", d.frames.Load(),
		"reconnects", d.reconnectState.Reconnects.Load(),
	)
	return nil
}

// Stats returns capture counters.
func (d *GStreamer) Stats() GStreamerStats {
	return GStreamerStats{
		Frames:     d.frames.Load(),
		BytesRead:  d.bytesRead.Load(),
		Reconnects: d.reconnectState.Reconnects.Load(),
		Connected:  d.connected.Load(),
	}
}

// createCapturePipeline assembles the capture pipeline; it is left in NULL.
func createCapturePipeline(source string, native media.Format, fps float64, deliver func([]byte, media.Format, time.Duration)) (*gst.Pipeline, error) {
	gstreamer.Init()

	pipeline, err := gst.NewPipeline("")
	if err != nil {
		return nil, fmt.Errorf("device: failed to create pipeline: %w", err)
	}

	var src *gst.Element
	if source == TestSource {
		src, err = gst.NewElement("videotestsrc")
		if err == nil {
			src.SetProperty("is-live", true)
			src.SetProperty("pattern", 18) // ball
		}
	} else {
		src, err = gst.NewElement("v4l2src")
		if err == nil {
			src.SetProperty("device", source)
		}
	}
	if err != nil {
		return nil, fmt.Errorf("device: failed to create source: %w", err)
	}

	nativeFilter, err := gst.NewElement("capsfilter")
	if err != nil {
		return nil, fmt.Errorf("device: failed to create capsfilter: %w", err)
	}
	nativeFilter.SetProperty("caps", gst.NewCapsFromString(nativeCaps(native, fps)))

	converter, err := gst.NewElement("videoconvert")
	if err != nil {
		return nil, fmt.Errorf("device: failed to create videoconvert: %w", err)
	}
	converter.SetProperty("n-threads", 0)

	scaler, err := gst.NewElement("videoscale")
	if err != nil {
		return nil, fmt.Errorf("device: failed to create videoscale: %w", err)
	}

	out := media.Format{Width: native.Width, Height: native.Height, PixelFormat: media.PixelFormatRGB}
	rgbFilter, err := gst.NewElement("capsfilter")
	if err != nil {
		return nil, fmt.Errorf("device: failed to create RGB capsfilter: %w", err)
	}
	rgbFilter.SetProperty("caps", gst.NewCapsFromString(
		fmt.Sprintf("video/x-raw,format=RGB,width=%d,height=%d", out.Width, out.Height)))

	sink, err := app.NewAppSink()
	if err != nil {
		return nil, fmt.Errorf("device: failed to create appsink: %w", err)
	}
	sink.SetProperty("sync", false)
	sink.SetProperty("max-buffers", 2)
	sink.SetProperty("drop", true)

	sink.SetCallbacks(&app.SinkCallbacks{
		NewSampleFunc: func(s *app.Sink) gst.FlowReturn {
			return onNewSample(s, out, deliver)
		},
	})

	pipeline.AddMany(src, nativeFilter, converter, scaler, rgbFilter, sink.Element)
	if err := gst.ElementLinkMany(src, nativeFilter, converter, scaler, rgbFilter, sink.Element); err != nil {
		return nil, fmt.Errorf("device: failed to link capture pipeline: %w", err)
	}
	return pipeline, nil
}

// nativeCaps renders the caps requested from the source.
func nativeCaps(f media.Format, fps float64) string {
	caps := fmt.Sprintf("video/x-raw,width=%d,height=%d", f.Width, f.Height)
	if f.PixelFormat != "" {
		caps += ",format=" + string(f.PixelFormat)
	}
	if fps > 0 {
		num, den := negotiate.Fraction(fps)
		caps += fmt.Sprintf(",framerate=%d/%d", num, den)
	}
	return caps
}

// onNewSample pulls a sample and hands its mapped bytes to deliver.
// Corrupt or empty samples are skipped rather than ending the stream.
func onNewSample(sink *app.Sink, out media.Format, deliver func([]byte, media.Format, time.Duration)) gst.FlowReturn {
	sample := sink.PullSample()
	if sample == nil {
		slog.Warn("device: failed to pull sample from appsink, skipping frame")
		return gst.FlowOK
	}
	buffer := sample.GetBuffer()
	if buffer == nil {
		slog.Warn("device: sample has no buffer, skipping frame")
		return gst.FlowOK
	}

	mapInfo := buffer.Map(gst.MapRead)
	defer buffer.Unmap()
	data := mapInfo.Bytes()
	if len(data) == 0 {
		slog.Warn("device: empty buffer received")
		return gst.FlowOK
	}
	if size := out.FrameSize(); size > 0 && len(data) < size {
		slog.Warn("device: short buffer, skipping frame", "got", len(data), "want", size)
		return gst.FlowOK
	}

	deliver(data, out, buffer.PresentationTimestamp())
	return gst.FlowOK
}
