package facecapture

import (
	"context"
	"errors"
	"fmt"
	"image"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/e7canasta/facecapture/internal/device"
	"github.com/e7canasta/facecapture/internal/exposure"
	"github.com/e7canasta/facecapture/internal/media"
	"github.com/e7canasta/facecapture/internal/negotiate"
	"github.com/e7canasta/facecapture/internal/preview"
	"github.com/e7canasta/facecapture/internal/queue"
	"github.com/e7canasta/facecapture/internal/recorder"
	"github.com/e7canasta/facecapture/internal/writer"
	"github.com/google/uuid"
)

// Options configures a Pipeline.
type Options struct {
	// Device is the capture device. Required.
	Device device.Device

	// OutputDir is where recordings are written (default "recordings").
	OutputDir string

	// Writer configures the writers opened per recording. FrameRate is
	// filled from negotiation when zero.
	Writer writer.Options

	// OpenWriter overrides how writers are opened (default writer.Open).
	OpenWriter func(target string, opts writer.Options) (writer.Writer, error)

	// QueueDepth is the frame buffer depth (default queue.DefaultDepth).
	QueueDepth int

	// PreviewFPS caps live-frame updates. 0 publishes every frame, a negative
	// value disables the preview.
	PreviewFPS float64

	// EstimateExposure falls back to a luma estimate for frames without
	// brightness metadata.
	EstimateExposure bool

	// Now is the wall clock used for timestamps and target names (default time.Now).
	Now func() time.Time

	// OnResult runs on its own goroutine after each completed recording.
	OnResult func(Result)
}

// Pipeline owns a capture device and records per-task videos from it.
//
// All methods are safe for concurrent use. Control operations are serialized
// with frames on the frame queue, so a stop always sees every frame that was
// queued before it.
type Pipeline struct {
	dev  device.Device
	opts Options
	now  func() time.Time

	recorder *recorder.Recorder
	sampler  *exposure.Sampler
	limiter  *preview.Limiter
	state    *stateOwner

	// startMu serializes Start; mu is not held across the permission prompt
	startMu sync.Mutex

	mu             sync.Mutex
	running        bool
	closed         bool
	queue          *queue.Queue
	lastQueue      queue.Stats
	captureID      string
	format         media.Format
	frameDuration  time.Duration
	frameRate      float64
	startedAt      time.Time
	loggedNoFormat bool

	delivered     atomic.Uint64
	previewFrames atomic.Uint64

	// late finalizations and OnResult callbacks; Close waits for them
	callbacks sync.WaitGroup
}

// New creates a stopped pipeline. Its state owner runs until Close.
func New(opts Options) (*Pipeline, error) {
	if opts.Device == nil {
		return nil, fmt.Errorf("facecapture: device is required")
	}
	if opts.OutputDir == "" {
		opts.OutputDir = "recordings"
	}
	if opts.OpenWriter == nil {
		opts.OpenWriter = writer.Open
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}

	p := &Pipeline{
		dev:     opts.Device,
		opts:    opts,
		now:     now,
		sampler: exposure.NewSampler(opts.EstimateExposure),
		limiter: preview.NewLimiter(opts.PreviewFPS),
		state:   newStateOwner(),
	}

	rec, err := recorder.New(recorder.Config{
		Factory:   p.openWriter,
		Now:       now,
		OnFailure: p.recordingFailed,
	})
	if err != nil {
		p.state.close()
		return nil, err
	}
	p.recorder = rec
	return p, nil
}

// Start authorizes, configures and starts the device.
//
// Steps:
//  1. Authorization: requests access if not determined yet. Denied or
//     restricted returns *PermissionError and publishes PermissionDenied.
//  2. Negotiation: the fastest advertised format is configured. A device
//     that advertises nothing keeps its default format.
//  3. Streaming: frames flow into the frame queue.
//
// Calling Start while running is a no-op.
func (p *Pipeline) Start(ctx context.Context) error {
	p.startMu.Lock()
	defer p.startMu.Unlock()

	p.mu.Lock()
	closed, running := p.closed, p.running
	p.mu.Unlock()
	if closed {
		return ErrPipelineStopped
	}
	if running {
		return nil
	}

	if err := p.authorize(ctx); err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrPipelineStopped
	}
	if err := p.configure(); err != nil {
		p.publishError(err)
		return err
	}

	q := queue.New(p.opts.QueueDepth, p.handleFrame)
	if err := q.Start(context.Background()); err != nil {
		return fmt.Errorf("facecapture: %w", err)
	}
	if err := p.dev.StartStreaming(func(s media.FrameSample) { p.onSample(q, s) }); err != nil {
		q.Stop()
		var perr *media.PermissionError
		if errors.As(err, &perr) {
			p.state.update(func(s *PublishedState) {
				s.PermissionDenied = true
				s.PreviewReady = false
			})
			return err
		}
		p.publishError(err)
		return fmt.Errorf("facecapture: start streaming: %w", err)
	}

	p.queue = q
	p.running = true
	p.captureID = uuid.New().String()
	p.startedAt = p.now()
	p.sampler.Reset()
	p.state.update(func(s *PublishedState) {
		s.PreviewReady = true
		s.PermissionDenied = false
		s.AverageExposure = nil
		s.LastError = ""
	})

	slog.Info("facecapture: capture started",
		"capture_session_id", p.captureID,
		"format", p.format.String(),
		"fps", p.frameRate,
	)
	return nil
}

// authorize resolves the device's permission state. Caller holds p.startMu
// but not p.mu, so Stats stays responsive while a prompt is pending.
func (p *Pipeline) authorize(ctx context.Context) error {
	state := p.dev.AuthorizationState()
	if state == media.AuthorizationNotDetermined {
		answer := make(chan bool, 1)
		p.dev.RequestAccess(func(granted bool) { answer <- granted })
		select {
		case granted := <-answer:
			if granted {
				state = media.AuthorizationAuthorized
			} else {
				state = p.dev.AuthorizationState()
				if state == media.AuthorizationNotDetermined {
					state = media.AuthorizationDenied
				}
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	if state != media.AuthorizationAuthorized {
		slog.Warn("facecapture: camera access not granted", "state", state.String())
		p.state.update(func(s *PublishedState) {
			s.PermissionDenied = true
			s.PreviewReady = false
		})
		return &media.PermissionError{State: state}
	}
	return nil
}

// configure negotiates and applies the capture format. Caller holds p.mu.
func (p *Pipeline) configure() error {
	desc, frameDuration, err := negotiate.Select(p.dev.Capabilities())
	if errors.Is(err, media.ErrNoUsableFormat) {
		if !p.loggedNoFormat {
			slog.Warn("facecapture: device advertises no formats, keeping its default")
			p.loggedNoFormat = true
		}
		p.format = media.Format{}
		p.frameDuration = 0
		p.frameRate = 0
		return nil
	}
	if err != nil {
		return err
	}

	if err := p.dev.Configure(desc.Format, frameDuration); err != nil {
		return err
	}
	p.format = desc.Format
	p.frameDuration = frameDuration
	p.frameRate = desc.FrameRates.MaxFPS
	return nil
}

// onSample runs on the device goroutine: copy and offer, nothing else.
func (p *Pipeline) onSample(q *queue.Queue, s media.FrameSample) {
	p.delivered.Add(1)
	q.Enqueue(s.Clone())
}

// handleFrame runs on the queue worker.
func (p *Pipeline) handleFrame(s media.FrameSample) {
	p.recorder.Process(s)
	p.sampler.Sample(s)

	if !p.limiter.Allow(p.now()) {
		return
	}
	img, err := preview.ToImage(s)
	if err != nil {
		slog.Debug("facecapture: preview conversion failed", "seq", s.Seq, "error", err)
		return
	}
	p.previewFrames.Add(1)
	p.state.postFrame(s.Seq, img)
}

func (p *Pipeline) openWriter(target string) (writer.Writer, error) {
	p.mu.Lock()
	opts := p.opts.Writer
	if opts.FrameRate == 0 {
		opts.FrameRate = p.frameRate
	}
	p.mu.Unlock()
	return p.opts.OpenWriter(target, opts)
}

// activeQueue returns the running frame queue, or ErrPipelineStopped.
func (p *Pipeline) activeQueue() (*queue.Queue, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.running {
		return nil, ErrPipelineStopped
	}
	return p.queue, nil
}

// StartRecordingForTask opens a recording session for taskID and returns its
// target path. The session starts with the next frame.
func (p *Pipeline) StartRecordingForTask(taskID string) (string, error) {
	q, err := p.activeQueue()
	if err != nil {
		return "", err
	}

	id := uuid.New().String()
	target := p.targetFor(taskID, id)

	var startErr error
	if err := q.Do(context.Background(), func() {
		startErr = p.recorder.StartWithID(id, taskID, target)
	}); err != nil {
		return "", err
	}
	if startErr != nil {
		var rerr *media.RecordingError
		if errors.As(startErr, &rerr) {
			p.publishError(startErr)
		}
		return "", startErr
	}

	p.state.update(func(s *PublishedState) { s.RecordingActive = true })
	return target, nil
}

// targetFor builds "<output_dir>/<task>_<unix-ms>_<short-id>.<ext>".
func (p *Pipeline) targetFor(taskID, sessionID string) string {
	container := p.opts.Writer.Container
	if container == "" {
		container = writer.ContainerMP4
	}
	name := fmt.Sprintf("%s_%d_%s.%s",
		sanitizeTaskID(taskID),
		p.now().UnixMilli(),
		sessionID[:8],
		container.Extension(),
	)
	return filepath.Join(p.opts.OutputDir, name)
}

func sanitizeTaskID(taskID string) string {
	clean := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		default:
			return '-'
		}
	}, taskID)
	if clean == "" {
		return "task"
	}
	return clean
}

// StopRecording finalizes the open recording and returns its result.
//
// If ctx ends before the writer finishes, ctx.Err() is returned and the
// result is still published (and delivered) once finalization completes.
// If ctx ends before the queue accepts the stop, the recording keeps going.
func (p *Pipeline) StopRecording(ctx context.Context) (Result, error) {
	q, err := p.activeQueue()
	if err != nil {
		return Result{}, err
	}

	var (
		mu        sync.Mutex
		ran       bool
		abandoned bool
		wait      func(context.Context) (Result, error)
		stopErr   error
	)
	doErr := q.Do(ctx, func() {
		w, e := p.recorder.Finalize()
		mu.Lock()
		defer mu.Unlock()
		ran, wait, stopErr = true, w, e
		if abandoned {
			p.finishDetached(w, e)
		}
	})
	if doErr != nil {
		mu.Lock()
		if !ran {
			// The job may still run; it finishes the recording on its own.
			abandoned = true
			mu.Unlock()
			return Result{}, doErr
		}
		mu.Unlock()
	}
	if stopErr != nil {
		if !errors.Is(stopErr, media.ErrNotRecording) {
			p.recordingFinished(Result{}, stopErr)
		}
		return Result{}, stopErr
	}

	res, err := wait(ctx)
	if err != nil && ctx.Err() != nil {
		p.finishDetached(wait, nil)
		return Result{}, err
	}
	p.recordingFinished(res, err)
	return res, err
}

// finishDetached completes a finalization the caller stopped waiting for.
func (p *Pipeline) finishDetached(wait func(context.Context) (Result, error), stopErr error) {
	if stopErr != nil {
		if !errors.Is(stopErr, media.ErrNotRecording) {
			p.recordingFinished(Result{}, stopErr)
		}
		return
	}
	p.callbacks.Add(1)
	go func() {
		defer p.callbacks.Done()
		res, err := wait(context.Background())
		if err != nil {
			slog.Warn("facecapture: detached finalization failed", "error", err)
		}
		p.recordingFinished(res, err)
	}()
}

func (p *Pipeline) recordingFinished(res Result, err error) {
	p.state.update(func(s *PublishedState) {
		s.RecordingActive = false
		if err != nil && !errors.Is(err, media.ErrDiscarded) {
			s.LastError = err.Error()
		}
	})
	if err == nil && p.opts.OnResult != nil {
		p.callbacks.Add(1)
		go func() {
			defer p.callbacks.Done()
			p.opts.OnResult(res)
		}()
	}
}

// recordingFailed is the recorder's failure hook.
func (p *Pipeline) recordingFailed(err error) {
	slog.Error("facecapture: recording failed", "error", err)
	p.state.update(func(s *PublishedState) {
		s.RecordingActive = false
		s.LastError = err.Error()
	})
}

// DiscardRecording abandons the open recording and deletes its output.
func (p *Pipeline) DiscardRecording() error {
	q, err := p.activeQueue()
	if err != nil {
		return err
	}

	var discardErr error
	if err := q.Do(context.Background(), func() { discardErr = p.recorder.Discard() }); err != nil {
		return err
	}
	if errors.Is(discardErr, media.ErrNotRecording) {
		return discardErr
	}
	p.state.update(func(s *PublishedState) {
		s.RecordingActive = false
		if discardErr != nil {
			s.LastError = discardErr.Error()
		}
	})
	return discardErr
}

// Stop stops the device, discards any open recording and returns the
// average brightness of the capture session. ok is false when no frame
// carried brightness. The accumulator is reset.
func (p *Pipeline) Stop() (average float64, ok bool) {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return 0, false
	}
	p.running = false
	q := p.queue
	p.queue = nil
	captureID := p.captureID
	startedAt := p.startedAt
	p.mu.Unlock()

	if err := p.dev.StopStreaming(); err != nil {
		slog.Warn("facecapture: device stop failed", "error", err)
	}

	if err := q.Do(context.Background(), func() {
		switch p.recorder.State() {
		case recorder.StateConfiguring, recorder.StateWriting, recorder.StateFinalizing:
			if err := p.recorder.Discard(); err != nil {
				slog.Warn("facecapture: discard on stop failed", "error", err)
			}
		}
	}); err != nil {
		slog.Warn("facecapture: discard on stop not run", "error", err)
	}
	if err := q.Stop(); err != nil {
		slog.Warn("facecapture: frame queue stop failed", "error", err)
	}

	average, ok = p.sampler.AverageForSession()
	samples := p.sampler.Count()
	p.sampler.Reset()

	p.mu.Lock()
	p.lastQueue = q.Stats()
	p.mu.Unlock()

	p.state.update(func(s *PublishedState) {
		s.PreviewReady = false
		s.RecordingActive = false
		s.LiveFrame = nil
		if ok {
			v := average
			s.AverageExposure = &v
		} else {
			s.AverageExposure = nil
		}
	})
	p.state.sync()

	slog.Info("facecapture: capture stopped",
		"capture_session_id", captureID,
		"duration", p.now().Sub(startedAt),
		"exposure_samples", samples,
		"average_exposure", average,
		"has_average", ok,
	)
	return average, ok
}

// Close stops the pipeline and its state owner. It waits for pending
// finalizations and OnResult callbacks. Subscriptions are closed.
func (p *Pipeline) Close() {
	p.Stop()
	p.callbacks.Wait()
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	p.state.close()
}

// State returns the current published state.
func (p *Pipeline) State() PublishedState {
	return p.state.snapshot()
}

// Subscribe returns a channel holding the latest published state and a
// function that ends the subscription.
func (p *Pipeline) Subscribe() (<-chan PublishedState, func()) {
	return p.state.subscribe()
}

// LiveFrame returns the most recent preview image, or nil.
func (p *Pipeline) LiveFrame() image.Image {
	return p.state.snapshot().LiveFrame
}

// SetPreviewRate changes the live-frame rate; see Options.PreviewFPS.
func (p *Pipeline) SetPreviewRate(fps float64) {
	p.limiter.SetRate(fps)
	slog.Info("facecapture: preview rate changed", "fps", fps)
}

// Capabilities returns what the device advertises.
func (p *Pipeline) Capabilities() media.Capability {
	return p.dev.Capabilities()
}

// Stats returns a snapshot of pipeline counters.
func (p *Pipeline) Stats() Stats {
	p.mu.Lock()
	st := Stats{
		CaptureSessionID: p.captureID,
		Running:          p.running,
		Format:           p.format,
		FrameDuration:    p.frameDuration,
		Queue:            p.lastQueue,
	}
	if p.running {
		st.Queue = p.queue.Stats()
		st.Uptime = p.now().Sub(p.startedAt)
	}
	p.mu.Unlock()

	st.FramesDelivered = p.delivered.Load()
	st.PreviewFrames = p.previewFrames.Load()
	st.PreviewDrops = p.state.frames.Drops()
	st.ExposureSamples = p.sampler.Count()
	st.Recorder = p.recorder.Stats()
	return st
}

func (p *Pipeline) publishError(err error) {
	p.state.update(func(s *PublishedState) { s.LastError = err.Error() })
}
