package device

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/e7canasta/facecapture/internal/media"
	"github.com/e7canasta/facecapture/internal/negotiate"
)

// SimulatedOptions configures a Simulated device.
type SimulatedOptions struct {
	// Authorization is the initial permission state.
	Authorization media.AuthorizationState
	// Grant is the answer a pending prompt resolves to.
	Grant bool
	// PromptDelay is how long a prompt stays pending.
	PromptDelay time.Duration

	// Formats is the advertised capability list, in order.
	Formats []media.FormatDescription
	// Default is used when Configure is never called.
	Default media.FormatDescription

	// Manual disables the frame ticker; frames are produced with Emit.
	Manual bool

	// Brightness is the center of the reported brightness wave. Brightness
	// metadata is omitted when NoExposure is set.
	Brightness float64
	NoExposure bool
}

// DefaultSimulatedOptions returns an authorized device advertising three
// formats, with 640x480 at 30 fps as the fastest.
func DefaultSimulatedOptions() SimulatedOptions {
	return SimulatedOptions{
		Authorization: media.AuthorizationAuthorized,
		Grant:         true,
		Formats: []media.FormatDescription{
			{Format: media.Format{Width: 1280, Height: 720, PixelFormat: media.PixelFormatRGB}, FrameRates: media.FrameRateRange{MinFPS: 1, MaxFPS: 15}},
			{Format: media.Format{Width: 640, Height: 480, PixelFormat: media.PixelFormatRGB}, FrameRates: media.FrameRateRange{MinFPS: 1, MaxFPS: 30}},
			{Format: media.Format{Width: 320, Height: 240, PixelFormat: media.PixelFormatRGB}, FrameRates: media.FrameRateRange{MinFPS: 1, MaxFPS: 30}},
		},
		Default: media.FormatDescription{
			Format:     media.Format{Width: 320, Height: 240, PixelFormat: media.PixelFormatRGB},
			FrameRates: media.FrameRateRange{MinFPS: 30, MaxFPS: 30},
		},
		Brightness: 2.5,
	}
}

// Simulated generates synthetic RGB frames: a moving gradient with a
// brightness value that oscillates around opts.Brightness.
type Simulated struct {
	opts SimulatedOptions
	gate *accessGate

	mu            sync.Mutex
	auth          media.AuthorizationState
	format        media.Format
	frameDuration time.Duration
	onSample      func(media.FrameSample)
	streaming     bool
	cancel        context.CancelFunc
	wg            sync.WaitGroup
	buf           []byte
	seq           uint64
	pts           time.Duration

	emitted atomic.Uint64
}

// NewSimulated creates a simulated device.
func NewSimulated(opts SimulatedOptions) *Simulated {
	s := &Simulated{
		opts:          opts,
		auth:          opts.Authorization,
		format:        opts.Default.Format,
		frameDuration: negotiate.FrameDuration(opts.Default.FrameRates.MaxFPS),
		// Device clocks rarely start at zero.
		pts: time.Hour,
	}
	s.gate = newAccessGate(s.prompt)
	return s
}

func (s *Simulated) AuthorizationState() media.AuthorizationState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.auth
}

func (s *Simulated) prompt() bool {
	time.Sleep(s.opts.PromptDelay)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.opts.Grant {
		s.auth = media.AuthorizationAuthorized
	} else {
		s.auth = media.AuthorizationDenied
	}
	return s.opts.Grant
}

func (s *Simulated) RequestAccess(done func(bool)) {
	switch s.AuthorizationState() {
	case media.AuthorizationAuthorized:
		go done(true)
	case media.AuthorizationDenied, media.AuthorizationRestricted:
		go done(false)
	default:
		s.gate.request(done)
	}
}

// Prompts returns how many permission prompts were shown.
func (s *Simulated) Prompts() uint64 { return s.gate.count() }

func (s *Simulated) Capabilities() media.Capability {
	return media.Capability{Formats: s.opts.Formats}
}

func (s *Simulated) Configure(f media.Format, frameDuration time.Duration) error {
	c := s.Capabilities()
	if !c.Contains(f) {
		return configurationError(c, f)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.format = f
	s.frameDuration = frameDuration
	return nil
}

// ActiveFormat returns the format frames are produced in (always RGB).
func (s *Simulated) ActiveFormat() (media.Format, time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.outputFormat(), s.frameDuration
}

func (s *Simulated) outputFormat() media.Format {
	return media.Format{Width: s.format.Width, Height: s.format.Height, PixelFormat: media.PixelFormatRGB}
}

func (s *Simulated) StartStreaming(onSample func(media.FrameSample)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.auth != media.AuthorizationAuthorized {
		return &media.PermissionError{State: s.auth}
	}
	if s.streaming {
		return fmt.Errorf("device: already streaming")
	}
	if s.format.Width <= 0 || s.format.Height <= 0 {
		return &media.ConfigurationError{Format: s.format, Err: fmt.Errorf("no frame size")}
	}

	s.onSample = onSample
	s.streaming = true
	s.buf = make([]byte, s.outputFormat().FrameSize())

	slog.Info("device: simulated streaming started",
		"format", s.outputFormat().String(),
		"frame_duration", s.frameDuration,
		"manual", s.opts.Manual,
	)

	if s.opts.Manual || s.frameDuration <= 0 {
		return nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.wg.Add(1)
	go s.generate(ctx, s.frameDuration)
	return nil
}

func (s *Simulated) generate(ctx context.Context, period time.Duration) {
	defer s.wg.Done()

	ticker := time.NewTicker(period)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.emitOne()
		}
	}
}

// Emit synchronously delivers n frames. It is a no-op when not streaming.
func (s *Simulated) Emit(n int) {
	for i := 0; i < n; i++ {
		s.emitOne()
	}
}

// Emitted returns the number of frames delivered.
func (s *Simulated) Emitted() uint64 { return s.emitted.Load() }

// emitOne renders the next frame into the shared buffer and delivers it.
// The lock is held through the callback so frames never overlap.
func (s *Simulated) emitOne() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.streaming || s.onSample == nil {
		return
	}

	s.seq++
	s.pts += s.frameDuration
	format := s.outputFormat()
	renderGradient(s.buf, format, s.seq)

	sample := media.FrameSample{
		Seq:    s.seq,
		Pixels: s.buf,
		Format: format,
		PTS:    s.pts,
	}
	if !s.opts.NoExposure {
		b := s.opts.Brightness + math.Sin(float64(s.seq)/30)
		sample.Exposure = &media.ExposureMetadata{
			Brightness:   &b,
			ExposureTime: s.frameDuration / 2,
			ISO:          100,
		}
	}
	s.emitted.Add(1)
	s.onSample(sample)
}

// renderGradient fills buf with a diagonal gradient that shifts each frame.
func renderGradient(buf []byte, f media.Format, seq uint64) {
	shift := int(seq % 256)
	i := 0
	for y := 0; y < f.Height; y++ {
		for x := 0; x < f.Width; x++ {
			v := byte((x + y + shift) & 0xff)
			buf[i] = v
			buf[i+1] = byte(y & 0xff)
			buf[i+2] = 255 - v
			i += 3
		}
	}
}

func (s *Simulated) StopStreaming() error {
	s.mu.Lock()
	if !s.streaming {
		s.mu.Unlock()
		return nil
	}
	s.streaming = false
	s.onSample = nil
	cancel := s.cancel
	s.cancel = nil
	s.mu.Unlock()

	if cancel != nil {
		cancel()
		s.wg.Wait()
	}
	slog.Info("device: simulated streaming stopped", "frames", s.emitted.Load())
	return nil
}
