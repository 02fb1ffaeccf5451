package writer

import (
	"bufio"
	"errors"
	"fmt"
	"image/color"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/e7canasta/facecapture/internal/media"
	"github.com/e7canasta/facecapture/internal/negotiate"
)

// defaultY4MFrameRate is written to the header when no rate is configured.
const defaultY4MFrameRate = 30.0

var errWriterClosed = errors.New("writer closed")

type y4mFrame struct {
	sample media.FrameSample
	pts    time.Duration
}

// Y4M writes uncompressed YUV4MPEG2 files (4:4:4 for RGB input, mono for GRAY8).
//
// Frames are encoded on a background goroutine fed by a bounded backlog; Ready
// reports false while the backlog is full.
type Y4M struct {
	target string
	fps    float64

	file *os.File
	bw   *bufio.Writer

	frames   chan y4mFrame
	sendMu   sync.RWMutex // Append holds RLock while sending; close takes Lock
	closed   bool
	exited   chan struct{}
	aborted  atomic.Bool
	appended atomic.Uint64

	mu     sync.Mutex
	err    error
	onDone func(error)

	// encoder goroutine only
	format        media.Format
	headerWritten bool
	planes        [3][]byte
}

// NewY4M creates the target file and starts the encoder goroutine.
func NewY4M(target string, opts Options) (*Y4M, error) {
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return nil, fmt.Errorf("writer: create output directory: %w", err)
	}
	f, err := os.OpenFile(target, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("writer: create %s: %w", target, err)
	}

	fps := opts.FrameRate
	if fps <= 0 {
		fps = defaultY4MFrameRate
	}
	depth := opts.BufferFrames
	if depth < 1 {
		depth = 1
	}

	w := &Y4M{
		target: target,
		fps:    fps,
		file:   f,
		bw:     bufio.NewWriterSize(f, 1<<20),
		frames: make(chan y4mFrame, depth),
		exited: make(chan struct{}),
	}
	go w.run()

	slog.Debug("writer: y4m opened", "target", target, "fps", fps, "buffer_frames", depth)
	return w, nil
}

// Ready reports whether the backlog has room for another frame.
func (w *Y4M) Ready() bool {
	w.sendMu.RLock()
	defer w.sendMu.RUnlock()

	if w.closed || w.loadErr() != nil {
		return false
	}
	return len(w.frames) < cap(w.frames)
}

// Append queues a frame for encoding. The sample must own its pixels.
// Errors from earlier frames are returned here.
func (w *Y4M) Append(s media.FrameSample, pts time.Duration) error {
	if err := w.loadErr(); err != nil {
		return err
	}

	w.sendMu.RLock()
	defer w.sendMu.RUnlock()
	if w.closed {
		return errWriterClosed
	}
	w.frames <- y4mFrame{sample: s, pts: pts}
	w.appended.Add(1)
	return nil
}

// Appended returns the number of frames accepted so far.
func (w *Y4M) Appended() uint64 {
	return w.appended.Load()
}

// Finish closes the backlog; done runs after the last frame is flushed.
func (w *Y4M) Finish(done func(error)) {
	var once sync.Once
	cb := func(err error) { once.Do(func() { done(err) }) }

	w.mu.Lock()
	w.onDone = cb
	w.mu.Unlock()

	if !w.close() {
		// Already closed by Abort or an earlier Finish.
		go cb(errWriterClosed)
	}
}

// Abort discards pending frames and removes the output file.
func (w *Y4M) Abort() error {
	w.aborted.Store(true)
	w.close()

	select {
	case <-w.exited:
	case <-time.After(3 * time.Second):
		slog.Warn("writer: y4m abort timeout", "target", w.target)
	}
	return removeOutput(w.target)
}

func (w *Y4M) close() bool {
	w.sendMu.Lock()
	defer w.sendMu.Unlock()
	if w.closed {
		return false
	}
	w.closed = true
	close(w.frames)
	return true
}

func (w *Y4M) loadErr() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.err
}

func (w *Y4M) setErr(err error) {
	w.mu.Lock()
	if w.err == nil {
		w.err = err
	}
	w.mu.Unlock()
}

func (w *Y4M) run() {
	defer close(w.exited)

	var written uint64
	for f := range w.frames {
		if w.aborted.Load() || w.loadErr() != nil {
			continue
		}
		if err := w.writeFrame(f.sample); err != nil {
			w.setErr(err)
			continue
		}
		written++
	}

	err := w.loadErr()
	if !w.headerWritten && err == nil && !w.aborted.Load() {
		err = fmt.Errorf("writer: no frames written to %s", w.target)
	}
	if ferr := w.bw.Flush(); ferr != nil && err == nil {
		err = fmt.Errorf("writer: flush %s: %w", w.target, ferr)
	}
	if cerr := w.file.Close(); cerr != nil && err == nil {
		err = fmt.Errorf("writer: close %s: %w", w.target, cerr)
	}

	if w.aborted.Load() {
		removeOutput(w.target)
		slog.Debug("writer: y4m aborted", "target", w.target, "frames_written", written)
		err = errWriterClosed
	} else {
		slog.Debug("writer: y4m finished", "target", w.target, "frames_written", written, "error", err)
	}

	w.mu.Lock()
	done := w.onDone
	w.mu.Unlock()
	if done != nil {
		done(err)
	}
}

func (w *Y4M) writeFrame(s media.FrameSample) error {
	if !w.headerWritten {
		if err := w.writeHeader(s.Format); err != nil {
			return err
		}
	} else if s.Format != w.format {
		return fmt.Errorf("writer: format changed mid-recording (%s → %s)", w.format, s.Format)
	}

	if want := s.Format.FrameSize(); want == 0 || len(s.Pixels) < want {
		return fmt.Errorf("writer: invalid frame buffer: got %d bytes, expected %d", len(s.Pixels), want)
	}

	if _, err := w.bw.WriteString("FRAME\n"); err != nil {
		return fmt.Errorf("writer: write frame: %w", err)
	}

	switch s.Format.PixelFormat {
	case media.PixelFormatGray:
		_, err := w.bw.Write(s.Pixels[:s.Format.FrameSize()])
		if err != nil {
			return fmt.Errorf("writer: write frame: %w", err)
		}
	case media.PixelFormatRGB:
		n := s.Format.Width * s.Format.Height
		for p := range w.planes {
			if cap(w.planes[p]) < n {
				w.planes[p] = make([]byte, n)
			}
			w.planes[p] = w.planes[p][:n]
		}
		for i := 0; i < n; i++ {
			y, cb, cr := color.RGBToYCbCr(s.Pixels[i*3], s.Pixels[i*3+1], s.Pixels[i*3+2])
			w.planes[0][i], w.planes[1][i], w.planes[2][i] = y, cb, cr
		}
		for _, plane := range w.planes {
			if _, err := w.bw.Write(plane); err != nil {
				return fmt.Errorf("writer: write frame: %w", err)
			}
		}
	}
	return nil
}

func (w *Y4M) writeHeader(f media.Format) error {
	var colorspace string
	switch f.PixelFormat {
	case media.PixelFormatRGB:
		colorspace = "C444"
	case media.PixelFormatGray:
		colorspace = "Cmono"
	default:
		return fmt.Errorf("writer: y4m does not support pixel format %s", f.PixelFormat)
	}

	num, den := negotiate.Fraction(w.fps)
	header := fmt.Sprintf("YUV4MPEG2 W%d H%d F%d:%d Ip A1:1 %s\n", f.Width, f.Height, num, den, colorspace)
	if _, err := w.bw.WriteString(header); err != nil {
		return fmt.Errorf("writer: write header: %w", err)
	}

	w.format = f
	w.headerWritten = true
	return nil
}
