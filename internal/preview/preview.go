// Package preview turns recorded frames into live-preview images.
//
// The queue worker converts at most one frame per preview interval and posts
// it to a Mailbox; the state owner takes the latest image when it gets to it.
// Images that are overwritten before being taken are counted, never queued.
package preview

import (
	"fmt"
	"image"
	"image/jpeg"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/e7canasta/facecapture/internal/media"
)

// Mailbox holds only the most recent value. Put never blocks.
type Mailbox[T any] struct {
	mu    sync.Mutex
	value T
	full  bool
	ready chan struct{}
	drops atomic.Uint64
}

// NewMailbox creates an empty mailbox.
func NewMailbox[T any]() *Mailbox[T] {
	return &Mailbox[T]{ready: make(chan struct{}, 1)}
}

// Put replaces the held value, counting a drop if the old one was never taken.
func (m *Mailbox[T]) Put(v T) {
	m.mu.Lock()
	if m.full {
		m.drops.Add(1)
	}
	m.value = v
	m.full = true
	m.mu.Unlock()

	select {
	case m.ready <- struct{}{}:
	default:
	}
}

// Ready is signalled after a Put. A signal may be stale; Take reports whether
// a value was actually there.
func (m *Mailbox[T]) Ready() <-chan struct{} {
	return m.ready
}

// Take removes and returns the held value.
func (m *Mailbox[T]) Take() (T, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var zero T
	if !m.full {
		return zero, false
	}
	v := m.value
	m.value = zero
	m.full = false
	return v, true
}

// Drops returns how many values were overwritten before being taken.
func (m *Mailbox[T]) Drops() uint64 {
	return m.drops.Load()
}

// Limiter admits at most one event per interval. SetRate may be called from
// any goroutine; Allow is meant for a single caller.
type Limiter struct {
	interval atomic.Int64 // nanoseconds, 0 = unlimited, <0 = disabled
	last     time.Time
}

// NewLimiter creates a limiter for fps events per second.
func NewLimiter(fps float64) *Limiter {
	l := &Limiter{}
	l.SetRate(fps)
	return l
}

// SetRate changes the rate. 0 admits everything; a negative rate admits nothing.
func (l *Limiter) SetRate(fps float64) {
	switch {
	case fps < 0:
		l.interval.Store(-1)
	case fps == 0:
		l.interval.Store(0)
	default:
		l.interval.Store(int64(float64(time.Second) / fps))
	}
}

// Allow reports whether an event at now is admitted.
func (l *Limiter) Allow(now time.Time) bool {
	iv := l.interval.Load()
	if iv < 0 {
		return false
	}
	if iv > 0 && !l.last.IsZero() && now.Sub(l.last) < time.Duration(iv) {
		return false
	}
	l.last = now
	return true
}

// ToImage converts an owned RGB or GRAY8 sample into an image.
// RGB gains an opaque alpha channel.
func ToImage(s media.FrameSample) (image.Image, error) {
	f := s.Format
	if want := f.FrameSize(); want == 0 || len(s.Pixels) < want {
		return nil, fmt.Errorf("preview: cannot convert %s frame of %d bytes", f, len(s.Pixels))
	}

	switch f.PixelFormat {
	case media.PixelFormatGray:
		img := image.NewGray(image.Rect(0, 0, f.Width, f.Height))
		copy(img.Pix, s.Pixels)
		return img, nil
	case media.PixelFormatRGB:
		img := image.NewRGBA(image.Rect(0, 0, f.Width, f.Height))
		for i := 0; i < f.Width*f.Height; i++ {
			img.Pix[i*4+0] = s.Pixels[i*3+0]
			img.Pix[i*4+1] = s.Pixels[i*3+1]
			img.Pix[i*4+2] = s.Pixels[i*3+2]
			img.Pix[i*4+3] = 255
		}
		return img, nil
	default:
		return nil, fmt.Errorf("preview: unsupported pixel format %s", f.PixelFormat)
	}
}

// EncodeJPEG writes img as a JPEG. Quality outside 1..100 uses 80.
func EncodeJPEG(w io.Writer, img image.Image, quality int) error {
	if quality < 1 || quality > 100 {
		quality = 80
	}
	if err := jpeg.Encode(w, img, &jpeg.Options{Quality: quality}); err != nil {
		return fmt.Errorf("preview: jpeg encode: %w", err)
	}
	return nil
}
