// Package exposure extracts per-frame brightness and keeps the running
// average for a capture session.
package exposure

import (
	"log/slog"
	"sync"

	"github.com/e7canasta/facecapture/internal/media"
)

// lumaStride is the pixel step used when estimating brightness from pixels.
const lumaStride = 16

// Sampler accumulates brightness samples for the current capture session.
//
// Sample runs on the frame queue; AverageForSession and Reset may be called
// from any goroutine.
type Sampler struct {
	estimateFromPixels bool

	mu    sync.Mutex
	sum   float64
	count uint64
}

// NewSampler creates a sampler. When estimateFromPixels is set, frames without
// brightness metadata contribute a luma estimate computed from their pixels.
func NewSampler(estimateFromPixels bool) *Sampler {
	return &Sampler{estimateFromPixels: estimateFromPixels}
}

// Sample extracts the brightness of one frame and adds it to the accumulator.
// Returns false if the frame carries no usable value.
func (s *Sampler) Sample(f media.FrameSample) (float64, bool) {
	v, ok := Brightness(f, s.estimateFromPixels)
	if !ok {
		return 0, false
	}

	s.mu.Lock()
	s.sum += v
	s.count++
	s.mu.Unlock()

	return v, true
}

// AverageForSession returns sum/count, or false if no samples were recorded.
func (s *Sampler) AverageForSession() (float64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.count == 0 {
		return 0, false
	}
	return s.sum / float64(s.count), true
}

// Count returns the number of samples in the current session.
func (s *Sampler) Count() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.count
}

// Reset clears the accumulator at the end of a capture session.
func (s *Sampler) Reset() {
	s.mu.Lock()
	n := s.count
	s.sum, s.count = 0, 0
	s.mu.Unlock()

	slog.Debug("exposure: accumulator reset", "samples", n)
}

// Brightness returns the frame's brightness metadata, falling back to a
// pixel estimate when allowed.
func Brightness(f media.FrameSample, estimate bool) (float64, bool) {
	if f.Exposure != nil && f.Exposure.Brightness != nil {
		return *f.Exposure.Brightness, true
	}
	if !estimate {
		return 0, false
	}
	return EstimateLuma(f.Pixels, f.Format)
}

// EstimateLuma computes a subsampled BT.601 mean luma in [0, 255].
//
// Only packed RGB and GRAY8 buffers are supported; other layouts return false.
func EstimateLuma(pixels []byte, format media.Format) (float64, bool) {
	bpp := format.PixelFormat.BytesPerPixel()
	n := format.Width * format.Height
	if bpp == 0 || n == 0 || len(pixels) < n*bpp {
		return 0, false
	}

	var sum float64
	var count int
	for i := 0; i < n; i += lumaStride {
		off := i * bpp
		switch format.PixelFormat {
		case media.PixelFormatRGB:
			r, g, b := float64(pixels[off]), float64(pixels[off+1]), float64(pixels[off+2])
			sum += 0.299*r + 0.587*g + 0.114*b
		case media.PixelFormatGray:
			sum += float64(pixels[off])
		}
		count++
	}
	return sum / float64(count), true
}
