// Package negotiate picks the capture format for a device.
package negotiate

import (
	"fmt"
	"time"

	"github.com/e7canasta/facecapture/internal/media"
)

// Select returns the format with the highest upper frame-rate bound and the
// frame duration that pins the device to that rate.
//
// Selection rules:
//   - The entry with the largest FrameRates.MaxFPS wins
//   - Ties keep the first-listed entry (device order is preserved)
//   - Entries with a non-positive MaxFPS are ignored
//
// Returns media.ErrNoUsableFormat if the list is empty or has no usable entry.
func Select(c media.Capability) (media.FormatDescription, time.Duration, error) {
	best := -1
	for i, d := range c.Formats {
		if d.FrameRates.MaxFPS <= 0 {
			continue
		}
		if best < 0 || d.FrameRates.MaxFPS > c.Formats[best].FrameRates.MaxFPS {
			best = i
		}
	}
	if best < 0 {
		return media.FormatDescription{}, 0, fmt.Errorf("negotiate: %d formats advertised: %w",
			len(c.Formats), media.ErrNoUsableFormat)
	}

	chosen := c.Formats[best]
	return chosen, FrameDuration(chosen.FrameRates.MaxFPS), nil
}

// FrameDuration converts a frame rate into the interval between frames.
func FrameDuration(fps float64) time.Duration {
	if fps <= 0 {
		return 0
	}
	return time.Duration(float64(time.Second) / fps)
}

// Fraction renders fps as a GStreamer framerate fraction ("30/1", "1/2", "30000/1001").
func Fraction(fps float64) (num, den int) {
	switch {
	case fps <= 0:
		return 0, 1
	case fps < 1.0:
		return 1, int(1.0/fps + 0.5)
	case fps == float64(int(fps)):
		return int(fps), 1
	default:
		return int(fps*1000 + 0.5), 1000
	}
}
