package recorder

import "time"

// Timeline is the wall-clock timestamp series of one recording session,
// in milliseconds since the Unix epoch. Entries are strictly increasing and
// there is exactly one per frame accepted by the writer.
type Timeline struct {
	ms []float64
}

// NewTimeline returns an empty timeline with room for n frames.
func NewTimeline(n int) *Timeline {
	return &Timeline{ms: make([]float64, 0, n)}
}

// Accepts reports whether ms would keep the series strictly increasing.
func (t *Timeline) Accepts(ms float64) bool {
	n := len(t.ms)
	return n == 0 || ms > t.ms[n-1]
}

// Append adds ms if it keeps the series strictly increasing.
func (t *Timeline) Append(ms float64) bool {
	if !t.Accepts(ms) {
		return false
	}
	t.ms = append(t.ms, ms)
	return true
}

// Len returns the number of timestamps.
func (t *Timeline) Len() int {
	return len(t.ms)
}

// Snapshot returns a copy of the series.
func (t *Timeline) Snapshot() []float64 {
	out := make([]float64, len(t.ms))
	copy(out, t.ms)
	return out
}

// WallMillis maps a device PTS onto the wall clock, anchored at the session's
// first frame.
func WallMillis(startWall time.Time, startPTS, pts time.Duration) float64 {
	return float64(startWall.UnixNano())/1e6 + float64(pts-startPTS)/1e6
}
