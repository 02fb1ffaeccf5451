// Package timing derives frame-rate statistics from a recording's timestamp list.
package timing

import (
	"math"
	"time"
)

const (
	// fpsStabilityThreshold is the maximum FPS standard deviation as a fraction of mean FPS.
	// Example: 30 FPS mean → stable if stddev < 4.5 FPS
	fpsStabilityThreshold = 0.15

	// jitterStabilityThreshold is the maximum mean jitter as a fraction of the expected interval.
	// Example: 30 FPS (33ms interval) → stable if jitter < 6.6ms
	jitterStabilityThreshold = 0.20
)

// Stats summarizes the cadence of a recorded timestamp series.
type Stats struct {
	Frames       int           `json:"frames"`
	Duration     time.Duration `json:"duration"`
	FPSMean      float64       `json:"fps_mean"`
	FPSStdDev    float64       `json:"fps_stddev"`
	FPSMin       float64       `json:"fps_min"`
	FPSMax       float64       `json:"fps_max"`
	JitterMean   time.Duration `json:"jitter_mean"`
	JitterStdDev time.Duration `json:"jitter_stddev"`
	JitterMax    time.Duration `json:"jitter_max"`
	IsStable     bool          `json:"is_stable"`
}

// FromTimestamps computes FPS statistics from wall-clock milliseconds.
//
// This function:
//  1. Derives the span from first to last timestamp
//  2. Calculates mean FPS over the intervals
//  3. Finds min/max/stddev of instantaneous FPS
//  4. Calculates jitter against the expected interval
//  5. Determines stability (stddev < 15% of mean AND jitter < 20% of interval)
//
// Fewer than two timestamps yield a zero-valued, unstable result.
func FromTimestamps(ms []float64) Stats {
	n := len(ms)
	if n < 2 {
		return Stats{Frames: n}
	}

	span := ms[n-1] - ms[0]
	if span <= 0 {
		return Stats{Frames: n}
	}

	intervals := make([]float64, 0, n-1)
	for i := 1; i < n; i++ {
		if d := (ms[i] - ms[i-1]) / 1000.0; d > 0 {
			intervals = append(intervals, d)
		}
	}
	if len(intervals) == 0 {
		return Stats{Frames: n, Duration: msToDuration(span)}
	}

	fpsMean := float64(len(intervals)) / (span / 1000.0)

	fpsMin, fpsMax := math.Inf(1), 0.0
	var sumSquares float64
	for _, iv := range intervals {
		fps := 1.0 / iv
		fpsMin = math.Min(fpsMin, fps)
		fpsMax = math.Max(fpsMax, fps)
		diff := fps - fpsMean
		sumSquares += diff * diff
	}
	fpsStdDev := math.Sqrt(sumSquares / float64(len(intervals)))

	expected := 1.0 / fpsMean
	var jitterSum, jitterMax float64
	jitters := make([]float64, len(intervals))
	for i, iv := range intervals {
		j := math.Abs(iv - expected)
		jitters[i] = j
		jitterSum += j
		jitterMax = math.Max(jitterMax, j)
	}
	jitterMean := jitterSum / float64(len(jitters))

	var jitterSquares float64
	for _, j := range jitters {
		diff := j - jitterMean
		jitterSquares += diff * diff
	}
	jitterStdDev := math.Sqrt(jitterSquares / float64(len(jitters)))

	return Stats{
		Frames:       n,
		Duration:     msToDuration(span),
		FPSMean:      fpsMean,
		FPSStdDev:    fpsStdDev,
		FPSMin:       fpsMin,
		FPSMax:       fpsMax,
		JitterMean:   secondsToDuration(jitterMean),
		JitterStdDev: secondsToDuration(jitterStdDev),
		JitterMax:    secondsToDuration(jitterMax),
		IsStable: fpsStdDev < fpsMean*fpsStabilityThreshold &&
			jitterMean < expected*jitterStabilityThreshold,
	}
}

func msToDuration(ms float64) time.Duration {
	return time.Duration(ms * float64(time.Millisecond))
}

func secondsToDuration(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}
