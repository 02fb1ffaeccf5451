package timing

import (
	"math"
	"math/rand"
	"testing"
	"time"
)

// generateTimestamps produces n wall-clock ms timestamps at fps with a relative jitter.
func generateTimestamps(n int, fps, jitter float64, seed int64) []float64 {
	r := rand.New(rand.NewSource(seed))
	interval := 1000.0 / fps
	out := make([]float64, n)
	t := 1_700_000_000_000.0
	for i := range out {
		out[i] = t
		t += interval * (1 + (r.Float64()*2-1)*jitter)
	}
	return out
}

func TestFromTimestamps_EdgeCases(t *testing.T) {
	if s := FromTimestamps(nil); s.Frames != 0 || s.IsStable {
		t.Errorf("empty input: %+v", s)
	}
	if s := FromTimestamps([]float64{42}); s.Frames != 1 || s.FPSMean != 0 {
		t.Errorf("single frame: %+v", s)
	}
}

func TestFromTimestamps_PerfectCadence(t *testing.T) {
	ts := generateTimestamps(31, 30, 0, 1)
	s := FromTimestamps(ts)

	if math.Abs(s.FPSMean-30) > 0.01 {
		t.Errorf("expected 30 fps, got %.3f", s.FPSMean)
	}
	if s.JitterMax > time.Microsecond {
		t.Errorf("expected no jitter, got %v", s.JitterMax)
	}
	if !s.IsStable {
		t.Error("perfect cadence should be stable")
	}
	if s.Duration < 999*time.Millisecond || s.Duration > 1001*time.Millisecond {
		t.Errorf("expected ~1s span, got %v", s.Duration)
	}
	t.Logf("✅ 30fps cadence: mean=%.2f stddev=%.3f", s.FPSMean, s.FPSStdDev)
}

func TestFromTimestamps_StabilityThresholds(t *testing.T) {
	t.Run("stable stream", func(t *testing.T) {
		s := FromTimestamps(generateTimestamps(60, 30, 0.05, 7))
		if !s.IsStable {
			t.Errorf("expected stable (stddev %.2f%%)", s.FPSStdDev/s.FPSMean*100)
		}
	})

	t.Run("unstable stream", func(t *testing.T) {
		s := FromTimestamps(generateTimestamps(60, 30, 0.6, 7))
		if s.IsStable {
			t.Errorf("expected unstable (stddev %.2f%%, jitter %v)", s.FPSStdDev/s.FPSMean*100, s.JitterMean)
		}
	})
}

func TestFromTimestamps_MinMeanMax(t *testing.T) {
	for seed := int64(0); seed < 20; seed++ {
		s := FromTimestamps(generateTimestamps(40, 24, 0.3, seed))
		if s.FPSMin > s.FPSMean || s.FPSMean > s.FPSMax {
			t.Fatalf("seed %d: expected min ≤ mean ≤ max, got %.2f %.2f %.2f", seed, s.FPSMin, s.FPSMean, s.FPSMax)
		}
	}
}
