package negotiate

import (
	"errors"
	"testing"
	"time"

	"github.com/e7canasta/facecapture/internal/media"
	"pgregory.net/rapid"
)

func desc(w, h int, maxFPS float64) media.FormatDescription {
	return media.FormatDescription{
		Format:     media.Format{Width: w, Height: h, PixelFormat: media.PixelFormatYUY2},
		FrameRates: media.FrameRateRange{MinFPS: 1, MaxFPS: maxFPS},
	}
}

func TestSelect(t *testing.T) {
	tests := []struct {
		name    string
		formats []media.FormatDescription
		wantIdx int
		wantDur time.Duration
		wantErr error
	}{
		{
			name:    "highest max fps wins",
			formats: []media.FormatDescription{desc(640, 480, 30), desc(1280, 720, 60), desc(1920, 1080, 30)},
			wantIdx: 1,
			wantDur: time.Second / 60,
		},
		{
			name:    "ties keep first listed",
			formats: []media.FormatDescription{desc(640, 480, 30), desc(1280, 720, 30)},
			wantIdx: 0,
			wantDur: time.Second / 30,
		},
		{
			name:    "single entry",
			formats: []media.FormatDescription{desc(320, 240, 15)},
			wantIdx: 0,
			wantDur: time.Second / 15,
		},
		{
			name:    "empty list",
			wantErr: media.ErrNoUsableFormat,
		},
		{
			name:    "only zero-rate entries",
			formats: []media.FormatDescription{desc(640, 480, 0)},
			wantErr: media.ErrNoUsableFormat,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, dur, err := Select(media.Capability{Formats: tt.formats})
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("expected %v, got %v", tt.wantErr, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tt.formats[tt.wantIdx] {
				t.Errorf("expected %v, got %v", tt.formats[tt.wantIdx], got)
			}
			if dur != tt.wantDur {
				t.Errorf("expected duration %v, got %v", tt.wantDur, dur)
			}
			t.Logf("✅ %s → %s @ %v", tt.name, got.Format, dur)
		})
	}
}

// Property: the chosen entry has the maximum MaxFPS and no earlier entry ties it.
func TestSelect_Property_MaxAndFirst(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		n := rapid.IntRange(1, 12).Draw(rt, "n")
		formats := make([]media.FormatDescription, n)
		for i := range formats {
			fps := float64(rapid.SampledFrom([]int{15, 24, 30, 60, 120}).Draw(rt, "fps"))
			formats[i] = desc(640+i, 480, fps)
		}

		got, _, err := Select(media.Capability{Formats: formats})
		if err != nil {
			rt.Fatalf("unexpected error: %v", err)
		}

		idx := -1
		for i, f := range formats {
			if f == got {
				idx = i
				break
			}
		}
		if idx < 0 {
			rt.Fatalf("selected format not in list")
		}
		for i, f := range formats {
			if f.FrameRates.MaxFPS > got.FrameRates.MaxFPS {
				rt.Fatalf("entry %d has higher max fps %.0f > %.0f", i, f.FrameRates.MaxFPS, got.FrameRates.MaxFPS)
			}
			if i < idx && f.FrameRates.MaxFPS == got.FrameRates.MaxFPS {
				rt.Fatalf("earlier entry %d ties but was not chosen", i)
			}
		}
	})
}

func TestFraction(t *testing.T) {
	tests := []struct {
		fps      float64
		num, den int
	}{
		{30, 30, 1},
		{0.5, 1, 2},
		{29.97, 29970, 1000},
		{0, 0, 1},
	}
	for _, tt := range tests {
		num, den := Fraction(tt.fps)
		if num != tt.num || den != tt.den {
			t.Errorf("Fraction(%v) = %d/%d, expected %d/%d", tt.fps, num, den, tt.num, tt.den)
		}
	}
}
