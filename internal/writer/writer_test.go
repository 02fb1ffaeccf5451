package writer

import (
	"bufio"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/e7canasta/facecapture/internal/gstreamer"
	"github.com/e7canasta/facecapture/internal/media"
)

func rgbFrame(seq uint64, w, h int) media.FrameSample {
	f := media.Format{Width: w, Height: h, PixelFormat: media.PixelFormatRGB}
	px := make([]byte, f.FrameSize())
	for i := range px {
		px[i] = byte(seq + uint64(i))
	}
	return media.FrameSample{Seq: seq, Pixels: px, Format: f, PTS: time.Duration(seq) * 33 * time.Millisecond}
}

func finish(t *testing.T, w Writer) error {
	t.Helper()
	done := make(chan error, 1)
	w.Finish(func(err error) { done <- err })
	select {
	case err := <-done:
		return err
	case <-time.After(5 * time.Second):
		t.Fatal("finish callback not called within 5s")
		return nil
	}
}

func TestParseContainer(t *testing.T) {
	for in, want := range map[string]Container{"": ContainerMP4, "MP4": ContainerMP4, "y4m": ContainerY4M} {
		got, err := ParseContainer(in)
		if err != nil || got != want {
			t.Errorf("ParseContainer(%q) = %q, %v", in, got, err)
		}
	}
	if _, err := ParseContainer("avi"); err == nil {
		t.Error("expected error for avi")
	}
}

func TestNewFactory(t *testing.T) {
	if _, err := NewFactory(Options{Container: "avi"}); err == nil {
		t.Fatal("expected error for unsupported container")
	}

	factory, err := NewFactory(Options{Container: ContainerY4M, FrameRate: 30})
	if err != nil {
		t.Fatalf("NewFactory() error = %v", err)
	}
	target := filepath.Join(t.TempDir(), "task.y4m")
	w, err := factory(target)
	if err != nil {
		t.Fatalf("factory() error = %v", err)
	}
	if _, ok := w.(*Y4M); !ok {
		t.Fatalf("factory() = %T, want *Y4M", w)
	}
	if err := w.Abort(); err != nil {
		t.Fatalf("Abort() error = %v", err)
	}
}

func TestY4M_WriteAndFinish(t *testing.T) {
	target := filepath.Join(t.TempDir(), "nested", "plr_1.y4m")
	w, err := NewY4M(target, Options{FrameRate: 30, BufferFrames: 4})
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	const frames = 10
	for i := uint64(0); i < frames; i++ {
		for !w.Ready() {
			time.Sleep(time.Millisecond)
		}
		if err := w.Append(rgbFrame(i, 4, 2), time.Duration(i)*33*time.Millisecond); err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
	}
	if err := finish(t, w); err != nil {
		t.Fatalf("finish: %v", err)
	}
	if w.Appended() != frames {
		t.Errorf("expected %d appended, got %d", frames, w.Appended())
	}

	f, err := os.Open(target)
	if err != nil {
		t.Fatalf("output missing: %v", err)
	}
	defer f.Close()
	header, _ := bufio.NewReader(f).ReadString('\n')
	if header != "YUV4MPEG2 W4 H2 F30:1 Ip A1:1 C444\n" {
		t.Errorf("unexpected header %q", header)
	}

	info, _ := f.Stat()
	wantSize := int64(len(header)) + frames*int64(len("FRAME\n")+4*2*3)
	if info.Size() != wantSize {
		t.Errorf("expected %d bytes, got %d", wantSize, info.Size())
	}
	t.Logf("✅ y4m written: %d frames, %d bytes", frames, info.Size())
}

func TestY4M_AbortRemovesOutput(t *testing.T) {
	t.Run("abort while writing", func(t *testing.T) {
		target := filepath.Join(t.TempDir(), "a.y4m")
		w, _ := NewY4M(target, Options{BufferFrames: 2})
		w.Append(rgbFrame(1, 2, 2), 0)

		if err := w.Abort(); err != nil {
			t.Fatalf("abort: %v", err)
		}
		if _, err := os.Stat(target); !os.IsNotExist(err) {
			t.Fatalf("expected output removed, stat err=%v", err)
		}
		if w.Ready() {
			t.Error("aborted writer should not be ready")
		}
		if err := w.Append(rgbFrame(2, 2, 2), time.Millisecond); err == nil {
			t.Error("append after abort should fail")
		}
	})

	t.Run("abort after finish", func(t *testing.T) {
		target := filepath.Join(t.TempDir(), "b.y4m")
		w, _ := NewY4M(target, Options{BufferFrames: 2})
		w.Append(rgbFrame(1, 2, 2), 0)
		if err := finish(t, w); err != nil {
			t.Fatalf("finish: %v", err)
		}
		w.Abort()
		if _, err := os.Stat(target); !os.IsNotExist(err) {
			t.Fatalf("expected output removed after late abort")
		}
	})

	t.Run("finish after abort reports closed", func(t *testing.T) {
		w, _ := NewY4M(filepath.Join(t.TempDir(), "c.y4m"), Options{})
		w.Abort()
		if err := finish(t, w); !errors.Is(err, errWriterClosed) {
			t.Fatalf("expected errWriterClosed, got %v", err)
		}
	})
}

func TestY4M_FinishWithoutFramesFails(t *testing.T) {
	w, _ := NewY4M(filepath.Join(t.TempDir(), "empty.y4m"), Options{})
	if err := finish(t, w); err == nil || !strings.Contains(err.Error(), "no frames") {
		t.Fatalf("expected no-frames error, got %v", err)
	}
}

func TestY4M_FormatChangeIsAnError(t *testing.T) {
	w, _ := NewY4M(filepath.Join(t.TempDir(), "fmt.y4m"), Options{BufferFrames: 1})
	defer w.Abort()

	w.Append(rgbFrame(1, 2, 2), 0)
	w.Append(rgbFrame(2, 4, 4), time.Millisecond)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if err := w.Append(rgbFrame(3, 2, 2), 2*time.Millisecond); err != nil {
			t.Logf("✅ format change surfaced: %v", err)
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("format change never surfaced as an append error")
}

func TestGStreamer_MP4(t *testing.T) {
	if err := gstreamer.Available("appsrc", "videoconvert", "h264parse", "mp4mux", "filesink"); err != nil {
		t.Skipf("GStreamer not available: %v", err)
	}

	target := filepath.Join(t.TempDir(), "calibration.mp4")
	w, err := NewGStreamer(target, Options{FrameRate: 30, BufferFrames: 8, Encoders: DefaultEncoders})
	if err != nil {
		t.Skipf("no usable encoder: %v", err)
	}

	for i := uint64(0); i < 30; i++ {
		for !w.Ready() {
			time.Sleep(time.Millisecond)
		}
		if err := w.Append(rgbFrame(i, 64, 48), time.Duration(i)*33*time.Millisecond); err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
	}
	if err := finish(t, w); err != nil {
		t.Fatalf("finish: %v", err)
	}
	info, err := os.Stat(target)
	if err != nil || info.Size() == 0 {
		t.Fatalf("expected non-empty mp4, err=%v", err)
	}
	t.Logf("✅ mp4 written with %s: %d bytes", w.encoder, info.Size())
}
