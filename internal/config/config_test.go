package config

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/e7canasta/facecapture/internal/device"
	"github.com/e7canasta/facecapture/internal/media"
	"github.com/e7canasta/facecapture/internal/writer"
)

const sampleConfig = `
log:
  level: debug
  format: text
device:
  kind: simulated
  default_format: {width: 320, height: 240, pixel_format: RGB}
  default_fps: 15
  simulated:
    authorization: not_determined
    grant: false
    formats:
      - {width: 800, height: 600, pixel_format: RGB, frame_rates: {min_fps: 1, max_fps: 24}}
recording:
  output_dir: /tmp/rec
  container: y4m
queue:
  depth: 32
preview:
  max_fps: 5
delivery:
  minio:
    endpoint: localhost:9000
    bucket: recordings
  kafka:
    brokers: [localhost:9092]
    topic: recordings.completed
tasks:
  - {id: plr, duration: 3s}
  - {id: calibration, duration: 1500ms, discard: true}
`

func TestParse(t *testing.T) {
	cfg, err := Parse([]byte(sampleConfig))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}

	if cfg.Log.Level != "debug" || cfg.Log.Format != "text" {
		t.Errorf("log = %+v", cfg.Log)
	}
	if cfg.Queue.Depth != 32 {
		t.Errorf("queue.depth = %d, want 32", cfg.Queue.Depth)
	}
	if len(cfg.Tasks) != 2 || cfg.Tasks[1].Duration != 1500*time.Millisecond || !cfg.Tasks[1].Discard {
		t.Errorf("tasks = %+v", cfg.Tasks)
	}
	// Defaults fill what the file leaves out.
	if cfg.Device.Reconnect.MaxRetries != 5 {
		t.Errorf("reconnect.max_retries = %d, want default 5", cfg.Device.Reconnect.MaxRetries)
	}
	if cfg.Delivery.MinIO.Prefix != "recordings" {
		t.Errorf("minio.prefix = %q, want default", cfg.Delivery.MinIO.Prefix)
	}

	t.Logf("✅ Parsed config: %d tasks, queue depth %d", len(cfg.Tasks), cfg.Queue.Depth)
}

func TestDefault(t *testing.T) {
	cfg := Default()
	if err := Validate(cfg); err != nil {
		t.Fatalf("Validate(Default()) error = %v", err)
	}
	if cfg.Device.Kind != "auto" || cfg.Recording.Container != "mp4" || cfg.Preview.MaxFPS != 15 {
		t.Errorf("unexpected defaults: %+v", cfg)
	}
}

func TestValidateRejects(t *testing.T) {
	tests := []struct {
		name string
		yaml string
		want string
	}{
		{"bad level", "log: {level: loud}", "log.level"},
		{"bad kind", "device: {kind: webcam}", "device.kind"},
		{"bad container", "recording: {container: avi}", "recording.container"},
		{"negative depth", "queue: {depth: -1}", "queue.depth"},
		{"bad auth", "device: {simulated: {authorization: maybe}}", "authorization"},
		{"minio without bucket", "delivery: {minio: {endpoint: x:9000}}", "bucket"},
		{"kafka without topic", "delivery: {kafka: {brokers: [x:9092]}}", "topic"},
		{"bad task id", "tasks: [{id: 'a b', duration: 1s}]", "tasks[0].id"},
		{"duplicate task", "tasks: [{id: a, duration: 1s}, {id: a, duration: 1s}]", "duplicated"},
		{"zero duration", "tasks: [{id: a}]", "duration"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.yaml))
			if err == nil {
				t.Fatal("Parse() succeeded, want error")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error %q does not mention %q", err, tt.want)
			}
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	if !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("Load() error = %v, want not-exist", err)
	}
}

func TestConverters(t *testing.T) {
	cfg, err := Parse([]byte(sampleConfig))
	if err != nil {
		t.Fatal(err)
	}

	dev := cfg.DeviceOptions()
	if dev.Kind != device.KindSimulated {
		t.Errorf("Kind = %q", dev.Kind)
	}
	if dev.Simulated.Authorization != media.AuthorizationNotDetermined || dev.Simulated.Grant {
		t.Errorf("simulated auth = %v grant = %v", dev.Simulated.Authorization, dev.Simulated.Grant)
	}
	if len(dev.Simulated.Formats) != 1 || dev.Simulated.Formats[0].Width != 800 {
		t.Errorf("simulated formats = %+v", dev.Simulated.Formats)
	}
	if dev.Reconnect.RetryDelay != 500*time.Millisecond {
		t.Errorf("reconnect = %+v", dev.Reconnect)
	}

	w := cfg.WriterOptions()
	if w.Container != writer.ContainerY4M || w.BufferFrames != 8 {
		t.Errorf("writer options = %+v", w)
	}

	del := cfg.DeliveryOptions()
	if !del.Enabled() || del.MinIO.Bucket != "recordings" || del.KafkaTopic != "recordings.completed" {
		t.Errorf("delivery options = %+v", del)
	}
	if del.PostgresURL != "" {
		t.Errorf("postgres should be disabled, got %q", del.PostgresURL)
	}

	if cfg.SlogLevel().String() != "DEBUG" {
		t.Errorf("SlogLevel() = %v", cfg.SlogLevel())
	}
}

func TestDiff(t *testing.T) {
	old := Default()
	next := Default()
	next.Log.Level = "warn"
	next.Preview.MaxFPS = 2
	next.Device.Source = "videotestsrc"

	changes := Diff(old, next)
	if len(changes) != 2 {
		t.Fatalf("Diff() = %v, want 2 hot-reloadable changes", changes)
	}
	if changes[0].Field != "log.level" || changes[1].Field != "preview.max_fps" {
		t.Errorf("Diff() = %v", changes)
	}
	if changes[1].String() != "preview.max_fps: 15 → 2" {
		t.Errorf("Change.String() = %q", changes[1].String())
	}
}

func TestWatch(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "capture.yaml")
	if err := os.WriteFile(path, []byte("preview: {max_fps: 10}\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	current, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	got := make(chan []Change, 1)
	done := make(chan error, 1)
	go func() {
		done <- Watch(ctx, path, current, func(_ *Config, changes []Change) {
			select {
			case got <- changes:
			default:
			}
		})
	}()

	// Give the watcher time to register before writing.
	time.Sleep(100 * time.Millisecond)
	if err := os.WriteFile(path, []byte("preview: {max_fps: 3}\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	select {
	case changes := <-got:
		if len(changes) != 1 || changes[0].New != "3" {
			t.Errorf("changes = %v", changes)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("no reload observed")
	}

	cancel()
	if err := <-done; err != nil {
		t.Errorf("Watch() error = %v", err)
	}
	t.Logf("✅ Hot reload observed")
}
