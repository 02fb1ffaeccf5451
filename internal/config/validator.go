package config

import (
	"fmt"
	"regexp"
	"time"

	"github.com/e7canasta/facecapture/internal/media"
)

var taskIDPattern = regexp.MustCompile(`^[a-zA-Z0-9_\-]+$`)

// Validate fills defaults and checks the configuration is usable.
func Validate(cfg *Config) error {
	applyDefaults(cfg)

	switch cfg.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log.level must be debug, info, warn or error, got %q", cfg.Log.Level)
	}
	switch cfg.Log.Format {
	case "json", "text":
	default:
		return fmt.Errorf("log.format must be json or text, got %q", cfg.Log.Format)
	}

	switch cfg.Device.Kind {
	case "auto", "gstreamer", "simulated", "null":
	default:
		return fmt.Errorf("device.kind must be auto, gstreamer, simulated or null, got %q", cfg.Device.Kind)
	}
	if cfg.Device.DefaultFormat.Width <= 0 || cfg.Device.DefaultFormat.Height <= 0 {
		return fmt.Errorf("device.default_format must have a positive size")
	}
	if cfg.Device.DefaultFPS <= 0 {
		return fmt.Errorf("device.default_fps must be > 0")
	}
	if cfg.Device.Reconnect.MaxRetries < 0 {
		return fmt.Errorf("device.reconnect.max_retries must be >= 0")
	}
	if _, err := media.ParseAuthorizationState(cfg.Device.Simulated.Authorization); err != nil {
		return fmt.Errorf("device.simulated.authorization: %w", err)
	}
	for i, f := range cfg.Device.Simulated.Formats {
		if f.Width <= 0 || f.Height <= 0 {
			return fmt.Errorf("device.simulated.formats[%d]: size must be positive", i)
		}
		if f.FrameRates.MaxFPS < f.FrameRates.MinFPS {
			return fmt.Errorf("device.simulated.formats[%d]: max_fps < min_fps", i)
		}
	}

	switch cfg.Recording.Container {
	case "mp4", "y4m":
	default:
		return fmt.Errorf("recording.container must be mp4 or y4m, got %q", cfg.Recording.Container)
	}

	if cfg.Queue.Depth < 1 {
		return fmt.Errorf("queue.depth must be >= 1")
	}

	if cfg.Delivery.MinIO.Endpoint != "" && cfg.Delivery.MinIO.Bucket == "" {
		return fmt.Errorf("delivery.minio.bucket is required when an endpoint is set")
	}
	if len(cfg.Delivery.Kafka.Brokers) > 0 && cfg.Delivery.Kafka.Topic == "" {
		return fmt.Errorf("delivery.kafka.topic is required when brokers are set")
	}

	seen := make(map[string]bool, len(cfg.Tasks))
	for i, task := range cfg.Tasks {
		if !taskIDPattern.MatchString(task.ID) {
			return fmt.Errorf("tasks[%d].id must match [a-zA-Z0-9_-]+, got %q", i, task.ID)
		}
		if seen[task.ID] {
			return fmt.Errorf("tasks[%d].id %q is duplicated", i, task.ID)
		}
		seen[task.ID] = true
		if task.Duration <= 0 {
			return fmt.Errorf("tasks[%d].duration must be > 0", i)
		}
	}
	return nil
}

// applyDefaults sets every zero-valued field that has a default.
func applyDefaults(cfg *Config) {
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "json"
	}

	if cfg.Device.Kind == "" {
		cfg.Device.Kind = "auto"
	}
	if cfg.Device.Source == "" {
		cfg.Device.Source = "/dev/video0"
	}
	if cfg.Device.DefaultFormat.Width == 0 && cfg.Device.DefaultFormat.Height == 0 {
		cfg.Device.DefaultFormat = media.Format{Width: 640, Height: 480}
	}
	if cfg.Device.DefaultFPS == 0 {
		cfg.Device.DefaultFPS = 30
	}
	if cfg.Device.Reconnect.MaxRetries == 0 {
		cfg.Device.Reconnect.MaxRetries = 5
	}
	if cfg.Device.Reconnect.RetryDelay == 0 {
		cfg.Device.Reconnect.RetryDelay = 500 * time.Millisecond
	}
	if cfg.Device.Reconnect.MaxRetryDelay == 0 {
		cfg.Device.Reconnect.MaxRetryDelay = 10 * time.Second
	}
	if cfg.Device.Simulated.Brightness == 0 {
		cfg.Device.Simulated.Brightness = 2.5
	}

	if cfg.Recording.OutputDir == "" {
		cfg.Recording.OutputDir = "recordings"
	}
	if cfg.Recording.Container == "" {
		cfg.Recording.Container = "mp4"
	}
	if cfg.Recording.BufferFrames <= 0 {
		cfg.Recording.BufferFrames = 8
	}

	if cfg.Queue.Depth == 0 {
		cfg.Queue.Depth = 8
	}
	if cfg.Preview.MaxFPS == 0 {
		cfg.Preview.MaxFPS = 15
	}

	if cfg.Delivery.Timeout == 0 {
		cfg.Delivery.Timeout = 2 * time.Minute
	}
	if cfg.Delivery.MinIO.Prefix == "" {
		cfg.Delivery.MinIO.Prefix = "recordings"
	}
}
