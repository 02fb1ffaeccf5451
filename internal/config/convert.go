package config

import (
	"log/slog"
	"strings"

	"github.com/e7canasta/facecapture/internal/delivery"
	"github.com/e7canasta/facecapture/internal/device"
	"github.com/e7canasta/facecapture/internal/gstreamer"
	"github.com/e7canasta/facecapture/internal/media"
	"github.com/e7canasta/facecapture/internal/writer"
)

// DeviceOptions converts the device section into device.Options.
func (c *Config) DeviceOptions() device.Options {
	sim := device.DefaultSimulatedOptions()
	if auth, err := media.ParseAuthorizationState(c.Device.Simulated.Authorization); err == nil {
		sim.Authorization = auth
	}
	if c.Device.Simulated.Grant != nil {
		sim.Grant = *c.Device.Simulated.Grant
	}
	sim.PromptDelay = c.Device.Simulated.PromptDelay
	if len(c.Device.Simulated.Formats) > 0 {
		sim.Formats = c.Device.Simulated.Formats
	}
	sim.Brightness = c.Device.Simulated.Brightness
	sim.NoExposure = c.Device.Simulated.NoExposure

	return device.Options{
		Kind:          device.Kind(c.Device.Kind),
		Source:        c.Device.Source,
		DefaultFormat: c.Device.DefaultFormat,
		DefaultFPS:    c.Device.DefaultFPS,
		Reconnect: gstreamer.ReconnectConfig{
			MaxRetries:    c.Device.Reconnect.MaxRetries,
			RetryDelay:    c.Device.Reconnect.RetryDelay,
			MaxRetryDelay: c.Device.Reconnect.MaxRetryDelay,
		},
		Simulated: sim,
	}
}

// WriterOptions converts the recording section into writer.Options.
func (c *Config) WriterOptions() writer.Options {
	return writer.Options{
		Container:    writer.Container(c.Recording.Container),
		BufferFrames: c.Recording.BufferFrames,
		Encoders:     c.Recording.Encoders,
	}
}

// DeliveryOptions converts the delivery section into delivery.Options.
func (c *Config) DeliveryOptions() delivery.Options {
	d := c.Delivery
	return delivery.Options{
		Timeout: d.Timeout,
		MinIO: delivery.MinIOOptions{
			Endpoint:  d.MinIO.Endpoint,
			AccessKey: d.MinIO.AccessKey,
			SecretKey: d.MinIO.SecretKey,
			Bucket:    d.MinIO.Bucket,
			Prefix:    d.MinIO.Prefix,
			Secure:    d.MinIO.Secure,
		},
		KafkaBrokers:    d.Kafka.Brokers,
		KafkaTopic:      d.Kafka.Topic,
		PostgresURL:     d.Postgres.URL,
		PostgresMigrate: d.Postgres.Migrate,
	}
}

// SlogLevel maps log.level onto a slog.Level. Unknown values map to info.
func (c *Config) SlogLevel() slog.Level {
	switch strings.ToLower(c.Log.Level) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
