// Package config loads the capture service configuration from YAML.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/e7canasta/facecapture/internal/media"
)

// Config represents the complete capture service configuration
type Config struct {
	Log       LogConfig       `yaml:"log"`
	Device    DeviceConfig    `yaml:"device"`
	Recording RecordingConfig `yaml:"recording"`
	Queue     QueueConfig     `yaml:"queue"`
	Preview   PreviewConfig   `yaml:"preview"`
	Exposure  ExposureConfig  `yaml:"exposure"`
	Delivery  DeliveryConfig  `yaml:"delivery"`
	Health    HealthConfig    `yaml:"health"`
	Tasks     []TaskConfig    `yaml:"tasks"`
}

// LogConfig contains logging settings (hot-reloadable)
type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json, text
}

// DeviceConfig selects and configures the capture device
type DeviceConfig struct {
	Kind          string          `yaml:"kind"`   // auto, gstreamer, simulated, null
	Source        string          `yaml:"source"` // /dev/video0 or videotestsrc
	DefaultFormat media.Format    `yaml:"default_format"`
	DefaultFPS    float64         `yaml:"default_fps"`
	Reconnect     ReconnectConfig `yaml:"reconnect"`
	Simulated     SimulatedConfig `yaml:"simulated"`
}

// ReconnectConfig bounds device pipeline restarts
type ReconnectConfig struct {
	MaxRetries    int           `yaml:"max_retries"`
	RetryDelay    time.Duration `yaml:"retry_delay"`
	MaxRetryDelay time.Duration `yaml:"max_retry_delay"`
}

// SimulatedConfig configures the synthetic device
type SimulatedConfig struct {
	Authorization string                    `yaml:"authorization"` // not_determined, restricted, denied, authorized
	Grant         *bool                     `yaml:"grant"`
	PromptDelay   time.Duration             `yaml:"prompt_delay"`
	Formats       []media.FormatDescription `yaml:"formats"`
	Brightness    float64                   `yaml:"brightness"`
	NoExposure    bool                      `yaml:"no_exposure"`
}

// RecordingConfig contains writer settings
type RecordingConfig struct {
	OutputDir    string   `yaml:"output_dir"`
	Container    string   `yaml:"container"` // mp4, y4m
	Encoders     []string `yaml:"encoders"`  // GStreamer H.264 encoders, in preference order
	BufferFrames int      `yaml:"buffer_frames"`
}

// QueueConfig contains frame buffer settings
type QueueConfig struct {
	Depth int `yaml:"depth"`
}

// PreviewConfig contains live preview settings (hot-reloadable)
type PreviewConfig struct {
	MaxFPS float64 `yaml:"max_fps"`
}

// ExposureConfig contains brightness extraction settings
type ExposureConfig struct {
	EstimateFromPixels bool `yaml:"estimate_from_pixels"`
}

// DeliveryConfig configures where completed recordings are handed off.
// Each sink is enabled by setting its address.
type DeliveryConfig struct {
	Timeout  time.Duration  `yaml:"timeout"`
	MinIO    MinIOConfig    `yaml:"minio"`
	Kafka    KafkaConfig    `yaml:"kafka"`
	Postgres PostgresConfig `yaml:"postgres"`
}

// MinIOConfig contains object storage settings
type MinIOConfig struct {
	Endpoint  string `yaml:"endpoint"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	Bucket    string `yaml:"bucket"`
	Prefix    string `yaml:"prefix"`
	Secure    bool   `yaml:"secure"`
}

// KafkaConfig contains recording event settings
type KafkaConfig struct {
	Brokers []string `yaml:"brokers"`
	Topic   string   `yaml:"topic"`
}

// PostgresConfig contains recording catalog settings
type PostgresConfig struct {
	URL     string `yaml:"url"`
	Migrate bool   `yaml:"migrate"`
}

// HealthConfig contains the HTTP status server settings
type HealthConfig struct {
	Addr string `yaml:"addr"` // empty disables the server
}

// TaskConfig is one step of the recording script run by capturectl
type TaskConfig struct {
	ID       string        `yaml:"id"`
	Duration time.Duration `yaml:"duration"`
	Discard  bool          `yaml:"discard"` // abandon instead of finalizing
}

// Default returns a configuration with every default applied.
func Default() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	return cfg
}

// Load reads and parses a YAML configuration file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse parses YAML configuration bytes and validates the result.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}
