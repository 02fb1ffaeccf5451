package main

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/e7canasta/facecapture/internal/config"
)

const defaultConfigPath = "config/capture.yaml"

var (
	// cfg holds the loaded configuration, populated in PersistentPreRunE.
	cfg *config.Config

	// configPath is the file cfg was loaded from; empty when defaults are used.
	configPath string

	flagConfig    string
	flagDebug     bool
	flagDevice    string
	flagOutputDir string

	// logLevel is shared by the installed handler so hot reload can change it.
	logLevel = new(slog.LevelVar)
)

var rootCmd = &cobra.Command{
	Use:           "capturectl",
	Short:         "Record per-task face videos from a camera",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if cmd.Name() == "version" {
			return nil
		}

		loaded, path, err := loadConfig(flagConfig, cmd.Flags().Changed("config"))
		if err != nil {
			return err
		}
		if flagDevice != "" {
			loaded.Device.Kind = flagDevice
		}
		if flagOutputDir != "" {
			loaded.Recording.OutputDir = flagOutputDir
		}
		if flagDebug {
			loaded.Log.Level = "debug"
		}
		if err := config.Validate(loaded); err != nil {
			return fmt.Errorf("invalid configuration: %w", err)
		}

		cfg = loaded
		configPath = path
		setupLogging(cmd.ErrOrStderr(), cfg)

		slog.Info("capturectl: configuration loaded",
			"config", path,
			"device", cfg.Device.Kind,
			"container", cfg.Recording.Container,
			"tasks", len(cfg.Tasks),
		)
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&flagConfig, "config", "c", defaultConfigPath, "Path to configuration file")
	rootCmd.PersistentFlags().BoolVar(&flagDebug, "debug", false, "Enable debug logging")
	rootCmd.PersistentFlags().StringVar(&flagDevice, "device", "", "Override device.kind (auto, gstreamer, simulated, null)")
	rootCmd.PersistentFlags().StringVarP(&flagOutputDir, "output", "o", "", "Override recording.output_dir")
}

// loadConfig reads path. A missing default file falls back to defaults; a
// missing file the user named is an error.
func loadConfig(path string, explicit bool) (*config.Config, string, error) {
	loaded, err := config.Load(path)
	if err == nil {
		return loaded, path, nil
	}
	if errors.Is(err, fs.ErrNotExist) && !explicit {
		return config.Default(), "", nil
	}
	return nil, "", fmt.Errorf("loading config: %w", err)
}

// setupLogging installs the default slog handler for the configured format.
func setupLogging(w io.Writer, c *config.Config) {
	logLevel.Set(c.SlogLevel())
	opts := &slog.HandlerOptions{Level: logLevel}

	var handler slog.Handler
	if c.Log.Format == "text" {
		handler = slog.NewTextHandler(w, opts)
	} else {
		handler = slog.NewJSONHandler(w, opts)
	}
	slog.SetDefault(slog.New(handler))
}

// Execute runs the root command. Exits with code 1 on error.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
