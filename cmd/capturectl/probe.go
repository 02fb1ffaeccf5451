package main

import (
	"context"
	"errors"
	"time"

	"github.com/spf13/cobra"

	"github.com/e7canasta/facecapture/internal/device"
	"github.com/e7canasta/facecapture/internal/media"
	"github.com/e7canasta/facecapture/internal/negotiate"
)

var flagProbeRequest bool

var probeCmd = &cobra.Command{
	Use:   "probe",
	Short: "Show the device's authorization, capabilities and negotiated format",
	RunE: func(cmd *cobra.Command, args []string) error {
		dev, err := device.Open(cfg.DeviceOptions())
		if err != nil {
			return err
		}

		report := probeReport{
			Device:        cfg.Device.Kind,
			Source:        cfg.Device.Source,
			Authorization: dev.AuthorizationState(),
		}

		if report.Authorization == media.AuthorizationNotDetermined && flagProbeRequest {
			ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
			defer cancel()
			report.Authorization = requestAccess(ctx, dev)
		}

		report.Capability = dev.Capabilities()
		desc, frameDuration, err := negotiate.Select(report.Capability)
		switch {
		case err == nil:
			report.Selected = &desc
			report.FrameDuration = frameDuration
		case errors.Is(err, media.ErrNoUsableFormat):
			report.Fallback = media.FormatDescription{
				Format:     cfg.Device.DefaultFormat,
				FrameRates: media.FrameRateRange{MinFPS: cfg.Device.DefaultFPS, MaxFPS: cfg.Device.DefaultFPS},
			}
		default:
			return err
		}

		cmd.Print(renderProbe(report))
		return nil
	},
}

func init() {
	probeCmd.Flags().BoolVar(&flagProbeRequest, "request-access", false, "Prompt for camera access if not determined")
	rootCmd.AddCommand(probeCmd)
}

// requestAccess prompts and waits for the answer or ctx.
func requestAccess(ctx context.Context, dev device.Device) media.AuthorizationState {
	done := make(chan struct{})
	dev.RequestAccess(func(bool) { close(done) })
	select {
	case <-done:
	case <-ctx.Done():
	}
	return dev.AuthorizationState()
}
