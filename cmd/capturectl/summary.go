package main

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/e7canasta/facecapture"
	"github.com/e7canasta/facecapture/internal/media"
)

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("15")).
			Background(lipgloss.Color("62")).
			Padding(0, 1)

	sectionHeader = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("86"))

	labelStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("33")).
			Width(20)

	dimStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("240"))

	okStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	warnStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("178"))
	errStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))

	boxStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("62")).
			Padding(0, 1)
)

func row(label, value string) string {
	return labelStyle.Render(label) + value
}

// renderSummary formats the end-of-run report.
func renderSummary(s sessionSummary) string {
	var b strings.Builder

	b.WriteString(titleStyle.Render(fmt.Sprintf("Capture Session (%v)", s.Elapsed.Round(time.Second))))
	b.WriteString("\n\n")

	b.WriteString(sectionHeader.Render("Tasks"))
	b.WriteString("\n")
	if len(s.Outcomes) == 0 {
		b.WriteString(dimStyle.Render("  no tasks recorded"))
		b.WriteString("\n")
	}
	for _, o := range s.Outcomes {
		b.WriteString("  ")
		b.WriteString(renderOutcome(o))
		b.WriteString("\n")
	}

	st := s.Stats
	b.WriteString("\n")
	b.WriteString(sectionHeader.Render("Capture"))
	b.WriteString("\n")
	lines := []string{
		row("Format", formatLabel(st.Format, st.FrameDuration)),
		row("Frames delivered", fmt.Sprintf("%d", st.FramesDelivered)),
		row("Backpressure drops", dropLabel(st.Queue.Dropped, st.Queue.Enqueued+st.Queue.Dropped)),
		row("Recordings", fmt.Sprintf("%d completed, %d discarded, %d failed",
			st.Recorder.Completed, st.Recorder.Discarded, st.Recorder.Failed)),
		row("Preview frames", fmt.Sprintf("%d (%d replaced)", st.PreviewFrames, st.PreviewDrops)),
	}
	if s.HasExposure {
		lines = append(lines, row("Average brightness", fmt.Sprintf("%.3f (%d samples)", s.AverageExposure, st.ExposureSamples)))
	} else {
		lines = append(lines, row("Average brightness", dimStyle.Render("n/a")))
	}
	if s.Delivery != nil {
		failures := 0
		for _, n := range s.Delivery.Failures {
			failures += int(n)
		}
		lines = append(lines, row("Delivered", fmt.Sprintf("%d/%d (%d sink failures, %d rejected)",
			s.Delivery.Delivered, s.Delivery.Submitted, failures, s.Delivery.Rejected)))
	}
	b.WriteString(boxStyle.Render(strings.Join(lines, "\n")))
	b.WriteString("\n")
	return b.String()
}

func renderOutcome(o taskOutcome) string {
	id := fmt.Sprintf("%-16s", o.Task.ID)
	switch {
	case o.Discarded && o.Err == nil:
		return warnStyle.Render("⊘ ") + id + dimStyle.Render("discarded")
	case o.Err != nil:
		return errStyle.Render("✗ ") + id + errStyle.Render(o.Err.Error())
	default:
		r := o.Result
		return okStyle.Render("✓ ") + id + fmt.Sprintf("%4d frames  %5.1f fps  %s",
			len(r.FrameTimestamps), r.Timing.FPSMean, dimStyle.Render(filepath.Base(r.Target)))
	}
}

func formatLabel(f media.Format, frameDuration time.Duration) string {
	if f.Width == 0 {
		return dimStyle.Render("unknown")
	}
	if frameDuration <= 0 {
		return f.String()
	}
	return fmt.Sprintf("%s @ %.2f fps", f, float64(time.Second)/float64(frameDuration))
}

func dropLabel(dropped, total uint64) string {
	if total == 0 {
		return "0"
	}
	rate := float64(dropped) / float64(total) * 100
	label := fmt.Sprintf("%d (%.1f%%)", dropped, rate)
	if rate > 10 {
		return warnStyle.Render(label)
	}
	return label
}

// probeReport is what the probe command prints.
type probeReport struct {
	Device        string
	Source        string
	Authorization media.AuthorizationState
	Capability    media.Capability
	Selected      *media.FormatDescription
	FrameDuration time.Duration
	Fallback      media.FormatDescription
}

// renderProbe formats a device probe.
func renderProbe(r probeReport) string {
	var b strings.Builder
	b.WriteString(titleStyle.Render("Device Probe"))
	b.WriteString("\n\n")

	auth := r.Authorization.String()
	switch r.Authorization {
	case media.AuthorizationAuthorized:
		auth = okStyle.Render(auth)
	case media.AuthorizationDenied, media.AuthorizationRestricted:
		auth = errStyle.Render(auth)
	default:
		auth = warnStyle.Render(auth)
	}
	b.WriteString(row("Device", r.Device) + "\n")
	b.WriteString(row("Source", r.Source) + "\n")
	b.WriteString(row("Authorization", auth) + "\n\n")

	b.WriteString(sectionHeader.Render(fmt.Sprintf("Formats (%d)", len(r.Capability.Formats))))
	b.WriteString("\n")
	for _, d := range r.Capability.Formats {
		marker := "  "
		if r.Selected != nil && d == *r.Selected {
			marker = okStyle.Render("▶ ")
		}
		b.WriteString(fmt.Sprintf("%s%-20s %6.2f - %6.2f fps\n", marker, d.Format.String(), d.FrameRates.MinFPS, d.FrameRates.MaxFPS))
	}

	b.WriteString("\n")
	if r.Selected != nil {
		b.WriteString(row("Negotiated", formatLabel(r.Selected.Format, r.FrameDuration)) + "\n")
	} else {
		b.WriteString(row("Negotiated", warnStyle.Render("no usable format, device default "+
			formatLabel(r.Fallback.Format, 0)+fmt.Sprintf(" @ %.2f fps", r.Fallback.FrameRates.MaxFPS))) + "\n")
	}
	return b.String()
}

// reportStats logs pipeline statistics every interval until ctx ends.
func reportStats(ctx context.Context, p *facecapture.Pipeline, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			st := p.Stats()
			slog.Info("capturectl: stats",
				"uptime", st.Uptime.Round(time.Second),
				"frames", st.FramesDelivered,
				"dropped", st.Queue.Dropped,
				"pending", st.Queue.Pending,
				"recorder_state", st.Recorder.State,
				"appended", st.Recorder.FramesAppended,
				"preview_frames", st.PreviewFrames,
			)
		}
	}
}
