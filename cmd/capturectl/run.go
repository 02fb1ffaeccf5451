package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/e7canasta/facecapture"
	"github.com/e7canasta/facecapture/internal/config"
	"github.com/e7canasta/facecapture/internal/delivery"
	"github.com/e7canasta/facecapture/internal/device"
	"github.com/e7canasta/facecapture/internal/health"
)

const (
	stopTimeout     = 30 * time.Second
	shutdownTimeout = 15 * time.Second
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the configured task script through the capture pipeline",
	Long: `Starts the camera, then records one video per task in the configured
script. Without tasks, captures until interrupted (preview and health only).`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		summary, err := runSession(ctx, cfg, configPath, flagStatsInterval)
		if summary != nil {
			cmd.Print(renderSummary(*summary))
		}
		return err
	},
}

var flagStatsInterval time.Duration

func init() {
	runCmd.Flags().DurationVar(&flagStatsInterval, "stats-interval", 0, "Log pipeline statistics at this interval (0 disables)")
	rootCmd.AddCommand(runCmd)
}

// taskOutcome is what happened to one scripted task.
type taskOutcome struct {
	Task      config.TaskConfig
	Result    facecapture.Result
	Discarded bool
	Err       error
}

// sessionSummary is everything the summary printer needs.
type sessionSummary struct {
	Outcomes        []taskOutcome
	Stats           facecapture.Stats
	AverageExposure float64
	HasExposure     bool
	Delivery        *delivery.DispatcherStats
	Elapsed         time.Duration
}

// runSession wires device, pipeline, delivery and the health server, runs
// the task script and shuts everything down.
//
// Shutdown order:
//  1. Tasks finish (or ctx is cancelled); the health server and config
//     watcher stop
//  2. The pipeline stops and closes, waiting for result callbacks
//  3. The dispatcher drains queued deliveries
func runSession(ctx context.Context, c *config.Config, path string, statsInterval time.Duration) (*sessionSummary, error) {
	started := time.Now()

	dev, err := device.Open(c.DeviceOptions())
	if err != nil {
		return nil, fmt.Errorf("open device: %w", err)
	}

	var dispatcher *delivery.Dispatcher
	if opts := c.DeliveryOptions(); opts.Enabled() {
		dispatcher, err = delivery.Open(ctx, opts)
		if err != nil {
			return nil, fmt.Errorf("open delivery: %w", err)
		}
	}

	var pipeline *facecapture.Pipeline
	pipeline, err = facecapture.New(facecapture.Options{
		Device:           dev,
		OutputDir:        c.Recording.OutputDir,
		Writer:           c.WriterOptions(),
		QueueDepth:       c.Queue.Depth,
		PreviewFPS:       c.Preview.MaxFPS,
		EstimateExposure: c.Exposure.EstimateFromPixels,
		OnResult: func(res facecapture.Result) {
			slog.Info("capturectl: recording completed",
				"task_id", res.TaskID,
				"target", res.Target,
				"frames", len(res.FrameTimestamps),
			)
			if dispatcher != nil {
				dispatcher.Submit(delivery.NewRecord(res, pipeline.Stats().CaptureSessionID))
			}
		},
	})
	if err != nil {
		closeDispatcher(dispatcher)
		return nil, err
	}

	if err := os.MkdirAll(c.Recording.OutputDir, 0o755); err != nil {
		pipeline.Close()
		closeDispatcher(dispatcher)
		return nil, fmt.Errorf("create output dir: %w", err)
	}

	if err := pipeline.Start(ctx); err != nil {
		pipeline.Close()
		closeDispatcher(dispatcher)
		return nil, fmt.Errorf("start capture: %w", err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(runCtx)

	if c.Health.Addr != "" {
		srv := health.NewServer(pipeline, health.Options{
			Addr:  c.Health.Addr,
			Extra: dispatcherStats(dispatcher),
		})
		g.Go(func() error { return srv.Run(gctx) })
	}

	if path != "" {
		g.Go(func() error {
			return config.Watch(gctx, path, c, func(next *config.Config, changes []config.Change) {
				applyReload(pipeline, next, changes)
			})
		})
	}

	if statsInterval > 0 {
		g.Go(func() error {
			reportStats(gctx, pipeline, statsInterval)
			return nil
		})
	}

	var outcomes []taskOutcome
	g.Go(func() error {
		if len(c.Tasks) == 0 {
			slog.Info("capturectl: no tasks configured, capturing until interrupted")
			<-gctx.Done()
			return nil
		}
		defer cancel()
		outcomes = runTasks(gctx, pipeline, c.Tasks)
		return nil
	})

	groupErr := g.Wait()

	average, hasExposure := pipeline.Stop()
	stats := pipeline.Stats()
	pipeline.Close()

	summary := &sessionSummary{
		Outcomes:        outcomes,
		Stats:           stats,
		AverageExposure: average,
		HasExposure:     hasExposure,
		Elapsed:         time.Since(started),
	}
	if dispatcher != nil {
		closeDispatcher(dispatcher)
		ds := dispatcher.Stats()
		summary.Delivery = &ds
	}

	if groupErr != nil && !errors.Is(groupErr, context.Canceled) {
		return summary, groupErr
	}
	return summary, nil
}

// runTasks records each task in order. Cancellation discards the open
// recording and skips the remaining tasks.
func runTasks(ctx context.Context, p *facecapture.Pipeline, tasks []config.TaskConfig) []taskOutcome {
	outcomes := make([]taskOutcome, 0, len(tasks))
	for _, task := range tasks {
		if ctx.Err() != nil {
			break
		}
		outcome := taskOutcome{Task: task}

		if _, err := p.StartRecordingForTask(task.ID); err != nil {
			outcome.Err = err
			outcomes = append(outcomes, outcome)
			slog.Error("capturectl: task failed to start", "task_id", task.ID, "error", err)
			continue
		}
		slog.Info("capturectl: task started", "task_id", task.ID, "duration", task.Duration)

		timer := time.NewTimer(task.Duration)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			if err := p.DiscardRecording(); err != nil && !errors.Is(err, facecapture.ErrNotRecording) {
				slog.Warn("capturectl: discard on cancel failed", "task_id", task.ID, "error", err)
			}
			outcome.Discarded = true
			outcome.Err = ctx.Err()
			outcomes = append(outcomes, outcome)
			return outcomes
		}

		if task.Discard {
			outcome.Discarded = true
			if err := p.DiscardRecording(); err != nil {
				outcome.Err = err
			}
			outcomes = append(outcomes, outcome)
			continue
		}

		stopCtx, cancel := context.WithTimeout(context.Background(), stopTimeout)
		outcome.Result, outcome.Err = p.StopRecording(stopCtx)
		cancel()
		if outcome.Err != nil {
			slog.Error("capturectl: task failed", "task_id", task.ID, "error", outcome.Err)
		}
		outcomes = append(outcomes, outcome)
	}
	return outcomes
}

// applyReload applies hot-reloadable changes to the running session.
func applyReload(p *facecapture.Pipeline, next *config.Config, changes []config.Change) {
	for _, change := range changes {
		switch change.Field {
		case "log.level":
			logLevel.Set(next.SlogLevel())
		case "preview.max_fps":
			p.SetPreviewRate(next.Preview.MaxFPS)
		}
	}
	slog.Info("capturectl: config update applied", "changes_count", len(changes))
}

func dispatcherStats(d *delivery.Dispatcher) func() any {
	if d == nil {
		return nil
	}
	return func() any { return d.Stats() }
}

func closeDispatcher(d *delivery.Dispatcher) {
	if d == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := d.Close(ctx); err != nil {
		slog.Warn("capturectl: delivery close failed", "error", err)
	}
}
