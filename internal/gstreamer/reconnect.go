package gstreamer

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"
)

// ReconnectConfig contains configuration for exponential backoff reconnection
type ReconnectConfig struct {
	MaxRetries    int           // Maximum number of restart attempts (default: 5)
	RetryDelay    time.Duration // Initial retry delay (default: 500ms)
	MaxRetryDelay time.Duration // Maximum retry delay cap (default: 10 seconds)
}

// DefaultReconnectConfig returns default reconnection configuration
func DefaultReconnectConfig() ReconnectConfig {
	return ReconnectConfig{
		MaxRetries:    5,
		RetryDelay:    500 * time.Millisecond,
		MaxRetryDelay: 10 * time.Second,
	}
}

// ReconnectState tracks the current state of reconnection attempts
type ReconnectState struct {
	CurrentRetries int
	Reconnects     atomic.Uint32 // total restarts over the device lifetime
}

// RunFunc runs a pipeline until it fails or ctx is cancelled.
// A nil return means a clean shutdown.
type RunFunc func(ctx context.Context) error

// RunWithReconnect runs runFn and restarts it with exponential backoff when it fails.
//
// Backoff schedule with the default config:
//   - Attempt 1: 500ms
//   - Attempt 2: 1s
//   - Attempt 3: 2s
//   - Attempt 4: 4s
//   - Attempt 5: 8s
//   - After 5 failures: stop (max retries exceeded)
//
// Errors whose category is not retryable (permission, format, encoder,
// storage) stop immediately. onRetry, if set, runs before each restart.
func RunWithReconnect(
	ctx context.Context,
	runFn RunFunc,
	cfg ReconnectConfig,
	state *ReconnectState,
	onRetry func(attempt int) error,
) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		err := runFn(ctx)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return nil
		}

		var perr *PipelineError
		if asPipelineError(err, &perr) && !perr.Category.Retryable() {
			slog.Error("gstreamer: pipeline failed with non-retryable error", "error", err, "category", perr.Category.String())
			return err
		}

		state.CurrentRetries++
		state.Reconnects.Add(1)
		if state.CurrentRetries > cfg.MaxRetries {
			return fmt.Errorf("gstreamer: max retries exceeded (%d attempts): %w", cfg.MaxRetries, err)
		}

		delay := calculateBackoff(state.CurrentRetries, cfg)
		slog.Warn("gstreamer: restarting pipeline",
			"error", err,
			"attempt", state.CurrentRetries,
			"max_retries", cfg.MaxRetries,
			"delay", delay,
		)

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil
		}

		if onRetry != nil {
			if err := onRetry(state.CurrentRetries); err != nil {
				slog.Error("gstreamer: pipeline rebuild failed", "error", err, "attempt", state.CurrentRetries)
			}
		}
	}
}

// ResetReconnectState resets the retry counter after the pipeline reaches PLAYING.
func ResetReconnectState(state *ReconnectState) {
	state.CurrentRetries = 0
}

// calculateBackoff returns retryDelay * 2^(attempt-1), capped at maxRetryDelay.
func calculateBackoff(attempt int, cfg ReconnectConfig) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := cfg.RetryDelay * time.Duration(1<<uint(attempt-1))
	if delay > cfg.MaxRetryDelay || delay <= 0 {
		delay = cfg.MaxRetryDelay
	}
	return delay
}
