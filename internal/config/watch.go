package config

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Change describes a hot-reloadable setting that differs between two configs.
type Change struct {
	Field string
	Old   string
	New   string
}

func (c Change) String() string {
	return fmt.Sprintf("%s: %s → %s", c.Field, c.Old, c.New)
}

// Diff lists the hot-reloadable differences from old to next. Settings that
// need a restart (device, recording, delivery) are logged and not returned.
func Diff(old, next *Config) []Change {
	var changes []Change
	if old.Log.Level != next.Log.Level {
		changes = append(changes, Change{Field: "log.level", Old: old.Log.Level, New: next.Log.Level})
	}
	if old.Preview.MaxFPS != next.Preview.MaxFPS {
		changes = append(changes, Change{
			Field: "preview.max_fps",
			Old:   fmt.Sprintf("%g", old.Preview.MaxFPS),
			New:   fmt.Sprintf("%g", next.Preview.MaxFPS),
		})
	}

	if old.Device.Kind != next.Device.Kind || old.Device.Source != next.Device.Source {
		slog.Warn("config: device change requires restart (ignored)",
			"old", old.Device.Source,
			"new", next.Device.Source,
		)
	}
	if old.Recording.Container != next.Recording.Container || old.Recording.OutputDir != next.Recording.OutputDir {
		slog.Warn("config: recording change requires restart (ignored)")
	}
	return changes
}

// Watch reloads path whenever it is written and calls onChange with the new
// config and its hot-reloadable changes. Invalid files are logged and
// skipped. Blocks until ctx is cancelled.
func Watch(ctx context.Context, path string, current *Config, onChange func(*Config, []Change)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("config: create watcher: %w", err)
	}
	defer watcher.Close()

	// Watch the directory: editors replace files by rename.
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		return fmt.Errorf("config: watch %s: %w", path, err)
	}

	target := filepath.Clean(path)
	var debounce <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) {
				debounce = time.After(100 * time.Millisecond)
			}

		case <-debounce:
			debounce = nil
			next, err := Load(path)
			if err != nil {
				slog.Error("config: reload failed, keeping previous config", "path", path, "error", err)
				continue
			}
			changes := Diff(current, next)
			for _, c := range changes {
				slog.Info("config: changed", "change", c.String())
			}
			current = next
			if len(changes) > 0 {
				onChange(next, changes)
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			slog.Warn("config: watcher error", "error", err)
		}
	}
}
