package config

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/run-vibes/groove/internal/attribution"
)

const reloadDebounce = 250 * time.Millisecond

// Watch reloads the file at path whenever it changes and passes every
// configuration that loads and validates to apply. Invalid edits are logged
// and ignored. Watch blocks until ctx is done.
//
// The parent directory is watched rather than the file, so editors that
// replace the file by rename are handled.
func Watch(ctx context.Context, path string, apply func(*Config) error, logger *zap.Logger) error {
	if logger == nil {
		logger = zap.NewNop()
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("resolving config path: %w", err)
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating config watcher: %w", err)
	}
	defer w.Close()
	if err := w.Add(filepath.Dir(abs)); err != nil {
		return fmt.Errorf("watching %s: %w", filepath.Dir(abs), err)
	}

	timer := time.NewTimer(time.Hour)
	timer.Stop()
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != abs || !ev.Has(fsnotify.Write|fsnotify.Create|fsnotify.Rename) {
				continue
			}
			timer.Reset(reloadDebounce)
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			logger.Warn("config watcher error", zap.Error(err))
		case <-timer.C:
			cfg, err := LoadWithFile(abs)
			if err != nil {
				logger.Warn("config reload rejected, keeping current settings", zap.String("path", abs), zap.Error(err))
				continue
			}
			if err := apply(cfg); err != nil {
				logger.Warn("config reload not applied", zap.String("path", abs), zap.Error(err))
				continue
			}
			logger.Info("config reloaded", zap.String("path", abs))
		}
	}
}

// ApplyThresholds returns a Watch callback that publishes changed
// thresholds to reg as a new version.
func ApplyThresholds(reg *attribution.ThresholdRegistry, logger *zap.Logger) func(*Config) error {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(cfg *Config) error {
		cur := reg.Snapshot()
		next := cfg.Thresholds
		next.Version, next.UpdatedAt = cur.Version, cur.UpdatedAt
		if next == cur {
			return nil
		}
		published, err := reg.Replace(cfg.Thresholds)
		if err != nil {
			return err
		}
		logger.Info("thresholds updated from config",
			zap.Uint64("version", published.Version),
			zap.Float64("similarity_threshold", published.SimilarityThreshold),
			zap.Float64("harm_threshold", published.HarmThreshold))
		return nil
	}
}
