// Copyright (c) 2024 SIROS Foundation
// SPDX-License-Identifier: BSD-2-Clause

package config

import (
	"context"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

const reloadDebounce = 200 * time.Millisecond

// Watch reloads the config file when it changes and passes every valid
// reload to onReload. It returns when ctx is done. A file that fails to load
// is logged and skipped.
func Watch(ctx context.Context, path string, logger *slog.Logger, onReload func(*Config)) {
	if logger == nil {
		logger = slog.Default()
	}
	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		logger.Warn("config watch initial read failed", "path", path, "error", err)
		return
	}

	reload := func() {
		cfg, err := Load(path)
		if err != nil {
			logger.Warn("config reload failed", "path", path, "error", err)
			return
		}
		logger.Info("config reloaded", "path", path)
		onReload(cfg)
	}

	var debounce *time.Timer
	v.OnConfigChange(func(e fsnotify.Event) {
		if e.Op&(fsnotify.Write|fsnotify.Create) == 0 {
			return
		}
		if filepath.Clean(e.Name) != filepath.Clean(path) {
			return
		}
		if debounce != nil {
			debounce.Stop()
		}
		debounce = time.AfterFunc(reloadDebounce, reload)
	})
	v.WatchConfig()

	<-ctx.Done()
	if debounce != nil {
		debounce.Stop()
	}
}
