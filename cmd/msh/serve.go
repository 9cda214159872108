// Copyright (c) 2024 SIROS Foundation
// SPDX-License-Identifier: BSD-2-Clause

package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	"github.com/sirosfoundation/go-msh/internal/as4"
	"github.com/sirosfoundation/go-msh/internal/config"
	"github.com/sirosfoundation/go-msh/internal/server"
)

const shutdownTimeout = 10 * time.Second

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the node until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			logger := newLogger(cfg.Logging)
			slog.SetDefault(logger)

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg, logger)
		},
	}
}

func serve(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	store, err := as4.OpenStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := store.Close(closeCtx); err != nil {
			logger.Warn("closing store", "error", err)
		}
	}()

	node, err := as4.New(cfg, store, as4.WithLogger(logger))
	if err != nil {
		return err
	}
	defer node.Close()

	var metricsSrv *http.Server
	if cfg.Metrics.Enabled {
		metricsSrv = &http.Server{
			Addr:              cfg.Metrics.Address,
			Handler:           node.Metrics().Handler(cfg.Metrics.Path),
			ReadHeaderTimeout: 10 * time.Second,
		}
	}
	var adminSrv *server.Server
	if cfg.Admin.Enabled {
		adminSrv = server.New(cfg.Admin, store, node, logger)
	}

	g, gctx := errgroup.WithContext(ctx)
	if metricsSrv != nil {
		g.Go(func() error {
			logger.Info("starting metrics server", "addr", metricsSrv.Addr, "path", cfg.Metrics.Path)
			if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
	}
	if adminSrv != nil {
		g.Go(adminSrv.Start)
	}
	if cfg.PModes.Watch {
		path := viper.GetString("config")
		g.Go(func() error {
			config.Watch(gctx, path, logger, func(c *config.Config) {
				if err := node.ReloadPModes(c.PModes.Dir); err != nil {
					logger.Error("pmode reload failed", "dir", c.PModes.Dir, "error", err)
				}
			})
			return nil
		})
	}
	g.Go(func() error { return node.Run(gctx) })
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if metricsSrv != nil {
			_ = metricsSrv.Shutdown(shutdownCtx)
		}
		if adminSrv != nil {
			_ = adminSrv.Shutdown(shutdownCtx)
		}
		return nil
	})

	err = g.Wait()
	if errors.Is(err, context.Canceled) {
		err = nil
	}
	return err
}

func newLogger(cfg config.LoggingConfig) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(cfg.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if cfg.Format == "json" {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}
