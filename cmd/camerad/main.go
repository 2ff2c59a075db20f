// SPDX-License-Identifier: MIT

// Command camerad runs the camera capture daemon: frame ingestion, recording,
// live preview and the video library HTTP API.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/viznet/camerad/internal/api"
	"github.com/viznet/camerad/internal/config"
	"github.com/viznet/camerad/internal/log"
	"github.com/viznet/camerad/internal/module"
)

var (
	version   = "dev"
	commit    = "none"
	buildDate = "unknown"
)

func main() {
	showVersion := flag.Bool("version", false, "print version and exit")
	configPath := flag.String("config", "", "path to config file (YAML)")
	flag.Parse()

	if *showVersion {
		fmt.Printf("camerad %s (commit: %s, built: %s)\n", version, commit, buildDate)
		os.Exit(0)
	}

	log.Configure(log.Config{
		Level:   config.ParseString("CAMERAD_LOG_LEVEL", "info"),
		Service: "camerad",
	})
	logger := log.WithComponent("daemon")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.NewLoader(*configPath).Load()
	if err != nil {
		logger.Fatal().Err(err).Msg("configuration invalid")
	}

	mod, err := module.New(ctx, cfg, nil)
	if err != nil {
		logger.Fatal().Err(err).Msg("module initialization failed")
	}
	if err := mod.Run(ctx); err != nil {
		logger.Fatal().Err(err).Msg("module startup failed")
	}

	router := api.NewRouter(api.RouterConfig{RateLimitRPS: cfg.RateLimitRPS},
		mod.APIRoutes(), mod.AdminRoutes())

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		// No WriteTimeout: live multipart streams are open-ended.
	}

	errc := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", cfg.ListenAddr).
			Int("cameras", len(cfg.Cameras)).
			Msg("camerad started")
		errc <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		logger.Info().Msg("shutdown signal received")
	case err := <-errc:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("http server failed")
		}
	}

	shutCtx, cancel := context.WithTimeout(context.Background(), cfg.DrainTimeout+5*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutCtx); err != nil {
		logger.Warn().Err(err).Msg("http shutdown incomplete, closing")
		_ = srv.Close()
	}
	if err := mod.Cleanup(shutCtx); err != nil {
		logger.Error().Err(err).Msg("cleanup failed")
		os.Exit(1)
	}
	logger.Info().Msg("camerad stopped")
}
