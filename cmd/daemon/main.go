// SPDX-License-Identifier: MIT

// Command daemon runs one videoagent process: the control-plane API, the
// realtime gateway, pipeline workers and the live-stream consumers, each
// enabled or disabled by configuration.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/ManuGH/videoagent/internal/app"
	"github.com/ManuGH/videoagent/internal/config"
	xlog "github.com/ManuGH/videoagent/internal/log"
)

var (
	version   = "v0.3.0"
	commit    = "none"
	buildDate = "unknown"
)

func main() {
	showVersion := flag.Bool("version", false, "print version and exit")
	configPath := flag.String("config", "", "path to config file (YAML)")
	flag.Parse()

	if *showVersion {
		fmt.Printf("%s (commit: %s, built: %s)\n", version, commit, buildDate)
		os.Exit(0)
	}

	// Configure logger with safe defaults until config is loaded.
	xlog.Configure(xlog.Config{
		Level:   "info",
		Service: "videoagent",
		Version: version,
	})
	logger := xlog.WithComponent("daemon")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Config path: explicit via -config, otherwise auto-load
	// ${VIDEOAGENT_DATA_DIR}/config.yaml if it exists.
	effectiveConfigPath := resolveConfigPath(*configPath)

	// Load configuration with precedence: ENV > File > Defaults.
	loader := config.NewLoader(effectiveConfigPath, version)
	cfg, err := loader.Load()
	if err != nil {
		logger.Fatal().
			Err(err).
			Str("event", "config.load_failed").
			Str("config_path", effectiveConfigPath).
			Msg("failed to load configuration")
	}

	// Apply the configured log level now that it is known.
	if err := xlog.SetLevel(cfg.Log.Level); err != nil {
		logger.Warn().Str("level", cfg.Log.Level).Msg("invalid log level in config, keeping info")
	}

	if effectiveConfigPath != "" {
		logger.Info().
			Str("event", "config.loaded").
			Str("source", "file").
			Str("path", effectiveConfigPath).
			Msg("loaded configuration from file")
	} else {
		logger.Info().
			Str("event", "config.loaded").
			Str("source", "env+defaults").
			Msg("loaded configuration from environment and defaults")
	}

	logger.Info().
		Str("event", "startup").
		Str("version", version).
		Str("commit", commit).
		Str("build_date", buildDate).
		Str("addr", cfg.API.Listen).
		Msg("starting videoagent")

	// Log key configuration.
	logger.Info().Msgf("→ Redis: %s (db %d)", cfg.Redis.Addr, cfg.Redis.DB)
	if cfg.Index.Host != "" {
		logger.Info().Msgf("→ Index: %s:%d (tls: %v)", cfg.Index.Host, cfg.Index.Port, cfg.Index.UseTLS)
	} else {
		logger.Warn().Msg("→ Index: NOT configured (pipeline workers disabled on this node)")
	}
	logger.Info().Msgf("→ Models: %s", cfg.Models.BaseURL)
	logger.Info().Msgf("→ Data dir: %s", cfg.Pipeline.DataDir)
	logger.Info().Msgf("→ Stream intake: %v", cfg.Stream.Enabled)
	if cfg.Gateway.Enabled {
		if cfg.Gateway.JWTSecret != "" {
			logger.Info().Msg("→ Gateway: enabled (JWT auth)")
		} else {
			logger.Warn().
				Str("security", "weak").
				Msg("→ Gateway: enabled WITHOUT auth. Set gateway.jwtSecret for production.")
		}
	}

	// Hot reload support: watch config file and allow SIGHUP-triggered reload.
	holder := config.NewHolder(cfg, config.NewLoader(effectiveConfigPath, version))

	a, err := app.New(ctx, cfg, holder)
	if err != nil {
		logger.Fatal().
			Err(err).
			Str("event", "startup.failed").
			Msg("failed to assemble daemon")
	}
	defer func() {
		if err := a.Close(); err != nil {
			logger.Warn().Err(err).Msg("shutdown released resources with errors")
		}
	}()

	if err := a.Run(ctx); err != nil {
		logger.Fatal().
			Err(err).
			Str("event", "daemon.failed").
			Msg("daemon failed")
	}

	logger.Info().Msg("server exiting")
}

func resolveConfigPath(explicit string) string {
	if p := strings.TrimSpace(explicit); p != "" {
		return p
	}
	dataDir := strings.TrimSpace(os.Getenv("VIDEOAGENT_DATA_DIR"))
	if dataDir == "" {
		return ""
	}
	auto := filepath.Join(dataDir, "config.yaml")
	if _, err := os.Stat(auto); err != nil {
		return ""
	}
	return auto
}
