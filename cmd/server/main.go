// Bidlane - Dispute resolution and escrow settlement for vehicle marketplaces
package main

import (
	"context"
	"os"

	"github.com/bidlane/bidlane/internal/config"
	"github.com/bidlane/bidlane/internal/logging"
	"github.com/bidlane/bidlane/internal/server"
)

// Build info - set by ldflags
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	logger := logging.New("info", "text")

	logger.Info("starting bidlane",
		"version", Version,
		"commit", Commit,
		"build_time", BuildTime,
	)

	cfg, err := config.Load()
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger.Info("configuration loaded",
		"env", cfg.Env,
		"judge_pool_size", cfg.JudgePoolSize,
		"sweep_interval", cfg.SweepInterval,
	)

	srv, err := server.New(cfg, server.WithLogger(logger))
	if err != nil {
		logger.Error("failed to create server", "error", err)
		os.Exit(1)
	}

	ctx := context.Background()
	if err := srv.Run(ctx); err != nil {
		logger.Error("server error", "error", err)
		os.Exit(1)
	}
}
