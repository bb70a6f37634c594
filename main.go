package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"megler-scraper/config"
	"megler-scraper/scraper"
	"megler-scraper/scraper/dnb"
	"megler-scraper/scraper/hjem"
	"megler-scraper/services"
	"megler-scraper/storage"
	"megler-scraper/utils"
)

func main() {
	os.Exit(run())
}

func run() int {
	logger := utils.NewLogger()
	cfg, err := config.Load()
	if err != nil {
		logger.Error("Invalid configuration: %v", err)
		return 1
	}
	logger.SetLevel(utils.ParseLevel(cfg.LogLevel))

	logger.Info("=== Listing Snapshot Pipeline starting ===")
	logger.Info("Config: sources %v | concurrency: %d | sleep: %d-%dms | retries: %d | out: %s | db: %s",
		cfg.Sources, cfg.SourceConcurrency, cfg.MinSleepMs, cfg.MaxSleepMs, cfg.MaxRetries,
		cfg.SnapshotOutDir, cfg.DBDriver)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if cfg.RunTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.RunTimeout)
		defer cancel()
	}

	var store storage.ListingStore
	if cfg.DBDriver != "none" && cfg.DBDriver != "" {
		s, err := storage.Open(ctx, cfg.DBDriver, cfg.DSN(), logger)
		if err != nil {
			logger.Error("Failed to open %s store: %v", cfg.DBDriver, err)
			return 1
		}
		defer s.Close()
		store = s
	} else {
		logger.Warn("DB_DRIVER=none, records will only be written to snapshot files")
	}

	client := scraper.NewClient(scraper.ClientConfig{
		UserAgent:  cfg.UserAgent,
		Timeout:    cfg.HTTPTimeout,
		MaxRetries: cfg.MaxRetries,
		Backoff:    time.Duration(cfg.BackoffMs) * time.Millisecond,
		RateLimit:  cfg.RateLimit,
	}, logger)

	var connectors []services.Connector
	for _, name := range cfg.Sources {
		switch name {
		case "dnb":
			connectors = append(connectors, dnb.New(cfg, client, logger))
		case "hjem":
			connectors = append(connectors, hjem.New(cfg, client, logger))
		}
	}

	writer := storage.NewSnapshotWriter(cfg.SnapshotOutDir, cfg.SnapshotJSON)
	runner := services.NewRunner(connectors, writer, store, services.RunnerOptions{
		Concurrency: cfg.SourceConcurrency,
		StaggerMs:   cfg.SourceStaggerMs,
	}, logger)

	report, rows, runErr := runner.Run(ctx)

	summarySvc := services.NewSummaryService(logger)
	summarySvc.Print(report, services.Summarize(rows))

	if runErr != nil {
		logger.Error("Run failed: %v", runErr)
		return 1
	}
	fmt.Printf("  Done. Snapshot → %s | Store → %s\n\n", report.Artifact, cfg.DBDriver)
	return 0
}
