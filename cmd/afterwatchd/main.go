package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"afterwatch/internal/config"
	"afterwatch/internal/daemon"
	"afterwatch/internal/ledger"
	"afterwatch/internal/logging"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	cfg, _, _, err := config.Load("")
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	if err := cfg.EnsureDirectories(); err != nil {
		log.Fatalf("prepare directories: %v", err)
	}

	logger, err := logging.NewFromConfig(cfg)
	if err != nil {
		log.Fatalf("init logger: %v", err)
	}
	logging.PruneLogs(logger, cfg.Paths.LogDir, cfg.Logging.RetentionDays, logging.LogFilePath(cfg))

	store, err := ledger.Open(cfg)
	if err != nil {
		logger.Error("open ledger database", logging.Error(err))
		os.Exit(1)
	}

	coordinator, err := buildCoordinator(cfg, store, logger)
	if err != nil {
		store.Close()
		logger.Error("build run coordinator", logging.Error(err))
		os.Exit(1)
	}

	d, err := daemon.New(cfg, store, coordinator, logger)
	if err != nil {
		store.Close()
		logger.Error("create daemon", logging.Error(err))
		os.Exit(1)
	}

	if err := d.Start(ctx); err != nil {
		d.Close()
		logger.Error("start daemon", logging.Error(err))
		os.Exit(1)
	}

	go logStartupChecks(ctx, cfg, logger)

	<-ctx.Done()
	logger.Info("afterwatchd shutting down")
	d.Close()
}
