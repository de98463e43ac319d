package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"thirdcoast.systems/sceneindex/internal/application"
	"thirdcoast.systems/sceneindex/internal/config"
	"thirdcoast.systems/sceneindex/internal/db"
	"thirdcoast.systems/sceneindex/internal/logging"
	"thirdcoast.systems/sceneindex/internal/observability"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	conf, err := config.LoadConfig(ctx)
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logCloser, err := logging.Setup(logging.Options{Level: conf.LogLevel, File: conf.LogFile, Service: "ingest"})
	if err != nil {
		slog.Error("failed to set up logging", "error", err)
		os.Exit(1)
	}
	defer logCloser.Close()

	slog.Info("Starting ingest service")

	shutdownTracing, err := observability.InitOTel(ctx, observability.Options{
		Enabled:     conf.OtelEnabled,
		ServiceName: "sceneindex-ingest",
		Endpoint:    conf.OtelEndpoint,
	})
	if err != nil {
		slog.Error("failed to initialize tracing", "error", err)
		os.Exit(1)
	}
	defer shutdownTracing(context.Background())

	pool, err := application.OpenDBPoolWithRetry(ctx, *conf)
	if err != nil {
		slog.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer pool.Close()

	dbc, err := db.NewDatabaseConnection(ctx, pool)
	if err != nil {
		slog.Error("failed to create database connection", "error", err)
		os.Exit(1)
	}

	rds, err := application.OpenRedisWithRetry(ctx, *conf)
	if err != nil {
		slog.Error("failed to connect to redis", "error", err)
		os.Exit(1)
	}
	defer rds.Close()

	svc, err := build(ctx, conf, dbc, rds)
	if err != nil {
		slog.Error("failed to assemble ingest service", "error", err)
		os.Exit(1)
	}
	defer svc.close()

	if err := svc.manager.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("ingest service stopped with error", "error", err)
		os.Exit(1)
	}
	slog.Info("Ingest service stopping")
}
