package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"thirdcoast.systems/sceneindex/cmd/web/auth"
	"thirdcoast.systems/sceneindex/cmd/web/handlers/health"
	"thirdcoast.systems/sceneindex/cmd/web/internal/web"
	"thirdcoast.systems/sceneindex/internal/application"
	"thirdcoast.systems/sceneindex/internal/config"
	"thirdcoast.systems/sceneindex/internal/db"
	"thirdcoast.systems/sceneindex/internal/logging"
	"thirdcoast.systems/sceneindex/internal/observability"
	"thirdcoast.systems/sceneindex/internal/pipeline"
	"thirdcoast.systems/sceneindex/internal/queue"
	"thirdcoast.systems/sceneindex/internal/suggestions"
	"thirdcoast.systems/sceneindex/pkg/ffmpeg"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	conf, err := config.LoadConfig(ctx)
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logCloser, err := logging.Setup(logging.Options{Level: conf.LogLevel, File: conf.LogFile, Service: "web"})
	if err != nil {
		slog.Error("failed to set up logging", "error", err)
		os.Exit(1)
	}
	defer logCloser.Close()

	slog.Info("Starting web service")

	shutdownTracing, err := observability.InitOTel(ctx, observability.Options{
		Enabled:     conf.OtelEnabled,
		ServiceName: "sceneindex-web",
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

	qc := queue.NewClient(rds.ConnOpt)
	defer qc.Close()
	inspector := queue.NewInspector(rds.ConnOpt)
	defer inspector.Close()

	queries := dbc.Queries(ctx)
	submitter := pipeline.NewSubmitter(queries, qc, pipeline.Prioritizer{
		Estimator: pipeline.EstimatorFunc(ffmpeg.ProbeDuration),
		Threshold: conf.ShortMediaThreshold,
	}, conf.Storage.ArtifactsDir, conf.VideoExtensionSet())

	e, err := web.NewWebserver(web.Deps{
		Tokens:      auth.NewTokenManager(conf.JWTSecret, conf.TokenTTL),
		Users:       queries,
		Submitter:   submitter,
		Queue:       qc,
		Tasks:       inspector,
		Jobs:        queries,
		Progress:    pipeline.NewRedisProgress(rds.Client),
		Suggestions: suggestions.NewCache(rds.Client, queries),
		Health: map[string]health.Check{
			"postgres": pool.Ping,
			"redis":    func(ctx context.Context) error { return rds.Client.Ping(ctx).Err() },
		},
	})
	if err != nil {
		slog.Error("failed to create webserver", "error", err)
		os.Exit(1)
	}

	addr := ":" + strconv.Itoa(conf.WebServerPort)

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = e.Shutdown(shutdownCtx)
	}()

	slog.Info("Listening", "addr", addr)
	if err := e.Start(addr); err != nil {
		if errors.Is(err, http.ErrServerClosed) || ctx.Err() != nil {
			return
		}
		slog.Error("server failed", "error", err)
		os.Exit(1)
	}
}
