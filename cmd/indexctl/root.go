package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"

	"github.com/spf13/cobra"

	"thirdcoast.systems/sceneindex/internal/application"
	"thirdcoast.systems/sceneindex/internal/config"
	"thirdcoast.systems/sceneindex/internal/db"
	"thirdcoast.systems/sceneindex/internal/logging"
	"thirdcoast.systems/sceneindex/internal/pipeline"
	"thirdcoast.systems/sceneindex/internal/queue"
	"thirdcoast.systems/sceneindex/pkg/ffmpeg"
)

var (
	// Version is set at build time.
	Version = "dev"

	verbose bool
)

// env holds the connections a command opened. Commands open only what they use.
type env struct {
	conf *config.Config
	dbc  *db.DatabaseConnection
	rds  *application.Redis
	qc   *queue.Client
	insp *queue.Inspector
}

func (e *env) close() {
	if e.insp != nil {
		_ = e.insp.Close()
	}
	if e.qc != nil {
		_ = e.qc.Close()
	}
	if e.rds != nil {
		_ = e.rds.Close()
	}
	if e.dbc != nil {
		e.dbc.Close()
	}
}

func loadEnv(ctx context.Context, needDB, needRedis bool) (*env, error) {
	conf, err := config.LoadConfig(ctx)
	if err != nil {
		return nil, err
	}
	level := conf.LogLevel
	if !verbose {
		level = "warn"
	}
	if _, err := logging.Setup(logging.Options{Level: level, Service: "indexctl"}); err != nil {
		return nil, err
	}

	e := &env{conf: conf}
	if needDB {
		pool, err := application.OpenDBPoolWithRetry(ctx, *conf)
		if err != nil {
			return nil, fmt.Errorf("connect to database: %w", err)
		}
		e.dbc, err = db.NewDatabaseConnection(ctx, pool)
		if err != nil {
			pool.Close()
			return nil, err
		}
	}
	if needRedis {
		e.rds, err = application.OpenRedisWithRetry(ctx, *conf)
		if err != nil {
			e.close()
			return nil, fmt.Errorf("connect to redis: %w", err)
		}
		e.qc = queue.NewClient(e.rds.ConnOpt)
		e.insp = queue.NewInspector(e.rds.ConnOpt)
	}
	return e, nil
}

func (e *env) submitter(ctx context.Context) *pipeline.Submitter {
	return pipeline.NewSubmitter(e.dbc.Queries(ctx), e.qc, pipeline.Prioritizer{
		Estimator: pipeline.EstimatorFunc(ffmpeg.ProbeDuration),
		Threshold: e.conf.ShortMediaThreshold,
	}, e.conf.Storage.ArtifactsDir, e.conf.VideoExtensionSet())
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "indexctl",
		Short:         "Operate the scene indexing pipeline",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if !verbose {
				slog.SetLogLoggerLevel(slog.LevelWarn)
			}
		},
	}
	root.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")

	root.AddCommand(
		newUserCmd(),
		newTokenCmd(),
		newFolderCmd(),
		newReindexCmd(),
		newScanCmd(),
		newCollectionsCmd(),
		newQueuesCmd(),
	)
	return root
}
