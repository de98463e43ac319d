package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"

	"thirdcoast.systems/sceneindex/internal/application"
	"thirdcoast.systems/sceneindex/internal/catalog"
	"thirdcoast.systems/sceneindex/internal/collections"
	"thirdcoast.systems/sceneindex/internal/config"
	"thirdcoast.systems/sceneindex/internal/consistency"
	"thirdcoast.systems/sceneindex/internal/db"
	"thirdcoast.systems/sceneindex/internal/faces"
	"thirdcoast.systems/sceneindex/internal/lifecycle"
	"thirdcoast.systems/sceneindex/internal/mlservice"
	"thirdcoast.systems/sceneindex/internal/pipeline"
	"thirdcoast.systems/sceneindex/internal/queue"
	"thirdcoast.systems/sceneindex/internal/suggestions"
	"thirdcoast.systems/sceneindex/internal/vectorstore"
	"thirdcoast.systems/sceneindex/internal/watcher"
	"thirdcoast.systems/sceneindex/pkg/ffmpeg"
)

const reaperInterval = time.Minute

type service struct {
	manager *lifecycle.Manager
	stalls  queue.StallCounter
	closers []func() error
}

func (s *service) close() {
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i](); err != nil {
			slog.Warn("close failed", "error", err)
		}
	}
}

// build assembles every worker component. The ML service is registered
// first so the manager stops it after everything that calls it.
func build(ctx context.Context, conf *config.Config, dbc *db.DatabaseConnection, rds *application.Redis) (*service, error) {
	svc := &service{manager: lifecycle.New(), stalls: queue.NewRedisStallCounter(rds.Client)}

	qc := queue.NewClient(rds.ConnOpt)
	inspector := queue.NewInspector(rds.ConnOpt)
	svc.closers = append(svc.closers, qc.Close, inspector.Close)

	queries := dbc.Queries(ctx)
	ml := mlservice.New(mlservice.Config{
		Command:      conf.ML.Command,
		Args:         conf.MLArgs(),
		URL:          conf.ML.URL,
		StartTimeout: conf.ML.StartTimeout,
	})
	store := vectorstore.NewStore(dbc.Pool)
	indexer := vectorstore.NewIndexer(ml, store)
	importer := catalog.NewImporter(store, queries)
	suggestionCache := suggestions.NewCache(rds.Client, queries)
	archive := faces.NewArchive(conf.Storage.FacesDir, conf.Storage.UnknownFacesDir, conf.Storage.FacesCacheFile)

	worker := pipeline.NewWorker(pipeline.Deps{
		Jobs:          queries,
		Queue:         qc,
		ML:            ml,
		Embedder:      indexer,
		Scenes:        store,
		Importer:      importer,
		Suggestions:   suggestionCache,
		Barrier:       pipeline.NewRedisBarrier(rds.Client),
		Progress:      pipeline.NewRedisProgress(rds.Client),
		ArtifactsRoot: conf.Storage.ArtifactsDir,
	})

	engine := consistency.NewEngine(consistency.Deps{
		Scenes:      store,
		Embedder:    indexer,
		Importer:    importer,
		Archive:     archive,
		Suggestions: suggestionCache,
		Jobs:        queries,
		Locker:      db.NewVideoLocker(dbc, "video-correction"),
	})

	regenerator := collections.NewRegenerator(inspector, collections.NewDBStore(dbc), collections.NewVectorScorer(ml, store))

	// The subprocess starts lazily on the first RPC; the manager only owns
	// stopping it.
	svc.manager.Add(lifecycle.Func{ComponentName: ml.Name(), OnShutdown: ml.Shutdown})

	for _, name := range queue.StageQueues() {
		h, err := worker.Handler(name)
		if err != nil {
			return nil, err
		}
		if err := svc.addServer(rds, name, h); err != nil {
			return nil, err
		}
	}
	for _, name := range []string{queue.FaceLabelling, queue.FaceDeletion, queue.FaceRename} {
		h, err := engine.Handler(name)
		if err != nil {
			return nil, err
		}
		if err := svc.addServer(rds, name, h); err != nil {
			return nil, err
		}
	}
	if err := svc.addServer(rds, queue.SmartCollections, regenerator.Handler()); err != nil {
		return nil, err
	}

	scheduler := queue.NewScheduler(rds.ConnOpt)
	if conf.CollectionsSchedule != "" {
		if err := scheduler.Register(conf.CollectionsSchedule, queue.SmartCollections, struct{}{}); err != nil {
			return nil, err
		}
	}
	svc.manager.Add(scheduler)

	reaper := pipeline.NewReaper(worker, inspector)
	svc.manager.Add(lifecycle.Every("barrier-reaper", reaperInterval, true, reaper.Sweep))

	recoveryTick := conf.StuckJobRecoveryTick
	if recoveryTick <= 0 {
		recoveryTick = 2 * time.Minute
	}
	svc.manager.Add(lifecycle.Every("stuck-job-recovery", recoveryTick, true, func(ctx context.Context) error {
		n, err := queries.RecoverStuckJobs(ctx, pipeline.StuckJobAge)
		if err != nil {
			return err
		}
		if n > 0 {
			slog.Warn("recovered stuck jobs", "count", n)
		}
		return nil
	}))

	svc.manager.Add(lifecycle.Func{
		ComponentName: "face-cache",
		OnStart:       archive.RebuildCache,
	})

	if conf.WatchFolders {
		folders, err := db.NewFolderCache(ctx, dbc)
		if err != nil {
			return nil, fmt.Errorf("load watched folders: %w", err)
		}
		submitter := pipeline.NewSubmitter(queries, qc, pipeline.Prioritizer{
			Estimator: pipeline.EstimatorFunc(ffmpeg.ProbeDuration),
			Threshold: conf.ShortMediaThreshold,
		}, conf.Storage.ArtifactsDir, conf.VideoExtensionSet())
		svc.manager.Add(watcher.New(folders, submitter))
	}

	return svc, nil
}

func (s *service) addServer(rds *application.Redis, name string, h asynq.Handler) error {
	policy, ok := queue.PolicyFor(name)
	if !ok {
		return fmt.Errorf("no policy for queue %q", name)
	}
	s.manager.Add(queue.NewServer(rds.ConnOpt, policy, h, s.stalls))
	return nil
}
