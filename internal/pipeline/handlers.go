package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/hibiken/asynq"

	"thirdcoast.systems/sceneindex/internal/db"
	"thirdcoast.systems/sceneindex/internal/queue"
	"thirdcoast.systems/sceneindex/internal/scenes"
	"thirdcoast.systems/sceneindex/internal/vectorstore"
)

// mlFunc is the shape shared by the ML routines.
type mlFunc func(ctx context.Context, videoPath, outputPath, jobID string, onProgress func(float64)) error

// gatedStage runs an expensive ML stage unless its artifact already exists.
func (w *Worker) gatedStage(ctx context.Context, queueName string, p Payload, artifact string, run mlFunc) (Payload, error) {
	stage, _ := StageForQueue(queueName)
	policy, _ := queue.PolicyFor(queueName)
	started := w.now()

	if err := w.updateStage(ctx, p, stage, 0, 0); err != nil {
		return p, err
	}

	if Gate(artifact, p.ForceReIndexing) {
		slog.Info("artifact present, skipping", "queue", queueName, "job_id", p.JobID, "artifact", artifact)
	} else {
		rep := w.reporter(ctx, p, stage)
		stop := w.heartbeat(ctx, policy.StallInterval, rep)
		err := produceFile(artifact, func(tmp string) error {
			return run(ctx, p.VideoPath, tmp, p.JobID, rep.Report)
		})
		stop()
		if err != nil {
			return p, fmt.Errorf("%s: %w", queueName, err)
		}
	}

	if err := w.updateStage(ctx, p, stage, 100, w.now().Sub(started)); err != nil {
		return p, err
	}
	return p, nil
}

func (w *Worker) transcribe(ctx context.Context, p Payload) error {
	paths := w.paths(p)
	p, err := w.gatedStage(ctx, queue.Transcription, p, paths.Transcription, w.ml.Transcribe)
	if err != nil {
		return err
	}
	p.TranscriptionPath = paths.Transcription
	return w.advance(ctx, queue.Transcription, p)
}

func (w *Worker) analyzeFrames(ctx context.Context, p Payload) error {
	paths := w.paths(p)
	p, err := w.gatedStage(ctx, queue.FrameAnalysis, p, paths.Analysis, w.ml.AnalyzeFrames)
	if err != nil {
		return err
	}
	p.AnalysisPath = paths.Analysis
	return w.advance(ctx, queue.FrameAnalysis, p)
}

func (w *Worker) createScenes(ctx context.Context, p Payload) error {
	paths := w.paths(p)
	started := w.now()
	if err := w.updateStage(ctx, p, db.JobStageCreatingScenes, 0, 0); err != nil {
		return err
	}

	var fa scenes.FrameAnalysis
	if err := ReadJSON(paths.Analysis, &fa); err != nil {
		return w.heal(ctx, queue.FrameAnalysis, p, err)
	}
	var tr scenes.Transcription
	if err := ReadJSON(paths.Transcription, &tr); err != nil {
		return w.heal(ctx, queue.Transcription, p, err)
	}

	list := scenes.Build(p.VideoPath, fa, &tr)
	if len(list) == 0 {
		return fmt.Errorf("%w: %s: %w", ErrNoScenes, p.VideoPath, asynq.SkipRetry)
	}
	if err := WriteJSONAtomic(paths.Scenes, list); err != nil {
		return fmt.Errorf("write scenes: %w", err)
	}
	slog.Info("scenes created", "job_id", p.JobID, "scenes", humanize.Comma(int64(len(list))))
	if err := w.dropStaleScenes(ctx, p, list); err != nil {
		return err
	}

	if err := w.updateStage(ctx, p, db.JobStageCreatingScenes, 100, w.now().Sub(started)); err != nil {
		return err
	}

	if err := w.barrier.Arm(ctx, barrierKey(p), EmbeddingQueues()); err != nil {
		return fmt.Errorf("arm embedding barrier: %w", err)
	}
	p.AnalysisPath = paths.Analysis
	p.TranscriptionPath = paths.Transcription
	p.ScenesPath = paths.Scenes
	return w.advance(ctx, queue.SceneCreation, p)
}

// dropStaleScenes clears the video's indexed scenes when the new segmentation
// no longer contains all of them, so documents of vanished scene boundaries
// do not outlive a re-index. An unchanged segmentation leaves the index alone.
func (w *Worker) dropStaleScenes(ctx context.Context, p Payload, list []scenes.Scene) error {
	if w.scenes == nil {
		return nil
	}
	indexed, err := w.scenes.GetByVideoSource(ctx, vectorstore.Primary, p.VideoPath)
	if err != nil {
		return fmt.Errorf("load indexed scenes: %w", err)
	}
	current := make(map[string]struct{}, len(list))
	for _, s := range list {
		current[s.ID] = struct{}{}
	}
	stale := 0
	for _, s := range indexed {
		if _, ok := current[s.ID]; !ok {
			stale++
		}
	}
	if stale == 0 {
		return nil
	}
	n, err := w.scenes.DeleteByVideoSource(ctx, p.VideoPath)
	if err != nil {
		return fmt.Errorf("drop stale scenes: %w", err)
	}
	slog.Info("scene boundaries changed, cleared indexed scenes", "job_id", p.JobID, "stale", stale, "deleted", n)
	return nil
}

func (w *Worker) embedFunc(queueName string) func(context.Context, string, []scenes.Scene) error {
	switch queueName {
	case queue.TextEmbedding:
		return w.embedder.EmbedScenes
	case queue.AudioEmbedding:
		return w.embedder.EmbedAudioScenes
	default:
		return w.embedder.EmbedVisualScenes
	}
}

func (w *Worker) embedStage(queueName string) func(context.Context, Payload) error {
	return func(ctx context.Context, p Payload) error {
		stage, _ := StageForQueue(queueName)
		policy, _ := queue.PolicyFor(queueName)
		paths := w.paths(p)
		started := w.now()

		var list []scenes.Scene
		if err := ReadJSON(paths.Scenes, &list); err != nil {
			return w.heal(ctx, queue.SceneCreation, p, err)
		}
		if err := w.updateStage(ctx, p, stage, 0, 0); err != nil {
			return err
		}

		stop := w.heartbeat(ctx, policy.StallInterval, w.reporter(ctx, p, stage))
		err := w.embedFunc(queueName)(ctx, p.VideoPath, list)
		stop()
		if err != nil {
			return fmt.Errorf("%s: %w", queueName, err)
		}

		if err := w.updateStage(ctx, p, stage, 100, w.now().Sub(started)); err != nil {
			return err
		}
		return w.arrive(ctx, queueName, p, true)
	}
}

func (w *Worker) finalize(ctx context.Context, p Payload) error {
	key := barrierKey(p)
	out, err := w.barrier.Outcome(ctx, key)
	if err != nil {
		return fmt.Errorf("read embedding outcome: %w", err)
	}
	if !out.Complete() {
		return fmt.Errorf("embeddings still pending: %s", strings.Join(out.Pending, ", "))
	}
	if len(out.Succeeded) == 0 {
		return fmt.Errorf("%w: %w", ErrAllEmbeddingsFailed, asynq.SkipRetry)
	}

	if err := w.importer.Reimport(ctx, p.VideoPath); err != nil {
		return fmt.Errorf("reimport: %w", err)
	}
	if w.suggestions != nil {
		if err := w.suggestions.Refresh(ctx); err != nil {
			return fmt.Errorf("refresh suggestions: %w", err)
		}
	}

	failed := make([]string, 0, len(out.Failed))
	for _, q := range out.Failed {
		if s, ok := StageForQueue(q); ok {
			failed = append(failed, string(s))
		}
	}
	if err := w.jobs.MarkJobDone(ctx, db.MarkJobDoneParams{
		ID:           p.jobUUID(),
		RunID:        p.runUUID(),
		Degraded:     len(failed) > 0,
		FailedStages: failed,
	}); err != nil {
		return err
	}
	if len(failed) > 0 {
		slog.Warn("video indexed with missing embeddings", "job_id", p.JobID, "failed_stages", failed)
	}

	w.progress.Publish(ctx, Progress{
		JobID:           p.JobID,
		Stage:           db.JobStageDone,
		Status:          db.JobStatusDone,
		Progress:        100,
		OverallProgress: 100,
		At:              w.now(),
	})

	if err := w.barrier.Seal(ctx, key); err != nil {
		slog.Warn("failed to seal embedding barrier", "job_id", p.JobID, "error", err)
	}
	return nil
}
