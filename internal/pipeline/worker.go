package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"thirdcoast.systems/sceneindex/internal/db"
	"thirdcoast.systems/sceneindex/internal/queue"
)

// Deps are the collaborators of the stage workers.
type Deps struct {
	Jobs          JobStore
	Queue         Enqueuer
	ML            Analyzer
	Embedder      Embedder
	Scenes        SceneIndex
	Importer      Importer
	Suggestions   SuggestionRefresher
	Barrier       Barrier
	Progress      ProgressSink
	ArtifactsRoot string
}

// Worker runs the stage handlers of the pipeline.
type Worker struct {
	jobs        JobStore
	queue       Enqueuer
	ml          Analyzer
	embedder    Embedder
	scenes      SceneIndex
	importer    Importer
	suggestions SuggestionRefresher
	barrier     Barrier
	progress    ProgressSink
	root        string
	tracer      trace.Tracer
	now         func() time.Time
	stages      map[string]func(context.Context, Payload) error
}

func NewWorker(d Deps) *Worker {
	w := &Worker{
		jobs:        d.Jobs,
		queue:       d.Queue,
		ml:          d.ML,
		embedder:    d.Embedder,
		scenes:      d.Scenes,
		importer:    d.Importer,
		suggestions: d.Suggestions,
		barrier:     d.Barrier,
		progress:    d.Progress,
		root:        d.ArtifactsRoot,
		tracer:      otel.Tracer("sceneindex/pipeline"),
		now:         time.Now,
	}
	if w.progress == nil {
		w.progress = discardProgress{}
	}
	if w.barrier == nil {
		w.barrier = NewMemoryBarrier()
	}
	w.stages = map[string]func(context.Context, Payload) error{
		queue.Transcription:   w.transcribe,
		queue.FrameAnalysis:   w.analyzeFrames,
		queue.SceneCreation:   w.createScenes,
		queue.TextEmbedding:   w.embedStage(queue.TextEmbedding),
		queue.AudioEmbedding:  w.embedStage(queue.AudioEmbedding),
		queue.VisualEmbedding: w.embedStage(queue.VisualEmbedding),
		queue.Finalization:    w.finalize,
	}
	return w
}

// Handler returns the queue handler for one stage queue.
func (w *Worker) Handler(queueName string) (asynq.Handler, error) {
	if _, ok := queue.PolicyFor(queueName); !ok {
		return nil, fmt.Errorf("no policy for queue %q", queueName)
	}
	run, ok := w.stages[queueName]
	if !ok {
		return nil, fmt.Errorf("queue %q is not a pipeline stage", queueName)
	}

	return asynq.HandlerFunc(func(ctx context.Context, t *asynq.Task) error {
		p, err := DecodePayload(t.Payload())
		if err != nil {
			slog.Error("rejecting malformed payload", "queue", queueName, "error", err)
			return fmt.Errorf("%w: %w", err, asynq.SkipRetry)
		}

		attempt, _ := asynq.GetRetryCount(ctx)
		ctx, span := w.tracer.Start(ctx, "stage."+queueName, trace.WithAttributes(
			attribute.String("job.id", p.JobID),
			attribute.String("job.run_id", p.RunID),
			attribute.String("video.path", p.VideoPath),
			attribute.Int("attempt", attempt+1),
		))
		defer span.End()

		sealed, err := w.barrier.Sealed(ctx, barrierKey(p))
		if err != nil {
			return fmt.Errorf("read finalization state: %w", err)
		}
		if sealed {
			slog.Info("dropping task of finalized run", "queue", queueName, "job_id", p.JobID, "run_id", p.RunID)
			return nil
		}

		started := w.now()
		err = run(ctx, p)
		switch {
		case err == nil:
			slog.Info("stage complete", "queue", queueName, "job_id", p.JobID, "took", w.now().Sub(started).Round(time.Millisecond))
			return nil
		case errors.Is(err, errSuperseded):
			slog.Info("dropping task of superseded run", "queue", queueName, "job_id", p.JobID, "run_id", p.RunID)
			return nil
		}

		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		w.fail(ctx, queueName, p, err)
		return err
	}), nil
}

// isTerminal reports whether the backend will not retry after err.
func isTerminal(ctx context.Context, err error) bool {
	if errors.Is(err, asynq.SkipRetry) {
		return true
	}
	retried, ok1 := asynq.GetRetryCount(ctx)
	maxRetry, ok2 := asynq.GetMaxRetry(ctx)
	return ok1 && ok2 && retried >= maxRetry
}

// fail records err on the job and, when no retry will follow, settles the
// task's place in the fan-in so finalization is never left waiting.
func (w *Worker) fail(ctx context.Context, queueName string, p Payload, err error) {
	bg, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()

	slog.Error("stage failed", "queue", queueName, "job_id", p.JobID, "video_path", p.VideoPath, "error", err)
	if merr := w.jobs.MarkJobError(bg, db.MarkJobErrorParams{
		ID:      p.jobUUID(),
		RunID:   p.runUUID(),
		Message: fmt.Sprintf("%s: %v", queueName, err),
	}); merr != nil {
		slog.Error("failed to record job error", "job_id", p.JobID, "error", merr)
	}

	if isTerminal(ctx, err) {
		w.onTerminalFailure(bg, queueName, p)
	}
}

func (w *Worker) onTerminalFailure(ctx context.Context, queueName string, p Payload) {
	if !isEmbeddingQueue(queueName) {
		return
	}
	slog.Warn("embedding stage exhausted, recording failed arrival", "queue", queueName, "job_id", p.JobID)
	if err := w.arrive(ctx, queueName, p, false); err != nil {
		slog.Error("failed to record failed arrival", "queue", queueName, "job_id", p.JobID, "error", err)
	}
}

// updateStage writes progress for the current run. A missing row means the
// job has been resubmitted since this task was enqueued.
func (w *Worker) updateStage(ctx context.Context, p Payload, stage db.JobStage, pct int32, took time.Duration) error {
	overall := OverallProgress(stage, pct)
	err := w.jobs.UpdateJobStage(ctx, db.UpdateJobStageParams{
		ID:              p.jobUUID(),
		RunID:           p.runUUID(),
		Stage:           stage,
		Status:          db.JobStatusProcessing,
		Progress:        pct,
		OverallProgress: overall,
		Duration:        took,
	})
	if db.IsNotFound(err) {
		return errSuperseded
	}
	if err != nil {
		return err
	}
	w.progress.Publish(ctx, Progress{
		JobID:           p.JobID,
		Stage:           stage,
		Status:          db.JobStatusProcessing,
		Progress:        pct,
		OverallProgress: overall,
		At:              w.now(),
	})
	return nil
}

// advance enqueues every successor of from.
func (w *Worker) advance(ctx context.Context, from string, p Payload) error {
	fromStage, _ := StageForQueue(from)
	next := p
	next.Priority = 0
	if next.HealForce {
		next.ForceReIndexing, next.HealForce = false, false
	}
	for _, q := range Next(from) {
		toStage, _ := StageForQueue(q)
		if !CanTransition(fromStage, toStage) {
			return fmt.Errorf("illegal transition %s -> %s", fromStage, toStage)
		}
		if err := w.queue.Enqueue(ctx, q, next, queue.EnqueueOptions{TaskID: taskID(q, next)}); err != nil {
			return err
		}
	}
	return nil
}

// arrive records a sibling outcome and enqueues finalization when it was the
// last one. A barrier lost from the store is re-armed; a sealed one means
// finalization already ran and the arrival is dropped.
func (w *Worker) arrive(ctx context.Context, queueName string, p Payload, ok bool) error {
	key := barrierKey(p)
	fired, err := w.barrier.Arrive(ctx, key, queueName, ok)
	if errors.Is(err, ErrBarrierNotArmed) {
		if aerr := w.barrier.Arm(ctx, key, EmbeddingQueues()); aerr != nil {
			return aerr
		}
		fired, err = w.barrier.Arrive(ctx, key, queueName, ok)
	}
	if errors.Is(err, ErrBarrierSealed) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("barrier arrival: %w", err)
	}
	if !fired {
		return nil
	}
	slog.Info("embeddings settled, scheduling finalization", "job_id", p.JobID)
	return w.finalizeAfter(ctx, queueName, p)
}

// finalizeAfter enqueues finalization for a fired barrier. If the enqueue
// fails the barrier is released, so the retried arrival (or the reaper)
// fires it again; the finalization task id absorbs duplicates.
func (w *Worker) finalizeAfter(ctx context.Context, queueName string, p Payload) error {
	err := w.advance(ctx, queueName, p)
	if err == nil {
		return nil
	}
	bg, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if rerr := w.barrier.Release(bg, barrierKey(p)); rerr != nil {
		slog.Error("failed to release barrier after enqueue error", "job_id", p.JobID, "error", rerr)
		return errors.Join(err, rerr)
	}
	return fmt.Errorf("schedule finalization: %w", err)
}

func (w *Worker) paths(p Payload) Artifacts {
	a := ArtifactPaths(w.root, p.VideoPath)
	if p.AnalysisPath != "" {
		a.Analysis = p.AnalysisPath
	}
	if p.TranscriptionPath != "" {
		a.Transcription = p.TranscriptionPath
	}
	if p.ScenesPath != "" {
		a.Scenes = p.ScenesPath
	}
	return a
}

// heal re-runs the stage that produces a missing artifact at elevated
// priority and fails the current attempt so it retries once the artifact
// is back.
func (w *Worker) heal(ctx context.Context, producer string, p Payload, cause error) error {
	retry := p
	retry.HealForce = !p.ForceReIndexing
	retry.ForceReIndexing = true
	slog.Warn("artifact unusable, re-running producer", "job_id", p.JobID, "producer", producer, "error", cause)
	if err := w.queue.Enqueue(ctx, producer, retry, queue.EnqueueOptions{
		Priority: queue.ElevatedPriority,
		TaskID:   taskID(producer, retry),
	}); err != nil {
		return fmt.Errorf("%w: %v (re-enqueue %s: %v)", ErrMissingPrerequisite, cause, producer, err)
	}
	return fmt.Errorf("%w: %v", ErrMissingPrerequisite, cause)
}
