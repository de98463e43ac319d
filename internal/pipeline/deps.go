package pipeline

import (
	"context"

	"thirdcoast.systems/sceneindex/internal/db"
	"thirdcoast.systems/sceneindex/internal/queue"
	"thirdcoast.systems/sceneindex/internal/scenes"
	"thirdcoast.systems/sceneindex/internal/vectorstore"
)

// JobStore is the slice of the job record store the stages write to.
// *db.Queries satisfies it.
type JobStore interface {
	UpdateJobStage(ctx context.Context, p db.UpdateJobStageParams) error
	MarkJobError(ctx context.Context, p db.MarkJobErrorParams) error
	MarkJobDone(ctx context.Context, p db.MarkJobDoneParams) error
}

// Enqueuer submits the next stage. *queue.Client satisfies it.
type Enqueuer interface {
	Enqueue(ctx context.Context, queueName string, payload any, opts queue.EnqueueOptions) error
}

// Analyzer runs the ML routines. Each call writes its artifact to outputPath
// and reports fractional progress for jobID.
type Analyzer interface {
	Transcribe(ctx context.Context, videoPath, outputPath, jobID string, onProgress func(float64)) error
	AnalyzeFrames(ctx context.Context, videoPath, outputPath, jobID string, onProgress func(float64)) error
}

// Embedder writes scenes into the three vector collections.
type Embedder interface {
	EmbedScenes(ctx context.Context, videoPath string, list []scenes.Scene) error
	EmbedAudioScenes(ctx context.Context, videoPath string, list []scenes.Scene) error
	EmbedVisualScenes(ctx context.Context, videoPath string, list []scenes.Scene) error
}

// SceneIndex reads and clears the indexed scenes of a video.
// *vectorstore.Store satisfies it.
type SceneIndex interface {
	GetByVideoSource(ctx context.Context, c vectorstore.Collection, source string) ([]scenes.Scene, error)
	DeleteByVideoSource(ctx context.Context, source string) (int64, error)
}

// Importer rebuilds the video-level view from the primary collection.
type Importer interface {
	Reimport(ctx context.Context, videoPath string) error
}

// SuggestionRefresher rebuilds the search suggestion cache.
type SuggestionRefresher interface {
	Refresh(ctx context.Context) error
}
