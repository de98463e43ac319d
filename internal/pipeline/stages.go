package pipeline

import (
	"thirdcoast.systems/sceneindex/internal/db"
	"thirdcoast.systems/sceneindex/internal/queue"
)

// transitions is the DAG: on success a stage enqueues exactly these queues.
var transitions = map[string][]string{
	queue.Transcription:   {queue.FrameAnalysis},
	queue.FrameAnalysis:   {queue.SceneCreation},
	queue.SceneCreation:   EmbeddingQueues(),
	queue.TextEmbedding:   {queue.Finalization},
	queue.AudioEmbedding:  {queue.Finalization},
	queue.VisualEmbedding: {queue.Finalization},
	queue.Finalization:    nil,
}

var stageByQueue = map[string]db.JobStage{
	queue.Transcription:   db.JobStageTranscribing,
	queue.FrameAnalysis:   db.JobStageFrameAnalysis,
	queue.SceneCreation:   db.JobStageCreatingScenes,
	queue.TextEmbedding:   db.JobStageEmbeddingText,
	queue.AudioEmbedding:  db.JobStageEmbeddingAudio,
	queue.VisualEmbedding: db.JobStageEmbeddingVisual,
	queue.Finalization:    db.JobStageDone,
}

// EmbeddingQueues are the fan-out siblings joined by the barrier.
func EmbeddingQueues() []string {
	return []string{queue.TextEmbedding, queue.AudioEmbedding, queue.VisualEmbedding}
}

func isEmbeddingQueue(name string) bool {
	switch name {
	case queue.TextEmbedding, queue.AudioEmbedding, queue.VisualEmbedding:
		return true
	}
	return false
}

// Next returns the queues enqueued after queueName succeeds.
func Next(queueName string) []string {
	return transitions[queueName]
}

// StageForQueue maps a stage queue onto the job stage it drives.
func StageForQueue(queueName string) (db.JobStage, bool) {
	s, ok := stageByQueue[queueName]
	return s, ok
}

func stageRank(s db.JobStage) int {
	switch s {
	case db.JobStageStarting:
		return 0
	case db.JobStageTranscribing:
		return 1
	case db.JobStageFrameAnalysis:
		return 2
	case db.JobStageCreatingScenes:
		return 3
	case db.JobStageEmbeddingText, db.JobStageEmbeddingAudio, db.JobStageEmbeddingVisual:
		return 4
	case db.JobStageDone:
		return 5
	}
	return -1
}

// CanTransition reports whether a job may move from one stage to another.
// error is reachable from anywhere and a retry may leave error for any stage.
// Embedding siblings share a rank so they may interleave; done is only
// reachable from an embedding stage.
func CanTransition(from, to db.JobStage) bool {
	if !from.Valid() || !to.Valid() {
		return false
	}
	switch {
	case to == db.JobStageError, from == db.JobStageError, to == db.JobStageStarting:
		return true
	case to == db.JobStageDone:
		return stageRank(from) >= 4
	}
	rf, rt := stageRank(from), stageRank(to)
	return rt == rf || rt == rf+1
}

type band struct{ lo, hi int32 }

var progressBands = map[db.JobStage]band{
	db.JobStageStarting:        {0, 0},
	db.JobStageTranscribing:    {0, 20},
	db.JobStageFrameAnalysis:   {20, 50},
	db.JobStageCreatingScenes:  {50, 60},
	db.JobStageEmbeddingText:   {60, 95},
	db.JobStageEmbeddingAudio:  {60, 95},
	db.JobStageEmbeddingVisual: {60, 95},
	db.JobStageDone:            {100, 100},
}

// OverallProgress projects within-stage progress onto the pipeline-wide scale.
func OverallProgress(stage db.JobStage, within int32) int32 {
	b, ok := progressBands[stage]
	if !ok {
		return 0
	}
	within = clampPercent(within)
	return b.lo + (b.hi-b.lo)*within/100
}

func clampPercent(v int32) int32 {
	if v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return v
}
