package db

import (
	"github.com/jackc/pgx/v5/pgtype"
)

type JobStage string

const (
	JobStageStarting        JobStage = "starting"
	JobStageTranscribing    JobStage = "transcribing"
	JobStageFrameAnalysis   JobStage = "frame_analysis"
	JobStageCreatingScenes  JobStage = "creating_scenes"
	JobStageEmbeddingText   JobStage = "embedding_text"
	JobStageEmbeddingAudio  JobStage = "embedding_audio"
	JobStageEmbeddingVisual JobStage = "embedding_visual"
	JobStageDone            JobStage = "done"
	JobStageError           JobStage = "error"
)

func (s JobStage) Valid() bool {
	switch s {
	case JobStageStarting, JobStageTranscribing, JobStageFrameAnalysis, JobStageCreatingScenes,
		JobStageEmbeddingText, JobStageEmbeddingAudio, JobStageEmbeddingVisual, JobStageDone, JobStageError:
		return true
	}
	return false
}

type JobStatus string

const (
	JobStatusPending    JobStatus = "pending"
	JobStatusProcessing JobStatus = "processing"
	JobStatusDone       JobStatus = "done"
	JobStatusError      JobStatus = "error"
)

type Job struct {
	ID                pgtype.UUID        `json:"id"`
	RunID             pgtype.UUID        `json:"runId"`
	VideoPath         string             `json:"videoPath"`
	FolderID          pgtype.UUID        `json:"folderId"`
	Stage             JobStage           `json:"stage"`
	Progress          int32              `json:"progress"`
	OverallProgress   int32              `json:"overallProgress"`
	Status            JobStatus          `json:"status"`
	Priority          int32              `json:"priority"`
	ForceReindexing   bool               `json:"forceReIndexing"`
	AnalysisPath      *string            `json:"analysisPath,omitempty"`
	TranscriptionPath *string            `json:"transcriptionPath,omitempty"`
	ScenesPath        *string            `json:"scenesPath,omitempty"`
	FrameAnalysisMs   *int64             `json:"frameAnalysisMs,omitempty"`
	SceneCreationMs   *int64             `json:"sceneCreationMs,omitempty"`
	TranscriptionMs   *int64             `json:"transcriptionMs,omitempty"`
	TextEmbeddingMs   *int64             `json:"textEmbeddingMs,omitempty"`
	AudioEmbeddingMs  *int64             `json:"audioEmbeddingMs,omitempty"`
	VisualEmbeddingMs *int64             `json:"visualEmbeddingMs,omitempty"`
	Degraded          bool               `json:"degraded"`
	FailedStages      []string           `json:"failedStages"`
	LastError         *string            `json:"lastError,omitempty"`
	CreatedAt         pgtype.Timestamptz `json:"createdAt"`
	UpdatedAt         pgtype.Timestamptz `json:"updatedAt"`
}

type Folder struct {
	ID            pgtype.UUID        `json:"id"`
	UserID        pgtype.UUID        `json:"userId"`
	Path          string             `json:"path"`
	Watch         bool               `json:"watch"`
	LastScannedAt pgtype.Timestamptz `json:"lastScannedAt"`
	CreatedAt     pgtype.Timestamptz `json:"createdAt"`
}

type User struct {
	ID        pgtype.UUID        `json:"id"`
	Email     string             `json:"email"`
	Name      string             `json:"name"`
	Enabled   bool               `json:"enabled"`
	CreatedAt pgtype.Timestamptz `json:"createdAt"`
}

// Video is the catalog row rebuilt from the primary scene collection.
type Video struct {
	Source     string             `json:"source"`
	JobID      pgtype.UUID        `json:"jobId"`
	FolderID   pgtype.UUID        `json:"folderId"`
	SceneCount int32              `json:"sceneCount"`
	Duration   float64            `json:"duration"`
	Faces      []string           `json:"faces"`
	Objects    []string           `json:"objects"`
	Emotions   []string           `json:"emotions"`
	UpdatedAt  pgtype.Timestamptz `json:"updatedAt"`
}

type SmartCollection struct {
	ID                pgtype.UUID        `json:"id"`
	UserID            pgtype.UUID        `json:"userId"`
	Name              string             `json:"name"`
	Criteria          JSONMap            `json:"criteria"`
	AutoUpdateEnabled bool               `json:"autoUpdateEnabled"`
	UpdatedAt         pgtype.Timestamptz `json:"updatedAt"`
}

type SmartCollectionItem struct {
	SceneID string  `json:"sceneId"`
	Source  string  `json:"source"`
	Score   float64 `json:"score"`
}
