package db

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
)

const jobColumns = `id, run_id, video_path, folder_id, stage, progress, overall_progress, status, priority,
	force_reindexing, analysis_path, transcription_path, scenes_path,
	frame_analysis_ms, scene_creation_ms, transcription_ms,
	text_embedding_ms, audio_embedding_ms, visual_embedding_ms,
	degraded, failed_stages, last_error, created_at, updated_at`

func scanJob(row pgx.Row) (*Job, error) {
	var j Job
	err := row.Scan(
		&j.ID, &j.RunID, &j.VideoPath, &j.FolderID, &j.Stage, &j.Progress, &j.OverallProgress, &j.Status, &j.Priority,
		&j.ForceReindexing, &j.AnalysisPath, &j.TranscriptionPath, &j.ScenesPath,
		&j.FrameAnalysisMs, &j.SceneCreationMs, &j.TranscriptionMs,
		&j.TextEmbeddingMs, &j.AudioEmbeddingMs, &j.VisualEmbeddingMs,
		&j.Degraded, &j.FailedStages, &j.LastError, &j.CreatedAt, &j.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &j, nil
}

func (q *Queries) GetJobByID(ctx context.Context, id pgtype.UUID) (*Job, error) {
	return scanJob(q.db.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id))
}

func (q *Queries) GetJobByVideoPath(ctx context.Context, videoPath string) (*Job, error) {
	return scanJob(q.db.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE video_path = $1`, videoPath))
}

type SubmitJobParams struct {
	VideoPath         string
	FolderID          pgtype.UUID
	Priority          int32
	ForceReindexing   bool
	AnalysisPath      string
	TranscriptionPath string
	ScenesPath        string
}

// SubmitJob creates the record for a video or resets an existing one for a
// new run. The id of an existing record is preserved; the run id is always
// fresh so writes from tasks of an earlier run are ignored.
func (q *Queries) SubmitJob(ctx context.Context, p SubmitJobParams) (*Job, error) {
	row := q.db.QueryRow(ctx, `
		INSERT INTO jobs (id, run_id, video_path, folder_id, priority, force_reindexing,
			analysis_path, transcription_path, scenes_path)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (video_path) DO UPDATE SET
			run_id = EXCLUDED.run_id,
			folder_id = COALESCE(EXCLUDED.folder_id, jobs.folder_id),
			priority = EXCLUDED.priority,
			force_reindexing = EXCLUDED.force_reindexing,
			analysis_path = EXCLUDED.analysis_path,
			transcription_path = EXCLUDED.transcription_path,
			scenes_path = EXCLUDED.scenes_path,
			stage = 'starting',
			status = 'pending',
			progress = 0,
			overall_progress = 0,
			degraded = FALSE,
			failed_stages = '{}',
			last_error = NULL,
			updated_at = now()
		RETURNING `+jobColumns,
		NewUUID(), NewUUID(), p.VideoPath, p.FolderID, p.Priority, p.ForceReindexing,
		p.AnalysisPath, p.TranscriptionPath, p.ScenesPath,
	)
	return scanJob(row)
}

type UpdateJobStageParams struct {
	ID              pgtype.UUID
	RunID           pgtype.UUID
	Stage           JobStage
	Status          JobStatus
	Progress        int32
	OverallProgress int32
	// Zero duration leaves the stage timing untouched.
	Duration time.Duration
}

// durationColumn maps a stage onto its timing column. Only whitelisted names
// are ever interpolated into SQL.
func durationColumn(stage JobStage) string {
	switch stage {
	case JobStageTranscribing:
		return "transcription_ms"
	case JobStageFrameAnalysis:
		return "frame_analysis_ms"
	case JobStageCreatingScenes:
		return "scene_creation_ms"
	case JobStageEmbeddingText:
		return "text_embedding_ms"
	case JobStageEmbeddingAudio:
		return "audio_embedding_ms"
	case JobStageEmbeddingVisual:
		return "visual_embedding_ms"
	}
	return ""
}

// UpdateJobStage writes progress telemetry. overall_progress never moves
// backwards within a run.
func (q *Queries) UpdateJobStage(ctx context.Context, p UpdateJobStageParams) error {
	if !p.Stage.Valid() {
		return fmt.Errorf("invalid job stage %q", p.Stage)
	}
	set := `stage = $2, status = $3, progress = $4,
		overall_progress = GREATEST(overall_progress, $5), updated_at = now()`
	args := []any{p.ID, p.Stage, p.Status, p.Progress, p.OverallProgress, p.RunID}
	if col := durationColumn(p.Stage); col != "" && p.Duration > 0 {
		set += `, ` + col + ` = $7`
		args = append(args, p.Duration.Milliseconds())
	}
	tag, err := q.db.Exec(ctx, `UPDATE jobs SET `+set+` WHERE id = $1 AND run_id = $6`, args...)
	if err != nil {
		return fmt.Errorf("update job stage: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return pgx.ErrNoRows
	}
	return nil
}

type MarkJobErrorParams struct {
	ID      pgtype.UUID
	RunID   pgtype.UUID
	Message string
}

func (q *Queries) MarkJobError(ctx context.Context, p MarkJobErrorParams) error {
	_, err := q.db.Exec(ctx, `
		UPDATE jobs SET stage = 'error', status = 'error', last_error = $3, updated_at = now()
		WHERE id = $1 AND run_id = $2`, p.ID, p.RunID, p.Message)
	if err != nil {
		return fmt.Errorf("mark job error: %w", err)
	}
	return nil
}

type MarkJobDoneParams struct {
	ID           pgtype.UUID
	RunID        pgtype.UUID
	Degraded     bool
	FailedStages []string
}

func (q *Queries) MarkJobDone(ctx context.Context, p MarkJobDoneParams) error {
	failed := p.FailedStages
	if failed == nil {
		failed = []string{}
	}
	_, err := q.db.Exec(ctx, `
		UPDATE jobs SET stage = 'done', status = 'done', progress = 100, overall_progress = 100,
			degraded = $2, failed_stages = $3, last_error = NULL, force_reindexing = FALSE,
			updated_at = now()
		WHERE id = $1 AND run_id = $4`, p.ID, p.Degraded, failed, p.RunID)
	if err != nil {
		return fmt.Errorf("mark job done: %w", err)
	}
	return nil
}

// ListJobVideoPathsByFolder returns every source path already known for a folder.
func (q *Queries) ListJobVideoPathsByFolder(ctx context.Context, folderID pgtype.UUID) ([]string, error) {
	rows, err := q.db.Query(ctx, `SELECT video_path FROM jobs WHERE folder_id = $1`, folderID)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, pgx.RowTo[string])
}

// RecoverStuckJobs flips processing jobs that have not reported for longer
// than olderThan back to pending. It only corrects telemetry; the queue
// backend owns redelivery.
func (q *Queries) RecoverStuckJobs(ctx context.Context, olderThan time.Duration) (int64, error) {
	tag, err := q.db.Exec(ctx, `
		UPDATE jobs SET status = 'pending', updated_at = now()
		WHERE status = 'processing' AND updated_at < now() - make_interval(secs => $1)`,
		olderThan.Seconds())
	if err != nil {
		return 0, fmt.Errorf("recover stuck jobs: %w", err)
	}
	return tag.RowsAffected(), nil
}
