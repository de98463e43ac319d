package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"path/filepath"
	"strings"

	"github.com/jackc/pgx/v5/pgtype"

	"thirdcoast.systems/sceneindex/internal/db"
	"thirdcoast.systems/sceneindex/internal/queue"
)

var (
	ErrMissingVideoPath = errors.New("videoPath is required")
	ErrRelativePath     = errors.New("videoPath must be absolute")
	ErrJobNotFound      = errors.New("job not found")
	ErrFolderNotFound   = errors.New("no folder contains this video")
)

// SubmitStore is what submission needs from the job record store.
type SubmitStore interface {
	GetJobByID(ctx context.Context, id pgtype.UUID) (*db.Job, error)
	GetFolderByPath(ctx context.Context, path string) (*db.Folder, error)
	FindFolderForVideo(ctx context.Context, videoPath string) (*db.Folder, error)
	SubmitJob(ctx context.Context, p db.SubmitJobParams) (*db.Job, error)
	ListJobVideoPathsByFolder(ctx context.Context, folderID pgtype.UUID) ([]string, error)
	TouchFolderScanned(ctx context.Context, id pgtype.UUID) error
}

// Request asks for a video to be (re)indexed. Either VideoPath or JobID
// must be set.
type Request struct {
	VideoPath       string `json:"videoPath"`
	JobID           string `json:"jobId,omitempty"`
	ForceReIndexing bool   `json:"forceReIndexing,omitempty"`
	Priority        int    `json:"priority,omitempty"`
}

// Submission is the accepted request.
type Submission struct {
	JobID     string `json:"jobId"`
	RunID     string `json:"runId"`
	VideoPath string `json:"videoPath"`
	Priority  int    `json:"priority"`
}

// Submitter admits videos into the pipeline at the transcription stage.
type Submitter struct {
	store         SubmitStore
	queue         Enqueuer
	prioritizer   Prioritizer
	artifactsRoot string
	extensions    map[string]struct{}
}

func NewSubmitter(store SubmitStore, q Enqueuer, prioritizer Prioritizer, artifactsRoot string, extensions map[string]struct{}) *Submitter {
	return &Submitter{
		store:         store,
		queue:         q,
		prioritizer:   prioritizer,
		artifactsRoot: artifactsRoot,
		extensions:    extensions,
	}
}

func (s *Submitter) Submit(ctx context.Context, req Request) (*Submission, error) {
	videoPath := strings.TrimSpace(req.VideoPath)

	if id := strings.TrimSpace(req.JobID); id != "" {
		jobID, err := db.ParseUUID(id)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrJobNotFound, err)
		}
		job, err := s.store.GetJobByID(ctx, jobID)
		if err != nil {
			if db.IsNotFound(err) {
				return nil, fmt.Errorf("%w: %s", ErrJobNotFound, id)
			}
			return nil, err
		}
		if videoPath == "" {
			videoPath = job.VideoPath
		}
	}

	if videoPath == "" {
		return nil, ErrMissingVideoPath
	}
	if !filepath.IsAbs(videoPath) {
		return nil, ErrRelativePath
	}
	videoPath = filepath.Clean(videoPath)

	folder, err := s.store.FindFolderForVideo(ctx, videoPath)
	if err != nil {
		if db.IsNotFound(err) {
			return nil, fmt.Errorf("%w: %s", ErrFolderNotFound, videoPath)
		}
		return nil, err
	}
	return s.submit(ctx, folder, videoPath, req.ForceReIndexing, req.Priority)
}

func (s *Submitter) submit(ctx context.Context, folder *db.Folder, videoPath string, force bool, manual int) (*Submission, error) {
	priority := s.prioritizer.Priority(ctx, videoPath, manual)
	paths := ArtifactPaths(s.artifactsRoot, videoPath)

	job, err := s.store.SubmitJob(ctx, db.SubmitJobParams{
		VideoPath:         videoPath,
		FolderID:          folder.ID,
		Priority:          int32(priority),
		ForceReindexing:   force,
		AnalysisPath:      paths.Analysis,
		TranscriptionPath: paths.Transcription,
		ScenesPath:        paths.Scenes,
	})
	if err != nil {
		return nil, fmt.Errorf("save job: %w", err)
	}

	p := Payload{
		V:                 PayloadVersion,
		JobID:             db.UUIDString(job.ID),
		RunID:             db.UUIDString(job.RunID),
		VideoPath:         videoPath,
		FolderID:          db.UUIDString(folder.ID),
		ForceReIndexing:   force,
		Priority:          priority,
		AnalysisPath:      paths.Analysis,
		TranscriptionPath: paths.Transcription,
		ScenesPath:        paths.Scenes,
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	if err := s.queue.Enqueue(ctx, queue.Transcription, p, queue.EnqueueOptions{
		Priority: priority,
		TaskID:   taskID(queue.Transcription, p),
	}); err != nil {
		return nil, err
	}

	slog.Info("video submitted", "job_id", p.JobID, "video_path", videoPath, "priority", priority, "force", force)
	return &Submission{JobID: p.JobID, RunID: p.RunID, VideoPath: videoPath, Priority: priority}, nil
}

// ScanResult summarises a folder scan.
type ScanResult struct {
	Folder    string       `json:"folder"`
	Found     int          `json:"found"`
	Submitted []Submission `json:"submitted"`
}

// ScanFolder walks a registered folder and submits every video file that has
// no job yet.
func (s *Submitter) ScanFolder(ctx context.Context, folderPath string) (*ScanResult, error) {
	folderPath = filepath.Clean(strings.TrimSpace(folderPath))
	folder, err := s.store.GetFolderByPath(ctx, folderPath)
	if err != nil {
		if db.IsNotFound(err) {
			return nil, fmt.Errorf("%w: %s", ErrFolderNotFound, folderPath)
		}
		return nil, err
	}

	known, err := s.store.ListJobVideoPathsByFolder(ctx, folder.ID)
	if err != nil {
		return nil, fmt.Errorf("list indexed videos: %w", err)
	}
	indexed := make(map[string]struct{}, len(known))
	for _, k := range known {
		indexed[k] = struct{}{}
	}

	res := &ScanResult{Folder: folderPath, Submitted: []Submission{}}
	err = filepath.WalkDir(folder.Path, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			slog.Warn("skipping unreadable path", "path", path, "error", err)
			if d != nil && d.IsDir() {
				return fs.SkipDir
			}
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if d.IsDir() {
			if path != folder.Path && strings.HasPrefix(d.Name(), ".") {
				return fs.SkipDir
			}
			return nil
		}
		if !s.IsVideo(path) {
			return nil
		}
		res.Found++
		if _, ok := indexed[path]; ok {
			return nil
		}
		sub, err := s.submit(ctx, folder, path, false, 0)
		if err != nil {
			return fmt.Errorf("submit %s: %w", path, err)
		}
		res.Submitted = append(res.Submitted, *sub)
		return nil
	})
	if err != nil {
		return res, err
	}

	if err := s.store.TouchFolderScanned(ctx, folder.ID); err != nil {
		slog.Warn("failed to record folder scan", "folder", folderPath, "error", err)
	}
	slog.Info("folder scanned", "folder", folderPath, "found", res.Found, "submitted", len(res.Submitted))
	return res, nil
}

// IsVideo reports whether path has one of the configured video extensions.
func (s *Submitter) IsVideo(path string) bool {
	_, ok := s.extensions[strings.ToLower(filepath.Ext(path))]
	return ok
}
