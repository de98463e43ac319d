// Package catalog rebuilds the video-level view from the primary scene
// collection.
package catalog

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5"

	"thirdcoast.systems/sceneindex/internal/db"
	"thirdcoast.systems/sceneindex/internal/scenes"
	"thirdcoast.systems/sceneindex/internal/vectorstore"
)

type SceneSource interface {
	GetByVideoSource(ctx context.Context, c vectorstore.Collection, source string) ([]scenes.Scene, error)
	CopyMetadata(ctx context.Context, from, to vectorstore.Collection, source string) (int64, error)
}

// Store is the relational side. *db.Queries satisfies it.
type Store interface {
	GetJobByVideoPath(ctx context.Context, videoPath string) (*db.Job, error)
	UpsertVideo(ctx context.Context, p db.UpsertVideoParams) error
}

type Importer struct {
	scenes SceneSource
	store  Store
}

func NewImporter(src SceneSource, store Store) *Importer {
	return &Importer{scenes: src, store: store}
}

// Reimport propagates primary metadata to the visual and then the audio
// collection and rewrites the catalog row. Running it again converges on
// the same state, so a partial failure is repaired by the next call.
func (im *Importer) Reimport(ctx context.Context, videoPath string) error {
	list, err := im.scenes.GetByVideoSource(ctx, vectorstore.Primary, videoPath)
	if err != nil {
		return fmt.Errorf("reimport %s: %w", videoPath, err)
	}

	for _, c := range vectorstore.Collections() {
		if c == vectorstore.Primary {
			continue
		}
		n, err := im.scenes.CopyMetadata(ctx, vectorstore.Primary, c, videoPath)
		if err != nil {
			return fmt.Errorf("reimport %s: %w", videoPath, err)
		}
		if n > 0 {
			slog.Debug("metadata propagated", "video_path", videoPath, "collection", c, "rows", n)
		}
	}

	params := db.UpsertVideoParams{Source: videoPath, SceneCount: int32(len(list))}
	params.Faces, params.Objects, params.Emotions = scenes.Labels(list)
	for _, s := range list {
		params.Duration = max(params.Duration, s.EndTime)
	}

	job, err := im.store.GetJobByVideoPath(ctx, videoPath)
	switch {
	case err == nil:
		params.JobID = job.ID
		params.FolderID = job.FolderID
	case errors.Is(err, pgx.ErrNoRows):
	default:
		return fmt.Errorf("reimport %s: lookup job: %w", videoPath, err)
	}

	if err := im.store.UpsertVideo(ctx, params); err != nil {
		return fmt.Errorf("reimport %s: upsert catalog: %w", videoPath, err)
	}
	slog.Info("video reimported", "video_path", videoPath, "scenes", len(list), "faces", len(params.Faces))
	return nil
}
