package db

import (
	"context"

	"github.com/jackc/pgx/v5/pgtype"
)

type UpsertVideoParams struct {
	Source     string
	JobID      pgtype.UUID
	FolderID   pgtype.UUID
	SceneCount int32
	Duration   float64
	Faces      []string
	Objects    []string
	Emotions   []string
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

func (q *Queries) UpsertVideo(ctx context.Context, p UpsertVideoParams) error {
	_, err := q.db.Exec(ctx, `
		INSERT INTO videos (source, job_id, folder_id, scene_count, duration, faces, objects, emotions)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (source) DO UPDATE SET
			job_id = COALESCE(EXCLUDED.job_id, videos.job_id),
			folder_id = COALESCE(EXCLUDED.folder_id, videos.folder_id),
			scene_count = EXCLUDED.scene_count,
			duration = EXCLUDED.duration,
			faces = EXCLUDED.faces,
			objects = EXCLUDED.objects,
			emotions = EXCLUDED.emotions,
			updated_at = now()`,
		p.Source, p.JobID, p.FolderID, p.SceneCount, p.Duration,
		nonNil(p.Faces), nonNil(p.Objects), nonNil(p.Emotions))
	return err
}

func (q *Queries) GetVideoBySource(ctx context.Context, source string) (*Video, error) {
	var v Video
	err := q.db.QueryRow(ctx, `
		SELECT source, job_id, folder_id, scene_count, duration, faces, objects, emotions, updated_at
		FROM videos WHERE source = $1`, source).
		Scan(&v.Source, &v.JobID, &v.FolderID, &v.SceneCount, &v.Duration, &v.Faces, &v.Objects, &v.Emotions, &v.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &v, nil
}

// SuggestionTerms is the distinct vocabulary across the catalog.
type SuggestionTerms struct {
	Faces    []string
	Objects  []string
	Emotions []string
}

func (q *Queries) ListSuggestionTerms(ctx context.Context) (*SuggestionTerms, error) {
	var t SuggestionTerms
	err := q.db.QueryRow(ctx, `
		SELECT
			COALESCE((SELECT array_agg(DISTINCT f ORDER BY f) FROM videos, unnest(faces) AS f), '{}'),
			COALESCE((SELECT array_agg(DISTINCT o ORDER BY o) FROM videos, unnest(objects) AS o), '{}'),
			COALESCE((SELECT array_agg(DISTINCT e ORDER BY e) FROM videos, unnest(emotions) AS e), '{}')`).
		Scan(&t.Faces, &t.Objects, &t.Emotions)
	if err != nil {
		return nil, err
	}
	return &t, nil
}
