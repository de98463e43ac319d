// Package vectorstore keeps scene documents and their embeddings in three
// pgvector-backed collections: text (the primary metadata collection),
// visual and audio.
package vectorstore

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/pgvector/pgvector-go"

	"thirdcoast.systems/sceneindex/internal/scenes"
)

type Collection string

const (
	Text   Collection = "text"
	Visual Collection = "visual"
	Audio  Collection = "audio"
)

// Primary holds the authoritative scene metadata.
const Primary = Text

// Collections in write order: primary first, then visual, then audio.
func Collections() []Collection {
	return []Collection{Text, Visual, Audio}
}

// DBTX is satisfied by *pgxpool.Pool and pgx.Tx.
type DBTX interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	Query(context.Context, string, ...any) (pgx.Rows, error)
	SendBatch(context.Context, *pgx.Batch) pgx.BatchResults
}

// Record is one scene with the embedding of one collection.
type Record struct {
	Scene     scenes.Scene
	Embedding []float32
}

// Hit is a search result.
type Hit struct {
	Scene scenes.Scene `json:"scene"`
	Score float64      `json:"score"`
}

// VideoScenes groups scenes of one source video.
type VideoScenes struct {
	Source string         `json:"source"`
	Scenes []scenes.Scene `json:"scenes"`
}

type Store struct {
	db DBTX
}

func NewStore(db DBTX) *Store {
	return &Store{db: db}
}

const sceneColumns = `id, source, start_time, end_time, metadata`

func scanScenes(rows pgx.Rows) ([]scenes.Scene, error) {
	defer rows.Close()
	var out []scenes.Scene
	for rows.Next() {
		var (
			s    scenes.Scene
			meta []byte
		)
		if err := rows.Scan(&s.ID, &s.Source, &s.StartTime, &s.EndTime, &meta); err != nil {
			return nil, err
		}
		if err := decodeMetadata(meta, &s); err != nil {
			return nil, fmt.Errorf("scene %s: %w", s.ID, err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// decodeMetadata fills the label-bearing fields of s. Identity columns win
// over whatever the metadata document carries.
func decodeMetadata(raw []byte, s *scenes.Scene) error {
	if len(raw) == 0 {
		return nil
	}
	id, source, start, end := s.ID, s.Source, s.StartTime, s.EndTime
	if err := json.Unmarshal(raw, s); err != nil {
		return fmt.Errorf("decode metadata: %w", err)
	}
	s.ID, s.Source, s.StartTime, s.EndTime = id, source, start, end
	return nil
}

func encodeMetadata(s scenes.Scene) ([]byte, error) {
	return json.Marshal(s)
}

func (st *Store) GetByVideoSource(ctx context.Context, c Collection, source string) ([]scenes.Scene, error) {
	rows, err := st.db.Query(ctx, `
		SELECT `+sceneColumns+` FROM scene_embeddings
		WHERE collection = $1 AND source = $2
		ORDER BY start_time`, c, source)
	if err != nil {
		return nil, fmt.Errorf("query %s scenes of %s: %w", c, source, err)
	}
	return scanScenes(rows)
}

// GetByFace returns the scenes whose faces list contains label. The lookup
// goes through the GIN index on metadata->'faces'.
func (st *Store) GetByFace(ctx context.Context, c Collection, label string) ([]scenes.Scene, error) {
	rows, err := st.db.Query(ctx, `
		SELECT `+sceneColumns+` FROM scene_embeddings
		WHERE collection = $1 AND metadata -> 'faces' ? $2
		ORDER BY source, start_time`, c, label)
	if err != nil {
		return nil, fmt.Errorf("query %s scenes with face %s: %w", c, label, err)
	}
	return scanScenes(rows)
}

// UpdateMetadata rewrites document and metadata of existing rows, leaving
// embeddings untouched. Scenes missing from c are ignored.
func (st *Store) UpdateMetadata(ctx context.Context, c Collection, list []scenes.Scene) error {
	if len(list) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, s := range list {
		meta, err := encodeMetadata(s)
		if err != nil {
			return err
		}
		batch.Queue(`
			UPDATE scene_embeddings SET document = $3, metadata = $4, updated_at = now()
			WHERE collection = $1 AND id = $2`, c, s.ID, s.Document(), meta)
	}
	return st.runBatch(ctx, batch, fmt.Sprintf("update %s metadata", c))
}

// Upsert writes scenes with fresh embeddings.
func (st *Store) Upsert(ctx context.Context, c Collection, records []Record) error {
	if len(records) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, r := range records {
		meta, err := encodeMetadata(r.Scene)
		if err != nil {
			return err
		}
		batch.Queue(`
			INSERT INTO scene_embeddings (collection, id, source, start_time, end_time, document, metadata, embedding)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			ON CONFLICT (collection, id) DO UPDATE SET
				source = EXCLUDED.source,
				start_time = EXCLUDED.start_time,
				end_time = EXCLUDED.end_time,
				document = EXCLUDED.document,
				metadata = EXCLUDED.metadata,
				embedding = EXCLUDED.embedding,
				updated_at = now()`,
			c, r.Scene.ID, r.Scene.Source, r.Scene.StartTime, r.Scene.EndTime,
			r.Scene.Document(), meta, pgvector.NewVector(r.Embedding))
	}
	return st.runBatch(ctx, batch, fmt.Sprintf("upsert %s embeddings", c))
}

func (st *Store) runBatch(ctx context.Context, batch *pgx.Batch, what string) error {
	br := st.db.SendBatch(ctx, batch)
	for i := 0; i < batch.Len(); i++ {
		if _, err := br.Exec(); err != nil {
			_ = br.Close()
			return fmt.Errorf("%s (row %d): %w", what, i, err)
		}
	}
	return br.Close()
}

// CopyMetadata propagates document and metadata of source's scenes from one
// collection to another, matching rows by scene id.
func (st *Store) CopyMetadata(ctx context.Context, from, to Collection, source string) (int64, error) {
	tag, err := st.db.Exec(ctx, `
		UPDATE scene_embeddings dst
		SET document = src.document, metadata = src.metadata, updated_at = now()
		FROM scene_embeddings src
		WHERE src.collection = $1 AND dst.collection = $2
		  AND src.source = $3 AND dst.id = src.id
		  AND dst.metadata IS DISTINCT FROM src.metadata`, from, to, source)
	if err != nil {
		return 0, fmt.Errorf("copy metadata %s -> %s for %s: %w", from, to, source, err)
	}
	return tag.RowsAffected(), nil
}

// DeleteByVideoSource removes source from every collection.
func (st *Store) DeleteByVideoSource(ctx context.Context, source string) (int64, error) {
	tag, err := st.db.Exec(ctx, `DELETE FROM scene_embeddings WHERE source = $1`, source)
	if err != nil {
		return 0, fmt.Errorf("delete scenes of %s: %w", source, err)
	}
	return tag.RowsAffected(), nil
}

// GetVideoWithScenesBySceneIDs resolves scene ids in the primary collection
// and groups them by video.
func (st *Store) GetVideoWithScenesBySceneIDs(ctx context.Context, ids []string) ([]VideoScenes, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	rows, err := st.db.Query(ctx, `
		SELECT `+sceneColumns+` FROM scene_embeddings
		WHERE collection = $1 AND id = ANY($2)
		ORDER BY source, start_time`, Primary, ids)
	if err != nil {
		return nil, fmt.Errorf("query scenes by id: %w", err)
	}
	list, err := scanScenes(rows)
	if err != nil {
		return nil, err
	}
	return groupBySource(list), nil
}

func groupBySource(list []scenes.Scene) []VideoScenes {
	var out []VideoScenes
	for _, s := range list {
		if n := len(out); n > 0 && out[n-1].Source == s.Source {
			out[n-1].Scenes = append(out[n-1].Scenes, s)
			continue
		}
		out = append(out, VideoScenes{Source: s.Source, Scenes: []scenes.Scene{s}})
	}
	return out
}

// Search ranks scenes of c by cosine similarity to query. Hits scoring below
// minScore are dropped.
func (st *Store) Search(ctx context.Context, c Collection, query []float32, limit int, minScore float64) ([]Hit, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := st.db.Query(ctx, `
		SELECT `+sceneColumns+`, 1 - (embedding <=> $2) AS score
		FROM scene_embeddings
		WHERE collection = $1 AND embedding IS NOT NULL
		ORDER BY embedding <=> $2
		LIMIT $3`, c, pgvector.NewVector(query), limit)
	if err != nil {
		return nil, fmt.Errorf("search %s: %w", c, err)
	}
	defer rows.Close()

	var out []Hit
	for rows.Next() {
		var (
			h    Hit
			meta []byte
		)
		if err := rows.Scan(&h.Scene.ID, &h.Scene.Source, &h.Scene.StartTime, &h.Scene.EndTime, &meta, &h.Score); err != nil {
			return nil, err
		}
		if err := decodeMetadata(meta, &h.Scene); err != nil {
			return nil, err
		}
		if h.Score < minScore {
			continue
		}
		out = append(out, h)
	}
	return out, rows.Err()
}
