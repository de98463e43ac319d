package vectorstore

import (
	"context"
	"fmt"
	"log/slog"

	"thirdcoast.systems/sceneindex/internal/mlservice"
	"thirdcoast.systems/sceneindex/internal/scenes"
)

// EmbeddingClient produces vectors. *mlservice.Service satisfies it.
type EmbeddingClient interface {
	Embed(ctx context.Context, req mlservice.EmbedRequest) ([][]float32, error)
}

type upserter interface {
	Upsert(ctx context.Context, c Collection, records []Record) error
}

// DefaultBatchSize bounds the scenes sent to the ML service per request.
const DefaultBatchSize = 64

// Indexer embeds scenes and writes them into the collections.
type Indexer struct {
	ml        EmbeddingClient
	store     upserter
	BatchSize int
}

func NewIndexer(ml EmbeddingClient, store upserter) *Indexer {
	return &Indexer{ml: ml, store: store, BatchSize: DefaultBatchSize}
}

// EmbedScenes writes the text collection from each scene's document.
func (ix *Indexer) EmbedScenes(ctx context.Context, videoPath string, list []scenes.Scene) error {
	return ix.embed(ctx, Text, videoPath, list)
}

func (ix *Indexer) EmbedAudioScenes(ctx context.Context, videoPath string, list []scenes.Scene) error {
	return ix.embed(ctx, Audio, videoPath, list)
}

func (ix *Indexer) EmbedVisualScenes(ctx context.Context, videoPath string, list []scenes.Scene) error {
	return ix.embed(ctx, Visual, videoPath, list)
}

// ReembedText regenerates the text embeddings of edited scenes and writes
// them, with their metadata, back to the primary collection.
func (ix *Indexer) ReembedText(ctx context.Context, list []scenes.Scene) error {
	return ix.embed(ctx, Text, "", list)
}

func (ix *Indexer) embed(ctx context.Context, c Collection, videoPath string, list []scenes.Scene) error {
	size := ix.BatchSize
	if size <= 0 {
		size = DefaultBatchSize
	}
	for start := 0; start < len(list); start += size {
		end := min(start+size, len(list))
		chunk := list[start:end]

		vecs, err := ix.ml.Embed(ctx, request(c, videoPath, chunk))
		if err != nil {
			return fmt.Errorf("embed %s scenes %d-%d: %w", c, start, end, err)
		}
		records := make([]Record, len(chunk))
		for i, s := range chunk {
			records[i] = Record{Scene: s, Embedding: vecs[i]}
		}
		if err := ix.store.Upsert(ctx, c, records); err != nil {
			return err
		}
	}
	slog.Debug("scenes embedded", "collection", c, "video_path", videoPath, "scenes", len(list))
	return nil
}

func request(c Collection, videoPath string, chunk []scenes.Scene) mlservice.EmbedRequest {
	switch c {
	case Audio, Visual:
		req := mlservice.EmbedRequest{VideoPath: videoPath, Modality: mlservice.ModalityVisual}
		if c == Audio {
			req.Modality = mlservice.ModalityAudio
		}
		for _, s := range chunk {
			req.Segments = append(req.Segments, mlservice.Segment{Start: s.StartTime, End: s.EndTime})
		}
		return req
	default:
		req := mlservice.EmbedRequest{Modality: mlservice.ModalityText}
		for _, s := range chunk {
			req.Texts = append(req.Texts, s.Document())
		}
		return req
	}
}
