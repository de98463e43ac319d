package collections

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgtype"

	"thirdcoast.systems/sceneindex/internal/db"
	"thirdcoast.systems/sceneindex/internal/mlservice"
	"thirdcoast.systems/sceneindex/internal/vectorstore"
)

const (
	defaultLimit     = 50
	defaultThreshold = 0.3
)

type Embedder interface {
	Embed(ctx context.Context, req mlservice.EmbedRequest) ([][]float32, error)
}

type Searcher interface {
	Search(ctx context.Context, c vectorstore.Collection, query []float32, limit int, minScore float64) ([]vectorstore.Hit, error)
}

// VectorScorer ranks text-collection scenes against criteria.query.
// criteria.limit and criteria.threshold tune the cut-off; criteria.face keeps
// only scenes carrying that label and criteria.minDuration drops shorter
// scenes (seconds).
type VectorScorer struct {
	ml     Embedder
	search Searcher
}

func NewVectorScorer(ml Embedder, search Searcher) *VectorScorer {
	return &VectorScorer{ml: ml, search: search}
}

func (s *VectorScorer) Score(ctx context.Context, c *db.SmartCollection) ([]db.SmartCollectionItem, error) {
	query := c.Criteria.String("query")
	if query == "" {
		return []db.SmartCollectionItem{}, nil
	}
	vecs, err := s.ml.Embed(ctx, mlservice.EmbedRequest{Modality: mlservice.ModalityText, Texts: []string{query}})
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}
	hits, err := s.search.Search(ctx, vectorstore.Text, vecs[0],
		int(c.Criteria.Float("limit", defaultLimit)), c.Criteria.Float("threshold", defaultThreshold))
	if err != nil {
		return nil, err
	}
	face := c.Criteria.String("face")
	minDuration := c.Criteria.Float("minDuration", 0)
	items := make([]db.SmartCollectionItem, 0, len(hits))
	for _, h := range hits {
		if face != "" && !h.Scene.HasFace(face) {
			continue
		}
		if h.Scene.Duration() < minDuration {
			continue
		}
		items = append(items, db.SmartCollectionItem{SceneID: h.Scene.ID, Source: h.Scene.Source, Score: h.Score})
	}
	return items, nil
}

// DBStore adapts the database connection to Store.
type DBStore struct {
	dbc *db.DatabaseConnection
}

func NewDBStore(dbc *db.DatabaseConnection) *DBStore {
	return &DBStore{dbc: dbc}
}

func (s *DBStore) ListUserIDsWithCollections(ctx context.Context) ([]pgtype.UUID, error) {
	return s.dbc.Queries(ctx).ListUserIDsWithCollections(ctx)
}

func (s *DBStore) ListSmartCollectionsByUser(ctx context.Context, userID pgtype.UUID) ([]*db.SmartCollection, error) {
	return s.dbc.Queries(ctx).ListSmartCollectionsByUser(ctx, userID)
}

func (s *DBStore) ReplaceSmartCollectionItems(ctx context.Context, collectionID pgtype.UUID, items []db.SmartCollectionItem) error {
	return s.dbc.ReplaceSmartCollectionItems(ctx, collectionID, items)
}
