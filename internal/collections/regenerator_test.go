package collections

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"testing"

	"github.com/jackc/pgx/v5/pgtype"
	"github.com/stretchr/testify/require"

	"thirdcoast.systems/sceneindex/internal/db"
	"thirdcoast.systems/sceneindex/internal/mlservice"
	"thirdcoast.systems/sceneindex/internal/queue"
	"thirdcoast.systems/sceneindex/internal/scenes"
	"thirdcoast.systems/sceneindex/internal/vectorstore"
)

type activeCounts map[string]int

func (a activeCounts) ActiveCount(base string) (int, error) { return a[base], nil }

type memStore struct {
	users       []pgtype.UUID
	collections map[pgtype.UUID][]*db.SmartCollection
	reads       int
	writes      map[pgtype.UUID][]db.SmartCollectionItem
}

func (m *memStore) ListUserIDsWithCollections(ctx context.Context) ([]pgtype.UUID, error) {
	m.reads++
	return m.users, nil
}

func (m *memStore) ListSmartCollectionsByUser(ctx context.Context, userID pgtype.UUID) ([]*db.SmartCollection, error) {
	m.reads++
	return m.collections[userID], nil
}

func (m *memStore) ReplaceSmartCollectionItems(ctx context.Context, id pgtype.UUID, items []db.SmartCollectionItem) error {
	if m.writes == nil {
		m.writes = map[pgtype.UUID][]db.SmartCollectionItem{}
	}
	m.writes[id] = items
	return nil
}

type scorerFunc func(ctx context.Context, c *db.SmartCollection) ([]db.SmartCollectionItem, error)

func (f scorerFunc) Score(ctx context.Context, c *db.SmartCollection) ([]db.SmartCollectionItem, error) {
	return f(ctx, c)
}

func oneItem(ctx context.Context, c *db.SmartCollection) ([]db.SmartCollectionItem, error) {
	return []db.SmartCollectionItem{{SceneID: c.Name + "-scene", Score: 0.9}}, nil
}

func collection(name string, auto bool) *db.SmartCollection {
	return &db.SmartCollection{ID: db.NewUUID(), Name: name, AutoUpdateEnabled: auto}
}

func TestRun_SkipsWithZeroWritesWhenGuardedQueueActive(t *testing.T) {
	for _, q := range GuardedQueues {
		t.Run(q, func(t *testing.T) {
			user := db.NewUUID()
			store := &memStore{
				users:       []pgtype.UUID{user},
				collections: map[pgtype.UUID][]*db.SmartCollection{user: {collection("a", true)}},
			}
			r := NewRegenerator(activeCounts{q: 1}, store, scorerFunc(oneItem))

			res, err := r.Run(context.Background())
			require.NoError(t, err)
			require.True(t, res.Skipped)
			require.Equal(t, []string{q}, res.BusyQueues)
			require.Empty(t, store.writes)
			require.Zero(t, store.reads)
		})
	}
}

func TestRun_IgnoresUnguardedQueues(t *testing.T) {
	user := db.NewUUID()
	store := &memStore{
		users:       []pgtype.UUID{user},
		collections: map[pgtype.UUID][]*db.SmartCollection{user: {collection("a", true)}},
	}
	r := NewRegenerator(activeCounts{queue.Transcription: 3, queue.FaceRename: 1}, store, scorerFunc(oneItem))

	res, err := r.Run(context.Background())
	require.NoError(t, err)
	require.False(t, res.Skipped)
	require.Equal(t, 1, res.Updated)
}

func TestRun_DisabledCollectionDoesNotAbortUser(t *testing.T) {
	u1, u2 := db.NewUUID(), db.NewUUID()
	before, disabled, after := collection("before", true), collection("disabled", false), collection("after", true)
	other := collection("other", true)
	store := &memStore{
		users: []pgtype.UUID{u1, u2},
		collections: map[pgtype.UUID][]*db.SmartCollection{
			u1: {before, disabled, after},
			u2: {other},
		},
	}
	r := NewRegenerator(activeCounts{}, store, scorerFunc(oneItem))
	logs := captureLogs(t)

	res, err := r.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, 3, res.Updated)
	require.Equal(t, 1, res.SkippedCollections)
	require.Contains(t, store.writes, after.ID)
	require.Contains(t, store.writes, other.ID)
	require.NotContains(t, store.writes, disabled.ID)

	var skipped map[string]any
	dec := json.NewDecoder(logs)
	for dec.More() {
		var rec map[string]any
		require.NoError(t, dec.Decode(&rec))
		if rec["msg"] == "auto-update disabled, skipping collection" {
			skipped = rec
		}
	}
	require.NotNil(t, skipped)
	require.Equal(t, "INFO", skipped["level"])
	require.Equal(t, db.UUIDString(disabled.ID), skipped["collection_id"])
	require.Equal(t, db.UUIDString(u1), skipped["user_id"])
}

func captureLogs(t *testing.T) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	prev := slog.Default()
	slog.SetDefault(slog.New(slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})))
	t.Cleanup(func() { slog.SetDefault(prev) })
	return &buf
}

func TestRun_ScoringFailureContinues(t *testing.T) {
	user := db.NewUUID()
	bad, good := collection("bad", true), collection("good", true)
	store := &memStore{
		users:       []pgtype.UUID{user},
		collections: map[pgtype.UUID][]*db.SmartCollection{user: {bad, good}},
	}
	r := NewRegenerator(activeCounts{}, store, scorerFunc(func(ctx context.Context, c *db.SmartCollection) ([]db.SmartCollectionItem, error) {
		if c.Name == "bad" {
			return nil, errors.New("ml unavailable")
		}
		return oneItem(ctx, c)
	}))

	res, err := r.Run(context.Background())
	require.ErrorContains(t, err, "ml unavailable")
	require.Equal(t, 1, res.Updated)
	require.Contains(t, store.writes, good.ID)
}

type fakeEmbed struct{ texts []string }

func (f *fakeEmbed) Embed(ctx context.Context, req mlservice.EmbedRequest) ([][]float32, error) {
	f.texts = append(f.texts, req.Texts...)
	return [][]float32{{1, 0}}, nil
}

type fakeSearch struct {
	limit     int
	threshold float64
}

func (f *fakeSearch) Search(ctx context.Context, c vectorstore.Collection, q []float32, limit int, minScore float64) ([]vectorstore.Hit, error) {
	f.limit, f.threshold = limit, minScore
	return []vectorstore.Hit{
		{Scene: scenes.Scene{ID: "s1", Source: "/m/a.mp4", StartTime: 0, EndTime: 12, Faces: []string{"alice"}}, Score: 0.8},
		{Scene: scenes.Scene{ID: "s2", Source: "/m/a.mp4", StartTime: 12, EndTime: 14, Emotions: []scenes.Emotion{{Name: "alice", Emotion: "happy"}}}, Score: 0.6},
		{Scene: scenes.Scene{ID: "s3", Source: "/m/b.mp4", StartTime: 3, EndTime: 40}, Score: 0.5},
	}, nil
}

func TestVectorScorer(t *testing.T) {
	ml := &fakeEmbed{}
	search := &fakeSearch{}
	s := NewVectorScorer(ml, search)

	items, err := s.Score(context.Background(), &db.SmartCollection{Criteria: db.JSONMap{"query": " dogs on a beach ", "limit": 5.0}})
	require.NoError(t, err)
	require.Equal(t, []string{"dogs on a beach"}, ml.texts)
	require.Equal(t, 5, search.limit)
	require.Equal(t, defaultThreshold, search.threshold)
	require.Len(t, items, 3)
	require.Equal(t, db.SmartCollectionItem{SceneID: "s1", Source: "/m/a.mp4", Score: 0.8}, items[0])

	items, err = s.Score(context.Background(), &db.SmartCollection{Criteria: db.JSONMap{"query": "dogs", "face": "alice"}})
	require.NoError(t, err)
	require.Equal(t, []string{"s1", "s2"}, sceneIDs(items))

	items, err = s.Score(context.Background(), &db.SmartCollection{Criteria: db.JSONMap{"query": "dogs", "face": "alice", "minDuration": 5.0}})
	require.NoError(t, err)
	require.Equal(t, []string{"s1"}, sceneIDs(items))

	items, err = s.Score(context.Background(), &db.SmartCollection{Criteria: db.JSONMap{"query": "dogs", "minDuration": 20.0}})
	require.NoError(t, err)
	require.Equal(t, []string{"s3"}, sceneIDs(items))

	items, err = s.Score(context.Background(), &db.SmartCollection{Criteria: db.JSONMap{}})
	require.NoError(t, err)
	require.Empty(t, items)
}

func sceneIDs(items []db.SmartCollectionItem) []string {
	out := []string{}
	for _, it := range items {
		out = append(out, it.SceneID)
	}
	return out
}
