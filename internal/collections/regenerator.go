// Package collections regenerates smart collections. The run is guarded: it
// refuses to start while the embedding side of the pipeline is busy, since
// it would score against a moving target.
package collections

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/hibiken/asynq"
	"github.com/jackc/pgx/v5/pgtype"

	"thirdcoast.systems/sceneindex/internal/db"
	"thirdcoast.systems/sceneindex/internal/queue"
)

// GuardedQueues must be idle for a run to proceed.
var GuardedQueues = []string{queue.VisualEmbedding, queue.TextEmbedding, queue.FrameAnalysis, queue.AudioEmbedding}

// ActiveCounter is satisfied by *queue.Inspector.
type ActiveCounter interface {
	ActiveCount(base string) (int, error)
}

type Store interface {
	ListUserIDsWithCollections(ctx context.Context) ([]pgtype.UUID, error)
	ListSmartCollectionsByUser(ctx context.Context, userID pgtype.UUID) ([]*db.SmartCollection, error)
	ReplaceSmartCollectionItems(ctx context.Context, collectionID pgtype.UUID, items []db.SmartCollectionItem) error
}

// Scorer computes the items of one collection.
type Scorer interface {
	Score(ctx context.Context, c *db.SmartCollection) ([]db.SmartCollectionItem, error)
}

type Result struct {
	Skipped            bool     `json:"skipped"`
	BusyQueues         []string `json:"busyQueues,omitempty"`
	Users              int      `json:"users"`
	Updated            int      `json:"updated"`
	SkippedCollections int      `json:"skippedCollections"`
}

type Regenerator struct {
	active ActiveCounter
	store  Store
	scorer Scorer
}

func NewRegenerator(active ActiveCounter, store Store, scorer Scorer) *Regenerator {
	return &Regenerator{active: active, store: store, scorer: scorer}
}

// Run regenerates every auto-updating collection of every user. Collections
// with auto-update disabled are skipped and the run continues with the next
// one. A collection that fails to score does not stop the others; the
// failures are returned together.
func (r *Regenerator) Run(ctx context.Context) (*Result, error) {
	res := &Result{}
	for _, q := range GuardedQueues {
		n, err := r.active.ActiveCount(q)
		if err != nil {
			return nil, fmt.Errorf("check %s: %w", q, err)
		}
		if n > 0 {
			res.BusyQueues = append(res.BusyQueues, q)
		}
	}
	if len(res.BusyQueues) > 0 {
		res.Skipped = true
		slog.Info("smart collection regeneration skipped, pipeline busy", "busy_queues", res.BusyQueues)
		return res, nil
	}

	users, err := r.store.ListUserIDsWithCollections(ctx)
	if err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}

	var errs []error
	for _, user := range users {
		res.Users++
		list, err := r.store.ListSmartCollectionsByUser(ctx, user)
		if err != nil {
			errs = append(errs, fmt.Errorf("list collections of %s: %w", db.UUIDString(user), err))
			continue
		}
		for _, c := range list {
			if !c.AutoUpdateEnabled {
				res.SkippedCollections++
				slog.Info("auto-update disabled, skipping collection", "collection_id", db.UUIDString(c.ID), "user_id", db.UUIDString(user))
				continue
			}
			items, err := r.scorer.Score(ctx, c)
			if err != nil {
				errs = append(errs, fmt.Errorf("score %s: %w", c.Name, err))
				continue
			}
			if err := r.store.ReplaceSmartCollectionItems(ctx, c.ID, items); err != nil {
				errs = append(errs, fmt.Errorf("write %s: %w", c.Name, err))
				continue
			}
			res.Updated++
		}
	}

	slog.Info("smart collections regenerated",
		"users", res.Users, "updated", res.Updated, "skipped_collections", res.SkippedCollections, "failures", len(errs))
	return res, errors.Join(errs...)
}

// Handler runs the regenerator as the smart-collections queue task.
func (r *Regenerator) Handler() asynq.Handler {
	return asynq.HandlerFunc(func(ctx context.Context, t *asynq.Task) error {
		_, err := r.Run(ctx)
		return err
	})
}
