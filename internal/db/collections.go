package db

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgtype"
)

func (q *Queries) ListSmartCollectionsByUser(ctx context.Context, userID pgtype.UUID) ([]*SmartCollection, error) {
	rows, err := q.db.Query(ctx, `
		SELECT id, user_id, name, criteria, auto_update_enabled, updated_at
		FROM smart_collections WHERE user_id = $1 ORDER BY name`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*SmartCollection
	for rows.Next() {
		var c SmartCollection
		if err := rows.Scan(&c.ID, &c.UserID, &c.Name, &c.Criteria, &c.AutoUpdateEnabled, &c.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, &c)
	}
	return out, rows.Err()
}

func (q *Queries) deleteSmartCollectionItems(ctx context.Context, collectionID pgtype.UUID) error {
	_, err := q.db.Exec(ctx, `DELETE FROM smart_collection_items WHERE collection_id = $1`, collectionID)
	return err
}

func (q *Queries) insertSmartCollectionItem(ctx context.Context, collectionID pgtype.UUID, item SmartCollectionItem) error {
	_, err := q.db.Exec(ctx, `
		INSERT INTO smart_collection_items (collection_id, scene_id, source, score)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (collection_id, scene_id) DO UPDATE SET score = EXCLUDED.score`,
		collectionID, item.SceneID, item.Source, item.Score)
	return err
}

func (q *Queries) touchSmartCollection(ctx context.Context, collectionID pgtype.UUID) error {
	_, err := q.db.Exec(ctx, `UPDATE smart_collections SET updated_at = now() WHERE id = $1`, collectionID)
	return err
}

// ReplaceSmartCollectionItems swaps a collection's items in one transaction.
func (db *DatabaseConnection) ReplaceSmartCollectionItems(ctx context.Context, collectionID pgtype.UUID, items []SmartCollectionItem) error {
	return db.InTx(ctx, func(q *Queries) error {
		if err := q.deleteSmartCollectionItems(ctx, collectionID); err != nil {
			return fmt.Errorf("clear collection items: %w", err)
		}
		for _, item := range items {
			if err := q.insertSmartCollectionItem(ctx, collectionID, item); err != nil {
				return fmt.Errorf("insert collection item %s: %w", item.SceneID, err)
			}
		}
		return q.touchSmartCollection(ctx, collectionID)
	})
}
