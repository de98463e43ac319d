package db

import (
	"context"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
)

func (q *Queries) GetUserByID(ctx context.Context, id pgtype.UUID) (*User, error) {
	var u User
	err := q.db.QueryRow(ctx, `SELECT id, email, name, enabled, created_at FROM users WHERE id = $1`, id).
		Scan(&u.ID, &u.Email, &u.Name, &u.Enabled, &u.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &u, nil
}

// NewUserParams contains the parameters for creating a new user
type NewUserParams struct {
	Email string
	Name  string
}

// NewUser creates an enabled user with a fresh id.
func (q *Queries) NewUser(ctx context.Context, params NewUserParams) (*User, error) {
	var u User
	err := q.db.QueryRow(ctx, `
		INSERT INTO users (id, email, name) VALUES ($1, $2, $3)
		RETURNING id, email, name, enabled, created_at`,
		NewUUID(), strings.ToLower(strings.TrimSpace(params.Email)), strings.TrimSpace(params.Name)).
		Scan(&u.ID, &u.Email, &u.Name, &u.Enabled, &u.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &u, nil
}

// ListUserIDsWithCollections returns users owning at least one smart collection.
func (q *Queries) ListUserIDsWithCollections(ctx context.Context) ([]pgtype.UUID, error) {
	rows, err := q.db.Query(ctx, `SELECT DISTINCT user_id FROM smart_collections ORDER BY user_id`)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, pgx.RowTo[pgtype.UUID])
}
