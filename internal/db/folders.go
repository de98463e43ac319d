package db

import (
	"context"
	"path/filepath"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
)

const folderColumns = `id, user_id, path, watch, last_scanned_at, created_at`

func scanFolder(row pgx.Row) (*Folder, error) {
	var f Folder
	if err := row.Scan(&f.ID, &f.UserID, &f.Path, &f.Watch, &f.LastScannedAt, &f.CreatedAt); err != nil {
		return nil, err
	}
	return &f, nil
}

func (q *Queries) GetFolderByID(ctx context.Context, id pgtype.UUID) (*Folder, error) {
	return scanFolder(q.db.QueryRow(ctx, `SELECT `+folderColumns+` FROM folders WHERE id = $1`, id))
}

func (q *Queries) GetFolderByPath(ctx context.Context, path string) (*Folder, error) {
	return scanFolder(q.db.QueryRow(ctx, `SELECT `+folderColumns+` FROM folders WHERE path = $1`, filepath.Clean(path)))
}

// FindFolderForVideo returns the deepest registered folder containing videoPath.
func (q *Queries) FindFolderForVideo(ctx context.Context, videoPath string) (*Folder, error) {
	return scanFolder(q.db.QueryRow(ctx, `
		SELECT `+folderColumns+` FROM folders
		WHERE starts_with($1, rtrim(path, '/') || '/')
		ORDER BY length(path) DESC
		LIMIT 1`, filepath.Clean(videoPath)))
}

type CreateFolderParams struct {
	UserID pgtype.UUID
	Path   string
	Watch  bool
}

func (q *Queries) CreateFolder(ctx context.Context, p CreateFolderParams) (*Folder, error) {
	return scanFolder(q.db.QueryRow(ctx, `
		INSERT INTO folders (id, user_id, path, watch) VALUES ($1, $2, $3, $4)
		RETURNING `+folderColumns,
		NewUUID(), p.UserID, filepath.Clean(p.Path), p.Watch))
}

func (q *Queries) ListWatchedFolders(ctx context.Context) ([]*Folder, error) {
	rows, err := q.db.Query(ctx, `SELECT `+folderColumns+` FROM folders WHERE watch ORDER BY path`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Folder
	for rows.Next() {
		f, err := scanFolder(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

func (q *Queries) TouchFolderScanned(ctx context.Context, id pgtype.UUID) error {
	_, err := q.db.Exec(ctx, `UPDATE folders SET last_scanned_at = now() WHERE id = $1`, id)
	return err
}
