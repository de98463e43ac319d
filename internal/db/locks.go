package db

import (
	"context"
	"fmt"
	"hash/fnv"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

func advisoryLockID(scope, id string) int64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(scope))
	_, _ = h.Write([]byte(":"))
	_, _ = h.Write([]byte(id))
	return int64(h.Sum64())
}

// VideoLocker serialises work on one video across processes with session
// level advisory locks. The connection holding a lock is pinned until unlock.
type VideoLocker struct {
	dbc   *DatabaseConnection
	scope string
}

func NewVideoLocker(dbc *DatabaseConnection, scope string) *VideoLocker {
	return &VideoLocker{dbc: dbc, scope: scope}
}

// Lock blocks until the lock for videoPath is held or ctx is done.
func (l *VideoLocker) Lock(ctx context.Context, videoPath string) (func(), error) {
	conn, err := l.dbc.Pool.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquire lock connection: %w", err)
	}
	key := advisoryLockID(l.scope, videoPath)
	if _, err := conn.Exec(ctx, `SELECT pg_advisory_lock($1)`, key); err != nil {
		conn.Release()
		return nil, fmt.Errorf("advisory lock %s: %w", videoPath, err)
	}
	return unlocker(pooledConn{conn}, key, videoPath), nil
}

// lockConn is the pinned connection a session lock lives on.
type lockConn interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Close(ctx context.Context) error
	Release()
}

type pooledConn struct {
	*pgxpool.Conn
}

func (c pooledConn) Close(ctx context.Context) error {
	return c.Conn.Conn().Close(ctx)
}

// unlocker releases key on conn. When the unlock statement fails the session
// may still hold the lock, so the connection is closed instead of going back
// to the pool; closing the session drops its advisory locks.
func unlocker(conn lockConn, key int64, videoPath string) func() {
	return func() {
		unlockCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if _, err := conn.Exec(unlockCtx, `SELECT pg_advisory_unlock($1)`, key); err != nil {
			slog.Warn("advisory unlock failed, closing connection", "video_path", videoPath, "error", err)
			if cerr := conn.Close(unlockCtx); cerr != nil {
				slog.Error("failed to close lock connection", "video_path", videoPath, "error", cerr)
			}
		}
		conn.Release()
	}
}
