package db

import (
	"context"
	"embed"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
)

// DatabaseConnection is the shared pool every store and command works through.
type DatabaseConnection struct {
	*pgxpool.Pool
}

// NewDatabaseConnection wraps a pool that application.OpenDBPoolWithRetry has
// already brought up, checking it once more so a pool handed over from a test
// or a tool fails here and not on its first query.
func NewDatabaseConnection(ctx context.Context, pool *pgxpool.Pool) (*DatabaseConnection, error) {
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return &DatabaseConnection{pool}, nil
}

func (db *DatabaseConnection) Close() {
	db.Pool.Close()
}

func (db *DatabaseConnection) Queries(ctx context.Context) *Queries {
	return New(db)
}

// InTx runs fn against queries bound to one transaction, committing when fn
// returns nil and rolling back otherwise.
func (db *DatabaseConnection) InTx(ctx context.Context, fn func(q *Queries) error) error {
	return pgx.BeginFunc(ctx, db.Pool, func(tx pgx.Tx) error {
		return fn(New(tx))
	})
}

//go:embed sql/migrations/*.sql
var embedMigrations embed.FS

// migrationPlan is where Migrate should take the schema. GOOSE_DOWN_TO wins
// over GOOSE_UP_TO; with neither set the schema goes to the latest version.
type migrationPlan struct {
	version int64
	down    bool
}

func planMigration(lookup func(string) (string, bool)) (migrationPlan, error) {
	if v, ok := lookup("GOOSE_DOWN_TO"); ok {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return migrationPlan{}, fmt.Errorf("parse GOOSE_DOWN_TO version: %w", err)
		}
		return migrationPlan{version: n, down: true}, nil
	}
	if v, ok := lookup("GOOSE_UP_TO"); ok {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return migrationPlan{}, fmt.Errorf("parse GOOSE_UP_TO version: %w", err)
		}
		return migrationPlan{version: n}, nil
	}
	return migrationPlan{version: goose.MaxVersion}, nil
}

// Migrate applies the embedded job, catalog and collection migrations.
func (db *DatabaseConnection) Migrate(ctx context.Context) error {
	plan, err := planMigration(os.LookupEnv)
	if err != nil {
		return err
	}

	migrations, err := fs.Sub(embedMigrations, "sql/migrations")
	if err != nil {
		return err
	}
	provider, err := goose.NewProvider(goose.DialectPostgres, stdlib.OpenDBFromPool(db.Pool), migrations)
	if err != nil {
		return fmt.Errorf("load migrations: %w", err)
	}
	defer provider.Close()

	current, latest, err := provider.GetVersions(ctx)
	if err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}
	slog.Info("schema version", "current", current, "latest", latest, "sources", len(provider.ListSources()))

	var results []*goose.MigrationResult
	switch {
	case plan.down:
		results, err = provider.DownTo(ctx, plan.version)
	case current >= latest:
		return nil
	default:
		results, err = provider.UpTo(ctx, plan.version)
	}
	for _, r := range results {
		slog.Info("migration applied", "source", r.Source.Path, "version", r.Source.Version, "direction", r.Direction, "took", r.Duration)
	}
	return err
}
