package db

import (
	"testing"

	"github.com/pressly/goose/v3"
	"github.com/stretchr/testify/require"
)

func TestPlanMigration(t *testing.T) {
	env := func(vars map[string]string) func(string) (string, bool) {
		return func(k string) (string, bool) {
			v, ok := vars[k]
			return v, ok
		}
	}

	plan, err := planMigration(env(nil))
	require.NoError(t, err)
	require.Equal(t, migrationPlan{version: goose.MaxVersion}, plan)

	plan, err = planMigration(env(map[string]string{"GOOSE_UP_TO": "2"}))
	require.NoError(t, err)
	require.Equal(t, migrationPlan{version: 2}, plan)

	plan, err = planMigration(env(map[string]string{"GOOSE_UP_TO": "3", "GOOSE_DOWN_TO": "1"}))
	require.NoError(t, err)
	require.Equal(t, migrationPlan{version: 1, down: true}, plan)

	_, err = planMigration(env(map[string]string{"GOOSE_DOWN_TO": "latest"}))
	require.ErrorContains(t, err, "GOOSE_DOWN_TO")
	_, err = planMigration(env(map[string]string{"GOOSE_UP_TO": ""}))
	require.ErrorContains(t, err, "GOOSE_UP_TO")
}

func TestEmbeddedMigrationsAreOrdered(t *testing.T) {
	entries, err := embedMigrations.ReadDir("sql/migrations")
	require.NoError(t, err)
	require.NotEmpty(t, entries)
	for i, e := range entries {
		v, err := goose.NumericComponent(e.Name())
		require.NoError(t, err, e.Name())
		require.Equal(t, int64(i+1), v, e.Name())
	}
}
