package store

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/headlands-org/go-quicksim/search"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "quicksim.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	require.NoError(t, db.EnsureSchema(context.Background()))
	return db
}

func TestSaveAndReadRun(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)

	results := map[int32][]search.Result{
		0: {{ID: 4, Rank: 0, Distance: 0.1}, {ID: 2, Rank: 1, Distance: 0.25}},
		1: {{ID: 3, Rank: 0, Distance: 0.5}},
		2: nil,
	}
	runID, err := db.SaveRun(ctx, Run{Kind: "recommend", K: 2, Trees: 10}, results)
	require.NoError(t, err)

	run, err := db.LatestRun(ctx, "recommend")
	require.NoError(t, err)
	assert.Equal(t, runID, run.ID)
	assert.Equal(t, 2, run.K)
	assert.Equal(t, 10, run.Trees)
	assert.False(t, run.Created.IsZero())

	got, err := db.Neighbors(ctx, runID, 0)
	require.NoError(t, err)
	assert.Equal(t, results[0], got)

	got, err = db.Neighbors(ctx, runID, 2)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestLatestRunPicksNewest(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t)

	first, err := db.SaveRun(ctx, Run{Kind: "similar", K: 5, Trees: 3}, nil)
	require.NoError(t, err)
	second, err := db.SaveRun(ctx, Run{Kind: "similar", K: 7, Trees: 3}, nil)
	require.NoError(t, err)
	assert.Greater(t, second, first)

	run, err := db.LatestRun(ctx, "similar")
	require.NoError(t, err)
	assert.Equal(t, second, run.ID)
	assert.Equal(t, 7, run.K)

	_, err = db.LatestRun(ctx, "recommend")
	assert.ErrorIs(t, err, ErrNoRun)
}

func TestEnsureSchemaIsIdempotent(t *testing.T) {
	db := openTestDB(t)
	assert.NoError(t, db.EnsureSchema(context.Background()))
}

func TestSaveRunCanceled(t *testing.T) {
	db := openTestDB(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := db.SaveRun(ctx, Run{Kind: "recommend", K: 1, Trees: 1}, map[int32][]search.Result{0: {{ID: 1}}})
	assert.Error(t, err)
}
