package main

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/headlands-org/go-quicksim/internal/config"
	"github.com/headlands-org/go-quicksim/internal/store"
	"github.com/headlands-org/go-quicksim/search"
)

func TestTruncateKeepsRunesWhole(t *testing.T) {
	title := "Château de la Reine Margot, La (1994) édition spéciale"
	for max := 1; max < utf8.RuneCountInString(title); max++ {
		got := truncate(title, max)
		require.True(t, utf8.ValidString(got), "max %d produced %q", max, got)
		assert.Equal(t, max, utf8.RuneCountInString(strings.TrimSuffix(got, "...")))
	}
	assert.Equal(t, "Amélie (2001)", truncate("Amélie (2001)", 13))
	assert.Equal(t, "Amé...", truncate("Amélie (2001)", 3))
}

func TestDatabasePath(t *testing.T) {
	cfg := config.Default()
	cfg.Storage.DatabasePath = "/var/lib/quicksim/runs.db"

	assert.Equal(t, "", databasePath(cfg, "", false))
	assert.Equal(t, "/var/lib/quicksim/runs.db", databasePath(cfg, "", true))
	assert.Equal(t, "other.db", databasePath(cfg, "other.db", false))
	assert.Equal(t, "other.db", databasePath(cfg, "other.db", true))
}

func TestStoredNeighborsReadsLatestRun(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "runs.db")

	db, err := store.Open(path)
	require.NoError(t, err)
	require.NoError(t, db.EnsureSchema(ctx))
	_, err = db.SaveRun(ctx, store.Run{Kind: "similar", K: 2, Trees: 3}, map[int32][]search.Result{
		7: {{ID: 1, Rank: 0, Distance: 0.5}},
	})
	require.NoError(t, err)
	latest, err := db.SaveRun(ctx, store.Run{Kind: "similar", K: 2, Trees: 4}, map[int32][]search.Result{
		7: {{ID: 3, Rank: 0, Distance: 0.1}, {ID: 9, Rank: 1, Distance: 0.2}},
	})
	require.NoError(t, err)
	require.NoError(t, db.Close())

	run, results, err := storedNeighbors(ctx, path, "similar", 7)
	require.NoError(t, err)
	assert.Equal(t, latest, run.ID)
	assert.Equal(t, 4, run.Trees)
	assert.Equal(t, []search.Result{
		{ID: 3, Rank: 0, Distance: 0.1},
		{ID: 9, Rank: 1, Distance: 0.2},
	}, results)

	_, _, err = storedNeighbors(ctx, path, "recommend", 7)
	assert.ErrorIs(t, err, store.ErrNoRun)

	_, _, err = storedNeighbors(ctx, filepath.Join(t.TempDir(), "missing.db"), "similar", 7)
	assert.Error(t, err)
}
