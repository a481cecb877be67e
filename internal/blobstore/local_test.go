package blobstore

import (
	"context"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/headlands-org/go-quicksim/search"
	"github.com/headlands-org/go-quicksim/search/annoy"
)

func TestLocalStore(t *testing.T) {
	ctx := context.Background()
	store := NewLocalStore(t.TempDir())

	names, err := store.List(ctx, "")
	require.NoError(t, err)
	assert.Empty(t, names)

	require.NoError(t, store.Put(ctx, "a/one.qsim", []byte("one")))
	require.NoError(t, store.Put(ctx, "a/two.qsim", []byte("two")))
	require.NoError(t, store.Put(ctx, "b.qsim", []byte("b")))
	require.NoError(t, store.Put(ctx, "a/one.qsim", []byte("uno")))

	data, err := store.Get(ctx, "a/one.qsim")
	require.NoError(t, err)
	assert.Equal(t, []byte("uno"), data)

	names, err = store.List(ctx, "a/")
	require.NoError(t, err)
	assert.Equal(t, []string{"a/one.qsim", "a/two.qsim"}, names)

	require.NoError(t, store.Delete(ctx, "a/two.qsim"))
	require.NoError(t, store.Delete(ctx, "a/two.qsim"))
	_, err = store.Get(ctx, "a/two.qsim")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestLocalStoreMissingRoot(t *testing.T) {
	store := NewLocalStore(t.TempDir() + "/absent")
	names, err := store.List(context.Background(), "")
	require.NoError(t, err)
	assert.Empty(t, names)
}

func TestForestRoundTrip(t *testing.T) {
	ctx := context.Background()
	rng := rand.New(rand.NewSource(1))
	data := make([]float32, 100*4)
	for i := range data {
		data[i] = rng.Float32()
	}
	set, err := search.NewVectorSetFlat(4, data)
	require.NoError(t, err)
	forest := annoy.NewForest(annoy.WithNumTrees(3))
	require.NoError(t, forest.Build(ctx, set))

	store := NewLocalStore(t.TempDir())
	n, err := PutForest(ctx, store, "items.qsim", forest, annoy.CompressionZSTD)
	require.NoError(t, err)
	assert.Positive(t, n)

	loaded, err := GetForest(ctx, store, "items.qsim")
	require.NoError(t, err)
	require.NoError(t, loaded.Validate(4, 100))

	want, err := forest.QueryByID(3, 5)
	require.NoError(t, err)
	got, err := loaded.QueryByID(3, 5)
	require.NoError(t, err)
	assert.Equal(t, want, got)

	_, err = GetForest(ctx, store, "missing.qsim")
	assert.ErrorIs(t, err, ErrNotFound)
}
