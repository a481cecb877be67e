package brute

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/headlands-org/go-quicksim/search"
)

func TestQueryByVector(t *testing.T) {
	set, err := search.NewVectorSet([][]float32{{1, 0, 0}, {0, 1, 0}, {0, 0, 1}, {2, 0.1, 0}})
	require.NoError(t, err)
	idx, err := New(set, search.Angular)
	require.NoError(t, err)

	results, err := idx.QueryByVector([]float32{1, 0, 0}, 2)
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, int32(0), results[0].ID)
	assert.Equal(t, int32(3), results[1].ID)
	assert.Equal(t, 1, results[1].Rank)
	assert.InDelta(t, 0, results[0].Distance, 1e-6)
}

func TestQueryByIDExcludesSelf(t *testing.T) {
	set, err := search.NewVectorSet([][]float32{{0, 0}, {1, 0}, {3, 0}})
	require.NoError(t, err)
	idx, err := New(set, search.Euclidean)
	require.NoError(t, err)

	results, err := idx.QueryByID(1, 5)
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, int32(0), results[0].ID)
	assert.Equal(t, int32(2), results[1].ID)
	assert.InDelta(t, 2, results[1].Distance, 1e-6)
}

func TestErrors(t *testing.T) {
	_, err := New(nil, search.Angular)
	assert.ErrorIs(t, err, search.ErrDegenerateInput)

	set, err := search.NewVectorSet([][]float32{{1, 0}})
	require.NoError(t, err)
	idx, err := New(set, search.Angular)
	require.NoError(t, err)

	_, err = idx.QueryByVector([]float32{1}, 1)
	var dm *search.ErrDimensionMismatch
	assert.True(t, errors.As(err, &dm))

	_, err = idx.QueryByID(4, 1)
	var unknown *search.ErrUnknownID
	assert.True(t, errors.As(err, &unknown))

	_, err = idx.QueryByVector([]float32{1, 0}, 0)
	assert.ErrorIs(t, err, search.ErrInvalidK)
}

func TestRecall(t *testing.T) {
	truth := []search.Result{{ID: 1}, {ID: 2}, {ID: 3}, {ID: 4}}
	assert.Equal(t, 1.0, Recall(truth, truth))
	assert.Equal(t, 0.5, Recall(truth, []search.Result{{ID: 1}, {ID: 9}}))
	assert.Equal(t, 0.0, Recall(nil, truth))
	assert.Equal(t, 0.0, Recall(truth, nil))
}
