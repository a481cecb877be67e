package dataset

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/headlands-org/go-quicksim/search"
)

func TestMatrixRoundTrip(t *testing.T) {
	set, err := search.NewVectorSet([][]float32{{1, 2, 3}, {-4, 5.5, 0}})
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "items.f32")
	require.NoError(t, WriteMatrix(path, set))

	loaded, err := ReadMatrix(path)
	require.NoError(t, err)
	assert.Equal(t, 2, loaded.Len())
	assert.Equal(t, 3, loaded.Dimension())
	assert.Equal(t, set.Flat(), loaded.Flat())
}

func TestReadMatrixRejectsBadFiles(t *testing.T) {
	dir := t.TempDir()

	garbage := filepath.Join(dir, "garbage.f32")
	require.NoError(t, os.WriteFile(garbage, []byte("not a matrix at all"), 0o644))
	_, err := ReadMatrix(garbage)
	assert.ErrorContains(t, err, "not a float32 matrix")

	_, err = decodeMatrix([]byte{'Q', 'F', '3', '2', 2, 0, 0, 0, 2, 0, 0, 0, 1, 2, 3})
	assert.ErrorContains(t, err, "body")

	_, err = decodeMatrix([]byte{'Q', 'F', '3', '2', 0, 0, 0, 0, 2, 0, 0, 0})
	assert.ErrorIs(t, err, search.ErrDegenerateInput)

	_, err = ReadMatrix(filepath.Join(dir, "missing.f32"))
	assert.Error(t, err)
}

func TestReadJSONL(t *testing.T) {
	input := `{"id": "alpha", "vector": [1, 0]}

{"id": 42, "vector": [0.5, 0.5]}
{"vector": [0, 1]}
`
	labeled, err := ReadJSONL(strings.NewReader(input))
	require.NoError(t, err)
	assert.Equal(t, 3, labeled.Set.Len())
	assert.Equal(t, "alpha", labeled.Label(0))
	assert.Equal(t, "42", labeled.Label(1))
	assert.Equal(t, "2", labeled.Label(2))
	assert.Equal(t, []float32{0.5, 0.5}, labeled.Set.Vector(1))

	var buf bytes.Buffer
	require.NoError(t, WriteJSONL(&buf, labeled))
	again, err := ReadJSONL(&buf)
	require.NoError(t, err)
	assert.Equal(t, labeled.Set.Flat(), again.Set.Flat())
	assert.Equal(t, []string{"alpha", "42", "2"}, again.Labels)
}

func TestReadJSONLErrors(t *testing.T) {
	_, err := ReadJSONL(strings.NewReader(`{"id": 1, "vector": [1, 2]}` + "\n" + `{"id": 2, "vector": [1]}`))
	var mismatch *search.ErrDimensionMismatch
	assert.ErrorAs(t, err, &mismatch)

	_, err = ReadJSONL(strings.NewReader("{broken\n"))
	assert.ErrorContains(t, err, "line 1")

	_, err = ReadJSONL(strings.NewReader(""))
	assert.ErrorIs(t, err, search.ErrDegenerateInput)
}

func TestRandom(t *testing.T) {
	a, err := Random(10, 4, 7)
	require.NoError(t, err)
	b, err := Random(10, 4, 7)
	require.NoError(t, err)
	assert.Equal(t, a.Flat(), b.Flat())
	for _, v := range a.Flat() {
		assert.GreaterOrEqual(t, v, float32(0))
		assert.Less(t, v, float32(1))
	}

	_, err = Random(0, 4, 1)
	assert.ErrorIs(t, err, search.ErrDegenerateInput)
}

// latin1 encodes "Café" as ISO-8859-1.
var latin1Movies = "1::Toy Story (1995)::Animation|Children's|Comedy\n" +
	"2::Caf\xe9 Society (1995)::Drama\n" +
	"3::Heat (1995)::Action|Crime|Thriller\n"

const ratingsDat = "1::1::5::978300760\n" +
	"1::3::1::978302109\n" +
	"2::2::4::978301968\n" +
	"2::999::5::978300275\n"

func TestReadMovies(t *testing.T) {
	movies, err := ReadMovies(strings.NewReader(latin1Movies))
	require.NoError(t, err)
	require.Len(t, movies, 3)
	assert.Equal(t, "Café Society (1995)", movies[1].Title)
	assert.Equal(t, []string{"Animation", "Children's", "Comedy"}, movies[0].Genres)

	_, err = ReadMovies(strings.NewReader("1::only two\n"))
	assert.ErrorContains(t, err, "line 1")
}

func TestReadRatings(t *testing.T) {
	ratings, err := ReadRatings(strings.NewReader(ratingsDat))
	require.NoError(t, err)
	require.Len(t, ratings, 4)
	assert.Equal(t, Rating{UserID: 1, MovieID: 3, Score: 1, Timestamp: 978302109}, ratings[1])

	_, err = ReadRatings(strings.NewReader("1::x::5::0\n"))
	assert.ErrorContains(t, err, "movie id")
}

func TestMovieLensVectors(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "movies.dat"), []byte(latin1Movies), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "ratings.dat"), []byte(ratingsDat), 0o644))

	ml, err := LoadMovieLens(dir)
	require.NoError(t, err)
	id, ok := ml.ItemID(3)
	require.True(t, ok)
	assert.Equal(t, int32(2), id)

	items, err := ml.ItemVectors()
	require.NoError(t, err)
	assert.Equal(t, len(Genres), items.Set.Dimension())
	assert.Equal(t, "Heat (1995)", items.Label(2))
	assert.InDelta(t, 3, sum(items.Set.Vector(0)), 1e-6)

	users, err := ml.UserVectors()
	require.NoError(t, err)
	require.Equal(t, 2, users.Set.Len())
	assert.Equal(t, "user 1", users.Label(0))

	// User 1 loved Toy Story (+2) and disliked Heat (-2).
	comedy := 4
	action := 0
	assert.InDelta(t, 2, users.Set.Vector(0)[comedy], 1e-6)
	assert.InDelta(t, -2, users.Set.Vector(0)[action], 1e-6)
}

func sum(vec []float32) float32 {
	var s float32
	for _, v := range vec {
		s += v
	}
	return s
}
