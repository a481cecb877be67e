package dataset

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"

	"golang.org/x/text/encoding/charmap"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"

	"github.com/headlands-org/go-quicksim/search"
)

const movieLensSep = "::"

// Genres lists the MovieLens 1M genre vocabulary in vector order.
var Genres = []string{
	"Action", "Adventure", "Animation", "Children's", "Comedy", "Crime",
	"Documentary", "Drama", "Fantasy", "Film-Noir", "Horror", "Musical",
	"Mystery", "Romance", "Sci-Fi", "Thriller", "War", "Western",
}

// Movie is one row of movies.dat.
type Movie struct {
	ID     int
	Title  string
	Genres []string
}

// Rating is one row of ratings.dat.
type Rating struct {
	UserID    int
	MovieID   int
	Score     float32
	Timestamp int64
}

// ReadMovies parses movies.dat. The file is ISO-8859-1; titles are returned
// as NFC-normalised UTF-8.
func ReadMovies(r io.Reader) ([]Movie, error) {
	var movies []Movie
	err := scanFields(transform.NewReader(r, charmap.ISO8859_1.NewDecoder()), 3, func(fields []string) error {
		id, err := strconv.Atoi(fields[0])
		if err != nil {
			return fmt.Errorf("movie id %q: %w", fields[0], err)
		}
		var genres []string
		if fields[2] != "" {
			genres = strings.Split(fields[2], "|")
		}
		movies = append(movies, Movie{ID: id, Title: norm.NFC.String(fields[1]), Genres: genres})
		return nil
	})
	return movies, err
}

// ReadRatings parses ratings.dat.
func ReadRatings(r io.Reader) ([]Rating, error) {
	var ratings []Rating
	err := scanFields(r, 4, func(fields []string) error {
		user, err := strconv.Atoi(fields[0])
		if err != nil {
			return fmt.Errorf("user id %q: %w", fields[0], err)
		}
		movie, err := strconv.Atoi(fields[1])
		if err != nil {
			return fmt.Errorf("movie id %q: %w", fields[1], err)
		}
		score, err := strconv.ParseFloat(fields[2], 32)
		if err != nil {
			return fmt.Errorf("rating %q: %w", fields[2], err)
		}
		ts, err := strconv.ParseInt(fields[3], 10, 64)
		if err != nil {
			return fmt.Errorf("timestamp %q: %w", fields[3], err)
		}
		ratings = append(ratings, Rating{UserID: user, MovieID: movie, Score: float32(score), Timestamp: ts})
		return nil
	})
	return ratings, err
}

func scanFields(r io.Reader, n int, fn func(fields []string) error) error {
	scanner := bufio.NewScanner(r)
	line := 0
	for scanner.Scan() {
		line++
		text := strings.TrimRight(scanner.Text(), "\r")
		if text == "" {
			continue
		}
		fields := strings.Split(text, movieLensSep)
		if len(fields) != n {
			return fmt.Errorf("dataset: line %d: %d fields, want %d", line, len(fields), n)
		}
		if err := fn(fields); err != nil {
			return fmt.Errorf("dataset: line %d: %w", line, err)
		}
	}
	return scanner.Err()
}

// MovieLens holds the movies and ratings of a MovieLens 1M directory.
type MovieLens struct {
	Movies  []Movie
	Ratings []Rating

	index map[int]int32
}

// LoadMovieLens reads movies.dat and ratings.dat from dir.
func LoadMovieLens(dir string) (*MovieLens, error) {
	movies, err := readFile(filepath.Join(dir, "movies.dat"), ReadMovies)
	if err != nil {
		return nil, err
	}
	ratings, err := readFile(filepath.Join(dir, "ratings.dat"), ReadRatings)
	if err != nil {
		return nil, err
	}
	return NewMovieLens(movies, ratings), nil
}

func readFile[T any](path string, parse func(io.Reader) (T, error)) (T, error) {
	var zero T
	f, err := os.Open(path)
	if err != nil {
		return zero, err
	}
	defer f.Close()
	out, err := parse(f)
	if err != nil {
		return zero, fmt.Errorf("%s: %w", filepath.Base(path), err)
	}
	return out, nil
}

// NewMovieLens indexes movies in file order: movie i gets dense id i.
func NewMovieLens(movies []Movie, ratings []Rating) *MovieLens {
	index := make(map[int]int32, len(movies))
	for i, m := range movies {
		index[m.ID] = int32(i)
	}
	return &MovieLens{Movies: movies, Ratings: ratings, index: index}
}

// ItemID returns the dense id of a MovieLens movie id.
func (ml *MovieLens) ItemID(movieID int) (int32, bool) {
	id, ok := ml.index[movieID]
	return id, ok
}

// ItemVectors returns one multi-hot genre vector per movie, labeled by title.
func (ml *MovieLens) ItemVectors() (*Labeled, error) {
	dim := len(Genres)
	data := make([]float32, len(ml.Movies)*dim)
	labels := make([]string, len(ml.Movies))
	for i, m := range ml.Movies {
		labels[i] = m.Title
		for _, g := range m.Genres {
			if j := slices.Index(Genres, g); j >= 0 {
				data[i*dim+j] = 1
			}
		}
	}
	set, err := search.NewVectorSetFlat(dim, data)
	if err != nil {
		return nil, err
	}
	return &Labeled{Set: set, Labels: labels}, nil
}

// UserVectors returns a genre taste vector per user, in ascending user id
// order: the sum of each rated movie's genre vector weighted by how far the
// rating sits from the neutral score of 3.
func (ml *MovieLens) UserVectors() (*Labeled, error) {
	items, err := ml.ItemVectors()
	if err != nil {
		return nil, err
	}
	dim := items.Set.Dimension()

	rows := make(map[int][]float32)
	for _, r := range ml.Ratings {
		item, ok := ml.index[r.MovieID]
		if !ok {
			continue
		}
		row, ok := rows[r.UserID]
		if !ok {
			row = make([]float32, dim)
			rows[r.UserID] = row
		}
		weight := r.Score - 3
		for j, v := range items.Set.Vector(item) {
			row[j] += weight * v
		}
	}
	if len(rows) == 0 {
		return nil, search.Degenerate("dataset: no ratings reference known movies")
	}

	users := make([]int, 0, len(rows))
	for u := range rows {
		users = append(users, u)
	}
	slices.Sort(users)
	vectors := make([][]float32, len(users))
	labels := make([]string, len(users))
	for i, u := range users {
		vectors[i] = rows[u]
		labels[i] = "user " + strconv.Itoa(u)
	}
	set, err := search.NewVectorSet(vectors)
	if err != nil {
		return nil, err
	}
	return &Labeled{Set: set, Labels: labels}, nil
}
