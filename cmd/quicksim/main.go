package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/headlands-org/go-quicksim/internal/blobstore"
	miniostore "github.com/headlands-org/go-quicksim/internal/blobstore/minio"
	"github.com/headlands-org/go-quicksim/internal/config"
	"github.com/headlands-org/go-quicksim/internal/dataset"
	"github.com/headlands-org/go-quicksim/internal/logging"
	"github.com/headlands-org/go-quicksim/internal/store"
	"github.com/headlands-org/go-quicksim/recommend"
	"github.com/headlands-org/go-quicksim/search"
	"github.com/headlands-org/go-quicksim/search/annoy"
	"github.com/headlands-org/go-quicksim/search/brute"
)

func usage() {
	fmt.Fprintf(os.Stderr, `quicksim commands:

  build      Build a forest over item vectors and save it
  similar    Find the most similar items for one item or for all items
  recommend  Rank items for users by inner product
  eval       Measure forest recall against an exact scan

Vectors come from a .f32 matrix, a JSON lines file, a MovieLens 1M
directory or a seeded random generator.

Example:
  %[1]s build -random 100000 -dim 16 -output items.qsim
  %[1]s similar -index items.qsim -id 42 -top 10
  %[1]s similar -index items.qsim -all -store
  %[1]s similar -from-db -id 42 -movielens data/ml-1m
  %[1]s recommend -movielens data/ml-1m -top 10 -show 5 -store
  %[1]s recommend -from-db -user 7 -movielens data/ml-1m
  %[1]s eval -index items.qsim -top 10 -samples 200

`, filepath.Base(os.Args[0]))
	os.Exit(2)
}

func main() {
	log.SetFlags(0)
	if len(os.Args) < 2 {
		usage()
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	switch os.Args[1] {
	case "build":
		runBuild(ctx, os.Args[2:])
	case "similar":
		runSimilar(ctx, os.Args[2:])
	case "recommend":
		runRecommend(ctx, os.Args[2:])
	case "eval":
		runEval(ctx, os.Args[2:])
	default:
		usage()
	}
}

func runBuild(ctx context.Context, args []string) {
	fs := flag.NewFlagSet("build", flag.ExitOnError)
	common := addCommonFlags(fs)
	input := addInputFlags(fs, "vectors", "Path to item vectors (.f32 or .jsonl)")
	movielens := fs.String("movielens", "", "Build over the movie genre vectors of a MovieLens 1M directory")
	output := fs.String("output", "", "Index name (default: storage.index_path)")
	if err := fs.Parse(args); err != nil {
		log.Fatal(err)
	}
	cfg, logger := common.load(fs)
	defer logger.Sync()

	start := time.Now()
	var items *dataset.Labeled
	if *movielens != "" {
		items = loadLabels("", *movielens)
	} else {
		var err error
		if items, err = input.load(); err != nil {
			log.Fatalf("load vectors: %v", err)
		}
	}
	loadDur := time.Since(start)

	buildStart := time.Now()
	forest := annoy.NewForest(forestOptions(cfg, logger)...)
	if err := forest.Build(ctx, items.Set); err != nil {
		log.Fatalf("build index: %v", err)
	}
	buildDur := time.Since(buildStart)

	saveStart := time.Now()
	bs, name := openStore(ctx, cfg, *output)
	size, err := blobstore.PutForest(ctx, bs, name, forest, cfg.Compression())
	if err != nil {
		log.Fatalf("save index: %v", err)
	}
	saveDur := time.Since(saveStart)

	stats := forest.Stats()
	fmt.Printf("Built index for %d vectors (dim=%d)\n", forest.Count(), forest.Dimension())
	fmt.Printf("  trees:         %d (%d leaves, largest %d)\n", stats.Trees, stats.Leaves, stats.MaxLeaf)
	fmt.Printf("  load vectors:  %s\n", loadDur.Truncate(time.Millisecond))
	fmt.Printf("  build trees:   %s\n", buildDur.Truncate(time.Millisecond))
	fmt.Printf("  save:          %s (%d bytes, %s)\n", saveDur.Truncate(time.Millisecond), size, cfg.Compression())
	fmt.Printf("Index written to %s\n", name)
}

func runSimilar(ctx context.Context, args []string) {
	fs := flag.NewFlagSet("similar", flag.ExitOnError)
	common := addCommonFlags(fs)
	index := fs.String("index", "", "Index name (default: storage.index_path)")
	labels := fs.String("labels", "", "Optional JSON lines file whose ids label the results")
	movielens := fs.String("movielens", "", "Optional MovieLens 1M directory whose titles label the results")
	id := fs.Int("id", 0, "Item id to query")
	all := fs.Bool("all", false, "Query every item")
	dbPath := fs.String("db", "", "SQLite database for neighbour lists (default: storage.database_path)")
	persist := fs.Bool("store", false, "Store the neighbour lists of -all in the database")
	fromDB := fs.Bool("from-db", false, "Print the stored neighbours of -id instead of querying the index")
	if err := fs.Parse(args); err != nil {
		log.Fatal(err)
	}
	cfg, logger := common.load(fs)
	defer logger.Sync()

	named := loadLabels(*labels, *movielens)
	if *fromDB {
		printStored(ctx, databasePath(cfg, *dbPath, true), "similar", int32(*id), named,
			"Most similar to "+label(named, int32(*id)))
		return
	}
	forest := loadForest(ctx, cfg, logger, *index)
	k := cfg.Query.K

	if !*all {
		start := time.Now()
		results, err := forest.QueryByID(int32(*id), k, cfg.SearchOptions()...)
		if err != nil {
			log.Fatalf("query: %v", err)
		}
		fmt.Printf("Most similar to %s (%d results) search=%s\n",
			label(named, int32(*id)), len(results), time.Since(start).Truncate(time.Microsecond))
		printResults(named, results)
		return
	}

	start := time.Now()
	neighbours, err := forest.QueryAll(ctx, k, cfg.SearchOptions()...)
	if err != nil {
		log.Fatalf("query all: %v", err)
	}
	fmt.Printf("Queried %d items in %s\n", len(neighbours), time.Since(start).Truncate(time.Millisecond))

	batch := make(map[int32][]search.Result, len(neighbours))
	for i, res := range neighbours {
		batch[int32(i)] = res
	}
	if path := databasePath(cfg, *dbPath, *persist); path != "" {
		saveRun(ctx, path, store.Run{Kind: "similar", K: k, Trees: forest.NumTrees()}, batch)
	}
	for i := 0; i < min(len(neighbours), 3); i++ {
		fmt.Printf("\n%s\n", label(named, int32(i)))
		printResults(named, neighbours[i])
	}
}

func runRecommend(ctx context.Context, args []string) {
	fs := flag.NewFlagSet("recommend", flag.ExitOnError)
	common := addCommonFlags(fs)
	users := addInputFlags(fs, "users", "Path to user vectors (.f32 or .jsonl)")
	items := fs.String("items", "", "Path to item vectors (.f32 or .jsonl)")
	itemCount := fs.Int("random-items", 0, "Generate this many random item vectors")
	movielens := fs.String("movielens", "", "MovieLens 1M directory (movies.dat, ratings.dat)")
	show := fs.Int("show", 3, "Number of users to print")
	dbPath := fs.String("db", "", "SQLite database for recommendations (default: storage.database_path)")
	persist := fs.Bool("store", false, "Store the recommendations in the database")
	fromDB := fs.Bool("from-db", false, "Print the stored recommendations of -user instead of recomputing them")
	user := fs.Int("user", 0, "User id to print with -from-db")
	if err := fs.Parse(args); err != nil {
		log.Fatal(err)
	}
	cfg, logger := common.load(fs)
	defer logger.Sync()

	if *fromDB {
		printStored(ctx, databasePath(cfg, *dbPath, true), "recommend", int32(*user),
			loadLabels("", *movielens), fmt.Sprintf("Recommendations for user %d", *user))
		return
	}

	loadStart := time.Now()
	var userSet, itemSet *dataset.Labeled
	var err error
	switch {
	case *movielens != "":
		ml, err := dataset.LoadMovieLens(*movielens)
		if err != nil {
			log.Fatalf("load movielens: %v", err)
		}
		if itemSet, err = ml.ItemVectors(); err != nil {
			log.Fatalf("movie vectors: %v", err)
		}
		if userSet, err = ml.UserVectors(); err != nil {
			log.Fatalf("user vectors: %v", err)
		}
	default:
		if userSet, err = users.load(); err != nil {
			log.Fatalf("load users: %v", err)
		}
		itemSeed := *users.seed + 1
		itemInput := inputFlags{path: items, random: itemCount, dim: users.dim, seed: &itemSeed}
		if itemSet, err = itemInput.load(); err != nil {
			log.Fatalf("load items: %v", err)
		}
	}
	loadDur := time.Since(loadStart)

	pipeline := recommend.New(
		recommend.WithForestOptions(cfg.ForestOptions()...),
		recommend.WithSearchOptions(cfg.SearchOptions()...),
		recommend.WithLogger(logger),
		recommend.WithWorkers(cfg.Index.Workers),
		recommend.WithProgress(newProgressPrinter()),
	)
	start := time.Now()
	batch, err := pipeline.Recommend(ctx, userSet.Set, itemSet.Set, cfg.Query.K)
	if err != nil {
		log.Fatalf("recommend: %v", err)
	}
	recDur := time.Since(start)

	fmt.Printf("Recommended for %d users over %d items (max norm %.4f)\n",
		len(batch), itemSet.Set.Len(), pipeline.Corpus().MaxNorm)
	fmt.Printf("  load:       %s\n", loadDur.Truncate(time.Millisecond))
	fmt.Printf("  recommend:  %s\n", recDur.Truncate(time.Millisecond))
	if path := databasePath(cfg, *dbPath, *persist); path != "" {
		saveRun(ctx, path, store.Run{Kind: "recommend", K: cfg.Query.K, Trees: cfg.Index.Trees}, batch)
	}
	for u := 0; u < min(*show, userSet.Set.Len()); u++ {
		fmt.Printf("\n%s\n", userSet.Label(int32(u)))
		printResults(itemSet, batch[int32(u)])
	}
}

func runEval(ctx context.Context, args []string) {
	fs := flag.NewFlagSet("eval", flag.ExitOnError)
	common := addCommonFlags(fs)
	index := fs.String("index", "", "Index name (default: storage.index_path)")
	samples := fs.Int("samples", 200, "Number of items to sample (<=0 = all)")
	if err := fs.Parse(args); err != nil {
		log.Fatal(err)
	}
	cfg, logger := common.load(fs)
	defer logger.Sync()

	forest := loadForest(ctx, cfg, logger, *index)
	exact, err := brute.New(forest.Vectors(), forest.Metric())
	if err != nil {
		log.Fatalf("exact index: %v", err)
	}

	n := *samples
	if n <= 0 || n > forest.Count() {
		n = forest.Count()
	}
	k := cfg.Query.K
	fmt.Printf("Evaluating %d queries (top=%d searchK=%d)\n", n, k, cfg.Query.SearchK)

	var annoyTime, bruteTime time.Duration
	var recallSum float64
	for i := 0; i < n; i++ {
		if err := ctx.Err(); err != nil {
			log.Fatalf("eval: %v", err)
		}
		id := int32(i)

		startBF := time.Now()
		truth, err := exact.QueryByID(id, k)
		if err != nil {
			log.Fatalf("exact query: %v", err)
		}
		bruteTime += time.Since(startBF)

		startAnn := time.Now()
		approx, err := forest.QueryByID(id, k, cfg.SearchOptions()...)
		if err != nil {
			log.Fatalf("query: %v", err)
		}
		annoyTime += time.Since(startAnn)

		recallSum += brute.Recall(truth, approx)
	}

	fmt.Printf("  brute-force avg time: %s\n", (bruteTime / time.Duration(n)).Truncate(time.Microsecond))
	fmt.Printf("  forest      avg time: %s\n", (annoyTime / time.Duration(n)).Truncate(time.Microsecond))
	fmt.Printf("  recall@%d:           %.2f%%\n", k, recallSum/float64(n)*100)
}

type commonFlags struct {
	configPath *string
	debug      *bool
	trees      *int
	leaf       *int
	metric     *string
	seed       *int64
	workers    *int
	compress   *string
	top        *int
	searchK    *int
}

func addCommonFlags(fs *flag.FlagSet) *commonFlags {
	return &commonFlags{
		configPath: fs.String("config", "", "Path to a YAML config file"),
		debug:      fs.Bool("debug", false, "Enable debug logging"),
		trees:      fs.Int("trees", annoy.DefaultNumTrees, "Number of trees"),
		leaf:       fs.Int("leaf", annoy.DefaultMaxLeafSize, "Maximum leaf size"),
		metric:     fs.String("metric", "angular", "Distance metric (angular or euclidean)"),
		seed:       fs.Int64("seed", 1, "Random seed for tree construction"),
		workers:    fs.Int("workers", 0, "Worker goroutines (0 = GOMAXPROCS)"),
		compress:   fs.String("compression", "none", "Index compression (none, lz4, zstd)"),
		top:        fs.Int("top", recommend.DefaultK, "Number of neighbours to return"),
		searchK:    fs.Int("searchk", 0, "search_k override (default: trees * top)"),
	}
}

// load reads the config file, then applies every flag set on the command line.
func (c *commonFlags) load(fs *flag.FlagSet) (*config.Config, *zap.Logger) {
	cfg := config.Default()
	if *c.configPath != "" {
		loaded, err := config.Load(*c.configPath)
		if err != nil {
			log.Fatalf("load config: %v", err)
		}
		cfg = loaded
	}
	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "debug":
			cfg.Debug = *c.debug
		case "trees":
			cfg.Index.Trees = *c.trees
		case "leaf":
			cfg.Index.LeafSize = *c.leaf
		case "metric":
			cfg.Index.Metric = *c.metric
		case "seed":
			cfg.Index.Seed = *c.seed
		case "workers":
			cfg.Index.Workers = *c.workers
		case "compression":
			cfg.Index.Compression = *c.compress
		case "top":
			cfg.Query.K = *c.top
		case "searchk":
			cfg.Query.SearchK = *c.searchK
		}
	})
	if err := cfg.Validate(); err != nil {
		log.Fatalf("config: %v", err)
	}
	return cfg, logging.Must(cfg.Debug)
}

type inputFlags struct {
	path   *string
	random *int
	dim    *int
	seed   *int64
}

func addInputFlags(fs *flag.FlagSet, name, usage string) inputFlags {
	return inputFlags{
		path:   fs.String(name, "", usage),
		random: fs.Int("random", 0, "Generate this many random vectors instead of reading a file"),
		dim:    fs.Int("dim", 16, "Dimension of random vectors"),
		seed:   fs.Int64("data-seed", 42, "Seed for random vectors"),
	}
}

func (in inputFlags) load() (*dataset.Labeled, error) {
	if *in.random > 0 {
		set, err := dataset.Random(*in.random, *in.dim, *in.seed)
		if err != nil {
			return nil, err
		}
		return &dataset.Labeled{Set: set}, nil
	}
	if *in.path == "" {
		return nil, fmt.Errorf("a vectors file or -random is required")
	}
	switch strings.ToLower(filepath.Ext(*in.path)) {
	case ".jsonl", ".json", ".ndjson":
		f, err := os.Open(*in.path)
		if err != nil {
			return nil, err
		}
		defer f.Close()
		return dataset.ReadJSONL(f)
	default:
		set, err := dataset.ReadMatrix(*in.path)
		if err != nil {
			return nil, err
		}
		return &dataset.Labeled{Set: set}, nil
	}
}

func loadLabels(path, movielens string) *dataset.Labeled {
	switch {
	case movielens != "":
		ml, err := dataset.LoadMovieLens(movielens)
		if err != nil {
			log.Fatalf("load movielens: %v", err)
		}
		items, err := ml.ItemVectors()
		if err != nil {
			log.Fatalf("movie vectors: %v", err)
		}
		return items
	case path != "":
		f, err := os.Open(path)
		if err != nil {
			log.Fatalf("open labels: %v", err)
		}
		defer f.Close()
		l, err := dataset.ReadJSONL(f)
		if err != nil {
			log.Fatalf("load labels: %v", err)
		}
		return l
	default:
		return nil
	}
}

func forestOptions(cfg *config.Config, logger *zap.Logger) []annoy.ForestOption {
	return append(cfg.ForestOptions(),
		annoy.WithLogger(logger),
		annoy.WithProgress(newProgressPrinter()))
}

func openStore(ctx context.Context, cfg *config.Config, name string) (blobstore.Store, string) {
	if name == "" {
		name = cfg.Storage.IndexPath
	}
	m := cfg.Storage.MinIO
	if !m.Enabled() {
		return blobstore.NewLocalStore(filepath.Dir(name)), filepath.Base(name)
	}
	s, err := miniostore.Dial(ctx, miniostore.Options{
		Endpoint:  m.Endpoint,
		AccessKey: m.AccessKey,
		SecretKey: m.SecretKey,
		Bucket:    m.Bucket,
		Prefix:    m.Prefix,
		UseSSL:    m.UseSSL,
	})
	if err != nil {
		log.Fatalf("connect to %s: %v", m.Endpoint, err)
	}
	return s, filepath.Base(name)
}

func loadForest(ctx context.Context, cfg *config.Config, logger *zap.Logger, name string) *annoy.Forest {
	bs, key := openStore(ctx, cfg, name)
	start := time.Now()
	forest, err := blobstore.GetForest(ctx, bs, key,
		annoy.WithLogger(logger),
		annoy.WithWorkers(cfg.Index.Workers),
		annoy.WithProgress(newProgressPrinter()))
	if err != nil {
		log.Fatalf("load index: %v", err)
	}
	logger.Info("index loaded",
		zap.String("name", key),
		zap.Int("items", forest.Count()),
		zap.Int("trees", forest.NumTrees()),
		zap.Duration("elapsed", time.Since(start)))
	return forest
}

func saveRun(ctx context.Context, path string, run store.Run, results map[int32][]search.Result) {
	db, err := store.Open(path)
	if err != nil {
		log.Fatalf("open database: %v", err)
	}
	defer db.Close()
	if err := db.EnsureSchema(ctx); err != nil {
		log.Fatalf("database schema: %v", err)
	}
	id, err := db.SaveRun(ctx, run, results)
	if err != nil {
		log.Fatalf("save %s run: %v", run.Kind, err)
	}
	fmt.Printf("Stored %s run %d in %s\n", run.Kind, id, path)
}

// databasePath resolves where neighbour lists are read or written. An explicit
// path always wins; otherwise persist selects storage.database_path.
func databasePath(cfg *config.Config, explicit string, persist bool) string {
	if explicit != "" {
		return explicit
	}
	if persist {
		return cfg.Storage.DatabasePath
	}
	return ""
}

// storedNeighbors reads the list of source from the latest run of kind.
func storedNeighbors(ctx context.Context, path, kind string, source int32) (store.Run, []search.Result, error) {
	if _, err := os.Stat(path); err != nil {
		return store.Run{}, nil, err
	}
	db, err := store.Open(path)
	if err != nil {
		return store.Run{}, nil, err
	}
	defer db.Close()
	if err := db.EnsureSchema(ctx); err != nil {
		return store.Run{}, nil, err
	}
	run, err := db.LatestRun(ctx, kind)
	if err != nil {
		return store.Run{}, nil, err
	}
	results, err := db.Neighbors(ctx, run.ID, source)
	if err != nil {
		return store.Run{}, nil, err
	}
	return run, results, nil
}

func printStored(ctx context.Context, path, kind string, source int32, l *dataset.Labeled, heading string) {
	run, results, err := storedNeighbors(ctx, path, kind, source)
	if err != nil {
		log.Fatalf("read %s run from %s: %v", kind, path, err)
	}
	fmt.Printf("%s (%d results) from %s run %d, k=%d, %s\n",
		heading, len(results), kind, run.ID, run.K, run.Created.Format(time.RFC3339))
	printResults(l, results)
}

func label(l *dataset.Labeled, id int32) string {
	if l == nil {
		return fmt.Sprintf("item %d", id)
	}
	return l.Label(id)
}

func printResults(l *dataset.Labeled, results []search.Result) {
	for _, res := range results {
		fmt.Printf("%2d. %-40s dist=%.4f\n", res.Rank+1, truncate(label(l, res.ID), 40), res.Distance)
	}
}

// truncate shortens s to max runes.
func truncate(s string, max int) string {
	if utf8.RuneCountInString(s) <= max {
		return s
	}
	return string([]rune(s)[:max]) + "..."
}

func newProgressPrinter() annoy.ProgressFunc {
	var mu sync.Mutex
	var lastStage string
	return func(stage string, current, total int) {
		if total == 0 {
			return
		}
		mu.Lock()
		defer mu.Unlock()
		if stage != lastStage {
			if lastStage != "" {
				fmt.Println()
			}
			lastStage = stage
		}
		pct := float64(current) / float64(total) * 100
		fmt.Printf("\r[%s] %d/%d (%.1f%%)", stage, current, total, pct)
		if current == total {
			fmt.Println()
		}
	}
}
