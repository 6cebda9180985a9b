// Package vector implements index.VectorIndex on a persistent chromem-go
// collection.
package vector

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"sync"

	"github.com/dotsetgreg/agentmemory/pkg/embedding"
	"github.com/dotsetgreg/agentmemory/pkg/index"
	"github.com/philippgille/chromem-go"
	"go.uber.org/zap"
)

type Options struct {
	Dir        string
	Collection string
	Dimensions int
	// MaxElements bounds the number of stored vectors; zero is unbounded.
	MaxElements int
	Compress    bool
	Logger      *zap.Logger
}

// Index is a persistent exact-search vector index.
type Index struct {
	db   *chromem.DB
	col  *chromem.Collection
	dims int
	max  int
	log  *zap.Logger

	mu     sync.RWMutex
	closed bool
}

var _ index.VectorIndex = (*Index)(nil)

var errNoEmbedder = errors.New("vector: documents must carry embeddings")

func Open(opts Options) (*Index, error) {
	if opts.Dimensions <= 0 {
		return nil, fmt.Errorf("vector dimensions must be positive: %w", index.ErrNotInitialized)
	}
	if opts.Dir == "" {
		return nil, fmt.Errorf("vector dir is required: %w", index.ErrNotInitialized)
	}
	if opts.Collection == "" {
		opts.Collection = "nodes"
	}
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	if err := os.MkdirAll(opts.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("create vector dir: %w", err)
	}
	db, err := chromem.NewPersistentDB(opts.Dir, opts.Compress)
	if err != nil {
		return nil, fmt.Errorf("open vector db: %w", err)
	}
	// The width is part of the collection name so a model change never mixes
	// vectors of different sizes in one collection.
	name := opts.Collection + "-d" + strconv.Itoa(opts.Dimensions)
	noEmbed := func(context.Context, string) ([]float32, error) { return nil, errNoEmbedder }
	col, err := db.GetOrCreateCollection(name, map[string]string{"dimensions": strconv.Itoa(opts.Dimensions)}, noEmbed)
	if err != nil {
		return nil, fmt.Errorf("open vector collection: %w", err)
	}
	log = log.With(zap.String("component", "vector"), zap.String("collection", name))
	log.Info("vector index opened", zap.Int("documents", col.Count()))
	return &Index{db: db, col: col, dims: opts.Dimensions, max: opts.MaxElements, log: log}, nil
}

func (x *Index) Dimensions() int { return x.dims }

func (x *Index) Len() int {
	x.mu.RLock()
	defer x.mu.RUnlock()
	if x.closed {
		return 0
	}
	return x.col.Count()
}

// Upsert stores vec under ref, replacing any previous vector. A zero vector
// carries no direction, so it removes ref instead.
func (x *Index) Upsert(ctx context.Context, ref string, vec []float32) error {
	if len(vec) != x.dims {
		return fmt.Errorf("upsert %s: got %d want %d: %w", ref, len(vec), x.dims, index.ErrDimensionMismatch)
	}
	if embedding.IsZero(vec) {
		return x.Delete(ctx, ref)
	}
	x.mu.Lock()
	defer x.mu.Unlock()
	if x.closed {
		return index.ErrNotInitialized
	}
	if x.max > 0 && x.col.Count() >= x.max {
		if _, err := x.col.GetByID(ctx, ref); err != nil {
			return fmt.Errorf("upsert %s: %d vectors stored: %w", ref, x.max, index.ErrCapacityReached)
		}
	}
	doc := chromem.Document{
		ID:        ref,
		Embedding: append([]float32(nil), vec...),
		Content:   ref,
	}
	if err := x.col.AddDocument(ctx, doc); err != nil {
		return fmt.Errorf("upsert vector %s: %w", ref, err)
	}
	return nil
}

func (x *Index) Delete(ctx context.Context, ref string) error {
	x.mu.Lock()
	defer x.mu.Unlock()
	if x.closed {
		return index.ErrNotInitialized
	}
	if err := x.col.Delete(ctx, nil, nil, ref); err != nil {
		return fmt.Errorf("delete vector %s: %w", ref, err)
	}
	return nil
}

// Search returns up to k refs ordered by cosine similarity.
func (x *Index) Search(ctx context.Context, vec []float32, k int) ([]index.Hit, error) {
	if len(vec) != x.dims {
		return nil, fmt.Errorf("search: got %d want %d: %w", len(vec), x.dims, index.ErrDimensionMismatch)
	}
	x.mu.RLock()
	defer x.mu.RUnlock()
	if x.closed {
		return nil, index.ErrNotInitialized
	}
	if n := x.col.Count(); k > n {
		k = n
	}
	if k <= 0 || embedding.IsZero(vec) {
		return nil, nil
	}
	results, err := x.col.QueryEmbedding(ctx, vec, k, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("query vectors: %w", err)
	}
	hits := make([]index.Hit, 0, len(results))
	for _, r := range results {
		hits = append(hits, index.Hit{Ref: r.ID, Score: float64(r.Similarity)})
	}
	return hits, nil
}

// Close releases the index. chromem persists every write immediately.
func (x *Index) Close() error {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.closed = true
	return nil
}
