// Package retrieval answers "teleport" queries: a direct jump to the stored
// entities that best match a text query, fusing vector and BM25 rankings.
package retrieval

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/dotsetgreg/agentmemory/pkg/embedding"
	"github.com/dotsetgreg/agentmemory/pkg/index"
	"github.com/dotsetgreg/agentmemory/pkg/pipeline"
	"github.com/dotsetgreg/agentmemory/pkg/storage"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

var ErrNoIndex = errors.New("retrieval: no index available")

var tracer = otel.Tracer("github.com/dotsetgreg/agentmemory/pkg/retrieval")

const (
	DefaultLimit = 8
	// rrfK damps the contribution of top ranks in reciprocal rank fusion.
	rrfK = 60
)

// UsageRecorder is implemented by *storage.Engine.
type UsageRecorder interface {
	IncrementUsage(ctx context.Context, ref string, at time.Time) (storage.Usage, error)
}

// Config wires a Teleporter. Vector or Search may be nil, not both.
type Config struct {
	Vector   index.VectorIndex
	Embedder embedding.Embedder
	Search   index.SearchIndex
	Resolver pipeline.Resolver
	Usage    UsageRecorder
	Logger   *zap.Logger
	Now      func() time.Time
}

// Query narrows a teleport.
type Query struct {
	Text  string
	Limit int
	// Kinds restricts results to ref kinds (event, toc, grip, topic).
	Kinds []string
	From  time.Time
	To    time.Time
}

// Result is one fused hit. Ranks are 1-based; zero means the index did not
// return the ref.
type Result struct {
	Ref         string
	Score       float64
	VectorRank  int
	KeywordRank int
	Document    pipeline.Document
}

type Teleporter struct {
	vector   index.VectorIndex
	emb      embedding.Embedder
	search   index.SearchIndex
	resolver pipeline.Resolver
	usage    UsageRecorder
	log      *zap.Logger
	now      func() time.Time
}

func New(cfg Config) *Teleporter {
	log := cfg.Logger
	if log == nil {
		log = zap.NewNop()
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	t := &Teleporter{
		search:   cfg.Search,
		resolver: cfg.Resolver,
		usage:    cfg.Usage,
		log:      log.With(zap.String("component", "retrieval")),
		now:      now,
	}
	if cfg.Vector != nil && cfg.Embedder != nil {
		t.vector, t.emb = cfg.Vector, cfg.Embedder
	}
	return t
}

type fused struct {
	ref         string
	score       float64
	vectorRank  int
	keywordRank int
}

// Teleport runs both rankings concurrently and fuses them. A failing index
// degrades the result to the other ranking; only a failure of every
// configured index is returned as an error.
func (t *Teleporter) Teleport(ctx context.Context, q Query) ([]Result, error) {
	text := strings.TrimSpace(q.Text)
	if text == "" {
		return nil, nil
	}
	if t.vector == nil && t.search == nil {
		return nil, ErrNoIndex
	}
	limit := q.Limit
	if limit <= 0 {
		limit = DefaultLimit
	}
	candidates := max(limit*4, 20)

	ctx, span := tracer.Start(ctx, "retrieval.teleport")
	defer span.End()
	span.SetAttributes(attribute.Int("limit", limit))

	var vecHits, kwHits []index.Hit
	var vecErr, kwErr error
	var g errgroup.Group
	if t.vector != nil {
		g.Go(func() error {
			vec := t.emb.Embed(text)
			if embedding.IsZero(vec) {
				return nil
			}
			vecHits, vecErr = t.vector.Search(ctx, vec, candidates)
			return nil
		})
	}
	if t.search != nil {
		g.Go(func() error {
			kwHits, kwErr = t.search.Query(ctx, text, index.Filters{
				Kinds: q.Kinds,
				From:  q.From,
				To:    q.To,
				Limit: candidates,
			})
			return nil
		})
	}
	_ = g.Wait()

	if vecErr != nil {
		t.log.Warn("vector search failed", zap.Error(vecErr))
	}
	if kwErr != nil {
		t.log.Warn("keyword search failed", zap.Error(kwErr))
	}
	if (t.vector == nil || vecErr != nil) && (t.search == nil || kwErr != nil) {
		return nil, fmt.Errorf("teleport: %w", errors.Join(vecErr, kwErr))
	}

	ranked := fuse(vecHits, kwHits)
	out := make([]Result, 0, min(limit, len(ranked)))
	for _, f := range ranked {
		if len(out) >= limit {
			break
		}
		if !matches(f.ref, q) {
			continue
		}
		doc, err := t.resolver.Resolve(ctx, f.ref)
		if storage.IsNotFound(err) || errors.Is(err, storage.ErrInvalid) {
			// Index entries can trail the store until the pipeline catches up.
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("teleport resolve %s: %w", f.ref, err)
		}
		out = append(out, Result{
			Ref:         f.ref,
			Score:       f.score,
			VectorRank:  f.vectorRank,
			KeywordRank: f.keywordRank,
			Document:    doc,
		})
	}
	t.recordUsage(ctx, out)
	span.SetAttributes(attribute.Int("results", len(out)))
	return out, nil
}

// fuse merges rankings with reciprocal rank fusion. Ties break on ref so the
// order is stable.
func fuse(vecHits, kwHits []index.Hit) []fused {
	byRef := map[string]*fused{}
	get := func(ref string) *fused {
		f, ok := byRef[ref]
		if !ok {
			f = &fused{ref: ref}
			byRef[ref] = f
		}
		return f
	}
	for i, h := range vecHits {
		f := get(h.Ref)
		if f.vectorRank == 0 {
			f.vectorRank = i + 1
			f.score += 1 / float64(rrfK+i+1)
		}
	}
	for i, h := range kwHits {
		f := get(h.Ref)
		if f.keywordRank == 0 {
			f.keywordRank = i + 1
			f.score += 1 / float64(rrfK+i+1)
		}
	}
	out := make([]fused, 0, len(byRef))
	for _, f := range byRef {
		out = append(out, *f)
	}
	slices.SortFunc(out, func(a, b fused) int {
		if c := cmp.Compare(b.score, a.score); c != 0 {
			return c
		}
		return cmp.Compare(a.ref, b.ref)
	})
	return out
}

// matches applies the query filters to refs coming from the vector index,
// which has no filter support of its own.
func matches(raw string, q Query) bool {
	if len(q.Kinds) == 0 && q.From.IsZero() && q.To.IsZero() {
		return true
	}
	ref, err := storage.ParseRef(raw)
	if err != nil {
		return false
	}
	if len(q.Kinds) > 0 && !slices.Contains(q.Kinds, string(ref.Kind)) {
		return false
	}
	if !q.From.IsZero() && ref.Time.Before(q.From) {
		return false
	}
	if !q.To.IsZero() && !ref.Time.Before(q.To) {
		return false
	}
	return true
}

func (t *Teleporter) recordUsage(ctx context.Context, results []Result) {
	if t.usage == nil {
		return
	}
	at := t.now()
	for _, r := range results {
		if _, err := t.usage.IncrementUsage(ctx, r.Ref, at); err != nil {
			t.log.Warn("record usage failed", zap.String("ref", r.Ref), zap.Error(err))
		}
	}
}
