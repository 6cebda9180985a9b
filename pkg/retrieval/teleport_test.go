package retrieval

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/dotsetgreg/agentmemory/pkg/embedding"
	"github.com/dotsetgreg/agentmemory/pkg/index"
	"github.com/dotsetgreg/agentmemory/pkg/index/indextest"
	"github.com/dotsetgreg/agentmemory/pkg/pipeline"
	"github.com/dotsetgreg/agentmemory/pkg/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type env struct {
	store  *storage.Engine
	vector *indextest.Vector
	search *indextest.Search
	emb    embedding.Embedder
	events []storage.Event
}

func newEnv(t *testing.T) *env {
	t.Helper()
	ctx := context.Background()
	store, err := storage.Open(storage.Options{Dir: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	emb := embedding.New(embedding.ChargramModel)
	e := &env{store: store, vector: indextest.NewVector(emb.Dimensions()), search: indextest.NewSearch(), emb: emb}
	base := time.Date(2024, 3, 1, 8, 0, 0, 0, time.UTC)
	for i, text := range []string{
		"espresso needs a fine coffee grind",
		"green tea brews at a lower temperature",
		"light roast coffee beans taste fruity",
	} {
		ev := storage.Event{ID: "evt-" + string(rune('a'+i)), SessionID: "s1", Role: "user", Timestamp: base.Add(time.Duration(i) * time.Hour), Payload: text}
		_, err := store.PutEvent(ctx, ev)
		require.NoError(t, err)
		e.events = append(e.events, ev)
	}
	p := pipeline.New(store, pipeline.NewStoreResolver(store), map[storage.Target]pipeline.Sink{
		storage.TargetVector: pipeline.VectorSink(e.vector, emb),
		storage.TargetSearch: pipeline.SearchSink(e.search),
	}, pipeline.Options{})
	_, err = p.Drain(ctx)
	require.NoError(t, err)
	return e
}

func (e *env) teleporter(vec index.VectorIndex, search index.SearchIndex) *Teleporter {
	return New(Config{
		Vector:   vec,
		Embedder: e.emb,
		Search:   search,
		Resolver: pipeline.NewStoreResolver(e.store),
		Usage:    e.store,
	})
}

func TestTeleport_FusesRankings(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	tp := e.teleporter(e.vector, e.search)

	results, err := tp.Teleport(ctx, Query{Text: "coffee", Limit: 2})
	require.NoError(t, err)
	require.Len(t, results, 2)
	got := []string{results[0].Ref, results[1].Ref}
	assert.ElementsMatch(t, []string{e.events[0].Ref().String(), e.events[2].Ref().String()}, got)
	for _, r := range results {
		assert.NotZero(t, r.KeywordRank)
		assert.NotZero(t, r.VectorRank)
		assert.Contains(t, r.Document.Text, "coffee")
	}
	assert.GreaterOrEqual(t, results[0].Score, results[1].Score)

	u, err := e.store.Usage(ctx, results[0].Ref)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), u.Count)
}

func TestTeleport_EmptyQuery(t *testing.T) {
	e := newEnv(t)
	results, err := e.teleporter(e.vector, e.search).Teleport(context.Background(), Query{Text: "   "})
	require.NoError(t, err)
	assert.Empty(t, results)
}

func TestTeleport_SkipsStaleRefs(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	ghost := storage.Ref{Kind: storage.RefEvent, Time: time.UnixMilli(1), ID: "ghost"}.String()
	require.NoError(t, e.search.Upsert(ctx, ghost, index.Fields{Kind: "event", Body: "coffee coffee coffee"}))

	results, err := e.teleporter(nil, e.search).Teleport(ctx, Query{Text: "coffee"})
	require.NoError(t, err)
	for _, r := range results {
		assert.NotEqual(t, ghost, r.Ref)
	}
	assert.Len(t, results, 2)
}

func TestTeleport_FiltersVectorHits(t *testing.T) {
	e := newEnv(t)
	results, err := e.teleporter(e.vector, nil).Teleport(context.Background(), Query{
		Text: "tea temperature",
		From: e.events[1].Timestamp,
		To:   e.events[2].Timestamp,
	})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, e.events[1].Ref().String(), results[0].Ref)

	results, err = e.teleporter(e.vector, nil).Teleport(context.Background(), Query{Text: "tea", Kinds: []string{"grip"}})
	require.NoError(t, err)
	assert.Empty(t, results)
}

type brokenVector struct{ index.VectorIndex }

func (brokenVector) Search(context.Context, []float32, int) ([]index.Hit, error) {
	return nil, indextest.ErrInjected
}

type brokenSearch struct{ index.SearchIndex }

func (brokenSearch) Query(context.Context, string, index.Filters) ([]index.Hit, error) {
	return nil, indextest.ErrInjected
}

func TestTeleport_DegradesToOneIndex(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)

	results, err := e.teleporter(brokenVector{e.vector}, e.search).Teleport(ctx, Query{Text: "coffee"})
	require.NoError(t, err)
	require.NotEmpty(t, results)
	assert.Zero(t, results[0].VectorRank)

	_, err = e.teleporter(brokenVector{e.vector}, brokenSearch{e.search}).Teleport(ctx, Query{Text: "coffee"})
	assert.True(t, errors.Is(err, indextest.ErrInjected))

	_, err = New(Config{Resolver: pipeline.NewStoreResolver(e.store)}).Teleport(ctx, Query{Text: "coffee"})
	assert.ErrorIs(t, err, ErrNoIndex)
}

func TestFuse_RewardsAgreement(t *testing.T) {
	vec := []index.Hit{{Ref: "a"}, {Ref: "b"}, {Ref: "c"}}
	kw := []index.Hit{{Ref: "c"}, {Ref: "d"}, {Ref: "a"}}
	got := fuse(vec, kw)
	require.Len(t, got, 4)
	assert.Equal(t, "a", got[0].ref)
	assert.Equal(t, "c", got[1].ref)
	assert.Equal(t, 1, got[0].vectorRank)
	assert.Equal(t, 3, got[0].keywordRank)
	assert.Equal(t, "b", got[2].ref)
	assert.Equal(t, "d", got[3].ref)
}
