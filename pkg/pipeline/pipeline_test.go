package pipeline

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/dotsetgreg/agentmemory/pkg/embedding"
	"github.com/dotsetgreg/agentmemory/pkg/index/indextest"
	"github.com/dotsetgreg/agentmemory/pkg/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

type harness struct {
	store  *storage.Engine
	vector *indextest.Vector
	search *indextest.Search
	p      *Pipeline
}

func newHarness(t *testing.T, batch int) *harness {
	t.Helper()
	store, err := storage.Open(storage.Options{Dir: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	emb := embedding.New(embedding.ChargramModel)
	h := &harness{
		store:  store,
		vector: indextest.NewVector(emb.Dimensions()),
		search: indextest.NewSearch(),
	}
	h.p = New(store, NewStoreResolver(store), map[storage.Target]Sink{
		storage.TargetVector: VectorSink(h.vector, emb),
		storage.TargetSearch: SearchSink(h.search),
	}, Options{BatchSize: batch})
	return h
}

func (h *harness) ingest(t *testing.T, n int) []storage.Event {
	t.Helper()
	base := time.Date(2024, 1, 15, 9, 0, 0, 0, time.UTC)
	var out []storage.Event
	for i := range n {
		ev := storage.Event{
			ID:        fmt.Sprintf("evt-%d", i),
			SessionID: "s1",
			Role:      "user",
			Timestamp: base.Add(time.Duration(i) * time.Minute),
			Payload:   fmt.Sprintf("message number %d about coffee", i),
		}
		_, err := h.store.PutEvent(context.Background(), ev)
		require.NoError(t, err)
		out = append(out, ev)
	}
	return out
}

func TestRunOnce_BoundedBatches(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, 4)
	events := h.ingest(t, 3)

	pending, err := h.store.ScanOutbox(ctx, nil, 0)
	require.NoError(t, err)
	require.Len(t, pending, 6)

	first, err := h.p.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 4, first.Processed)
	assert.Equal(t, pending[3].Key, first.AdvancedTo, "checkpoint stops at the fourth entry")
	cp, ok, err := h.store.ReadCheckpoint(ctx, DefaultConsumerID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, pending[3].Key, cp)
	rest, err := h.store.ScanOutbox(ctx, nil, 0)
	require.NoError(t, err)
	require.Len(t, rest, 2)
	assert.Equal(t, pending[4].Key, rest[0].Key)
	assert.Equal(t, pending[5].Key, rest[1].Key)

	second, err := h.p.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, second.Processed)
	assert.Equal(t, 1, bytes.Compare(second.AdvancedTo, first.AdvancedTo), "checkpoint must move forward")

	third, err := h.p.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, third.Processed)
	assert.Nil(t, third.AdvancedTo)

	for _, ev := range events {
		assert.True(t, h.vector.Has(ev.Ref().String()))
		assert.True(t, h.search.Has(ev.Ref().String()))
	}
	depth, err := h.store.OutboxDepth(ctx, nil)
	require.NoError(t, err)
	assert.Zero(t, depth, "consumed entries are deleted")
}

func TestRunOnce_PartialFailureKeepsCheckpoint(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, 100)
	events := h.ingest(t, 3)
	h.search.FailRef(events[1].Ref().String(), 1)

	stats, err := h.p.RunOnce(ctx)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrBatchIncomplete))
	assert.Equal(t, 1, stats.Failed)
	assert.Nil(t, stats.AdvancedTo)

	_, ok, err := h.store.ReadCheckpoint(ctx, DefaultConsumerID)
	require.NoError(t, err)
	assert.False(t, ok)
	depth, err := h.store.OutboxDepth(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, 6, depth)

	stats, err = h.p.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 6, stats.Processed)
	assert.Equal(t, 3, h.vector.Len(), "re-applied upserts are idempotent")
	assert.Equal(t, 3, h.search.Len())
}

func TestRunOnce_UpsertThenDeleteLeavesRefAbsent(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, 100)
	ev := h.ingest(t, 1)[0]

	b := storage.NewBatch().
		Enqueue(storage.TargetVector, storage.ActionDelete, ev.Ref()).
		Enqueue(storage.TargetSearch, storage.ActionDelete, ev.Ref())
	require.NoError(t, h.store.Write(ctx, b))

	_, err := h.p.Drain(ctx)
	require.NoError(t, err)
	assert.False(t, h.vector.Has(ev.Ref().String()))
	assert.False(t, h.search.Has(ev.Ref().String()))

	ops := h.search.Ops()
	require.Len(t, ops, 2)
	assert.Equal(t, "upsert", ops[0].Action)
	assert.Equal(t, "delete", ops[1].Action)
}

func TestRunOnce_UpsertOfMissingEntityDeletes(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, 100)
	ghost := storage.Ref{Kind: storage.RefEvent, Time: time.UnixMilli(1_700_000_000_000), ID: "ghost"}
	require.NoError(t, h.store.Write(ctx, storage.NewBatch().Enqueue(storage.TargetSearch, storage.ActionUpsert, ghost)))

	stats, err := h.p.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Processed)
	ops := h.search.Ops()
	require.Len(t, ops, 1)
	assert.Equal(t, indextest.Op{Action: "delete", Ref: ghost.String()}, ops[0])
}

func TestRunOnce_UnregisteredTargetIsConsumed(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, 100)
	topic := storage.Ref{Kind: storage.RefTopic, Time: time.UnixMilli(1), ID: "coffee"}
	require.NoError(t, h.store.Write(ctx, storage.NewBatch().Enqueue(storage.TargetTopic, storage.ActionUpsert, topic)))

	stats, err := h.p.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Skipped)
	assert.NotNil(t, stats.AdvancedTo)
}

func TestRunOnce_CancelledContextDoesNotAdvance(t *testing.T) {
	h := newHarness(t, 100)
	h.ingest(t, 2)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := h.p.RunOnce(ctx)
	require.Error(t, err)

	_, ok, err := h.store.ReadCheckpoint(context.Background(), DefaultConsumerID)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestIngestionContinuesWhilePipelineFails(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, 100)
	h.vector.FailAll(true)
	h.ingest(t, 2)

	_, err := h.p.RunOnce(ctx)
	require.Error(t, err)

	_, err = h.store.PutEvent(ctx, storage.Event{ID: "late", Payload: "still accepted"})
	require.NoError(t, err)

	backlog, err := h.p.Backlog(ctx)
	require.NoError(t, err)
	assert.Equal(t, 6, backlog)

	h.vector.FailAll(false)
	stats, err := h.p.Drain(ctx)
	require.NoError(t, err)
	assert.Equal(t, 6, stats.Processed)
}

func TestStoreResolver_TocNode(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, 100)
	day := time.Date(2024, 1, 15, 0, 0, 0, 0, time.UTC)
	node, err := h.store.PutTocNode(ctx, storage.TocNode{
		ID: "toc:day:2024-01-15", Level: storage.LevelDay, Title: "Coffee day",
		Summary: "Talked about roasts", Keywords: []string{"coffee"}, StartTime: day, EndTime: day.Add(24 * time.Hour),
	})
	require.NoError(t, err)

	doc, err := NewStoreResolver(h.store).Resolve(ctx, node.Ref().String())
	require.NoError(t, err)
	assert.Equal(t, "toc", doc.Fields.Kind)
	assert.Equal(t, storage.LevelDay, doc.Fields.Level)
	assert.Contains(t, doc.Text, "Talked about roasts")

	_, err = NewStoreResolver(h.store).Resolve(ctx, "nonsense")
	assert.True(t, errors.Is(err, storage.ErrInvalid))
}

func TestRunOnce_CheckpointNeverMovesBackwards(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		ctx := context.Background()
		dir, err := os.MkdirTemp("", "pipeline-monotonic-*")
		if err != nil {
			rt.Fatalf("temp dir: %v", err)
		}
		defer os.RemoveAll(dir)
		store, err := storage.Open(storage.Options{Dir: dir})
		if err != nil {
			rt.Fatalf("open: %v", err)
		}
		defer store.Close()

		search := indextest.NewSearch()
		p := New(store, NewStoreResolver(store), map[storage.Target]Sink{
			storage.TargetSearch: SearchSink(search),
		}, Options{BatchSize: rapid.IntRange(1, 5).Draw(rt, "batch")})

		base := time.Date(2024, 1, 15, 9, 0, 0, 0, time.UTC)
		var refs []string
		var last []byte
		steps := rapid.IntRange(1, 12).Draw(rt, "steps")
		for step := range steps {
			for range rapid.IntRange(0, 3).Draw(rt, fmt.Sprintf("ingest_%d", step)) {
				ev := storage.Event{
					ID:        fmt.Sprintf("evt-%d", len(refs)),
					Timestamp: base.Add(time.Duration(len(refs)) * time.Second),
					Payload:   "coffee",
				}
				if _, err := store.PutEvent(ctx, ev); err != nil {
					rt.Fatalf("put: %v", err)
				}
				refs = append(refs, ev.Ref().String())
			}
			if len(refs) > 0 && rapid.Bool().Draw(rt, fmt.Sprintf("fail_%d", step)) {
				i := rapid.IntRange(0, len(refs)-1).Draw(rt, fmt.Sprintf("fail_ref_%d", step))
				search.FailRef(refs[i], 1)
			}

			_, _ = p.RunOnce(ctx)

			cp, ok, err := store.ReadCheckpoint(ctx, DefaultConsumerID)
			if err != nil {
				rt.Fatalf("read checkpoint: %v", err)
			}
			if !ok {
				if last != nil {
					rt.Fatalf("checkpoint disappeared after %x", last)
				}
				continue
			}
			if bytes.Compare(cp, last) < 0 {
				rt.Fatalf("checkpoint moved backwards: %x < %x", cp, last)
			}
			last = cp
		}
	})
}
