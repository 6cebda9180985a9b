package pipeline

import (
	"context"

	"github.com/dotsetgreg/agentmemory/pkg/embedding"
	"github.com/dotsetgreg/agentmemory/pkg/index"
)

// Sink applies outbox work to one derived index. Both calls must be
// idempotent: the pipeline may repeat them after a crash or partial failure.
type Sink interface {
	Upsert(ctx context.Context, doc Document) error
	Delete(ctx context.Context, ref string) error
}

type vectorSink struct {
	idx index.VectorIndex
	emb embedding.Embedder
}

// VectorSink embeds documents with emb and stores them in idx.
func VectorSink(idx index.VectorIndex, emb embedding.Embedder) Sink {
	return &vectorSink{idx: idx, emb: emb}
}

func (s *vectorSink) Upsert(ctx context.Context, doc Document) error {
	return s.idx.Upsert(ctx, doc.Ref, s.emb.Embed(doc.Text))
}

func (s *vectorSink) Delete(ctx context.Context, ref string) error {
	return s.idx.Delete(ctx, ref)
}

type searchSink struct {
	idx index.SearchIndex
}

// SearchSink stores document fields in a keyword index.
func SearchSink(idx index.SearchIndex) Sink {
	return &searchSink{idx: idx}
}

func (s *searchSink) Upsert(ctx context.Context, doc Document) error {
	return s.idx.Upsert(ctx, doc.Ref, doc.Fields)
}

func (s *searchSink) Delete(ctx context.Context, ref string) error {
	return s.idx.Delete(ctx, ref)
}
