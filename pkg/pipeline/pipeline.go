// Package pipeline drains the outbox into the derived indexes. Each pass
// reads past the consumer checkpoint, applies a bounded batch and, only when
// every entry succeeded, advances the checkpoint and drops the consumed
// entries in one atomic write.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dotsetgreg/agentmemory/pkg/metrics"
	"github.com/dotsetgreg/agentmemory/pkg/storage"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	DefaultConsumerID = "index-pipeline"
	DefaultBatchSize  = 256
)

// ErrBatchIncomplete reports a pass in which at least one entry failed. The
// checkpoint did not move and the batch will be retried.
var ErrBatchIncomplete = errors.New("pipeline: batch incomplete")

var tracer = otel.Tracer("github.com/dotsetgreg/agentmemory/pkg/pipeline")

type Options struct {
	ConsumerID string
	BatchSize  int
	Logger     *zap.Logger
	Metrics    *metrics.Collector
}

// Stats summarizes one pass. Processed counts entries handled successfully,
// Skipped ones included.
type Stats struct {
	Processed  int
	Failed     int
	Skipped    int
	AdvancedTo []byte
}

func (s Stats) add(o Stats) Stats {
	s.Processed += o.Processed
	s.Failed += o.Failed
	s.Skipped += o.Skipped
	if o.AdvancedTo != nil {
		s.AdvancedTo = o.AdvancedTo
	}
	return s
}

type Pipeline struct {
	store     *storage.Engine
	resolver  Resolver
	sinks     map[storage.Target]Sink
	consumer  string
	batchSize int
	log       *zap.Logger
	metrics   *metrics.Collector

	// runMu keeps passes of one consumer strictly sequential.
	runMu sync.Mutex
}

func New(store *storage.Engine, resolver Resolver, sinks map[storage.Target]Sink, opts Options) *Pipeline {
	if opts.ConsumerID == "" {
		opts.ConsumerID = DefaultConsumerID
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = DefaultBatchSize
	}
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	registered := make(map[storage.Target]Sink, len(sinks))
	for t, s := range sinks {
		if s != nil {
			registered[t] = s
		}
	}
	return &Pipeline{
		store:     store,
		resolver:  resolver,
		sinks:     registered,
		consumer:  opts.ConsumerID,
		batchSize: opts.BatchSize,
		log:       log.With(zap.String("component", "pipeline"), zap.String("consumer", opts.ConsumerID)),
		metrics:   opts.Metrics,
	}
}

func (p *Pipeline) ConsumerID() string { return p.consumer }

// Backlog counts entries not yet consumed.
func (p *Pipeline) Backlog(ctx context.Context) (int, error) {
	last, _, err := p.store.ReadCheckpoint(ctx, p.consumer)
	if err != nil {
		return 0, err
	}
	return p.store.OutboxDepth(ctx, last)
}

type groupResult struct {
	applied int
	skipped int
	failed  int
}

// RunOnce performs a single pass over at most BatchSize entries.
func (p *Pipeline) RunOnce(ctx context.Context) (Stats, error) {
	p.runMu.Lock()
	defer p.runMu.Unlock()

	ctx, span := tracer.Start(ctx, "pipeline.run_once")
	defer span.End()
	start := time.Now()

	stats, err := p.runOnce(ctx)
	span.SetAttributes(
		attribute.Int("pipeline.processed", stats.Processed),
		attribute.Int("pipeline.failed", stats.Failed),
	)
	result := "advanced"
	switch {
	case err != nil:
		result = "failed"
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	case stats.Processed == 0:
		result = "idle"
	}
	p.metrics.PipelineRun(result, time.Since(start))
	return stats, err
}

func (p *Pipeline) runOnce(ctx context.Context) (Stats, error) {
	last, _, err := p.store.ReadCheckpoint(ctx, p.consumer)
	if err != nil {
		return Stats{}, fmt.Errorf("read checkpoint: %w", err)
	}
	entries, err := p.store.ScanOutbox(ctx, last, p.batchSize)
	if err != nil {
		return Stats{}, fmt.Errorf("scan outbox: %w", err)
	}
	if len(entries) == 0 {
		return Stats{}, nil
	}

	order := []storage.Target{}
	groups := map[storage.Target][]storage.OutboxEntry{}
	for _, e := range entries {
		if _, ok := groups[e.Target]; !ok {
			order = append(order, e.Target)
		}
		groups[e.Target] = append(groups[e.Target], e)
	}

	results := make([]groupResult, len(order))
	var g errgroup.Group
	for i, target := range order {
		g.Go(func() error {
			res, err := p.applyGroup(ctx, target, groups[target])
			results[i] = res
			return err
		})
	}
	applyErr := g.Wait()

	var stats Stats
	for _, r := range results {
		stats.Processed += r.applied + r.skipped
		stats.Skipped += r.skipped
		stats.Failed += r.failed
	}
	if applyErr != nil {
		p.log.Warn("pipeline batch incomplete",
			zap.Int("entries", len(entries)),
			zap.Int("processed", stats.Processed),
			zap.Int("failed", stats.Failed),
			zap.Error(applyErr),
		)
		return stats, fmt.Errorf("%w: %d of %d entries not applied: %w", ErrBatchIncomplete, len(entries)-stats.Processed, len(entries), applyErr)
	}

	lastKey := entries[len(entries)-1].Key
	b := storage.NewBatch().PutCheckpoint(p.consumer, lastKey)
	for _, e := range entries {
		b.Delete(storage.FamilyOutbox, e.Key)
	}
	if err := p.store.Write(ctx, b); err != nil {
		return stats, fmt.Errorf("advance checkpoint: %w", err)
	}
	stats.AdvancedTo = lastKey
	p.log.Debug("pipeline batch applied",
		zap.Int("processed", stats.Processed),
		zap.Int("skipped", stats.Skipped),
	)
	return stats, nil
}

// applyGroup applies one target's entries in key order and stops at the
// first failure so later work on the same ref never overtakes it.
func (p *Pipeline) applyGroup(ctx context.Context, target storage.Target, entries []storage.OutboxEntry) (groupResult, error) {
	var res groupResult
	sink, ok := p.sinks[target]
	if !ok {
		p.log.Warn("no sink registered for outbox target; consuming entries",
			zap.String("target", string(target)),
			zap.Int("entries", len(entries)),
		)
		res.skipped = len(entries)
		for range entries {
			p.metrics.EntrySkipped(string(target))
		}
		return res, nil
	}
	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		skipped, err := p.apply(ctx, sink, e)
		if err != nil {
			res.failed++
			p.metrics.EntryFailed(string(target))
			return res, fmt.Errorf("%s %s %s: %w", target, e.Action, e.Ref, err)
		}
		if skipped {
			res.skipped++
			p.metrics.EntrySkipped(string(target))
			continue
		}
		res.applied++
		p.metrics.EntryApplied(string(target), string(e.Action))
	}
	return res, nil
}

func (p *Pipeline) apply(ctx context.Context, sink Sink, e storage.OutboxEntry) (skipped bool, err error) {
	switch e.Action {
	case storage.ActionDelete:
		return false, sink.Delete(ctx, e.Ref)
	case storage.ActionUpsert:
		doc, err := p.resolver.Resolve(ctx, e.Ref)
		switch {
		case storage.IsNotFound(err):
			// The entity is gone; converge the index on its absence.
			return false, sink.Delete(ctx, e.Ref)
		case errors.Is(err, storage.ErrInvalid):
			p.log.Warn("dropping outbox entry with unresolvable ref",
				zap.String("ref", e.Ref),
				zap.Error(err),
			)
			return true, nil
		case err != nil:
			return false, err
		}
		return false, sink.Upsert(ctx, doc)
	default:
		p.log.Warn("dropping outbox entry with unknown action",
			zap.String("ref", e.Ref),
			zap.String("action", string(e.Action)),
		)
		return true, nil
	}
}

// Drain runs passes until the outbox is empty for this consumer, an error
// occurs or ctx ends.
func (p *Pipeline) Drain(ctx context.Context) (Stats, error) {
	var total Stats
	for {
		stats, err := p.RunOnce(ctx)
		total = total.add(stats)
		if err != nil {
			return total, err
		}
		if stats.Processed == 0 {
			return total, nil
		}
		if err := ctx.Err(); err != nil {
			return total, err
		}
	}
}
