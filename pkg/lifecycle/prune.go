package lifecycle

import (
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/dotsetgreg/agentmemory/pkg/metrics"
	"github.com/dotsetgreg/agentmemory/pkg/storage"
	"go.uber.org/zap"
)

// PruneJob removes aged entries from one derived index. It never touches the
// index directly: it enqueues delete entries so the pipeline stays the only
// index writer, and the primary store keeps every record.
//
// Each scope (segment, day and week nodes, grips, events) keeps a time
// watermark in the checkpoints family. The deletes and the new watermark are
// written in one batch, so a crash either loses both or neither.
type PruneJob struct {
	store   *storage.Engine
	target  storage.Target
	policy  RetentionPolicy
	now     func() time.Time
	log     *zap.Logger
	metrics *metrics.Collector
}

type PruneOptions struct {
	Policy  RetentionPolicy
	Logger  *zap.Logger
	Metrics *metrics.Collector
	Now     func() time.Time
}

func NewPruneJob(store *storage.Engine, target storage.Target, opts PruneOptions) *PruneJob {
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &PruneJob{
		store:   store,
		target:  target,
		policy:  opts.Policy,
		now:     now,
		log:     log.With(zap.String("component", "prune"), zap.String("target", string(target))),
		metrics: opts.Metrics,
	}
}

type pruneScope struct {
	name    string
	horizon time.Duration
	collect func(ctx context.Context, from, to, now time.Time) ([]storage.Ref, error)
}

func (j *PruneJob) scopes() []pruneScope {
	var out []pruneScope
	for _, level := range []int{storage.LevelSegment, storage.LevelDay, storage.LevelWeek} {
		h, ok := j.policy.Horizon(level)
		if !ok {
			continue
		}
		out = append(out, pruneScope{
			name:    "level:" + storage.LevelName(level),
			horizon: h,
			collect: j.tocRefs(level),
		})
	}
	if j.policy.GripHorizon > 0 {
		out = append(out, pruneScope{name: "grips", horizon: j.policy.GripHorizon, collect: j.gripRefs})
	}
	if j.policy.EventHorizon > 0 {
		out = append(out, pruneScope{name: "events", horizon: j.policy.EventHorizon, collect: j.eventRefs})
	}
	return out
}

// WatermarkConsumer is the checkpoint id holding the watermark of one scope.
func WatermarkConsumer(target storage.Target, scope string) string {
	return fmt.Sprintf("prune:%s:%s", target, scope)
}

// Run adapts Prune to a scheduler job.
func (j *PruneJob) Run(ctx context.Context) error {
	_, err := j.Prune(ctx)
	return err
}

// Prune enqueues deletes for everything that aged out since the last run and
// returns how many were enqueued.
func (j *PruneJob) Prune(ctx context.Context) (int, error) {
	if !slices.Contains(j.store.Targets(), j.target) {
		j.log.Debug("target not configured; nothing to prune")
		return 0, nil
	}
	now := j.now().UTC()
	total := 0
	for _, sc := range j.scopes() {
		n, err := j.pruneScope(ctx, sc, now)
		if err != nil {
			return total, fmt.Errorf("prune %s %s: %w", j.target, sc.name, err)
		}
		total += n
	}
	j.metrics.PruneEnqueued(string(j.target), total)
	if total > 0 {
		j.log.Info("prune enqueued deletes", zap.Int("count", total))
	}
	return total, nil
}

func (j *PruneJob) pruneScope(ctx context.Context, sc pruneScope, now time.Time) (int, error) {
	consumer := WatermarkConsumer(j.target, sc.name)
	raw, ok, err := j.store.ReadCheckpoint(ctx, consumer)
	if err != nil {
		return 0, err
	}
	var from time.Time
	if ok {
		from, _ = storage.KeyTime(raw)
	}
	cutoff := now.Add(-sc.horizon)
	if storage.Millis(cutoff) <= storage.Millis(from) {
		return 0, nil
	}
	refs, err := sc.collect(ctx, from, cutoff, now)
	if err != nil {
		return 0, err
	}
	b := storage.NewBatch()
	for _, ref := range refs {
		b.Enqueue(j.target, storage.ActionDelete, ref)
	}
	b.PutCheckpoint(consumer, storage.TimePrefix(cutoff))
	if err := j.store.Write(ctx, b); err != nil {
		return 0, err
	}
	return len(refs), nil
}

func (j *PruneJob) tocRefs(level int) func(ctx context.Context, from, to, now time.Time) ([]storage.Ref, error) {
	return func(ctx context.Context, from, to, now time.Time) ([]storage.Ref, error) {
		nodes, err := j.store.ScanTocNodes(ctx, storage.TocQuery{From: from, To: to, Levels: []int{level}})
		if err != nil {
			return nil, err
		}
		var refs []storage.Ref
		for _, n := range nodes {
			if j.policy.Eligible(n.Level, n.StartTime, now) {
				refs = append(refs, n.Ref())
			}
		}
		return refs, nil
	}
}

func (j *PruneJob) gripRefs(ctx context.Context, from, to, now time.Time) ([]storage.Ref, error) {
	grips, err := j.store.ScanGrips(ctx, from, to)
	if err != nil {
		return nil, err
	}
	var refs []storage.Ref
	for _, g := range grips {
		if j.policy.GripEligible(g.Timestamp, now) {
			refs = append(refs, g.Ref())
		}
	}
	return refs, nil
}

func (j *PruneJob) eventRefs(ctx context.Context, from, to, now time.Time) ([]storage.Ref, error) {
	events, err := j.store.ScanEvents(ctx, storage.EventQuery{From: from, To: to})
	if err != nil {
		return nil, err
	}
	var refs []storage.Ref
	for _, ev := range events {
		if j.policy.EventEligible(ev.Timestamp, now) {
			refs = append(refs, ev.Ref())
		}
	}
	return refs, nil
}
