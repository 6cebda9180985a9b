// Package daemon assembles the store, the derived indexes, the indexing
// pipeline and the maintenance jobs into one long-running service.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/dotsetgreg/agentmemory/pkg/config"
	"github.com/dotsetgreg/agentmemory/pkg/embedding"
	"github.com/dotsetgreg/agentmemory/pkg/index"
	"github.com/dotsetgreg/agentmemory/pkg/index/search"
	"github.com/dotsetgreg/agentmemory/pkg/index/vector"
	"github.com/dotsetgreg/agentmemory/pkg/lifecycle"
	"github.com/dotsetgreg/agentmemory/pkg/metrics"
	"github.com/dotsetgreg/agentmemory/pkg/pipeline"
	"github.com/dotsetgreg/agentmemory/pkg/retrieval"
	"github.com/dotsetgreg/agentmemory/pkg/scheduler"
	"github.com/dotsetgreg/agentmemory/pkg/storage"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

// Job ids registered by the service.
const (
	JobIndexSync   = "index-sync"
	JobRollup      = "rollup"
	JobCompaction  = "compaction"
	JobVectorPrune = "vector-prune"
	JobSearchPrune = "search-prune"
)

// Service owns every component. Close releases them in reverse order of
// construction.
type Service struct {
	cfg      *config.Config
	base     *zap.Logger
	log      *zap.Logger
	store    *storage.Engine
	emb      embedding.Embedder
	pipeline *pipeline.Pipeline
	teleport *retrieval.Teleporter
	sched    *scheduler.Scheduler
	metrics  *metrics.Collector

	// closers run after the scheduler has stopped, last one first.
	closers []func() error

	startOnce sync.Once
	closeOnce sync.Once
	closeErr  error
}

// New opens all components described by cfg. reg may be nil, in which case
// no metrics are registered.
func New(cfg *config.Config, logger *zap.Logger, reg prometheus.Registerer) (_ *Service, err error) {
	if cfg == nil {
		return nil, errors.New("daemon: config is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("daemon: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Service{
		cfg:     cfg,
		base:    logger,
		log:     logger.With(zap.String("component", "daemon")),
		emb:     embedding.New(cfg.Embedding.Model),
		metrics: metrics.NewCollector(cfg.Metrics.Namespace, reg),
	}
	defer func() {
		if err != nil {
			_ = s.closeResources()
		}
	}()

	targets := make([]storage.Target, 0, len(cfg.Storage.Targets))
	for _, t := range cfg.Storage.Targets {
		targets = append(targets, storage.Target(strings.ToLower(t)))
	}
	s.store, err = storage.Open(storage.Options{
		Dir:        cfg.StorageDir(),
		Targets:    targets,
		CacheBytes: int64(cfg.Storage.CacheMB) << 20,
		Logger:     logger,
	})
	if err != nil {
		return nil, err
	}
	s.closers = append(s.closers, s.store.Close)
	if reg != nil {
		if err := reg.Register(storage.NewCollector(s.store)); err != nil {
			return nil, fmt.Errorf("register storage metrics: %w", err)
		}
	}

	// Interface-typed so an unconfigured index stays a true nil.
	var (
		vecIdx    index.VectorIndex
		searchIdx index.SearchIndex
	)
	sinks := map[storage.Target]pipeline.Sink{}
	for _, target := range s.store.Targets() {
		switch target {
		case storage.TargetVector:
			idx, err := s.openVector(cfg.VectorDir(), cfg.Vector.Collection)
			if err != nil {
				return nil, err
			}
			vecIdx = idx
			sinks[target] = pipeline.VectorSink(idx, s.emb)
		case storage.TargetSearch:
			idx, err := search.Open(search.Options{
				Path:        cfg.SearchPath(),
				BusyTimeout: cfg.Search.BusyTimeout.Std(),
				Logger:      logger,
			})
			if err != nil {
				return nil, err
			}
			s.closers = append(s.closers, idx.Close)
			searchIdx = idx
			sinks[target] = pipeline.SearchSink(idx)
		case storage.TargetTopic:
			idx, err := s.openVector(filepath.Join(cfg.VectorDir(), "topics"), "topics")
			if err != nil {
				return nil, err
			}
			sinks[target] = pipeline.VectorSink(idx, s.emb)
		}
	}

	resolver := pipeline.NewStoreResolver(s.store)
	s.pipeline = pipeline.New(s.store, resolver, sinks, pipeline.Options{
		ConsumerID: cfg.Indexing.ConsumerID,
		BatchSize:  cfg.Indexing.BatchSize,
		Logger:     logger,
		Metrics:    s.metrics,
	})
	s.teleport = retrieval.New(retrieval.Config{
		Vector:   vecIdx,
		Embedder: s.emb,
		Search:   searchIdx,
		Resolver: resolver,
		Usage:    s.store,
		Logger:   logger,
	})
	s.sched = scheduler.New(scheduler.Options{
		Grace:         cfg.Scheduler.Grace.Std(),
		MaxConcurrent: cfg.Scheduler.MaxConcurrent,
		Logger:        logger,
		Metrics:       s.metrics,
	})
	if err := s.registerJobs(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Service) openVector(dir, collection string) (*vector.Index, error) {
	idx, err := vector.Open(vector.Options{
		Dir:         dir,
		Collection:  collection,
		Dimensions:  s.emb.Dimensions(),
		MaxElements: s.cfg.Vector.MaxElements,
		Compress:    s.cfg.Vector.Compress,
		Logger:      s.base,
	})
	if err != nil {
		return nil, err
	}
	s.closers = append(s.closers, idx.Close)
	return idx, nil
}

func (s *Service) registerJobs() error {
	cfg := s.cfg
	policy := RetentionPolicy(cfg.Retention)
	jobs := []struct {
		id  string
		cfg config.JobConfig
		run scheduler.JobFunc
	}{
		{JobIndexSync, cfg.Jobs.IndexSync, s.syncIndexes},
		{JobRollup, cfg.Jobs.Rollup, lifecycle.NewRollupJob(s.store, lifecycle.RollupOptions{
			Lookback: time.Duration(cfg.Rollup.LookbackDays) * 24 * time.Hour,
			Logger:   s.base,
			Metrics:  s.metrics,
		}).Run},
		{JobCompaction, cfg.Jobs.Compaction, lifecycle.NewCompactionJob(s.store, s.base).Run},
		{JobVectorPrune, cfg.Jobs.VectorPrune, lifecycle.NewPruneJob(s.store, storage.TargetVector, lifecycle.PruneOptions{
			Policy: policy, Logger: s.base, Metrics: s.metrics,
		}).Run},
		{JobSearchPrune, cfg.Jobs.SearchPrune, lifecycle.NewPruneJob(s.store, storage.TargetSearch, lifecycle.PruneOptions{
			Policy: policy, Logger: s.base, Metrics: s.metrics,
		}).Run},
	}
	for _, j := range jobs {
		if !j.cfg.Enabled {
			continue
		}
		overlap, err := scheduler.ParseOverlap(j.cfg.Overlap)
		if err != nil {
			return fmt.Errorf("job %s: %w", j.id, err)
		}
		tz := j.cfg.Timezone
		if tz == "" {
			tz = cfg.Scheduler.Timezone
		}
		if err := s.sched.Register(j.id, j.cfg.Cron, scheduler.JobOptions{
			Timezone: tz,
			Overlap:  overlap,
			Jitter:   j.cfg.Jitter.Std(),
		}, j.run); err != nil {
			return err
		}
	}
	return nil
}

// RetentionPolicy converts the configured day counts.
func RetentionPolicy(c config.RetentionConfig) lifecycle.RetentionPolicy {
	days := func(n int) time.Duration { return time.Duration(n) * 24 * time.Hour }
	return lifecycle.RetentionPolicy{
		SegmentHorizon: days(c.SegmentDays),
		DayHorizon:     days(c.DayDays),
		WeekHorizon:    days(c.WeekDays),
		GripHorizon:    days(c.GripDays),
		EventHorizon:   days(c.EventDays),
	}
}

func (s *Service) syncIndexes(ctx context.Context) error {
	stats, err := s.pipeline.Drain(ctx)
	if stats.Processed > 0 {
		s.log.Debug("indexes synced",
			zap.Int("processed", stats.Processed),
			zap.Int("skipped", stats.Skipped),
		)
	}
	return err
}

// Start begins scheduled execution.
func (s *Service) Start(ctx context.Context) error {
	var err error
	s.startOnce.Do(func() {
		if backlog, berr := s.pipeline.Backlog(ctx); berr == nil {
			s.log.Info("starting", zap.Int("outbox_backlog", backlog), zap.Int("jobs", len(s.sched.Statuses())))
		}
		err = s.sched.Start()
	})
	return err
}

// Close stops the scheduler, waiting for in-flight jobs up to the grace
// period, then closes the indexes and the store. A scheduler grace expiry is
// returned alongside any close errors.
func (s *Service) Close(ctx context.Context) error {
	s.closeOnce.Do(func() {
		var errs []error
		if s.sched != nil {
			errs = append(errs, s.sched.Shutdown(ctx))
		}
		errs = append(errs, s.closeResources())
		s.closeErr = errors.Join(errs...)
		s.log.Info("stopped")
	})
	return s.closeErr
}

func (s *Service) closeResources() error {
	var errs []error
	for _, c := range slices.Backward(s.closers) {
		errs = append(errs, c())
	}
	s.closers = nil
	return errors.Join(errs...)
}

// Ingest stores an event. Retrying with the same id is safe.
func (s *Service) Ingest(ctx context.Context, ev storage.Event) (storage.IngestResult, error) {
	return s.store.PutEvent(ctx, ev)
}

func (s *Service) Teleport(ctx context.Context, q retrieval.Query) ([]retrieval.Result, error) {
	return s.teleport.Teleport(ctx, q)
}

// RunJob triggers a registered job immediately.
func (s *Service) RunJob(id string) (bool, error) {
	return s.sched.RunNow(id)
}

func (s *Service) JobStatuses() []scheduler.JobStatus {
	return s.sched.Statuses()
}

// Status is the snapshot served on /jobs.
type Status struct {
	Jobs          []scheduler.JobStatus `json:"jobs"`
	Consumer      string                `json:"consumer"`
	OutboxBacklog int                   `json:"outbox_backlog"`
	StorageError  string                `json:"storage_error,omitempty"`
}

func (s *Service) Status(ctx context.Context) (Status, error) {
	backlog, err := s.pipeline.Backlog(ctx)
	if err != nil {
		return Status{}, err
	}
	st := Status{
		Jobs:          s.sched.Statuses(),
		Consumer:      s.pipeline.ConsumerID(),
		OutboxBacklog: backlog,
	}
	if ferr := s.store.Failed(); ferr != nil {
		st.StorageError = ferr.Error()
	}
	return st, nil
}

func (s *Service) Storage() *storage.Engine { return s.store }

func (s *Service) Pipeline() *pipeline.Pipeline { return s.pipeline }
