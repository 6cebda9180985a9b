package lifecycle

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// Compactor is implemented by *storage.Engine.
type Compactor interface {
	Compact(ctx context.Context) error
}

// CompactionJob compacts the store's key ranges.
type CompactionJob struct {
	store Compactor
	log   *zap.Logger
}

func NewCompactionJob(store Compactor, logger *zap.Logger) *CompactionJob {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CompactionJob{store: store, log: logger.With(zap.String("component", "compaction"))}
}

func (j *CompactionJob) Run(ctx context.Context) error {
	start := time.Now()
	if err := j.store.Compact(ctx); err != nil {
		return fmt.Errorf("compact storage: %w", err)
	}
	j.log.Info("storage compacted", zap.Duration("elapsed", time.Since(start)))
	return nil
}
