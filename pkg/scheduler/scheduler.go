// Package scheduler runs registered jobs on cron schedules with an overlap
// policy, optional jitter, a bound on concurrent runs and graceful shutdown.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dotsetgreg/agentmemory/pkg/metrics"
	"github.com/puzpuzpuz/xsync/v3"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
)

var (
	ErrInvalidJob      = errors.New("scheduler: invalid job")
	ErrDuplicateJob    = errors.New("scheduler: duplicate job id")
	ErrInvalidCron     = errors.New("scheduler: invalid cron expression")
	ErrInvalidTimezone = errors.New("scheduler: invalid timezone")
	ErrUnknownJob      = errors.New("scheduler: unknown job")
	ErrStopped         = errors.New("scheduler: stopped")
	ErrGraceExpired    = errors.New("scheduler: shutdown grace period expired")
)

var tracer = otel.Tracer("github.com/dotsetgreg/agentmemory/pkg/scheduler")

const DefaultGrace = 30 * time.Second

type Options struct {
	// Grace is how long Shutdown waits for in-flight runs before cancelling
	// them.
	Grace time.Duration
	// MaxConcurrent bounds runs across all jobs; zero is unbounded.
	MaxConcurrent int
	Logger        *zap.Logger
	Metrics       *metrics.Collector
	Now           func() time.Time
}

type Scheduler struct {
	grace   time.Duration
	sem     *semaphore.Weighted
	log     *zap.Logger
	metrics *metrics.Collector
	now     func() time.Time

	jobs   *xsync.MapOf[string, *job]
	status *xsync.MapOf[string, JobStatus]

	runCtx     context.Context
	cancelRuns context.CancelFunc

	// mu orders registration, start and the stopping flag against runs.Add.
	mu       sync.Mutex
	started  bool
	stopping bool
	runs     sync.WaitGroup
	loops    sync.WaitGroup
	stopCh   chan struct{}

	abandoned    atomic.Bool
	shutdownOnce sync.Once
	shutdownErr  error
}

func New(opts Options) *Scheduler {
	if opts.Grace <= 0 {
		opts.Grace = DefaultGrace
	}
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	s := &Scheduler{
		grace:   opts.Grace,
		log:     log.With(zap.String("component", "scheduler")),
		metrics: opts.Metrics,
		now:     now,
		jobs:    xsync.NewMapOf[string, *job](),
		status:  xsync.NewMapOf[string, JobStatus](),
		stopCh:  make(chan struct{}),
	}
	if opts.MaxConcurrent > 0 {
		s.sem = semaphore.NewWeighted(int64(opts.MaxConcurrent))
	}
	s.runCtx, s.cancelRuns = context.WithCancel(context.Background())
	return s
}

// Register adds a job. The cron expression and timezone are validated here
// so a bad definition never reaches the trigger loop.
func (s *Scheduler) Register(id, cronExpr string, opts JobOptions, work JobFunc) error {
	if strings.TrimSpace(id) == "" {
		return fmt.Errorf("%w: id is required", ErrInvalidJob)
	}
	if work == nil {
		return fmt.Errorf("%w: %s has no work function", ErrInvalidJob, id)
	}
	if opts.Jitter < 0 {
		return fmt.Errorf("%w: %s has negative jitter", ErrInvalidJob, id)
	}
	loc := time.Local
	if opts.Timezone != "" {
		l, err := time.LoadLocation(opts.Timezone)
		if err != nil {
			return fmt.Errorf("%w: %q: %v", ErrInvalidTimezone, opts.Timezone, err)
		}
		loc = l
	}
	sched, err := NewCronSchedule(cronExpr, loc)
	if err != nil {
		return err
	}
	return s.add(&job{
		id:       id,
		expr:     cronExpr,
		timezone: loc.String(),
		sched:    sched,
		opts:     opts,
		work:     work,
		stop:     make(chan struct{}),
	})
}

func (s *Scheduler) add(j *job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopping {
		return ErrStopped
	}
	if _, loaded := s.jobs.LoadOrStore(j.id, j); loaded {
		return fmt.Errorf("%w: %s", ErrDuplicateJob, j.id)
	}
	st := JobStatus{
		ID:       j.id,
		Cron:     j.expr,
		Timezone: j.timezone,
		Overlap:  j.opts.Overlap.String(),
		State:    StateScheduled,
	}
	if next, err := j.sched.Next(s.now()); err == nil {
		st.NextScheduledAt = next
	}
	s.status.Store(j.id, st)
	if s.started {
		s.startLoop(j)
	}
	s.log.Info("job registered",
		zap.String("job", j.id),
		zap.String("cron", j.expr),
		zap.String("timezone", j.timezone),
		zap.String("overlap", j.opts.Overlap.String()),
		zap.Duration("jitter", j.opts.Jitter),
	)
	return nil
}

// Remove unschedules a job. An in-flight run is left to finish; the status
// keeps its counters and ends in StateRemoved.
func (s *Scheduler) Remove(id string) error {
	j, ok := s.jobs.LoadAndDelete(id)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownJob, id)
	}
	j.halt()
	s.updateStatus(id, func(st *JobStatus) {
		st.State = StateRemoved
		st.NextScheduledAt = time.Time{}
	})
	s.log.Info("job removed", zap.String("job", id))
	return nil
}

// Start launches a trigger loop per registered job. Jobs registered later
// start immediately.
func (s *Scheduler) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopping {
		return ErrStopped
	}
	if s.started {
		return nil
	}
	s.started = true
	s.jobs.Range(func(_ string, j *job) bool {
		s.startLoop(j)
		return true
	})
	s.log.Info("scheduler started", zap.Int("jobs", s.jobs.Size()))
	return nil
}

func (s *Scheduler) startLoop(j *job) {
	s.loops.Add(1)
	go func() {
		defer s.loops.Done()
		s.loop(j)
	}()
}

func (s *Scheduler) loop(j *job) {
	for {
		now := s.now()
		next, err := j.sched.Next(now)
		if err != nil {
			s.log.Error("job has no next fire time; unscheduling", zap.String("job", j.id), zap.Error(err))
			s.updateStatus(j.id, func(st *JobStatus) {
				st.State = StateFailed
				st.LastError = err.Error()
				st.NextScheduledAt = time.Time{}
			})
			return
		}
		s.updateStatus(j.id, func(st *JobStatus) { st.NextScheduledAt = next })

		if !s.sleep(j, next.Sub(now)) {
			return
		}
		if j.opts.Jitter > 0 {
			if !s.sleep(j, jitterDelay(j.opts.Jitter)) {
				return
			}
		}
		s.trigger(j)
	}
}

// sleep waits for d and reports false when the job or scheduler stopped.
func (s *Scheduler) sleep(j *job, d time.Duration) bool {
	if d <= 0 {
		d = time.Millisecond
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-s.stopCh:
		return false
	case <-j.stop:
		return false
	}
}

// RunNow triggers a job outside its schedule, honouring its overlap policy.
// It reports whether a run was started.
func (s *Scheduler) RunNow(id string) (bool, error) {
	j, ok := s.jobs.Load(id)
	if !ok {
		return false, fmt.Errorf("%w: %s", ErrUnknownJob, id)
	}
	return s.trigger(j), nil
}

func (s *Scheduler) trigger(j *job) bool {
	s.mu.Lock()
	if s.stopping {
		s.mu.Unlock()
		return false
	}
	if !j.acquire() {
		s.mu.Unlock()
		s.metrics.JobSkipped(j.id)
		s.log.Info("job trigger skipped; previous run still in flight", zap.String("job", j.id))
		// A skip never masks the run still in flight.
		s.updateStatus(j.id, func(st *JobStatus) {
			st.InFlight = int(j.inFlight.Load())
			if st.InFlight > 0 {
				st.State = StateRunning
			}
			st.LastResult = ResultSkipped
			st.Skips++
		})
		return false
	}
	s.runs.Add(1)
	s.mu.Unlock()

	go s.execute(j)
	return true
}

func (s *Scheduler) execute(j *job) {
	defer s.runs.Done()

	if s.sem != nil {
		if err := s.sem.Acquire(s.runCtx, 1); err != nil {
			j.inFlight.Add(-1)
			s.finish(j, time.Time{}, err, true)
			return
		}
		defer s.sem.Release(1)
	}

	started := s.now()
	s.updateStatus(j.id, func(st *JobStatus) {
		st.State = StateRunning
		st.LastRunStartedAt = started
		st.InFlight = int(j.inFlight.Load())
	})
	s.metrics.JobStarted()

	ctx, span := tracer.Start(s.runCtx, "scheduler.job")
	span.SetAttributes(attribute.String("job.id", j.id))
	err := runSafely(ctx, j.work)
	cancelled := s.abandoned.Load() || (err != nil && s.runCtx.Err() != nil)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()

	j.inFlight.Add(-1)
	s.finish(j, started, err, cancelled)
}

func (s *Scheduler) finish(j *job, started time.Time, err error, cancelled bool) {
	finished := s.now()
	result := "succeeded"
	switch {
	case cancelled:
		result = "cancelled"
	case err != nil:
		result = "failed"
	}
	if !started.IsZero() {
		s.metrics.JobFinished(j.id, result, finished.Sub(started))
	}

	s.updateStatus(j.id, func(st *JobStatus) {
		st.LastRunFinishedAt = finished
		st.InFlight = int(j.inFlight.Load())
		st.Runs++
		switch {
		case cancelled:
			st.State = StateFailed
			st.LastResult = ResultCancelled
			st.LastError = ResultCancelled
			st.Failures++
		case err != nil:
			st.State = StateFailed
			st.LastResult = "failure: " + err.Error()
			st.LastError = err.Error()
			st.Failures++
		default:
			st.State = StateSucceeded
			st.LastResult = ResultSuccess
			st.LastError = ""
			st.Successes++
		}
	})

	fields := []zap.Field{
		zap.String("job", j.id),
		zap.String("result", result),
		zap.Duration("elapsed", finished.Sub(started)),
	}
	if err != nil {
		s.log.Warn("job run finished", append(fields, zap.Error(err))...)
		return
	}
	s.log.Info("job run finished", fields...)
}

func runSafely(ctx context.Context, work JobFunc) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("job panicked: %v", r)
		}
	}()
	return work(ctx)
}

func (s *Scheduler) updateStatus(id string, fn func(st *JobStatus)) {
	s.status.Compute(id, func(old JobStatus, loaded bool) (JobStatus, bool) {
		if !loaded {
			// Removed jobs stay removed.
			return old, true
		}
		removed := old.State == StateRemoved
		fn(&old)
		if removed {
			// A run finishing after Remove updates counters only.
			old.State = StateRemoved
			old.NextScheduledAt = time.Time{}
		}
		return old, false
	})
}

// Status returns a snapshot of one job.
func (s *Scheduler) Status(id string) (JobStatus, bool) {
	return s.status.Load(id)
}

// Statuses returns snapshots of every job ordered by id.
func (s *Scheduler) Statuses() []JobStatus {
	out := make([]JobStatus, 0, s.status.Size())
	s.status.Range(func(_ string, st JobStatus) bool {
		out = append(out, st)
		return true
	})
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Shutdown stops all triggers immediately and waits for in-flight runs.
// When the grace period or ctx ends first, runs are cancelled, marked as
// failed with a cancelled result and ErrGraceExpired is returned.
func (s *Scheduler) Shutdown(ctx context.Context) error {
	s.shutdownOnce.Do(func() {
		s.mu.Lock()
		s.stopping = true
		close(s.stopCh)
		s.mu.Unlock()
		s.loops.Wait()

		done := make(chan struct{})
		go func() {
			s.runs.Wait()
			close(done)
		}()

		timer := time.NewTimer(s.grace)
		defer timer.Stop()
		select {
		case <-done:
			s.cancelRuns()
			s.log.Info("scheduler stopped")
			return
		case <-timer.C:
		case <-ctx.Done():
		}

		s.abandoned.Store(true)
		s.cancelRuns()
		abandoned := 0
		s.jobs.Range(func(id string, j *job) bool {
			if j.inFlight.Load() == 0 {
				return true
			}
			abandoned++
			s.updateStatus(id, func(st *JobStatus) {
				st.State = StateFailed
				st.LastResult = ResultCancelled
				st.LastError = ResultCancelled
			})
			return true
		})
		s.log.Warn("scheduler grace period expired; cancelled in-flight jobs", zap.Int("jobs", abandoned))
		s.shutdownErr = fmt.Errorf("%w: %d job(s) cancelled", ErrGraceExpired, abandoned)
	})
	return s.shutdownErr
}
