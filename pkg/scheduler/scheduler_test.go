package scheduler

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func noop(context.Context) error { return nil }

func waitState(t *testing.T, s *Scheduler, id string, cond func(JobStatus) bool) JobStatus {
	t.Helper()
	var st JobStatus
	require.Eventually(t, func() bool {
		var ok bool
		st, ok = s.Status(id)
		return ok && cond(st)
	}, 2*time.Second, 5*time.Millisecond)
	return st
}

func TestRegister_Validation(t *testing.T) {
	s := New(Options{})
	require.NoError(t, s.Register("rollup-daily", "0 0 3 * * *", JobOptions{}, noop))

	err := s.Register("rollup-daily", "0 3 * * *", JobOptions{}, noop)
	assert.True(t, errors.Is(err, ErrDuplicateJob))

	err = s.Register("bad-cron", "every tuesday", JobOptions{}, noop)
	assert.True(t, errors.Is(err, ErrInvalidCron))
	_, ok := s.Status("bad-cron")
	assert.False(t, ok, "rejected jobs are not registered")

	err = s.Register("bad-tz", "0 3 * * *", JobOptions{Timezone: "Mars/Olympus"}, noop)
	assert.True(t, errors.Is(err, ErrInvalidTimezone))

	assert.True(t, errors.Is(s.Register("", "0 3 * * *", JobOptions{}, noop), ErrInvalidJob))
	assert.True(t, errors.Is(s.Register("nil-work", "0 3 * * *", JobOptions{}, nil), ErrInvalidJob))
}

func TestSkipPolicy_LongRunningDailyJob(t *testing.T) {
	s := New(Options{})
	release := make(chan struct{})
	var started atomic.Int32
	require.NoError(t, s.Register("rollup-daily", "0 0 3 * * *", JobOptions{Overlap: OverlapSkip}, func(ctx context.Context) error {
		started.Add(1)
		<-release // a run that outlasts the next two daily triggers
		return nil
	}))

	st, ok := s.Status("rollup-daily")
	require.True(t, ok)
	assert.Equal(t, 3, st.NextScheduledAt.Hour())

	ran, err := s.RunNow("rollup-daily")
	require.NoError(t, err)
	assert.True(t, ran)
	for range 2 {
		ran, err = s.RunNow("rollup-daily")
		require.NoError(t, err)
		assert.False(t, ran)
	}
	st, _ = s.Status("rollup-daily")
	assert.Equal(t, StateRunning, st.State, "skips do not hide the run in flight")
	assert.Equal(t, ResultSkipped, st.LastResult)
	assert.Equal(t, 1, st.InFlight)
	close(release)

	st = waitState(t, s, "rollup-daily", func(st JobStatus) bool { return st.State == StateSucceeded })
	assert.Equal(t, uint64(2), st.Skips)
	assert.Equal(t, uint64(1), st.Successes)
	assert.Equal(t, uint64(1), st.Runs)
	assert.Equal(t, int32(1), started.Load())
	require.NoError(t, s.Shutdown(context.Background()))
}

func TestConcurrentPolicy_AllowsOverlap(t *testing.T) {
	s := New(Options{})
	release := make(chan struct{})
	var running, peak atomic.Int32
	require.NoError(t, s.Register("fanout", "* * * * *", JobOptions{Overlap: OverlapConcurrent}, func(ctx context.Context) error {
		n := running.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		<-release
		running.Add(-1)
		return nil
	}))
	for range 3 {
		ran, err := s.RunNow("fanout")
		require.NoError(t, err)
		assert.True(t, ran)
	}
	require.Eventually(t, func() bool { return running.Load() == 3 }, time.Second, 5*time.Millisecond)
	close(release)
	st := waitState(t, s, "fanout", func(st JobStatus) bool { return st.Successes == 3 })
	assert.Zero(t, st.Skips)
	assert.Equal(t, int32(3), peak.Load())
}

func TestMaxConcurrent_BoundsRuns(t *testing.T) {
	s := New(Options{MaxConcurrent: 1})
	var running, peak atomic.Int32
	work := func(ctx context.Context) error {
		n := running.Add(1)
		if n > peak.Load() {
			peak.Store(n)
		}
		time.Sleep(20 * time.Millisecond)
		running.Add(-1)
		return nil
	}
	require.NoError(t, s.Register("a", "* * * * *", JobOptions{}, work))
	require.NoError(t, s.Register("b", "* * * * *", JobOptions{}, work))
	_, _ = s.RunNow("a")
	_, _ = s.RunNow("b")
	waitState(t, s, "a", func(st JobStatus) bool { return st.Successes == 1 })
	waitState(t, s, "b", func(st JobStatus) bool { return st.Successes == 1 })
	assert.Equal(t, int32(1), peak.Load())
}

func TestFailureIsRecordedAndJobStaysScheduled(t *testing.T) {
	s := New(Options{})
	var calls atomic.Int32
	require.NoError(t, s.Register("flaky", "*/5 * * * *", JobOptions{}, func(ctx context.Context) error {
		if calls.Add(1) == 1 {
			return errors.New("index unavailable")
		}
		return nil
	}))

	_, _ = s.RunNow("flaky")
	st := waitState(t, s, "flaky", func(st JobStatus) bool { return st.Failures == 1 && st.InFlight == 0 })
	assert.Equal(t, StateFailed, st.State)
	assert.Contains(t, st.LastError, "index unavailable")

	_, _ = s.RunNow("flaky")
	st = waitState(t, s, "flaky", func(st JobStatus) bool { return st.Successes == 1 })
	assert.Equal(t, uint64(2), st.Runs)
	assert.Empty(t, st.LastError)
}

func TestPanicIsRecordedAsFailure(t *testing.T) {
	s := New(Options{})
	require.NoError(t, s.Register("boom", "* * * * *", JobOptions{}, func(ctx context.Context) error {
		panic("bad state")
	}))
	_, _ = s.RunNow("boom")
	st := waitState(t, s, "boom", func(st JobStatus) bool { return st.Failures == 1 })
	assert.Contains(t, st.LastError, "bad state")
}

func TestStatusReadableWhileRunning(t *testing.T) {
	s := New(Options{})
	release := make(chan struct{})
	defer close(release)
	require.NoError(t, s.Register("slow", "* * * * *", JobOptions{}, func(ctx context.Context) error {
		<-release
		return nil
	}))
	_, _ = s.RunNow("slow")
	st := waitState(t, s, "slow", func(st JobStatus) bool { return st.State == StateRunning })
	assert.Equal(t, 1, st.InFlight)
	assert.Len(t, s.Statuses(), 1)
}

func TestShutdown_WaitsForRunsWithinGrace(t *testing.T) {
	s := New(Options{Grace: 2 * time.Second})
	require.NoError(t, s.Register("quick", "* * * * *", JobOptions{}, func(ctx context.Context) error {
		time.Sleep(30 * time.Millisecond)
		return nil
	}))
	_, _ = s.RunNow("quick")
	require.NoError(t, s.Shutdown(context.Background()))

	st, _ := s.Status("quick")
	assert.Equal(t, StateSucceeded, st.State)

	ran, err := s.RunNow("quick")
	require.NoError(t, err)
	assert.False(t, ran, "no triggers after shutdown")
	assert.True(t, errors.Is(s.Register("late", "* * * * *", JobOptions{}, noop), ErrStopped))
}

func TestShutdown_CancelsAfterGrace(t *testing.T) {
	s := New(Options{Grace: 50 * time.Millisecond})
	var sawCancel atomic.Bool
	require.NoError(t, s.Register("stuck", "* * * * *", JobOptions{}, func(ctx context.Context) error {
		<-ctx.Done()
		sawCancel.Store(true)
		return ctx.Err()
	}))
	_, _ = s.RunNow("stuck")
	waitState(t, s, "stuck", func(st JobStatus) bool { return st.State == StateRunning })

	start := time.Now()
	err := s.Shutdown(context.Background())
	assert.True(t, errors.Is(err, ErrGraceExpired))
	assert.Less(t, time.Since(start), time.Second)

	st, _ := s.Status("stuck")
	assert.Equal(t, StateFailed, st.State)
	assert.Equal(t, ResultCancelled, st.LastResult)
	require.Eventually(t, sawCancel.Load, time.Second, 5*time.Millisecond)
}

type everySchedule struct{ d time.Duration }

func (e everySchedule) Next(after time.Time) (time.Time, error) { return after.Add(e.d), nil }

func TestLoop_FiresOnSchedule(t *testing.T) {
	s := New(Options{Grace: time.Second})
	var mu sync.Mutex
	fired := 0
	require.NoError(t, s.add(&job{
		id:    "tick",
		expr:  "every 10ms",
		sched: everySchedule{d: 10 * time.Millisecond},
		opts:  JobOptions{Jitter: 2 * time.Millisecond},
		work: func(ctx context.Context) error {
			mu.Lock()
			fired++
			mu.Unlock()
			return nil
		},
		stop: make(chan struct{}),
	}))
	require.NoError(t, s.Start())
	waitState(t, s, "tick", func(st JobStatus) bool { return st.Successes >= 3 })
	require.NoError(t, s.Shutdown(context.Background()))

	mu.Lock()
	after := fired
	mu.Unlock()
	time.Sleep(40 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, after, fired, "no runs after shutdown")
}

func TestRemove_StopsJob(t *testing.T) {
	s := New(Options{})
	require.NoError(t, s.Register("gone", "* * * * *", JobOptions{}, noop))
	require.NoError(t, s.Remove("gone"))
	st, ok := s.Status("gone")
	require.True(t, ok, "removed jobs stay visible")
	assert.Equal(t, StateRemoved, st.State)
	assert.True(t, st.NextScheduledAt.IsZero())
	assert.True(t, errors.Is(s.Remove("gone"), ErrUnknownJob))
	_, err := s.RunNow("gone")
	assert.True(t, errors.Is(err, ErrUnknownJob))

	require.NoError(t, s.Register("gone", "* * * * *", JobOptions{}, noop), "ids can be reused")
	st, _ = s.Status("gone")
	assert.Equal(t, StateScheduled, st.State)
}

func TestRemove_WhileRunningStaysRemoved(t *testing.T) {
	s := New(Options{})
	release := make(chan struct{})
	require.NoError(t, s.Register("slow", "* * * * *", JobOptions{}, func(context.Context) error {
		<-release
		return nil
	}))
	ran, err := s.RunNow("slow")
	require.NoError(t, err)
	require.True(t, ran)
	waitState(t, s, "slow", func(st JobStatus) bool { return st.State == StateRunning })

	require.NoError(t, s.Remove("slow"))
	close(release)

	st := waitState(t, s, "slow", func(st JobStatus) bool { return st.Successes == 1 })
	assert.Equal(t, StateRemoved, st.State)
	assert.Equal(t, ResultSuccess, st.LastResult)
	require.NoError(t, s.Shutdown(context.Background()))
}

func TestJitterDelay_IncludesUpperBound(t *testing.T) {
	assert.Zero(t, jitterDelay(0))
	assert.Zero(t, jitterDelay(-time.Second))

	seen := map[time.Duration]bool{}
	for range 1000 {
		d := jitterDelay(time.Nanosecond)
		require.GreaterOrEqual(t, d, time.Duration(0))
		require.LessOrEqual(t, d, time.Nanosecond)
		seen[d] = true
	}
	assert.True(t, seen[time.Nanosecond], "the bound itself is reachable")
	assert.True(t, seen[0])
}

func TestCronSchedule_Next(t *testing.T) {
	sched, err := NewCronSchedule("30 3 * * *", time.UTC)
	require.NoError(t, err)
	next, err := sched.Next(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.Equal(t, time.Date(2024, 1, 1, 3, 30, 0, 0, time.UTC), next)

	ny, err := time.LoadLocation("America/New_York")
	require.NoError(t, err)
	sched, err = NewCronSchedule("0 0 3 * * *", ny)
	require.NoError(t, err)
	next, err = sched.Next(time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.Equal(t, time.Date(2024, 1, 2, 3, 0, 0, 0, ny).Unix(), next.Unix())
}

func TestParseOverlap(t *testing.T) {
	p, err := ParseOverlap("Concurrent")
	require.NoError(t, err)
	assert.Equal(t, OverlapConcurrent, p)
	p, err = ParseOverlap("")
	require.NoError(t, err)
	assert.Equal(t, OverlapSkip, p)
	_, err = ParseOverlap("queue")
	assert.Error(t, err)
}
