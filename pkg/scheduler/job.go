package scheduler

import (
	"context"
	"fmt"
	"math/rand/v2"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/adhocore/gronx"
)

// OverlapPolicy decides what happens when a trigger fires while a previous
// run of the same job is still in flight.
type OverlapPolicy int

const (
	OverlapSkip OverlapPolicy = iota
	OverlapConcurrent
)

func (p OverlapPolicy) String() string {
	if p == OverlapConcurrent {
		return "concurrent"
	}
	return "skip"
}

// ParseOverlap accepts "skip" and "concurrent"; empty means skip.
func ParseOverlap(s string) (OverlapPolicy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "skip":
		return OverlapSkip, nil
	case "concurrent", "allow":
		return OverlapConcurrent, nil
	}
	return OverlapSkip, fmt.Errorf("unknown overlap policy %q", s)
}

// JobFunc is the unit of work. It must return promptly once ctx is done.
type JobFunc func(ctx context.Context) error

type JobOptions struct {
	// Timezone is an IANA zone name; empty means the local zone.
	Timezone string
	Overlap  OverlapPolicy
	// Jitter is the upper bound of a uniform random delay added to every
	// trigger.
	Jitter time.Duration
}

// Schedule yields fire times.
type Schedule interface {
	Next(after time.Time) (time.Time, error)
}

type cronSchedule struct {
	expr string
	loc  *time.Location
}

// ValidateCron reports whether expr is a valid 5, 6 (seconds first) or 7
// field cron expression.
func ValidateCron(expr string) error {
	if strings.TrimSpace(expr) == "" || !gronx.New().IsValid(expr) {
		return fmt.Errorf("%w: %q", ErrInvalidCron, expr)
	}
	return nil
}

// NewCronSchedule parses expr evaluated in loc.
func NewCronSchedule(expr string, loc *time.Location) (Schedule, error) {
	if err := ValidateCron(expr); err != nil {
		return nil, err
	}
	if loc == nil {
		loc = time.Local
	}
	return &cronSchedule{expr: expr, loc: loc}, nil
}

func (c *cronSchedule) Next(after time.Time) (time.Time, error) {
	next, err := gronx.NextTickAfter(c.expr, after.In(c.loc), false)
	if err != nil {
		return time.Time{}, fmt.Errorf("next tick for %q: %w", c.expr, err)
	}
	return next, nil
}

type job struct {
	id       string
	expr     string
	timezone string
	sched    Schedule
	opts     JobOptions
	work     JobFunc

	inFlight atomic.Int32
	stop     chan struct{}
	stopOnce sync.Once
}

// acquire claims a run slot according to the overlap policy.
func (j *job) acquire() bool {
	if j.opts.Overlap == OverlapConcurrent {
		j.inFlight.Add(1)
		return true
	}
	return j.inFlight.CompareAndSwap(0, 1)
}

// jitterDelay draws a uniform delay in [0, max].
func jitterDelay(limit time.Duration) time.Duration {
	if limit <= 0 {
		return 0
	}
	return rand.N(limit + 1)
}

func (j *job) halt() {
	j.stopOnce.Do(func() { close(j.stop) })
}
