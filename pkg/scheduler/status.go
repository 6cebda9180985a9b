package scheduler

import "time"

// State is the last observed phase of a job.
type State string

const (
	StateScheduled State = "scheduled"
	StateRunning   State = "running"
	StateSucceeded State = "succeeded"
	StateFailed    State = "failed"
	// StateRemoved is terminal; the status stays readable after Remove.
	StateRemoved State = "removed"
)

const (
	ResultSuccess   = "success"
	ResultSkipped   = "skipped: previous run still in flight"
	ResultCancelled = "cancelled"
)

// JobStatus is a point-in-time snapshot of a job. Snapshots are values;
// holding one never blocks the scheduler.
type JobStatus struct {
	ID                string    `json:"id"`
	Cron              string    `json:"cron"`
	Timezone          string    `json:"timezone"`
	Overlap           string    `json:"overlap"`
	State             State     `json:"state"`
	LastRunStartedAt  time.Time `json:"last_run_started_at,omitempty"`
	LastRunFinishedAt time.Time `json:"last_run_finished_at,omitempty"`
	LastResult        string    `json:"last_result,omitempty"`
	LastError         string    `json:"last_error,omitempty"`
	NextScheduledAt   time.Time `json:"next_scheduled_at,omitempty"`
	Runs              uint64    `json:"runs"`
	Successes         uint64    `json:"successes"`
	Failures          uint64    `json:"failures"`
	Skips             uint64    `json:"skips"`
	InFlight          int       `json:"in_flight"`
}
