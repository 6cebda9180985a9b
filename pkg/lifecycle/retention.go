// Package lifecycle holds the maintenance jobs that run against the store:
// TOC rollup, storage compaction and index pruning, plus the retention
// policy that decides what may be pruned.
package lifecycle

import (
	"time"

	"github.com/dotsetgreg/agentmemory/pkg/storage"
)

const day = 24 * time.Hour

// RetentionPolicy maps TOC levels to age horizons. A zero horizon disables
// pruning for that level.
type RetentionPolicy struct {
	SegmentHorizon time.Duration
	DayHorizon     time.Duration
	WeekHorizon    time.Duration
	GripHorizon    time.Duration
	EventHorizon   time.Duration
}

func DefaultRetention() RetentionPolicy {
	return RetentionPolicy{
		SegmentHorizon: 30 * day,
		DayHorizon:     365 * day,
		WeekHorizon:    1825 * day,
		GripHorizon:    30 * day,
		EventHorizon:   30 * day,
	}
}

// IsProtectedLevel reports whether nodes at level are kept forever. Year and
// month summaries are the long-term backbone of the hierarchy.
func (p RetentionPolicy) IsProtectedLevel(level int) bool {
	return level <= storage.LevelMonth
}

// Horizon returns the age past which nodes at level become prunable. ok is
// false for protected, unknown or disabled levels.
func (p RetentionPolicy) Horizon(level int) (time.Duration, bool) {
	if p.IsProtectedLevel(level) {
		return 0, false
	}
	var h time.Duration
	switch level {
	case storage.LevelWeek:
		h = p.WeekHorizon
	case storage.LevelDay:
		h = p.DayHorizon
	case storage.LevelSegment:
		h = p.SegmentHorizon
	}
	return h, h > 0
}

// Eligible reports whether a node at level stamped ts may be pruned at now.
// The result depends only on its arguments.
func (p RetentionPolicy) Eligible(level int, ts, now time.Time) bool {
	h, ok := p.Horizon(level)
	return ok && now.Sub(ts) > h
}

// GripEligible applies the grip horizon.
func (p RetentionPolicy) GripEligible(ts, now time.Time) bool {
	return p.GripHorizon > 0 && now.Sub(ts) > p.GripHorizon
}

// EventEligible applies the event horizon to raw event index entries.
func (p RetentionPolicy) EventEligible(ts, now time.Time) bool {
	return p.EventHorizon > 0 && now.Sub(ts) > p.EventHorizon
}
