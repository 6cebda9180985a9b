package lifecycle

import (
	"testing"
	"time"

	"github.com/dotsetgreg/agentmemory/pkg/storage"
	"github.com/stretchr/testify/assert"
	"pgregory.net/rapid"
)

func TestRetention_ProtectedLevels(t *testing.T) {
	p := DefaultRetention()
	now := time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC)
	ancient := time.Date(1990, 1, 1, 0, 0, 0, 0, time.UTC)

	assert.True(t, p.IsProtectedLevel(storage.LevelYear))
	assert.True(t, p.IsProtectedLevel(storage.LevelMonth))
	assert.False(t, p.IsProtectedLevel(storage.LevelDay))
	assert.False(t, p.Eligible(storage.LevelYear, ancient, now), "level 0 is never prunable")
	assert.False(t, p.Eligible(storage.LevelMonth, ancient, now))
}

func TestRetention_DayLevelHorizon(t *testing.T) {
	p := DefaultRetention()
	now := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)

	assert.True(t, p.Eligible(storage.LevelDay, now.Add(-400*day), now))
	assert.False(t, p.Eligible(storage.LevelDay, now.Add(-10*day), now))
	assert.False(t, p.Eligible(storage.LevelDay, now.Add(-365*day), now), "exactly at the horizon is kept")
}

func TestRetention_DisabledHorizon(t *testing.T) {
	p := DefaultRetention()
	p.SegmentHorizon = 0
	now := time.Now()
	_, ok := p.Horizon(storage.LevelSegment)
	assert.False(t, ok)
	assert.False(t, p.Eligible(storage.LevelSegment, now.Add(-1000*day), now))
	assert.False(t, p.Eligible(42, now.Add(-1000*day), now), "unknown levels are kept")
}

func TestRetention_Deterministic(t *testing.T) {
	p := DefaultRetention()
	rapid.Check(t, func(t *rapid.T) {
		level := rapid.IntRange(-1, 6).Draw(t, "level")
		nowMS := rapid.Int64Range(0, 4_000_000_000_000).Draw(t, "now")
		ageMS := rapid.Int64Range(0, 3_000*24*3600*1000).Draw(t, "age")
		now := time.UnixMilli(nowMS)
		ts := now.Add(-time.Duration(ageMS) * time.Millisecond)

		first := p.Eligible(level, ts, now)
		// Unrelated calls must not influence the answer.
		_ = p.Eligible(storage.LevelSegment, now, ts)
		_ = p.GripEligible(ts, now)
		if first != p.Eligible(level, ts, now) {
			t.Fatalf("eligibility changed between calls")
		}
		if p.IsProtectedLevel(level) && first {
			t.Fatalf("protected level %d reported eligible", level)
		}
		if first {
			older := ts.Add(-time.Hour)
			if !p.Eligible(level, older, now) {
				t.Fatalf("older entry at level %d not eligible", level)
			}
		}
	})
}
