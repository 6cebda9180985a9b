package lifecycle

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/dotsetgreg/agentmemory/pkg/metrics"
	"github.com/dotsetgreg/agentmemory/pkg/storage"
	"go.uber.org/zap"
)

// TocStore is the slice of the storage engine the rollup needs.
type TocStore interface {
	ScanTocNodes(ctx context.Context, q storage.TocQuery) ([]storage.TocNode, error)
	GetTocNode(ctx context.Context, id string) (storage.TocNode, error)
	PutTocNode(ctx context.Context, node storage.TocNode) (storage.TocNode, error)
}

// Summary is the text of a parent node.
type Summary struct {
	Title    string
	Text     string
	Keywords []string
}

// SummaryFunc merges the children of a period into the parent's summary.
type SummaryFunc func(ctx context.Context, level int, periodID string, children []storage.TocNode) (Summary, error)

const (
	DefaultRollupLookback = 7 * day
	maxRollupKeywords     = 12
)

// RollupJob builds parent TOC nodes bottom-up: segments into days, days into
// ISO weeks, weeks into months and months into years. A parent is rewritten
// only when its set of children changed.
type RollupJob struct {
	store     TocStore
	summarize SummaryFunc
	lookback  time.Duration
	now       func() time.Time
	log       *zap.Logger
	metrics   *metrics.Collector
}

type RollupOptions struct {
	// Summarize defaults to ConcatSummary.
	Summarize SummaryFunc
	// Lookback bounds how far back children are rescanned. The window is
	// widened to whole parent periods.
	Lookback time.Duration
	Logger   *zap.Logger
	Metrics  *metrics.Collector
	Now      func() time.Time
}

func NewRollupJob(store TocStore, opts RollupOptions) *RollupJob {
	if opts.Summarize == nil {
		opts.Summarize = ConcatSummary
	}
	if opts.Lookback <= 0 {
		opts.Lookback = DefaultRollupLookback
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &RollupJob{
		store:     store,
		summarize: opts.Summarize,
		lookback:  opts.Lookback,
		now:       opts.Now,
		log:       opts.Logger.With(zap.String("component", "rollup")),
		metrics:   opts.Metrics,
	}
}

func (j *RollupJob) Run(ctx context.Context) error {
	_, err := j.Rollup(ctx)
	return err
}

// Rollup refreshes every parent in the lookback window and returns how many
// parent nodes were written.
func (j *RollupJob) Rollup(ctx context.Context) (int, error) {
	since := j.now().UTC().Add(-j.lookback)
	written := 0
	for child := storage.LevelSegment; child > storage.LevelYear; child-- {
		parent := child - 1
		children, err := j.store.ScanTocNodes(ctx, storage.TocQuery{
			From:   PeriodStart(parent, since),
			Levels: []int{child},
		})
		if err != nil {
			return written, fmt.Errorf("rollup scan %s nodes: %w", storage.LevelName(child), err)
		}

		groups := map[string][]storage.TocNode{}
		var order []string
		for _, c := range children {
			id := PeriodID(parent, c.StartTime)
			if _, ok := groups[id]; !ok {
				order = append(order, id)
			}
			groups[id] = append(groups[id], c)
		}
		for _, id := range order {
			changed, err := j.refresh(ctx, parent, id, groups[id])
			if err != nil {
				return written, fmt.Errorf("rollup %s: %w", id, err)
			}
			if changed {
				written++
			}
		}
	}
	if written > 0 {
		j.log.Info("rollup wrote parent nodes", zap.Int("count", written))
	}
	return written, nil
}

func (j *RollupJob) refresh(ctx context.Context, level int, id string, children []storage.TocNode) (bool, error) {
	slices.SortFunc(children, func(a, b storage.TocNode) int {
		if c := a.StartTime.Compare(b.StartTime); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
	ids := make([]string, len(children))
	for i, c := range children {
		ids[i] = c.ID
	}

	existing, err := j.store.GetTocNode(ctx, id)
	switch {
	case err == nil:
		if slices.Equal(existing.ChildIDs, ids) {
			return false, nil
		}
	case storage.IsNotFound(err):
	default:
		return false, err
	}

	sum, err := j.summarize(ctx, level, id, children)
	if err != nil {
		return false, fmt.Errorf("summarize: %w", err)
	}
	start := PeriodStart(level, children[0].StartTime)
	if _, err := j.store.PutTocNode(ctx, storage.TocNode{
		ID:        id,
		Level:     level,
		Title:     sum.Title,
		Summary:   sum.Text,
		Keywords:  sum.Keywords,
		StartTime: start,
		EndTime:   PeriodEnd(level, start),
		ChildIDs:  ids,
	}); err != nil {
		return false, err
	}
	j.metrics.RollupNode(storage.LevelName(level))
	j.log.Debug("rollup node written", zap.String("node", id), zap.Int("children", len(ids)))
	return true, nil
}

// PeriodStart truncates t (in UTC) to the start of its period at level.
// Weeks start on Monday.
func PeriodStart(level int, t time.Time) time.Time {
	t = t.UTC()
	y, m, d := t.Date()
	switch level {
	case storage.LevelYear:
		return time.Date(y, 1, 1, 0, 0, 0, 0, time.UTC)
	case storage.LevelMonth:
		return time.Date(y, m, 1, 0, 0, 0, 0, time.UTC)
	case storage.LevelWeek:
		offset := (int(t.Weekday()) + 6) % 7
		return time.Date(y, m, d-offset, 0, 0, 0, 0, time.UTC)
	default:
		return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
	}
}

// PeriodEnd returns the exclusive end of the period starting at start.
func PeriodEnd(level int, start time.Time) time.Time {
	switch level {
	case storage.LevelYear:
		return start.AddDate(1, 0, 0)
	case storage.LevelMonth:
		return start.AddDate(0, 1, 0)
	case storage.LevelWeek:
		return start.AddDate(0, 0, 7)
	default:
		return start.AddDate(0, 0, 1)
	}
}

// PeriodID names the node at level covering t, e.g. "toc:week:2024-W03".
func PeriodID(level int, t time.Time) string {
	t = t.UTC()
	switch level {
	case storage.LevelYear:
		return t.Format("toc:year:2006")
	case storage.LevelMonth:
		return t.Format("toc:month:2006-01")
	case storage.LevelWeek:
		y, w := t.ISOWeek()
		return fmt.Sprintf("toc:week:%04d-W%02d", y, w)
	default:
		return t.Format("toc:day:2006-01-02")
	}
}

func periodTitle(level int, id string) string {
	label := id[strings.LastIndexByte(id, ':')+1:]
	name := storage.LevelName(level)
	return strings.ToUpper(name[:1]) + name[1:] + " " + label
}

// ConcatSummary joins child titles and keeps the most frequent child
// keywords. It needs no model and is the default summarizer.
func ConcatSummary(_ context.Context, level int, periodID string, children []storage.TocNode) (Summary, error) {
	lines := make([]string, 0, len(children))
	counts := map[string]int{}
	for _, c := range children {
		line := strings.TrimSpace(c.Title)
		if line == "" {
			line = strings.TrimSpace(c.Summary)
		}
		if line != "" {
			lines = append(lines, line)
		}
		for _, kw := range c.Keywords {
			kw = strings.ToLower(strings.TrimSpace(kw))
			if kw != "" {
				counts[kw]++
			}
		}
	}
	keywords := make([]string, 0, len(counts))
	for kw := range counts {
		keywords = append(keywords, kw)
	}
	slices.SortFunc(keywords, func(a, b string) int {
		if c := cmp.Compare(counts[b], counts[a]); c != 0 {
			return c
		}
		return cmp.Compare(a, b)
	})
	if len(keywords) > maxRollupKeywords {
		keywords = keywords[:maxRollupKeywords]
	}
	return Summary{
		Title:    periodTitle(level, periodID),
		Text:     strings.Join(lines, "; "),
		Keywords: keywords,
	}, nil
}
