package storage

import (
	"context"
	"strings"
	"time"
)

// PutTocNode stores a new version of the node, moves its latest pointer and
// enqueues index upserts, all in one batch. The stored node is returned with
// its assigned version.
func (e *Engine) PutTocNode(ctx context.Context, node TocNode) (TocNode, error) {
	if strings.TrimSpace(node.ID) == "" {
		return TocNode{}, &Error{Kind: KindInvalid, Op: "put toc node", Msg: "node id is required"}
	}
	if node.Level < LevelYear || node.Level > LevelSegment {
		return TocNode{}, &Error{Kind: KindInvalid, Op: "put toc node", Msg: "level out of range"}
	}
	node.StartTime = time.UnixMilli(node.StartTime.UnixMilli()).UTC()
	node.EndTime = node.EndTime.UTC()

	e.writeMu.Lock()
	defer e.writeMu.Unlock()

	if err := e.usable("put toc node"); err != nil {
		return TocNode{}, err
	}
	ptr, ok, err := e.tocPointer(ctx, node.ID)
	if err != nil {
		return TocNode{}, err
	}
	node.Version = 1
	if ok {
		node.Version = ptr.Version + 1
	}
	node.UpdatedAt = e.now().UTC()

	b := NewBatch().
		PutJSON(FamilyTocNodes, TocKey(node.StartTime, node.ID, node.Version), node).
		PutJSON(FamilyTocLatest, []byte(node.ID), tocPointer{Version: node.Version, StartMS: Millis(node.StartTime)})
	e.enqueueIndexed(b, ActionUpsert, node.Ref())
	if err := e.commitLocked(ctx, "put toc node", b); err != nil {
		return TocNode{}, err
	}
	return node, nil
}

// enqueueIndexed adds one entry per configured vector/search target.
func (e *Engine) enqueueIndexed(b *Batch, action Action, ref Ref) {
	for _, target := range e.targets {
		if target == TargetTopic {
			continue
		}
		b.Enqueue(target, action, ref)
	}
}

func (e *Engine) tocPointer(ctx context.Context, id string) (tocPointer, bool, error) {
	raw, err := e.Get(ctx, FamilyTocLatest, []byte(id))
	if IsNotFound(err) {
		return tocPointer{}, false, nil
	}
	if err != nil {
		return tocPointer{}, false, err
	}
	var ptr tocPointer
	if err := decode("toc pointer", raw, &ptr); err != nil {
		return tocPointer{}, false, err
	}
	return ptr, true, nil
}

// GetTocNode returns the latest version of a node.
func (e *Engine) GetTocNode(ctx context.Context, id string) (TocNode, error) {
	ptr, ok, err := e.tocPointer(ctx, id)
	if err != nil {
		return TocNode{}, err
	}
	if !ok {
		return TocNode{}, notFound("get toc node", id)
	}
	raw, err := e.Get(ctx, FamilyTocNodes, TocKey(time.UnixMilli(int64(ptr.StartMS)), id, ptr.Version))
	if err != nil {
		return TocNode{}, err
	}
	var node TocNode
	if err := decode("get toc node", raw, &node); err != nil {
		return TocNode{}, err
	}
	return node, nil
}

// TocQuery selects TOC nodes by start time.
type TocQuery struct {
	From time.Time
	To   time.Time
	// Levels restricts the scan to the given levels; empty means all.
	Levels []int
	// AllVersions includes superseded versions.
	AllVersions bool
}

// ScanTocNodes returns nodes whose start time falls in [From, To), ordered by
// start time.
func (e *Engine) ScanTocNodes(ctx context.Context, q TocQuery) ([]TocNode, error) {
	r := Range{}
	if !q.From.IsZero() {
		r.Start = TimePrefix(q.From)
	}
	if !q.To.IsZero() {
		r.End = TimePrefix(q.To)
	}
	it, err := e.Scan(ctx, FamilyTocNodes, r)
	if err != nil {
		return nil, err
	}
	defer func() { _ = it.Close() }()

	levels := make(map[int]bool, len(q.Levels))
	for _, l := range q.Levels {
		levels[l] = true
	}
	latest := map[string]uint32{}
	var out []TocNode
	for it.Next() {
		var node TocNode
		if err := decode("scan toc nodes", it.Value(), &node); err != nil {
			return nil, err
		}
		if len(levels) > 0 && !levels[node.Level] {
			continue
		}
		if !q.AllVersions {
			v, seen := latest[node.ID]
			if !seen {
				ptr, ok, err := e.tocPointer(ctx, node.ID)
				if err != nil {
					return nil, err
				}
				if ok {
					v = ptr.Version
				}
				latest[node.ID] = v
			}
			if node.Version != v {
				continue
			}
		}
		out = append(out, node)
	}
	return out, it.Err()
}
