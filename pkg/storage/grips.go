package storage

import (
	"context"
	"strings"
	"time"
)

// PutGrip stores a grip and enqueues index upserts for it.
func (e *Engine) PutGrip(ctx context.Context, g Grip) (Grip, error) {
	if strings.TrimSpace(g.ID) == "" {
		return Grip{}, &Error{Kind: KindInvalid, Op: "put grip", Msg: "grip id is required"}
	}
	if g.Timestamp.IsZero() {
		g.Timestamp = e.now()
	}
	g.Timestamp = time.UnixMilli(g.Timestamp.UnixMilli()).UTC()

	e.writeMu.Lock()
	defer e.writeMu.Unlock()

	b := NewBatch().PutJSON(FamilyGrips, GripKey(g.Timestamp, g.ID), g)
	e.enqueueIndexed(b, ActionUpsert, g.Ref())
	if err := e.commitLocked(ctx, "put grip", b); err != nil {
		return Grip{}, err
	}
	return g, nil
}

func (e *Engine) GetGrip(ctx context.Context, ts time.Time, id string) (Grip, error) {
	raw, err := e.Get(ctx, FamilyGrips, GripKey(ts, id))
	if err != nil {
		return Grip{}, err
	}
	var g Grip
	if err := decode("get grip", raw, &g); err != nil {
		return Grip{}, err
	}
	return g, nil
}

// ScanGrips returns grips with timestamps in [from, to).
func (e *Engine) ScanGrips(ctx context.Context, from, to time.Time) ([]Grip, error) {
	r := Range{}
	if !from.IsZero() {
		r.Start = TimePrefix(from)
	}
	if !to.IsZero() {
		r.End = TimePrefix(to)
	}
	it, err := e.Scan(ctx, FamilyGrips, r)
	if err != nil {
		return nil, err
	}
	defer func() { _ = it.Close() }()
	var out []Grip
	for it.Next() {
		var g Grip
		if err := decode("scan grips", it.Value(), &g); err != nil {
			return nil, err
		}
		out = append(out, g)
	}
	return out, it.Err()
}
