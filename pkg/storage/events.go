package storage

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// PutEvent ingests an event idempotently. The event, its id index entry and
// one upsert outbox entry per configured target are written in a single
// batch. Re-submitting an id that is already stored leaves storage untouched
// and reports Existed, whatever timestamp the retry carries.
func (e *Engine) PutEvent(ctx context.Context, ev Event) (IngestResult, error) {
	if err := ctx.Err(); err != nil {
		return IngestResult{}, err
	}
	if strings.TrimSpace(ev.ID) == "" {
		id, err := uuid.NewV7()
		if err != nil {
			return IngestResult{}, newError(KindStorage, "put event", err)
		}
		ev.ID = id.String()
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = e.now()
	}
	ev.Timestamp = time.UnixMilli(ev.Timestamp.UnixMilli()).UTC()
	key := ev.Key()

	e.writeMu.Lock()
	defer e.writeMu.Unlock()

	if err := e.usable("put event"); err != nil {
		return IngestResult{}, err
	}
	exists, err := e.Has(ctx, FamilyEventIDs, []byte(ev.ID))
	if err != nil {
		return IngestResult{}, err
	}
	if exists {
		e.duplicates.Add(1)
		e.log.Debug("event already stored", zap.String("event_id", ev.ID))
		return IngestResult{EventID: ev.ID, Existed: true}, nil
	}

	b := NewBatch().
		PutJSON(FamilyEvents, key, ev).
		Put(FamilyEventIDs, []byte(ev.ID), key)
	for _, target := range e.targets {
		if target == TargetTopic {
			continue
		}
		b.Enqueue(target, ActionUpsert, ev.Ref())
	}
	if err := e.commitLocked(ctx, "put event", b); err != nil {
		return IngestResult{}, err
	}
	e.ingested.Add(1)
	return IngestResult{EventID: ev.ID}, nil
}

// GetEvent loads an event by timestamp and id.
func (e *Engine) GetEvent(ctx context.Context, ts time.Time, id string) (Event, error) {
	key := EventKey(ts, id)
	if ev, ok := e.cache.get(key); ok {
		return ev, nil
	}
	raw, err := e.Get(ctx, FamilyEvents, key)
	if err != nil {
		return Event{}, err
	}
	var ev Event
	if err := decode("get event", raw, &ev); err != nil {
		return Event{}, err
	}
	e.cache.put(key, ev, len(raw))
	return ev, nil
}

// GetEventByID loads an event through the id index.
func (e *Engine) GetEventByID(ctx context.Context, id string) (Event, error) {
	key, err := e.Get(ctx, FamilyEventIDs, []byte(id))
	if err != nil {
		return Event{}, err
	}
	ts, ok := KeyTime(key)
	if !ok {
		return Event{}, &Error{Kind: KindSerialization, Op: "get event by id", Msg: "malformed event key"}
	}
	return e.GetEvent(ctx, ts, id)
}

// EventQuery selects events by time window and optional session.
type EventQuery struct {
	SessionID string
	From      time.Time
	To        time.Time
	Limit     int
	Newest    bool
}

// ScanEvents returns events in [From, To) in chronological order, or newest
// first when Newest is set.
func (e *Engine) ScanEvents(ctx context.Context, q EventQuery) ([]Event, error) {
	r := Range{Reverse: q.Newest}
	if !q.From.IsZero() {
		r.Start = TimePrefix(q.From)
	}
	if !q.To.IsZero() {
		r.End = TimePrefix(q.To)
	}
	it, err := e.Scan(ctx, FamilyEvents, r)
	if err != nil {
		return nil, err
	}
	defer func() { _ = it.Close() }()

	var out []Event
	for (q.Limit <= 0 || len(out) < q.Limit) && it.Next() {
		var ev Event
		if err := decode("scan events", it.Value(), &ev); err != nil {
			return nil, err
		}
		if q.SessionID != "" && ev.SessionID != q.SessionID {
			continue
		}
		out = append(out, ev)
	}
	return out, it.Err()
}
