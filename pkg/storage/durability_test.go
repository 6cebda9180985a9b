package storage

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/cockroachdb/pebble/vfs"
)

func outboxRefIDs(t *testing.T, e *Engine) map[string]int {
	t.Helper()
	entries, err := e.ScanOutbox(context.Background(), nil, 0)
	if err != nil {
		t.Fatalf("scan outbox: %v", err)
	}
	ids := map[string]int{}
	for _, entry := range entries {
		ref, err := ParseRef(entry.Ref)
		if err != nil {
			t.Fatalf("parse ref %q: %v", entry.Ref, err)
		}
		ids[ref.ID]++
	}
	return ids
}

func TestEngine_RetryWithoutTimestampIsNoop(t *testing.T) {
	ctx := context.Background()
	clock := time.UnixMilli(1_700_000_000_000)
	e, err := Open(Options{Dir: t.TempDir(), Now: func() time.Time { return clock }})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer e.Close()

	res, err := e.PutEvent(ctx, Event{ID: "evt-retry", SessionID: "s1", Payload: "hi"})
	if err != nil || res.Existed {
		t.Fatalf("first put: %+v %v", res, err)
	}
	clock = clock.Add(5 * time.Millisecond)
	res, err = e.PutEvent(ctx, Event{ID: "evt-retry", SessionID: "s1", Payload: "hi"})
	if err != nil || !res.Existed {
		t.Fatalf("retry should report existing: %+v %v", res, err)
	}

	events, err := e.ScanEvents(ctx, EventQuery{})
	if err != nil || len(events) != 1 {
		t.Fatalf("stored events = %d (%v)", len(events), err)
	}
	if got := outboxRefIDs(t, e)["evt-retry"]; got != 2 {
		t.Fatalf("outbox entries for retried event = %d, want 2", got)
	}
}

func TestEngine_RetryWithChangedTimestampIsNoop(t *testing.T) {
	ctx := context.Background()
	e := openTestEngine(t, t.TempDir())
	defer e.Close()

	first := time.UnixMilli(1000)
	if _, err := e.PutEvent(ctx, Event{ID: "evt-moved", Timestamp: first, Payload: "a"}); err != nil {
		t.Fatalf("first put: %v", err)
	}
	res, err := e.PutEvent(ctx, Event{ID: "evt-moved", Timestamp: time.UnixMilli(2000), Payload: "b"})
	if err != nil || !res.Existed {
		t.Fatalf("retry should report existing: %+v %v", res, err)
	}

	ev, err := e.GetEventByID(ctx, "evt-moved")
	if err != nil {
		t.Fatalf("get by id: %v", err)
	}
	if !ev.Timestamp.Equal(first) || ev.Payload != "a" {
		t.Fatalf("stored event was replaced: %+v", ev)
	}
	depth, err := e.OutboxDepth(ctx, nil)
	if err != nil || depth != 2 {
		t.Fatalf("outbox depth = %d (%v)", depth, err)
	}
	if _, err := e.GetEventByID(ctx, "missing"); !IsNotFound(err) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestEngine_CrashKeepsEventAndOutboxTogether(t *testing.T) {
	ctx := context.Background()
	mem := vfs.NewStrictMem()
	e, err := Open(Options{Dir: "store", FS: mem})
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	if _, err := e.PutEvent(ctx, Event{ID: "acked", Timestamp: time.UnixMilli(1000), Payload: "kept"}); err != nil {
		t.Fatalf("put acked: %v", err)
	}

	// From here on nothing reaches stable storage: the second event is
	// written but its sync never lands before the crash.
	mem.SetIgnoreSyncs(true)
	if _, err := e.PutEvent(ctx, Event{ID: "lost", Timestamp: time.UnixMilli(2000), Payload: "gone"}); err != nil {
		t.Fatalf("put lost: %v", err)
	}
	_ = e.Close()
	mem.ResetToSyncedState()
	mem.SetIgnoreSyncs(false)

	e, err = Open(Options{Dir: "store", FS: mem})
	if err != nil {
		t.Fatalf("reopen after crash: %v", err)
	}
	defer e.Close()

	if _, err := e.GetEventByID(ctx, "acked"); err != nil {
		t.Fatalf("acknowledged event missing after crash: %v", err)
	}
	if _, err := e.GetEventByID(ctx, "lost"); !IsNotFound(err) {
		t.Fatalf("unacknowledged event survived: %v", err)
	}
	if has, err := e.Has(ctx, FamilyEvents, EventKey(time.UnixMilli(2000), "lost")); err != nil || has {
		t.Fatalf("unacknowledged event row survived: has=%v err=%v", has, err)
	}

	ids := outboxRefIDs(t, e)
	if ids["acked"] != 2 {
		t.Fatalf("outbox entries for acked = %d, want 2", ids["acked"])
	}
	if ids["lost"] != 0 {
		t.Fatalf("outbox entries for lost = %d, want 0", ids["lost"])
	}
}

func TestEngine_ReadsAfterCloseReportClosed(t *testing.T) {
	ctx := context.Background()
	e := openTestEngine(t, t.TempDir())

	for _, id := range []string{"a", "b", "c"} {
		if _, err := e.PutEvent(ctx, Event{ID: id, Timestamp: time.UnixMilli(1000), Payload: id}); err != nil {
			t.Fatalf("put %s: %v", id, err)
		}
	}
	it, err := e.Scan(ctx, FamilyEvents, Range{})
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	if !it.Next() {
		t.Fatalf("expected a first entry: %v", it.Err())
	}

	var wg sync.WaitGroup
	for range 4 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				_, err := e.Get(ctx, FamilyEventIDs, []byte("a"))
				if errors.Is(err, ErrClosed) {
					return
				}
				if err != nil {
					t.Errorf("get: %v", err)
					return
				}
			}
		}()
	}

	if err := e.Close(); err != nil {
		t.Fatalf("close with open iterator: %v", err)
	}
	wg.Wait()

	if it.Next() {
		t.Fatal("iterator advanced after close")
	}
	if !errors.Is(it.Err(), ErrClosed) {
		t.Fatalf("iterator error = %v, want closed", it.Err())
	}
	if err := it.Close(); err != nil {
		t.Fatalf("iterator close after engine close: %v", err)
	}
	if _, err := e.Scan(ctx, FamilyEvents, Range{}); !errors.Is(err, ErrClosed) {
		t.Fatalf("scan after close = %v", err)
	}
}
