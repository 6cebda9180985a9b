package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/cockroachdb/pebble"
	"github.com/cockroachdb/pebble/vfs"
	"go.uber.org/zap"
)

// Options configures an Engine.
type Options struct {
	// Dir is the Pebble data directory.
	Dir string
	// Targets are the derived indexes that receive an outbox entry for every
	// ingested event, TOC node and grip. Defaults to vector and search.
	Targets []Target
	// CacheBytes bounds the event read cache. Zero selects the default, a
	// negative value disables the cache.
	CacheBytes int64
	Logger     *zap.Logger
	// FS replaces the on-disk filesystem, mainly for crash tests over
	// vfs.NewStrictMem.
	FS vfs.FS
	// Now overrides the clock used for outbox keys and default timestamps.
	Now func() time.Time
}

const defaultCacheBytes = 8 << 20

// Engine is the durable store: column families over one Pebble instance.
// All writes go through a single mutex so outbox keys become visible in
// allocation order.
type Engine struct {
	db      *pebble.DB
	log     *zap.Logger
	targets []Target
	cache   *eventCache
	now     func() time.Time

	writeMu sync.Mutex
	lastMS  uint64
	lastSeq uint64

	// readMu keeps Close from releasing the Pebble handle under a reader.
	readMu sync.RWMutex
	iterMu sync.Mutex
	iters  map[*Iterator]struct{}

	failed atomic.Pointer[Error]
	closed atomic.Bool

	ingested   atomic.Uint64
	duplicates atomic.Uint64

	closeOnce sync.Once
	closeErr  error
}

// Open opens or creates the store at opts.Dir.
func Open(opts Options) (*Engine, error) {
	if strings.TrimSpace(opts.Dir) == "" {
		return nil, &Error{Kind: KindInvalid, Op: "open", Msg: "storage dir is required"}
	}
	mkdir := os.MkdirAll
	if opts.FS != nil {
		mkdir = opts.FS.MkdirAll
	}
	if err := mkdir(opts.Dir, 0o755); err != nil {
		return nil, newError(KindStorage, "open", fmt.Errorf("create storage dir: %w", err))
	}
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	log = log.With(zap.String("component", "storage"))

	db, err := pebble.Open(opts.Dir, &pebble.Options{
		FS:     opts.FS,
		Logger: log.Named("pebble").Sugar(),
	})
	if err != nil {
		if isLockErr(err) {
			return nil, newError(KindLocked, "open", err)
		}
		return nil, newError(KindStorage, "open", err)
	}

	targets := opts.Targets
	if len(targets) == 0 {
		targets = []Target{TargetVector, TargetSearch}
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	cacheBytes := opts.CacheBytes
	if cacheBytes == 0 {
		cacheBytes = defaultCacheBytes
	}
	cache, err := newEventCache(cacheBytes)
	if err != nil {
		_ = db.Close()
		return nil, newError(KindStorage, "open", err)
	}

	e := &Engine{
		db:      db,
		log:     log,
		targets: append([]Target(nil), targets...),
		cache:   cache,
		now:     now,
		iters:   make(map[*Iterator]struct{}),
	}
	if err := e.seedSequence(); err != nil {
		e.cache.close()
		_ = db.Close()
		return nil, err
	}
	log.Info("storage opened",
		zap.String("dir", opts.Dir),
		zap.Uint64("outbox_seq", e.lastSeq),
	)
	return e, nil
}

func isLockErr(err error) bool {
	if errors.Is(err, syscall.EAGAIN) || errors.Is(err, syscall.EACCES) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "lock held") || strings.Contains(msg, "resource temporarily unavailable")
}

// Close flushes and closes the store. It waits for in-progress reads and
// writes, and releases iterators that are still open; their next call
// reports ErrClosed. It is safe to call more than once.
func (e *Engine) Close() error {
	if e == nil {
		return nil
	}
	e.closeOnce.Do(func() {
		e.writeMu.Lock()
		defer e.writeMu.Unlock()
		e.readMu.Lock()
		defer e.readMu.Unlock()

		e.closed.Store(true)
		e.iterMu.Lock()
		for it := range e.iters {
			it.release()
		}
		clear(e.iters)
		e.iterMu.Unlock()

		e.cache.close()
		if err := e.db.Close(); err != nil {
			e.closeErr = newError(KindStorage, "close", err)
		}
	})
	return e.closeErr
}

// Targets returns the derived indexes fed on ingestion.
func (e *Engine) Targets() []Target {
	return append([]Target(nil), e.targets...)
}

// Failed reports the fatal error that put the engine into the failed state.
func (e *Engine) Failed() error {
	if f := e.failed.Load(); f != nil {
		return f
	}
	return nil
}

func (e *Engine) usable(op string) error {
	if e.closed.Load() {
		return &Error{Kind: KindClosed, Op: op}
	}
	if f := e.failed.Load(); f != nil {
		return &Error{Kind: KindStorage, Op: op, Msg: "engine failed: " + f.Msg}
	}
	return nil
}

// fail records a fatal storage error. Later writes are refused.
func (e *Engine) fail(op string, err error) *Error {
	se := newError(KindStorage, op, err)
	if e.failed.CompareAndSwap(nil, se) {
		e.log.Error("storage entered failed state", zap.String("op", op), zap.Error(err))
	}
	return se
}

// Write applies the batch atomically: every put and delete, the checkpoint
// updates and the outbox entries either all become visible or none do.
func (e *Engine) Write(ctx context.Context, b *Batch) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	e.writeMu.Lock()
	defer e.writeMu.Unlock()
	return e.commitLocked(ctx, "write", b)
}

func (e *Engine) commitLocked(ctx context.Context, op string, b *Batch) error {
	if err := e.usable(op); err != nil {
		return err
	}
	if b == nil || b.Empty() {
		return nil
	}
	if err := b.validate(); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	pb := e.db.NewBatch()
	defer func() { _ = pb.Close() }()

	for _, o := range b.ops {
		key := o.family.prefixed(o.key)
		var err error
		if o.del {
			err = pb.Delete(key, nil)
		} else {
			err = pb.Set(key, o.value, nil)
		}
		if err != nil {
			return e.fail(op, err)
		}
	}

	lastMS, lastSeq := e.lastMS, e.lastSeq
	keys := make([][]byte, 0, len(b.outbox))
	for _, entry := range b.outbox {
		lastMS, lastSeq = nextOutboxPosition(lastMS, lastSeq, Millis(e.now()))
		key := OutboxKey(lastMS, lastSeq)
		if entry.CreatedAt.IsZero() {
			entry.CreatedAt = e.now().UTC()
		}
		raw, err := encode("enqueue outbox", entry)
		if err != nil {
			return err
		}
		if err := pb.Set(FamilyOutbox.prefixed(key), raw, nil); err != nil {
			return e.fail(op, err)
		}
		keys = append(keys, key)
	}

	if err := pb.Commit(pebble.Sync); err != nil {
		return e.fail(op, err)
	}
	e.lastMS, e.lastSeq = lastMS, lastSeq
	b.committedOutbox = keys
	for _, o := range b.ops {
		if o.family == FamilyEvents {
			e.cache.invalidate(o.key)
		}
	}
	return nil
}

// nextOutboxPosition never moves the time component backwards, so outbox
// keys stay strictly increasing across clock adjustments.
func nextOutboxPosition(lastMS, lastSeq, nowMS uint64) (uint64, uint64) {
	if nowMS < lastMS {
		nowMS = lastMS
	}
	return nowMS, lastSeq + 1
}

// seedSequence restores the outbox allocator from the highest outbox key and
// the highest checkpoint, whichever is greater.
func (e *Engine) seedSequence() error {
	lower, upper := FamilyOutbox.bounds()
	it, err := e.db.NewIter(&pebble.IterOptions{LowerBound: lower, UpperBound: upper})
	if err != nil {
		return newError(KindStorage, "seed outbox", err)
	}
	if it.Last() {
		if ms, seq, ok := SplitOutboxKey(it.Key()[1:]); ok {
			e.lastMS, e.lastSeq = ms, seq
		}
	}
	if err := it.Close(); err != nil {
		return newError(KindStorage, "seed outbox", err)
	}

	lower, upper = FamilyCheckpoints.bounds()
	it, err = e.db.NewIter(&pebble.IterOptions{LowerBound: lower, UpperBound: upper})
	if err != nil {
		return newError(KindStorage, "seed outbox", err)
	}
	for valid := it.First(); valid; valid = it.Next() {
		var cp checkpointRecord
		if err := decode("seed outbox", it.Value(), &cp); err != nil {
			_ = it.Close()
			return err
		}
		ms, seq, ok := SplitOutboxKey(cp.LastKey)
		if !ok {
			continue
		}
		if bytes.Compare(OutboxKey(ms, seq), OutboxKey(e.lastMS, e.lastSeq)) > 0 {
			e.lastMS, e.lastSeq = ms, seq
		}
	}
	if err := it.Close(); err != nil {
		return newError(KindStorage, "seed outbox", err)
	}
	return nil
}

// Get returns the value stored under key in family f.
func (e *Engine) Get(ctx context.Context, f Family, key []byte) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !f.Valid() {
		return nil, notFound("get", "unknown column family "+f.String())
	}
	e.readMu.RLock()
	defer e.readMu.RUnlock()
	if e.closed.Load() {
		return nil, &Error{Kind: KindClosed, Op: "get"}
	}
	value, closer, err := e.db.Get(f.prefixed(key))
	if errors.Is(err, pebble.ErrNotFound) {
		return nil, notFound("get", f.String())
	}
	if err != nil {
		return nil, newError(KindStorage, "get", err)
	}
	out := bytes.Clone(value)
	_ = closer.Close()
	return out, nil
}

// Has reports whether key exists in family f.
func (e *Engine) Has(ctx context.Context, f Family, key []byte) (bool, error) {
	_, err := e.Get(ctx, f, key)
	if IsNotFound(err) {
		return false, nil
	}
	return err == nil, err
}

// Compact compacts every column family's key range.
func (e *Engine) Compact(ctx context.Context) error {
	e.readMu.RLock()
	defer e.readMu.RUnlock()
	if err := e.usable("compact"); err != nil {
		return err
	}
	for _, f := range Families() {
		if err := ctx.Err(); err != nil {
			return err
		}
		lower, upper := f.bounds()
		start := time.Now()
		if err := e.db.Compact(lower, upper, true); err != nil {
			return newError(KindStorage, "compact", err)
		}
		e.log.Debug("compacted family",
			zap.String("family", f.String()),
			zap.Duration("elapsed", time.Since(start)),
		)
	}
	return nil
}

// metrics snapshots Pebble's metrics, or reports false once closed.
func (e *Engine) metrics() (*pebble.Metrics, bool) {
	e.readMu.RLock()
	defer e.readMu.RUnlock()
	if e.closed.Load() {
		return nil, false
	}
	return e.db.Metrics(), true
}
