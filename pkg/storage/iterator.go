package storage

import (
	"bytes"
	"context"

	"github.com/cockroachdb/pebble"
)

// Range bounds a scan within one family. Start is inclusive, End exclusive,
// After exclusive. A nil bound is open. When both After and Start are set
// the tighter bound wins.
type Range struct {
	Start []byte
	End   []byte
	After []byte
	// Reverse walks the range from the highest key down.
	Reverse bool
}

// Iterator walks a family lazily in key order. Keys and values returned by
// Key and Value stay valid after Next.
type Iterator struct {
	ctx     context.Context
	e       *Engine
	it      *pebble.Iterator
	reverse bool
	started bool
	key     []byte
	value   []byte
	err     error
}

// Scan opens an iterator over family f restricted to r. The caller must
// Close it.
func (e *Engine) Scan(ctx context.Context, f Family, r Range) (*Iterator, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !f.Valid() {
		return nil, notFound("scan", "unknown column family "+f.String())
	}
	e.readMu.RLock()
	defer e.readMu.RUnlock()
	if e.closed.Load() {
		return nil, &Error{Kind: KindClosed, Op: "scan"}
	}
	lower, upper := f.bounds()
	if r.Start != nil {
		lower = f.prefixed(r.Start)
	}
	if r.After != nil {
		if after := f.prefixed(successor(r.After)); bytes.Compare(after, lower) > 0 {
			lower = after
		}
	}
	if r.End != nil {
		upper = f.prefixed(r.End)
	}
	it, err := e.db.NewIter(&pebble.IterOptions{LowerBound: lower, UpperBound: upper})
	if err != nil {
		return nil, newError(KindStorage, "scan", err)
	}
	i := &Iterator{ctx: ctx, e: e, it: it, reverse: r.Reverse}
	e.iterMu.Lock()
	e.iters[i] = struct{}{}
	e.iterMu.Unlock()
	return i, nil
}

// Next advances to the next entry and reports whether one exists.
func (i *Iterator) Next() bool {
	i.e.readMu.RLock()
	defer i.e.readMu.RUnlock()
	if i.err != nil || i.it == nil {
		return false
	}
	if err := i.ctx.Err(); err != nil {
		i.err = err
		return false
	}
	var valid bool
	switch {
	case !i.started && i.reverse:
		valid = i.it.Last()
	case !i.started:
		valid = i.it.First()
	case i.reverse:
		valid = i.it.Prev()
	default:
		valid = i.it.Next()
	}
	i.started = true
	if !valid {
		if err := i.it.Error(); err != nil {
			i.err = newError(KindStorage, "scan", err)
		}
		return false
	}
	value, err := i.it.ValueAndErr()
	if err != nil {
		i.err = newError(KindStorage, "scan", err)
		return false
	}
	i.key = bytes.Clone(i.it.Key()[1:])
	i.value = bytes.Clone(value)
	return true
}

// Key returns the current key without its family prefix.
func (i *Iterator) Key() []byte { return i.key }

func (i *Iterator) Value() []byte { return i.value }

func (i *Iterator) Err() error {
	i.e.readMu.RLock()
	defer i.e.readMu.RUnlock()
	return i.err
}

func (i *Iterator) Close() error {
	i.e.readMu.RLock()
	defer i.e.readMu.RUnlock()
	i.e.iterMu.Lock()
	delete(i.e.iters, i)
	i.e.iterMu.Unlock()
	if i.it == nil {
		return nil
	}
	err := i.it.Close()
	i.it = nil
	if err != nil {
		return newError(KindStorage, "scan", err)
	}
	return nil
}

// release closes the Pebble iterator on behalf of Engine.Close, which holds
// readMu exclusively.
func (i *Iterator) release() {
	if i.it != nil {
		_ = i.it.Close()
		i.it = nil
		i.err = &Error{Kind: KindClosed, Op: "scan"}
	}
}
