package storage

import (
	"context"
	"time"
)

// IncrementUsage bumps the access counter of ref.
func (e *Engine) IncrementUsage(ctx context.Context, ref string, at time.Time) (Usage, error) {
	if ref == "" {
		return Usage{}, &Error{Kind: KindInvalid, Op: "increment usage", Msg: "ref is required"}
	}
	e.writeMu.Lock()
	defer e.writeMu.Unlock()

	u, err := e.usage(ctx, ref)
	if err != nil {
		return Usage{}, err
	}
	u.Count++
	if at.After(u.LastAccess) {
		u.LastAccess = at.UTC()
	}
	if err := e.commitLocked(ctx, "increment usage", NewBatch().PutJSON(FamilyUsage, []byte(ref), u)); err != nil {
		return Usage{}, err
	}
	return u, nil
}

// Usage returns the counter for ref; an unknown ref has a zero count.
func (e *Engine) Usage(ctx context.Context, ref string) (Usage, error) {
	return e.usage(ctx, ref)
}

func (e *Engine) usage(ctx context.Context, ref string) (Usage, error) {
	raw, err := e.Get(ctx, FamilyUsage, []byte(ref))
	if IsNotFound(err) {
		return Usage{Ref: ref}, nil
	}
	if err != nil {
		return Usage{}, err
	}
	var u Usage
	if err := decode("usage", raw, &u); err != nil {
		return Usage{}, err
	}
	return u, nil
}
