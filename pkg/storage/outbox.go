package storage

import "context"

// ScanOutbox returns up to limit outbox entries with keys strictly greater
// than after, in key order. A nil after starts from the beginning.
func (e *Engine) ScanOutbox(ctx context.Context, after []byte, limit int) ([]OutboxEntry, error) {
	it, err := e.Scan(ctx, FamilyOutbox, Range{After: after})
	if err != nil {
		return nil, err
	}
	defer func() { _ = it.Close() }()

	var out []OutboxEntry
	for (limit <= 0 || len(out) < limit) && it.Next() {
		var entry OutboxEntry
		if err := decode("scan outbox", it.Value(), &entry); err != nil {
			return nil, err
		}
		entry.Key = it.Key()
		out = append(out, entry)
	}
	if err := it.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// OutboxDepth counts outbox entries after the given key.
func (e *Engine) OutboxDepth(ctx context.Context, after []byte) (int, error) {
	it, err := e.Scan(ctx, FamilyOutbox, Range{After: after})
	if err != nil {
		return 0, err
	}
	defer func() { _ = it.Close() }()
	n := 0
	for it.Next() {
		n++
	}
	return n, it.Err()
}
