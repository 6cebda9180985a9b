package storage

import (
	"maps"

	"github.com/dgraph-io/ristretto"
)

// eventCache holds decoded events keyed by primary key. Events are
// immutable, so entries never go stale; invalidate only matters for deletes.
type eventCache struct {
	c *ristretto.Cache
}

func newEventCache(maxBytes int64) (*eventCache, error) {
	if maxBytes < 0 {
		return &eventCache{}, nil
	}
	c, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: 100_000,
		MaxCost:     maxBytes,
		BufferItems: 64,
	})
	if err != nil {
		return nil, err
	}
	return &eventCache{c: c}, nil
}

func (c *eventCache) get(key []byte) (Event, bool) {
	if c == nil || c.c == nil {
		return Event{}, false
	}
	v, ok := c.c.Get(string(key))
	if !ok {
		return Event{}, false
	}
	ev := v.(Event)
	ev.Metadata = maps.Clone(ev.Metadata)
	return ev, true
}

func (c *eventCache) put(key []byte, ev Event, cost int) {
	if c == nil || c.c == nil {
		return
	}
	ev.Metadata = maps.Clone(ev.Metadata)
	c.c.Set(string(key), ev, int64(cost))
}

func (c *eventCache) invalidate(key []byte) {
	if c == nil || c.c == nil {
		return
	}
	c.c.Del(string(key))
}

func (c *eventCache) close() {
	if c == nil || c.c == nil {
		return
	}
	c.c.Close()
}
