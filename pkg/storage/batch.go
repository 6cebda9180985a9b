package storage

import "strings"

type batchOp struct {
	family Family
	key    []byte
	value  []byte
	del    bool
}

// Batch collects puts, deletes, checkpoint updates and outbox entries for
// one atomic Engine.Write. A Batch is not safe for concurrent use.
type Batch struct {
	ops    []batchOp
	outbox []OutboxEntry
	err    error

	committedOutbox [][]byte
}

func NewBatch() *Batch {
	return &Batch{}
}

// Put stores value under key in family f. Key and value are copied.
func (b *Batch) Put(f Family, key, value []byte) *Batch {
	b.ops = append(b.ops, batchOp{
		family: f,
		key:    append([]byte(nil), key...),
		value:  append([]byte(nil), value...),
	})
	return b
}

// PutJSON encodes v and stores it under key in family f.
func (b *Batch) PutJSON(f Family, key []byte, v any) *Batch {
	raw, err := encode("batch put", v)
	if err != nil {
		if b.err == nil {
			b.err = err
		}
		return b
	}
	return b.Put(f, key, raw)
}

// Delete removes key from family f. Deleting an absent key is a no-op.
func (b *Batch) Delete(f Family, key []byte) *Batch {
	b.ops = append(b.ops, batchOp{family: f, key: append([]byte(nil), key...), del: true})
	return b
}

// PutCheckpoint records lastKey as the consumer's cursor.
func (b *Batch) PutCheckpoint(consumer string, lastKey []byte) *Batch {
	if strings.TrimSpace(consumer) == "" {
		if b.err == nil {
			b.err = &Error{Kind: KindInvalid, Op: "put checkpoint", Msg: "consumer id is required"}
		}
		return b
	}
	return b.PutJSON(FamilyCheckpoints, []byte(consumer), checkpointRecord{
		ConsumerID: consumer,
		LastKey:    append([]byte(nil), lastKey...),
	})
}

// Enqueue adds an outbox entry. Its key is allocated when the batch commits.
func (b *Batch) Enqueue(target Target, action Action, ref Ref) *Batch {
	b.outbox = append(b.outbox, OutboxEntry{Target: target, Action: action, Ref: ref.String()})
	return b
}

// Len is the number of operations in the batch, outbox entries included.
func (b *Batch) Len() int {
	return len(b.ops) + len(b.outbox)
}

func (b *Batch) Empty() bool {
	return b.Len() == 0 && b.err == nil
}

// OutboxKeys returns the keys assigned to the batch's outbox entries by the
// last successful commit.
func (b *Batch) OutboxKeys() [][]byte {
	return b.committedOutbox
}

func (b *Batch) validate() error {
	if b.err != nil {
		return b.err
	}
	for _, o := range b.ops {
		if !o.family.Valid() {
			return notFound("write", "unknown column family "+o.family.String())
		}
		if o.family == FamilyOutbox && !o.del {
			return &Error{Kind: KindInvalid, Op: "write", Msg: "outbox entries must be enqueued"}
		}
	}
	for _, entry := range b.outbox {
		switch entry.Action {
		case ActionUpsert, ActionDelete:
		default:
			return &Error{Kind: KindInvalid, Op: "write", Msg: "unknown outbox action " + string(entry.Action)}
		}
		if entry.Target == "" {
			return &Error{Kind: KindInvalid, Op: "write", Msg: "outbox target is required"}
		}
	}
	return nil
}
