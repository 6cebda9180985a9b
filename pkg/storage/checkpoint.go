package storage

import (
	"context"
	"strings"
)

type checkpointRecord struct {
	ConsumerID string `json:"consumer_id"`
	LastKey    []byte `json:"last_key"`
}

// ReadCheckpoint returns the consumer's last processed outbox key. ok is
// false when the consumer has never committed a checkpoint.
func (e *Engine) ReadCheckpoint(ctx context.Context, consumer string) (lastKey []byte, ok bool, err error) {
	if strings.TrimSpace(consumer) == "" {
		return nil, false, &Error{Kind: KindInvalid, Op: "read checkpoint", Msg: "consumer id is required"}
	}
	raw, err := e.Get(ctx, FamilyCheckpoints, []byte(consumer))
	if IsNotFound(err) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	var cp checkpointRecord
	if err := decode("read checkpoint", raw, &cp); err != nil {
		return nil, false, err
	}
	return cp.LastKey, true, nil
}

// WriteCheckpoint stores the consumer's cursor. Last writer wins.
func (e *Engine) WriteCheckpoint(ctx context.Context, consumer string, lastKey []byte) error {
	return e.Write(ctx, NewBatch().PutCheckpoint(consumer, lastKey))
}
