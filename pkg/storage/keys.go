package storage

import (
	"bytes"
	"encoding/binary"
	"time"
)

// timeKeyLen is the width of the big-endian millisecond prefix carried by
// every time-ordered key.
const timeKeyLen = 8

// Millis converts t into the unsigned millisecond value used in key prefixes.
// Instants before the Unix epoch clamp to zero.
func Millis(t time.Time) uint64 {
	ms := t.UnixMilli()
	if ms < 0 {
		return 0
	}
	return uint64(ms)
}

// TimePrefix returns the 8-byte key prefix for t. Lexicographic order of the
// prefixes equals chronological order.
func TimePrefix(t time.Time) []byte {
	return binary.BigEndian.AppendUint64(make([]byte, 0, timeKeyLen), Millis(t))
}

// KeyTime decodes the time prefix of a time-ordered key.
func KeyTime(key []byte) (time.Time, bool) {
	if len(key) < timeKeyLen {
		return time.Time{}, false
	}
	return time.UnixMilli(int64(binary.BigEndian.Uint64(key[:timeKeyLen]))).UTC(), true
}

func timeKey(t time.Time, suffix string) []byte {
	out := make([]byte, 0, timeKeyLen+len(suffix))
	out = binary.BigEndian.AppendUint64(out, Millis(t))
	return append(out, suffix...)
}

// EventKey is the primary key of an event: time prefix then event id.
func EventKey(ts time.Time, id string) []byte {
	return timeKey(ts, id)
}

// GripKey is the primary key of a grip.
func GripKey(ts time.Time, id string) []byte {
	return timeKey(ts, id)
}

// TopicKey is the primary key of a topic.
func TopicKey(created time.Time, id string) []byte {
	return timeKey(created, id)
}

// TocKey is the primary key of one version of a TOC node. Versions of the
// same node sort together, oldest first.
func TocKey(start time.Time, nodeID string, version uint32) []byte {
	out := timeKey(start, nodeID)
	out = append(out, 0x00)
	return binary.BigEndian.AppendUint32(out, version)
}

// OutboxKey builds an outbox key from a millisecond timestamp and a sequence
// number. Keys allocated by the engine are strictly increasing.
func OutboxKey(ms, seq uint64) []byte {
	out := make([]byte, 0, 16)
	out = binary.BigEndian.AppendUint64(out, ms)
	return binary.BigEndian.AppendUint64(out, seq)
}

// SplitOutboxKey decodes an outbox key.
func SplitOutboxKey(key []byte) (ms, seq uint64, ok bool) {
	if len(key) != 16 {
		return 0, 0, false
	}
	return binary.BigEndian.Uint64(key[:8]), binary.BigEndian.Uint64(key[8:]), true
}

func pairKey(a, b string) []byte {
	out := make([]byte, 0, len(a)+1+len(b))
	out = append(out, a...)
	out = append(out, 0x00)
	return append(out, b...)
}

// successor returns the smallest key strictly greater than key.
func successor(key []byte) []byte {
	out := make([]byte, len(key)+1)
	copy(out, key)
	return out
}

// prefixEnd returns the smallest key greater than every key with the prefix,
// or nil when no such key exists.
func prefixEnd(prefix []byte) []byte {
	end := bytes.Clone(prefix)
	for i := len(end) - 1; i >= 0; i-- {
		if end[i] < 0xff {
			end[i]++
			return end[:i+1]
		}
	}
	return nil
}
