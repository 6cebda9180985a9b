package storage

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// RefKind names the entity family an outbox entry points at.
type RefKind string

const (
	RefEvent RefKind = "event"
	RefToc   RefKind = "toc"
	RefGrip  RefKind = "grip"
	RefTopic RefKind = "topic"
)

// Ref identifies a stored entity. The time component is the entity's key
// prefix so the entity can be loaded without a secondary index.
type Ref struct {
	Kind RefKind
	Time time.Time
	ID   string
}

func (r Ref) String() string {
	return fmt.Sprintf("%s:%d:%s", r.Kind, Millis(r.Time), r.ID)
}

func (r Ref) IsZero() bool {
	return r.Kind == "" && r.ID == ""
}

// ParseRef decodes the form produced by Ref.String. Ids may contain colons.
func ParseRef(s string) (Ref, error) {
	parts := strings.SplitN(s, ":", 3)
	if len(parts) != 3 || parts[0] == "" || parts[2] == "" {
		return Ref{}, &Error{Kind: KindInvalid, Op: "parse ref", Msg: "malformed ref " + strconv.Quote(s)}
	}
	ms, err := strconv.ParseUint(parts[1], 10, 64)
	if err != nil {
		return Ref{}, &Error{Kind: KindInvalid, Op: "parse ref", Msg: "malformed ref time " + strconv.Quote(s)}
	}
	switch kind := RefKind(parts[0]); kind {
	case RefEvent, RefToc, RefGrip, RefTopic:
		return Ref{Kind: kind, Time: time.UnixMilli(int64(ms)).UTC(), ID: parts[2]}, nil
	default:
		return Ref{}, &Error{Kind: KindInvalid, Op: "parse ref", Msg: "unknown ref kind " + strconv.Quote(parts[0])}
	}
}
