package storage

import "time"

// Event is the canonical append-only conversation record. Events are never
// mutated once written.
type Event struct {
	ID        string            `json:"id"`
	SessionID string            `json:"session_id"`
	Role      string            `json:"role"`
	EventType string            `json:"event_type"`
	Timestamp time.Time         `json:"timestamp"`
	Payload   string            `json:"payload"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// Key returns the event's primary key.
func (e Event) Key() []byte { return EventKey(e.Timestamp, e.ID) }

// Ref returns the outbox reference for the event.
func (e Event) Ref() Ref { return Ref{Kind: RefEvent, Time: e.Timestamp, ID: e.ID} }

// IngestResult reports whether an ingested event was already present.
type IngestResult struct {
	EventID string
	Existed bool
}

// Target names a derived index fed from the outbox.
type Target string

const (
	TargetVector Target = "vector"
	TargetSearch Target = "search"
	TargetTopic  Target = "topic"
)

// Action is the operation an outbox entry asks its target to perform.
type Action string

const (
	ActionUpsert Action = "upsert"
	ActionDelete Action = "delete"
)

// OutboxEntry is a unit of pending cross-index work. Key is assigned by the
// engine at commit time and is not part of the stored value.
type OutboxEntry struct {
	Key       []byte    `json:"-"`
	Target    Target    `json:"target"`
	Action    Action    `json:"action"`
	Ref       string    `json:"ref"`
	CreatedAt time.Time `json:"created_at"`
}

// TOC levels, coarsest first.
const (
	LevelYear    = 0
	LevelMonth   = 1
	LevelWeek    = 2
	LevelDay     = 3
	LevelSegment = 4
)

// LevelName returns the canonical name of a TOC level.
func LevelName(level int) string {
	switch level {
	case LevelYear:
		return "year"
	case LevelMonth:
		return "month"
	case LevelWeek:
		return "week"
	case LevelDay:
		return "day"
	case LevelSegment:
		return "segment"
	default:
		return "unknown"
	}
}

// TocNode is one node of the time hierarchy. Every write stores a new
// version; the latest pointer selects the current one.
type TocNode struct {
	ID        string    `json:"id"`
	Level     int       `json:"level"`
	Title     string    `json:"title"`
	Summary   string    `json:"summary"`
	Keywords  []string  `json:"keywords,omitempty"`
	StartTime time.Time `json:"start_time"`
	EndTime   time.Time `json:"end_time"`
	ChildIDs  []string  `json:"child_ids,omitempty"`
	Version   uint32    `json:"version"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (n TocNode) Ref() Ref { return Ref{Kind: RefToc, Time: n.StartTime, ID: n.ID} }

// tocPointer is the value stored in the toc_latest family.
type tocPointer struct {
	Version uint32 `json:"version"`
	StartMS uint64 `json:"start_ms"`
}

// Grip is a provenance anchor tying an excerpt back to the events it came from.
type Grip struct {
	ID           string    `json:"id"`
	Excerpt      string    `json:"excerpt"`
	EventIDStart string    `json:"event_id_start"`
	EventIDEnd   string    `json:"event_id_end"`
	Timestamp    time.Time `json:"timestamp"`
	Source       string    `json:"source"`
	TocNodeID    string    `json:"toc_node_id,omitempty"`
}

func (g Grip) Ref() Ref { return Ref{Kind: RefGrip, Time: g.Timestamp, ID: g.ID} }

// Topic is a recurring theme discovered across the conversation history.
type Topic struct {
	ID        string    `json:"id"`
	Label     string    `json:"label"`
	Keywords  []string  `json:"keywords,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

func (t Topic) Ref() Ref { return Ref{Kind: RefTopic, Time: t.CreatedAt, ID: t.ID} }

// TopicLink associates a topic with an entity.
type TopicLink struct {
	TopicID   string    `json:"topic_id"`
	Ref       string    `json:"ref"`
	Weight    float64   `json:"weight"`
	CreatedAt time.Time `json:"created_at"`
}

// TopicRelation is a directed weighted edge between two topics.
type TopicRelation struct {
	From      string    `json:"from"`
	To        string    `json:"to"`
	Kind      string    `json:"kind"`
	Weight    float64   `json:"weight"`
	CreatedAt time.Time `json:"created_at"`
}

// Usage counts retrieval hits for an entity.
type Usage struct {
	Ref        string    `json:"ref"`
	Count      uint64    `json:"count"`
	LastAccess time.Time `json:"last_access"`
}
