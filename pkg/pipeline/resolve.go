package pipeline

import (
	"context"
	"strings"

	"github.com/dotsetgreg/agentmemory/pkg/index"
	"github.com/dotsetgreg/agentmemory/pkg/storage"
)

// Document is the indexable rendering of a stored entity.
type Document struct {
	Ref    string
	Text   string
	Fields index.Fields
}

// Resolver loads the entity behind an outbox ref. A missing entity yields
// storage.ErrNotFound; a malformed ref yields storage.ErrInvalid.
type Resolver interface {
	Resolve(ctx context.Context, ref string) (Document, error)
}

// StoreResolver resolves refs against the primary store.
type StoreResolver struct {
	store *storage.Engine
}

func NewStoreResolver(store *storage.Engine) *StoreResolver {
	return &StoreResolver{store: store}
}

func (r *StoreResolver) Resolve(ctx context.Context, raw string) (Document, error) {
	ref, err := storage.ParseRef(raw)
	if err != nil {
		return Document{}, err
	}
	switch ref.Kind {
	case storage.RefEvent:
		ev, err := r.store.GetEvent(ctx, ref.Time, ref.ID)
		if err != nil {
			return Document{}, err
		}
		return Document{
			Ref:  raw,
			Text: ev.Payload,
			Fields: index.Fields{
				Kind:      string(storage.RefEvent),
				Level:     -1,
				Title:     ev.Role,
				Body:      ev.Payload,
				Timestamp: ev.Timestamp,
			},
		}, nil
	case storage.RefToc:
		node, err := r.store.GetTocNode(ctx, ref.ID)
		if err != nil {
			return Document{}, err
		}
		return Document{
			Ref:  raw,
			Text: joinNonEmpty(node.Title, node.Summary, strings.Join(node.Keywords, " ")),
			Fields: index.Fields{
				Kind:      string(storage.RefToc),
				Level:     node.Level,
				Title:     node.Title,
				Body:      node.Summary,
				Keywords:  node.Keywords,
				Timestamp: node.StartTime,
			},
		}, nil
	case storage.RefGrip:
		g, err := r.store.GetGrip(ctx, ref.Time, ref.ID)
		if err != nil {
			return Document{}, err
		}
		return Document{
			Ref:  raw,
			Text: g.Excerpt,
			Fields: index.Fields{
				Kind:      string(storage.RefGrip),
				Level:     -1,
				Title:     g.Source,
				Body:      g.Excerpt,
				Timestamp: g.Timestamp,
			},
		}, nil
	case storage.RefTopic:
		t, err := r.store.GetTopic(ctx, ref.Time, ref.ID)
		if err != nil {
			return Document{}, err
		}
		return Document{
			Ref:  raw,
			Text: joinNonEmpty(t.Label, strings.Join(t.Keywords, " ")),
			Fields: index.Fields{
				Kind:      string(storage.RefTopic),
				Level:     -1,
				Title:     t.Label,
				Keywords:  t.Keywords,
				Timestamp: t.CreatedAt,
			},
		}, nil
	}
	return Document{}, &storage.Error{Kind: storage.KindInvalid, Op: "resolve", Msg: "unsupported ref kind " + string(ref.Kind)}
}

func joinNonEmpty(parts ...string) string {
	out := parts[:0:0]
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return strings.Join(out, "\n")
}
