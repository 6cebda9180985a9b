package storage

import (
	"context"
	"slices"
	"strings"
	"time"
)

// PutTopic stores a topic and, when the topic target is configured, enqueues
// an upsert for it.
func (e *Engine) PutTopic(ctx context.Context, t Topic) (Topic, error) {
	if strings.TrimSpace(t.ID) == "" {
		return Topic{}, &Error{Kind: KindInvalid, Op: "put topic", Msg: "topic id is required"}
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = e.now()
	}
	t.CreatedAt = time.UnixMilli(t.CreatedAt.UnixMilli()).UTC()

	e.writeMu.Lock()
	defer e.writeMu.Unlock()

	b := NewBatch().PutJSON(FamilyTopics, TopicKey(t.CreatedAt, t.ID), t)
	if slices.Contains(e.targets, TargetTopic) {
		b.Enqueue(TargetTopic, ActionUpsert, t.Ref())
	}
	if err := e.commitLocked(ctx, "put topic", b); err != nil {
		return Topic{}, err
	}
	return t, nil
}

func (e *Engine) GetTopic(ctx context.Context, created time.Time, id string) (Topic, error) {
	raw, err := e.Get(ctx, FamilyTopics, TopicKey(created, id))
	if err != nil {
		return Topic{}, err
	}
	var t Topic
	if err := decode("get topic", raw, &t); err != nil {
		return Topic{}, err
	}
	return t, nil
}

// LinkTopic associates a topic with an entity ref. Re-linking overwrites
// the weight.
func (e *Engine) LinkTopic(ctx context.Context, link TopicLink) error {
	if link.TopicID == "" || link.Ref == "" {
		return &Error{Kind: KindInvalid, Op: "link topic", Msg: "topic id and ref are required"}
	}
	if link.CreatedAt.IsZero() {
		link.CreatedAt = e.now().UTC()
	}
	return e.Write(ctx, NewBatch().PutJSON(FamilyTopicLinks, pairKey(link.TopicID, link.Ref), link))
}

// TopicLinks lists the refs linked to a topic.
func (e *Engine) TopicLinks(ctx context.Context, topicID string) ([]TopicLink, error) {
	var out []TopicLink
	err := e.scanPrefix(ctx, FamilyTopicLinks, pairKey(topicID, ""), "topic links", func(raw []byte) error {
		var link TopicLink
		if err := decode("topic links", raw, &link); err != nil {
			return err
		}
		out = append(out, link)
		return nil
	})
	return out, err
}

// RelateTopics records a directed edge between two topics.
func (e *Engine) RelateTopics(ctx context.Context, rel TopicRelation) error {
	if rel.From == "" || rel.To == "" {
		return &Error{Kind: KindInvalid, Op: "relate topics", Msg: "both topic ids are required"}
	}
	if rel.CreatedAt.IsZero() {
		rel.CreatedAt = e.now().UTC()
	}
	return e.Write(ctx, NewBatch().PutJSON(FamilyTopicRels, pairKey(rel.From, rel.To), rel))
}

// TopicRelations lists the outgoing edges of a topic.
func (e *Engine) TopicRelations(ctx context.Context, from string) ([]TopicRelation, error) {
	var out []TopicRelation
	err := e.scanPrefix(ctx, FamilyTopicRels, pairKey(from, ""), "topic relations", func(raw []byte) error {
		var rel TopicRelation
		if err := decode("topic relations", raw, &rel); err != nil {
			return err
		}
		out = append(out, rel)
		return nil
	})
	return out, err
}

func (e *Engine) scanPrefix(ctx context.Context, f Family, prefix []byte, op string, fn func(raw []byte) error) error {
	it, err := e.Scan(ctx, f, Range{Start: prefix, End: prefixEnd(prefix)})
	if err != nil {
		return err
	}
	defer func() { _ = it.Close() }()
	for it.Next() {
		if err := fn(it.Value()); err != nil {
			return err
		}
	}
	return it.Err()
}
