// Package indextest provides in-memory index implementations for tests.
package indextest

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"

	"github.com/dotsetgreg/agentmemory/pkg/index"
)

var ErrInjected = errors.New("indextest: injected failure")

// Op records one call applied to a fake index.
type Op struct {
	Action string
	Ref    string
}

// Recorder keeps an ordered log of applied operations and can be told to
// fail upcoming calls.
type Recorder struct {
	mu      sync.Mutex
	ops     []Op
	failFor map[string]int
	failAll bool
}

// FailRef makes the next n calls touching ref fail.
func (r *Recorder) FailRef(ref string, n int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failFor == nil {
		r.failFor = map[string]int{}
	}
	r.failFor[ref] = n
}

// FailAll makes every call fail until cleared.
func (r *Recorder) FailAll(on bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failAll = on
}

func (r *Recorder) Ops() []Op {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Op(nil), r.ops...)
}

func (r *Recorder) record(action, ref string) error {
	if r.failAll {
		return ErrInjected
	}
	if n := r.failFor[ref]; n > 0 {
		r.failFor[ref] = n - 1
		return ErrInjected
	}
	r.ops = append(r.ops, Op{Action: action, Ref: ref})
	return nil
}

// Vector is an in-memory index.VectorIndex.
type Vector struct {
	Recorder
	Dims int
	docs map[string][]float32
}

var _ index.VectorIndex = (*Vector)(nil)

func NewVector(dims int) *Vector {
	return &Vector{Dims: dims, docs: map[string][]float32{}}
}

func (v *Vector) Upsert(_ context.Context, ref string, vec []float32) error {
	if v.Dims > 0 && len(vec) != v.Dims {
		return index.ErrDimensionMismatch
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	if err := v.record("upsert", ref); err != nil {
		return err
	}
	v.docs[ref] = append([]float32(nil), vec...)
	return nil
}

func (v *Vector) Delete(_ context.Context, ref string) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if err := v.record("delete", ref); err != nil {
		return err
	}
	delete(v.docs, ref)
	return nil
}

func (v *Vector) Search(_ context.Context, vec []float32, k int) ([]index.Hit, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	hits := make([]index.Hit, 0, len(v.docs))
	for ref, doc := range v.docs {
		var dot float64
		for i := range min(len(doc), len(vec)) {
			dot += float64(doc[i] * vec[i])
		}
		hits = append(hits, index.Hit{Ref: ref, Score: dot})
	}
	sortHits(hits)
	if k > 0 && len(hits) > k {
		hits = hits[:k]
	}
	return hits, nil
}

func (v *Vector) Has(ref string) bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	_, ok := v.docs[ref]
	return ok
}

func (v *Vector) Len() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return len(v.docs)
}

func (v *Vector) Close() error { return nil }

// Search is an in-memory index.SearchIndex scoring by token overlap.
type Search struct {
	Recorder
	docs map[string]index.Fields
}

var _ index.SearchIndex = (*Search)(nil)

func NewSearch() *Search {
	return &Search{docs: map[string]index.Fields{}}
}

func (s *Search) Upsert(_ context.Context, ref string, f index.Fields) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.record("upsert", ref); err != nil {
		return err
	}
	s.docs[ref] = f
	return nil
}

func (s *Search) Delete(_ context.Context, ref string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.record("delete", ref); err != nil {
		return err
	}
	delete(s.docs, ref)
	return nil
}

func (s *Search) Query(_ context.Context, text string, f index.Filters) ([]index.Hit, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	terms := strings.Fields(strings.ToLower(text))
	var hits []index.Hit
	for ref, doc := range s.docs {
		if len(f.Kinds) > 0 && !contains(f.Kinds, doc.Kind) {
			continue
		}
		hay := strings.ToLower(doc.Title + " " + doc.Body + " " + strings.Join(doc.Keywords, " "))
		score := 0.0
		for _, term := range terms {
			score += float64(strings.Count(hay, term))
		}
		if score > 0 {
			hits = append(hits, index.Hit{Ref: ref, Score: score})
		}
	}
	sortHits(hits)
	if f.Limit > 0 && len(hits) > f.Limit {
		hits = hits[:f.Limit]
	}
	return hits, nil
}

func (s *Search) Has(ref string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.docs[ref]
	return ok
}

func (s *Search) Get(ref string) (index.Fields, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, ok := s.docs[ref]
	return f, ok
}

func (s *Search) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.docs)
}

func (s *Search) Close() error { return nil }

func sortHits(hits []index.Hit) {
	sort.Slice(hits, func(i, j int) bool {
		if hits[i].Score == hits[j].Score {
			return hits[i].Ref < hits[j].Ref
		}
		return hits[i].Score > hits[j].Score
	})
}

func contains(list []string, v string) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}
