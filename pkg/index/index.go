// Package index defines the contracts of the derived indexes kept in sync
// with the primary store through the outbox.
package index

import (
	"context"
	"errors"
	"time"
)

var (
	ErrDimensionMismatch = errors.New("index: vector dimension mismatch")
	ErrNotInitialized    = errors.New("index: not initialized")
	ErrCapacityReached   = errors.New("index: capacity reached")
	ErrSchemaMismatch    = errors.New("index: schema mismatch")
	ErrIndexLocked       = errors.New("index: locked by another process")
)

// Hit is one ranked result. Higher scores rank first.
type Hit struct {
	Ref   string
	Score float64
}

// Fields is the searchable projection of a stored entity.
type Fields struct {
	Kind      string
	Level     int
	Title     string
	Body      string
	Keywords  []string
	Timestamp time.Time
}

// Filters narrows a keyword query.
type Filters struct {
	Kinds []string
	From  time.Time
	To    time.Time
	Limit int
}

// VectorIndex stores one embedding per ref. Upsert and Delete are
// idempotent; deleting an absent ref succeeds.
type VectorIndex interface {
	Upsert(ctx context.Context, ref string, vec []float32) error
	Delete(ctx context.Context, ref string) error
	Search(ctx context.Context, vec []float32, k int) ([]Hit, error)
	Len() int
	Close() error
}

// SearchIndex is a keyword index ranked by BM25. Upsert and Delete are
// idempotent; deleting an absent ref succeeds.
type SearchIndex interface {
	Upsert(ctx context.Context, ref string, fields Fields) error
	Delete(ctx context.Context, ref string) error
	Query(ctx context.Context, text string, f Filters) ([]Hit, error)
	Close() error
}
