// Package embedding provides deterministic local text embedders used to feed
// the vector index and to embed retrieval queries.
package embedding

import (
	"math"
	"regexp"
	"strings"

	"github.com/cespare/xxhash/v2"
)

// Embedder turns text into a fixed-width vector.
type Embedder interface {
	ModelID() string
	Dimensions() int
	Embed(text string) []float32
}

const (
	ChargramModel = "agentmemory-chargram-384-v1"
	HashModel     = "agentmemory-hash-256-v1"
)

var tokenPattern = regexp.MustCompile(`[A-Za-z0-9_\-]+`)

// New resolves an embedder by model name. Unknown names fall back to the
// char-gram model.
func New(name string) Embedder {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case HashModel, "hash", "hash-256":
		return &hashEmbedder{dims: 256, modelID: HashModel}
	default:
		return &chargramEmbedder{dims: 384, modelID: ChargramModel}
	}
}

type hashEmbedder struct {
	dims    int
	modelID string
}

func (e *hashEmbedder) ModelID() string { return e.modelID }
func (e *hashEmbedder) Dimensions() int { return e.dims }

func (e *hashEmbedder) Embed(text string) []float32 {
	vec := make([]float32, e.dims)
	if strings.TrimSpace(text) == "" {
		return vec
	}
	for _, token := range Tokenize(text) {
		sum := xxhash.Sum64String(token)
		idx := int(sum % uint64(e.dims))
		sign := float32(1)
		if sum&1 == 1 {
			sign = -1
		}
		weight := float32(1 + (len(token) / 8))
		vec[idx] += sign * weight
	}
	Normalize(vec)
	return vec
}

type chargramEmbedder struct {
	dims    int
	modelID string
}

func (e *chargramEmbedder) ModelID() string { return e.modelID }
func (e *chargramEmbedder) Dimensions() int { return e.dims }

func (e *chargramEmbedder) Embed(text string) []float32 {
	vec := make([]float32, e.dims)
	normalized := strings.ToLower(strings.TrimSpace(text))
	if normalized == "" {
		return vec
	}
	window := "#" + normalized + "#"
	for i := 0; i+3 <= len(window); i++ {
		idx := int(xxhash.Sum64String(window[i:i+3]) % uint64(e.dims))
		vec[idx] += 1
	}
	for _, token := range Tokenize(normalized) {
		idx := int(xxhash.Sum64String("tok:"+token) % uint64(e.dims))
		vec[idx] += 1.25
	}
	Normalize(vec)
	return vec
}

// Tokenize lowercases text and splits it into word tokens.
func Tokenize(text string) []string {
	text = strings.ToLower(text)
	matches := tokenPattern.FindAllString(text, -1)
	if len(matches) == 0 {
		return []string{text}
	}
	return matches
}

func Norm(vec []float32) float64 {
	var sum float64
	for _, v := range vec {
		sum += float64(v * v)
	}
	return math.Sqrt(sum)
}

// Normalize scales vec to unit length in place. Zero vectors are left as is.
func Normalize(vec []float32) {
	n := Norm(vec)
	if n == 0 {
		return
	}
	inv := float32(1.0 / n)
	for i := range vec {
		vec[i] *= inv
	}
}

// IsZero reports whether every component is zero.
func IsZero(vec []float32) bool {
	for _, v := range vec {
		if v != 0 {
			return false
		}
	}
	return true
}
