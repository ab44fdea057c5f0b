// Package vectorindex persists embeddings and answers approximate nearest-
// neighbor search, filtered by structured payload — §4.2. Two
// implementations share this interface: an in-process flat scan (package
// flat) and an external ANN server (package qdrant).
package vectorindex

import (
	"context"
	"math"
)

// Filter restricts a Search to payload-equality matches, applied by both
// implementations identically.
type Filter struct {
	UserID     string
	AgentID    string
	Namespace  string
	MemoryType string
}

// Match reports whether payload satisfies f (empty filter fields are
// wildcards).
func (f Filter) Match(payload map[string]string) bool {
	if f.UserID != "" && payload["user_id"] != f.UserID {
		return false
	}
	if f.AgentID != "" && payload["agent_id"] != f.AgentID {
		return false
	}
	if f.Namespace != "" && payload["namespace"] != f.Namespace {
		return false
	}
	if f.MemoryType != "" && payload["memory_type"] != f.MemoryType {
		return false
	}
	return true
}

// Hit is one search result: an id and its cosine similarity to the query.
type Hit struct {
	ID    string
	Score float64
}

// Index is the shared contract both implementations satisfy.
type Index interface {
	// Insert adds or replaces the vector and payload for id.
	Insert(ctx context.Context, id string, vector []float32, payload map[string]string) error
	// Delete removes the given ids, if present.
	Delete(ctx context.Context, ids []string) error
	// Search returns up to topK hits matching filter, sorted by descending
	// cosine similarity.
	Search(ctx context.Context, vector []float32, topK int, filter Filter) ([]Hit, error)
}

// Cosine computes cosine similarity between two equal-length vectors; a
// zero-length or zero-magnitude vector yields 0 rather than NaN.
func Cosine(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}
