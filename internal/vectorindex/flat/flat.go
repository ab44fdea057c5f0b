// Package flat is the in-process, pure-Go brute-force implementation of
// vectorindex.Index. No approximate-nearest-neighbor library appears
// anywhere in the retrieval pack (grepped for "hnsw": no hit), so this is
// the one core component built on the standard library alone — justified
// in DESIGN.md. Dimension is fixed at construction; every inserted vector
// must match it.
package flat

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/engram-ai/engram/internal/vectorindex"
)

type entry struct {
	vector  []float32
	payload map[string]string
}

// Index is a brute-force cosine scan over an in-memory map, guarded by a
// single RWMutex — fine for the kernel's target scale (thousands to low
// millions of memories per deployment), and the external qdrant.Index
// exists precisely for deployments that outgrow it.
type Index struct {
	mu        sync.RWMutex
	dimension int
	entries   map[string]entry
}

// New constructs a flat index fixed at the given embedding dimension.
func New(dimension int) *Index {
	return &Index{dimension: dimension, entries: make(map[string]entry)}
}

func (idx *Index) Insert(_ context.Context, id string, vector []float32, payload map[string]string) error {
	if len(vector) != idx.dimension {
		return fmt.Errorf("vectorindex/flat: vector dimension %d does not match index dimension %d", len(vector), idx.dimension)
	}
	cp := make([]float32, len(vector))
	copy(cp, vector)
	idx.mu.Lock()
	defer idx.mu.Unlock()
	idx.entries[id] = entry{vector: cp, payload: payload}
	return nil
}

func (idx *Index) Delete(_ context.Context, ids []string) error {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	for _, id := range ids {
		delete(idx.entries, id)
	}
	return nil
}

func (idx *Index) Search(_ context.Context, vector []float32, topK int, filter vectorindex.Filter) ([]vectorindex.Hit, error) {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	hits := make([]vectorindex.Hit, 0, len(idx.entries))
	for id, e := range idx.entries {
		if !filter.Match(e.payload) {
			continue
		}
		hits = append(hits, vectorindex.Hit{ID: id, Score: vectorindex.Cosine(vector, e.vector)})
	}
	sort.Slice(hits, func(i, j int) bool { return hits[i].Score > hits[j].Score })
	if topK > 0 && len(hits) > topK {
		hits = hits[:topK]
	}
	return hits, nil
}
