package flat

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/engram-ai/engram/internal/vectorindex"
)

func TestSearchRanksByDescendingCosineSimilarity(t *testing.T) {
	ctx := context.Background()
	idx := New(2)

	require.NoError(t, idx.Insert(ctx, "close", []float32{1, 0}, map[string]string{"user_id": "u1"}))
	require.NoError(t, idx.Insert(ctx, "orthogonal", []float32{0, 1}, map[string]string{"user_id": "u1"}))
	require.NoError(t, idx.Insert(ctx, "opposite", []float32{-1, 0}, map[string]string{"user_id": "u1"}))

	hits, err := idx.Search(ctx, []float32{1, 0}, 10, vectorindex.Filter{})
	require.NoError(t, err)
	require.Len(t, hits, 3)
	require.Equal(t, "close", hits[0].ID)
	require.InDelta(t, 1.0, hits[0].Score, 1e-9)
	require.Equal(t, "opposite", hits[2].ID)
}

func TestSearchRespectsTopKAndFilter(t *testing.T) {
	ctx := context.Background()
	idx := New(2)

	require.NoError(t, idx.Insert(ctx, "a", []float32{1, 0}, map[string]string{"user_id": "u1", "namespace": "work"}))
	require.NoError(t, idx.Insert(ctx, "b", []float32{1, 0}, map[string]string{"user_id": "u1", "namespace": "personal"}))
	require.NoError(t, idx.Insert(ctx, "c", []float32{1, 0}, map[string]string{"user_id": "u2", "namespace": "work"}))

	hits, err := idx.Search(ctx, []float32{1, 0}, 10, vectorindex.Filter{UserID: "u1", Namespace: "work"})
	require.NoError(t, err)
	require.Len(t, hits, 1)
	require.Equal(t, "a", hits[0].ID)
}

func TestInsertRejectsMismatchedDimension(t *testing.T) {
	ctx := context.Background()
	idx := New(3)

	err := idx.Insert(ctx, "bad", []float32{1, 0}, nil)
	require.Error(t, err)
}

func TestDeleteRemovesFromFutureSearches(t *testing.T) {
	ctx := context.Background()
	idx := New(2)
	require.NoError(t, idx.Insert(ctx, "a", []float32{1, 0}, nil))

	require.NoError(t, idx.Delete(ctx, []string{"a"}))

	hits, err := idx.Search(ctx, []float32{1, 0}, 10, vectorindex.Filter{})
	require.NoError(t, err)
	require.Empty(t, hits)
}

func TestEmptyIndexSearchReturnsEmptyNotError(t *testing.T) {
	idx := New(2)
	hits, err := idx.Search(context.Background(), []float32{1, 0}, 10, vectorindex.Filter{})
	require.NoError(t, err)
	require.Empty(t, hits)
}

func TestCosineZeroVectorYieldsZeroNotNaN(t *testing.T) {
	require.Equal(t, 0.0, vectorindex.Cosine([]float32{0, 0}, []float32{1, 1}))
	require.Equal(t, 0.0, vectorindex.Cosine([]float32{1}, []float32{1, 1}))
}
