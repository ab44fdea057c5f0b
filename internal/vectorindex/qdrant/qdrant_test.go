package qdrant

import (
	"context"
	"net"
	"strconv"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcqdrant "github.com/testcontainers/testcontainers-go/modules/qdrant"

	"github.com/engram-ai/engram/internal/vectorindex"
)

// newTestIndex spins up a real qdrant server via testcontainers and
// connects an Index to it. It is the only test in the tree that needs an
// external service; the others run against a temp-dir sqlite store.
func newTestIndex(t *testing.T, dimension int) *Index {
	t.Helper()
	ctx := context.Background()

	container, err := tcqdrant.Run(ctx, "qdrant/qdrant:v1.12.4")
	require.NoError(t, err)
	t.Cleanup(func() {
		if err := testcontainers.TerminateContainer(container); err != nil {
			t.Logf("failed to terminate qdrant container: %v", err)
		}
	})

	endpoint, err := container.GRPCEndpoint(ctx)
	require.NoError(t, err)
	host, portStr, err := net.SplitHostPort(endpoint)
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)

	idx, err := New(ctx, Config{Host: host, Port: port, Collection: "engram_test", Dimension: dimension})
	require.NoError(t, err)
	return idx
}

func TestIndexInsertAndSearchRoundTrips(t *testing.T) {
	idx := newTestIndex(t, 4)
	ctx := context.Background()

	require.NoError(t, idx.Insert(ctx, "11111111-1111-1111-1111-111111111111", []float32{1, 0, 0, 0}, map[string]string{"user_id": "u1"}))
	require.NoError(t, idx.Insert(ctx, "22222222-2222-2222-2222-222222222222", []float32{0, 1, 0, 0}, map[string]string{"user_id": "u1"}))
	require.NoError(t, idx.Insert(ctx, "33333333-3333-3333-3333-333333333333", []float32{1, 0, 0, 0}, map[string]string{"user_id": "u2"}))

	hits, err := idx.Search(ctx, []float32{1, 0, 0, 0}, 5, vectorindex.Filter{UserID: "u1"})
	require.NoError(t, err)
	require.NotEmpty(t, hits)
	require.Equal(t, "11111111-1111-1111-1111-111111111111", hits[0].ID)
}

func TestIndexDeleteRemovesFutureHits(t *testing.T) {
	idx := newTestIndex(t, 2)
	ctx := context.Background()

	require.NoError(t, idx.Insert(ctx, "44444444-4444-4444-4444-444444444444", []float32{1, 0}, map[string]string{"user_id": "u1"}))
	require.NoError(t, idx.Delete(ctx, []string{"44444444-4444-4444-4444-444444444444"}))

	hits, err := idx.Search(ctx, []float32{1, 0}, 5, vectorindex.Filter{UserID: "u1"})
	require.NoError(t, err)
	for _, h := range hits {
		require.NotEqual(t, "44444444-4444-4444-4444-444444444444", h.ID)
	}
}
