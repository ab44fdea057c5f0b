package forgetting

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/engram-ai/engram/internal/config"
	"github.com/engram-ai/engram/internal/llm/mock"
	"github.com/engram-ai/engram/internal/storage"
	"github.com/engram-ai/engram/internal/vectorindex/flat"
)

func newTestStore(t *testing.T) *storage.Store {
	t.Helper()
	store, err := storage.Open(context.Background(), t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func testConfig() config.Config {
	return config.Config{
		Decay: config.Decay{FastWeight: 0.2, MidWeight: 0.3, SlowWeight: 0.5, ForgetThreshold: 0.1},
		Forgetting: config.Forgetting{
			InterferencePruningEnabled:    true,
			RedundancyCollapseEnabled:     true,
			HomeostasisEnabled:            true,
			ConflictSimilarityThreshold:   0.85,
			RedundancyCollapseThreshold:   0.92,
			HomeostasisBudgetPerNamespace: 2,
			HomeostasisPressureFactor:     0.5,
		},
	}
}

func createMemory(t *testing.T, store *storage.Store, cfg config.Config, content string, embedding []float32, strength float64) storage.Memory {
	t.Helper()
	m, err := store.CreateMemory(context.Background(), storage.Memory{
		Content: content, UserID: "u1", Namespace: "default",
		MemoryType: storage.MemoryTypeEpisodic, Layer: storage.LayerSML,
		ConfidentialityScope: storage.ScopeWork, Sensitivity: storage.SensitivityNormal,
		Status: storage.MemoryStatusActive, Embedding: embedding,
		SFast: strength, SMid: strength, SSlow: strength,
	}, cfg.Decay)
	require.NoError(t, err)
	return m
}

func TestRedundancyCollapseFusesDuplicates(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	idx := flat.New(3)
	gen := mock.New(3)
	cfg := testConfig()

	vec := []float32{1, 0, 0}
	a := createMemory(t, store, cfg, "user likes coffee", vec, 0.8)
	b := createMemory(t, store, cfg, "user likes coffee a lot", vec, 0.6)
	require.NoError(t, idx.Insert(ctx, a.ID, a.Embedding, map[string]string{"user_id": "u1", "namespace": "default"}))
	require.NoError(t, idx.Insert(ctx, b.ID, b.Embedding, map[string]string{"user_id": "u1", "namespace": "default"}))

	eng := New(store, idx, gen, cfg)
	result, err := eng.redundancyCollapse(ctx, []storage.Memory{a, b})
	require.NoError(t, err)
	require.Equal(t, 1, result.Fused)
	require.Equal(t, 2, result.Tombstoned)

	got, err := store.GetMemory(ctx, a.ID)
	require.NoError(t, err)
	require.Equal(t, storage.MemoryStatusTombstoned, got.Status)
}

func TestHomeostaticNormalizePressuresOverBudget(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	idx := flat.New(3)
	gen := mock.New(3)
	cfg := testConfig()

	a := createMemory(t, store, cfg, "m1", []float32{1, 0, 0}, 0.2)
	b := createMemory(t, store, cfg, "m2", []float32{0, 1, 0}, 0.15)
	c := createMemory(t, store, cfg, "m3", []float32{0, 0, 1}, 0.9)

	eng := New(store, idx, gen, cfg)
	result, err := eng.homeostaticNormalize(ctx, "default", []storage.Memory{a, b, c})
	require.NoError(t, err)
	require.Equal(t, 1, result.Pressured+result.Tombstoned)
}

func TestHomeostaticNormalizeSkipsUnderBudget(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	idx := flat.New(3)
	gen := mock.New(3)
	cfg := testConfig()

	a := createMemory(t, store, cfg, "m1", []float32{1, 0, 0}, 0.2)

	eng := New(store, idx, gen, cfg)
	result, err := eng.homeostaticNormalize(ctx, "default", []storage.Memory{a})
	require.NoError(t, err)
	require.Equal(t, Result{}, result)
}
