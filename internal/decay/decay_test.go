package decay

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/engram-ai/engram/internal/config"
	"github.com/engram-ai/engram/internal/storage"
)

func newTestStore(t *testing.T) *storage.Store {
	t.Helper()
	store, err := storage.Open(context.Background(), t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func testConfig() config.Config {
	cfg, err := config.Initialize()
	if err == nil {
		return cfg
	}
	return config.Config{
		Decay: config.Decay{
			FastWeight: 0.2, MidWeight: 0.3, SlowWeight: 0.5,
			FastDecayRate: 0.20, MidDecayRate: 0.05, SlowDecayRate: 0.005,
			CascadeFastToMid: 0.1, CascadeMidToSlow: 0.05,
			AccessStrengthBoost: 0.02, AccessDampeningFactor: 0.5,
			PromotionAccessThreshold: 3, PromotionStrengthThreshold: 0.7,
			ForgetThreshold: 0.1,
		},
	}
}

func TestTickDecaysTraces(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	cfg := testConfig()

	past := time.Now().UTC().Add(-72 * time.Hour)
	m, err := store.CreateMemory(ctx, storage.Memory{
		Content: "test", UserID: "u1", MemoryType: storage.MemoryTypeEpisodic,
		Layer: storage.LayerSML, Namespace: "default",
		ConfidentialityScope: storage.ScopeWork, Sensitivity: "normal",
		Status: storage.MemoryStatusActive, SFast: 0.9, SMid: 0.2, SSlow: 0.1,
		LastAccessed: past,
	}, cfg.Decay)
	require.NoError(t, err)

	eng := New(store, cfg)
	out, err := eng.Tick(ctx, m, time.Now().UTC())
	require.NoError(t, err)
	require.False(t, out.Forgotten)

	got, err := store.GetMemory(ctx, m.ID)
	require.NoError(t, err)
	require.Less(t, got.SFast, m.SFast)
}

func TestTickForgetsWeakMemory(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	cfg := testConfig()

	past := time.Now().UTC().Add(-30 * 24 * time.Hour)
	m, err := store.CreateMemory(ctx, storage.Memory{
		Content: "fading", UserID: "u1", MemoryType: storage.MemoryTypeEpisodic,
		Layer: storage.LayerSML, Namespace: "default",
		ConfidentialityScope: storage.ScopeWork, Sensitivity: "normal",
		Status: storage.MemoryStatusActive, SFast: 0.05, SMid: 0.02, SSlow: 0.01,
		LastAccessed: past,
	}, cfg.Decay)
	require.NoError(t, err)

	eng := New(store, cfg)
	out, err := eng.Tick(ctx, m, time.Now().UTC())
	require.NoError(t, err)
	require.True(t, out.Forgotten)

	got, err := store.GetMemory(ctx, m.ID)
	require.NoError(t, err)
	require.Equal(t, storage.MemoryStatusTombstoned, got.Status)
}

func TestTickSkipsImmutable(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	cfg := testConfig()

	m, err := store.CreateMemory(ctx, storage.Memory{
		Content: "pinned", UserID: "u1", MemoryType: storage.MemoryTypeSemantic,
		Layer: storage.LayerLML, Namespace: "default",
		ConfidentialityScope: storage.ScopeWork, Sensitivity: "normal",
		Status: storage.MemoryStatusActive, Immutable: true,
		SFast: 0.01, SMid: 0.01, SSlow: 0.01, LastAccessed: time.Now().UTC().Add(-1000 * time.Hour),
	}, cfg.Decay)
	require.NoError(t, err)

	eng := New(store, cfg)
	out, err := eng.Tick(ctx, m, time.Now().UTC())
	require.NoError(t, err)
	require.False(t, out.Forgotten)
	require.False(t, out.Promoted)
}
