package scene

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
	return config.Config{
		Decay: config.Decay{FastWeight: 0.2, MidWeight: 0.3, SlowWeight: 0.5},
		Scene: config.Scene{
			MaxMemories: 5, TopicThreshold: 0.3, TimeGapMinutes: 30, AutoCloseInactiveMinutes: 120,
		},
	}
}

func TestAssignStartsNewSceneWhenNoneOpen(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	tr := New(store, nil, testConfig())

	m, err := store.CreateMemory(ctx, storage.Memory{
		UserID: "u1", Content: "started the project", Embedding: []float32{1, 0, 0},
		ConfidentialityScope: storage.ScopeWork,
	}, testConfig().Decay)
	require.NoError(t, err)

	sc, err := tr.Assign(ctx, m, time.Now().UTC())
	require.NoError(t, err)
	require.Equal(t, 1, sc.MemoryCount)
	require.False(t, sc.Closed)
}

func TestAssignAppendsWithinGapAndTopic(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	cfg := testConfig()
	tr := New(store, nil, cfg)

	now := time.Now().UTC()
	m1, err := store.CreateMemory(ctx, storage.Memory{UserID: "u1", Content: "a", Embedding: []float32{1, 0, 0}, ConfidentialityScope: storage.ScopeWork}, cfg.Decay)
	require.NoError(t, err)
	sc1, err := tr.Assign(ctx, m1, now)
	require.NoError(t, err)

	m2, err := store.CreateMemory(ctx, storage.Memory{UserID: "u1", Content: "b", Embedding: []float32{0.9, 0.1, 0}, ConfidentialityScope: storage.ScopeWork}, cfg.Decay)
	require.NoError(t, err)
	sc2, err := tr.Assign(ctx, m2, now.Add(5*time.Minute))
	require.NoError(t, err)

	require.Equal(t, sc1.ID, sc2.ID)
	require.Equal(t, 2, sc2.MemoryCount)
}

func TestAssignStartsNewSceneOnTimeGap(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	cfg := testConfig()
	tr := New(store, nil, cfg)

	now := time.Now().UTC()
	m1, _ := store.CreateMemory(ctx, storage.Memory{UserID: "u1", Content: "a", Embedding: []float32{1, 0, 0}, ConfidentialityScope: storage.ScopeWork}, cfg.Decay)
	sc1, err := tr.Assign(ctx, m1, now)
	require.NoError(t, err)

	m2, _ := store.CreateMemory(ctx, storage.Memory{UserID: "u1", Content: "b", Embedding: []float32{1, 0, 0}, ConfidentialityScope: storage.ScopeWork}, cfg.Decay)
	sc2, err := tr.Assign(ctx, m2, now.Add(2*time.Hour))
	require.NoError(t, err)

	require.NotEqual(t, sc1.ID, sc2.ID)
}

func TestCloseStaleClosesIdleScenes(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	cfg := testConfig()
	tr := New(store, nil, cfg)

	now := time.Now().UTC()
	m1, _ := store.CreateMemory(ctx, storage.Memory{UserID: "u1", Content: "a", Embedding: []float32{1, 0, 0}, ConfidentialityScope: storage.ScopeWork}, cfg.Decay)
	_, err := tr.Assign(ctx, m1, now.Add(-3*time.Hour))
	require.NoError(t, err)

	n, err := tr.CloseStale(ctx, "u1", now)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	open, err := store.OpenScenesForUser(ctx, "u1")
	require.NoError(t, err)
	require.Empty(t, open)
}
