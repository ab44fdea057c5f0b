package kernel

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/engram-ai/engram/internal/config"
	"github.com/engram-ai/engram/internal/llm/mock"
	"github.com/engram-ai/engram/internal/storage"
	"github.com/engram-ai/engram/internal/vectorindex/flat"
)

func TestNewWiresAllSubsystems(t *testing.T) {
	ctx := context.Background()
	store, err := storage.Open(ctx, t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	idx := flat.New(3)
	client := mock.New(3)
	cfg := config.Config{
		Decay: config.Decay{FastWeight: 0.2, MidWeight: 0.3, SlowWeight: 0.5},
	}

	k := New(store, idx, client, client, cfg)
	require.NotNil(t, k.Staging)
	require.NotNil(t, k.Decay)
	require.NotNil(t, k.Forgetting)
	require.NotNil(t, k.Distill)
	require.NotNil(t, k.Retrieval)
	require.NotNil(t, k.Scene)
	require.NotNil(t, k.Profile)
	require.NotNil(t, k.Sleep)
	require.NotNil(t, k.Handoff)
	require.NotNil(t, k.Bus)
}

func TestStartBackgroundDisabledIsNoop(t *testing.T) {
	ctx := context.Background()
	store, err := storage.Open(ctx, t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	k := New(store, nil, nil, nil, config.Config{SleepCycleEnabled: false})
	k.StartBackground(ctx)
	require.NoError(t, k.Shutdown())
}
