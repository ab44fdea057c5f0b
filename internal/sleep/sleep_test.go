package sleep

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/engram-ai/engram/internal/config"
	"github.com/engram-ai/engram/internal/decay"
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
		Decay: config.Decay{
			FastWeight: 0.2, MidWeight: 0.3, SlowWeight: 0.5,
			FastDecayRate: 0.1, MidDecayRate: 0.05, SlowDecayRate: 0.01,
			ForgetThreshold: 0.05,
		},
		SleepCycleApplyDecay:      true,
		SleepCycleRefGC:           true,
		SleepCycleIntervalMinutes: 60,
	}
}

func TestRunProcessesAllUsersAndWritesDigest(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	cfg := testConfig()
	decayEng := decay.New(store, cfg)
	orch := New(store, decayEng, nil, nil, nil, cfg)

	_, err := store.CreateMemory(ctx, storage.Memory{
		UserID: "u1", Content: "note", SFast: 0.5, SMid: 0.5, SSlow: 0.5,
		LastAccessed: time.Now().UTC(),
	}, cfg.Decay)
	require.NoError(t, err)

	report, err := orch.Run(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, report.UsersProcessed)
	require.Equal(t, 1, report.Decayed)

	_, err = store.GetDailyDigest(ctx, "u1", report.RunAt.Format("2006-01-02"))
	require.NoError(t, err)
}

func TestStartAndStopDoesNotHang(t *testing.T) {
	store := newTestStore(t)
	cfg := testConfig()
	cfg.SleepCycleIntervalMinutes = 1
	orch := New(store, decay.New(store, cfg), nil, nil, nil, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	orch.Start(ctx)
	cancel()
	orch.Stop()
}
