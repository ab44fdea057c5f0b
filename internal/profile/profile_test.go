package profile

import (
	"context"
	"testing"

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
		Profile: config.Profile{MaxFactsPerProfile: 10, SelfProfileAutoCreate: true},
	}
}

func TestUpdateCreatesSelfProfileFromNamePattern(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	tr := New(store, testConfig())

	_, err := tr.Update(ctx, storage.Memory{UserID: "u1", Content: "my name is Alice Carter"})
	require.NoError(t, err)

	p, err := store.GetSelfProfile(ctx, "u1")
	require.NoError(t, err)
	require.Contains(t, p.Facts[0], "Alice Carter")
}

func TestUpdateMergesPreferenceWithoutDuplicating(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	tr := New(store, testConfig())

	_, err := tr.Update(ctx, storage.Memory{UserID: "u1", Content: "I love hiking on weekends."})
	require.NoError(t, err)
	_, err = tr.Update(ctx, storage.Memory{UserID: "u1", Content: "I love hiking on weekends."})
	require.NoError(t, err)

	p, err := store.GetSelfProfile(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, p.Preferences, 1)
}

func TestUpdateCreatesContactProfileFromProperName(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	tr := New(store, testConfig())

	_, err := tr.Update(ctx, storage.Memory{UserID: "u1", Content: "Had lunch with Jordan Lee yesterday."})
	require.NoError(t, err)

	p, err := store.FindContactProfile(ctx, "u1", "jordan lee")
	require.NoError(t, err)
	require.Equal(t, storage.ProfileTypeContact, p.ProfileType)
}

func TestUpdateCapsFactsAtMaxFactsPerProfile(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	cfg := testConfig()
	cfg.Profile.MaxFactsPerProfile = 2
	tr := New(store, cfg)

	for _, content := range []string{
		"Met with Jordan Lee about the roadmap.",
		"Talked to Jordan Lee again about launch.",
		"Caught up with Jordan Lee on budget.",
	} {
		_, err := tr.Update(ctx, storage.Memory{UserID: "u1", Content: content})
		require.NoError(t, err)
	}

	p, err := store.FindContactProfile(ctx, "u1", "Jordan Lee")
	require.NoError(t, err)
	require.Len(t, p.Facts, 2)
}
