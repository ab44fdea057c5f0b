package staging

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
		Decay: config.Decay{FastWeight: 0.2, MidWeight: 0.3, SlowWeight: 0.5},
	}
}

func content(s string) storage.Change {
	return storage.Change{Op: storage.ChangeAdd, Patch: storage.MemoryPatch{Content: &s}}
}

func TestProposeWriteLeavesValidCommitPending(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	eng := New(store, nil, nil, testConfig())

	out, err := eng.ProposeWrite(ctx, ProposeRequest{UserID: "u1", Changes: []storage.Change{content("likes tea")}})
	require.NoError(t, err)
	require.Equal(t, OutcomePending, out.Kind)
	require.Equal(t, storage.CommitPending, out.Commit.Status)
}

func TestProposeWriteRejectsInvalidChange(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	eng := New(store, nil, nil, testConfig())

	empty := ""
	out, err := eng.ProposeWrite(ctx, ProposeRequest{
		UserID: "u1", Changes: []storage.Change{{Op: storage.ChangeAdd, Patch: storage.MemoryPatch{Content: &empty}}},
	})
	require.NoError(t, err)
	require.Equal(t, OutcomeRejected, out.Kind)
}

func TestProposeWriteIsIdempotentOnSourceEvent(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	eng := New(store, nil, nil, testConfig())

	req := ProposeRequest{UserID: "u1", Changes: []storage.Change{content("likes tea")}, SourceEventID: "evt-1"}
	first, err := eng.ProposeWrite(ctx, req)
	require.NoError(t, err)

	_, err = eng.ApproveCommit(ctx, first.Commit.ID)
	require.NoError(t, err)

	second, err := eng.ProposeWrite(ctx, req)
	require.NoError(t, err)
	require.Equal(t, OutcomeApproved, second.Kind)
	require.Equal(t, first.Commit.ID, second.Commit.ID)
}

func TestApproveCommitAppliesAddChange(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	eng := New(store, nil, nil, testConfig())

	out, err := eng.ProposeWrite(ctx, ProposeRequest{UserID: "u1", Changes: []storage.Change{content("likes tea")}})
	require.NoError(t, err)

	approved, err := eng.ApproveCommit(ctx, out.Commit.ID)
	require.NoError(t, err)
	require.Equal(t, OutcomeApproved, approved.Kind)

	commits, err := store.ListCommits(ctx, "u1", storage.CommitApproved, 10)
	require.NoError(t, err)
	require.Len(t, commits, 1)
}

func TestProposeWriteAutoStashesConflict(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	idx := flat.New(3)
	embedder := mock.New(3)
	eng := New(store, idx, embedder, testConfig())

	// The index is seeded with the embedding the proposed text itself will
	// produce, simulating a true near-duplicate neighbor deterministically.
	vec, _ := embedder.Embed(ctx, "no longer works at Acme Corp")
	existing, err := store.CreateMemory(ctx, storage.Memory{UserID: "u1", Content: "works at Acme Corp"}, testConfig().Decay)
	require.NoError(t, err)
	require.NoError(t, idx.Insert(ctx, existing.ID, vec, map[string]string{"user_id": "u1"}))

	out, err := eng.ProposeWrite(ctx, ProposeRequest{
		UserID: "u1", Changes: []storage.Change{content("no longer works at Acme Corp")},
	})
	require.NoError(t, err)
	require.Equal(t, OutcomeAutoStashed, out.Kind)
	require.NotEmpty(t, out.StashID)
}

func TestProposeWriteAutoStashesIdentityInvariantContradiction(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	eng := New(store, nil, nil, testConfig())

	first, err := eng.ProposeWrite(ctx, ProposeRequest{UserID: "u1", Changes: []storage.Change{content("my name is Alice")}})
	require.NoError(t, err)
	require.Equal(t, OutcomePending, first.Kind)

	_, err = eng.ApproveCommit(ctx, first.Commit.ID)
	require.NoError(t, err)

	inv, err := store.GetInvariant(ctx, "u1", "identity.name")
	require.NoError(t, err)
	require.Equal(t, "Alice", inv.Value)

	second, err := eng.ProposeWrite(ctx, ProposeRequest{UserID: "u1", Changes: []storage.Change{content("my name is Bob")}})
	require.NoError(t, err)
	require.Equal(t, OutcomeAutoStashed, second.Kind)
	require.NotEmpty(t, second.StashID)

	stash, err := store.GetConflictStash(ctx, second.StashID)
	require.NoError(t, err)
	require.Equal(t, "identity.name", stash.ConflictKey)
	require.Equal(t, "Alice", stash.Existing)
	require.Equal(t, "Bob", stash.Proposed)
	require.Equal(t, storage.ResolutionUnresolved, stash.Resolution)
}

func TestResolveConflictAcceptProposedApplies(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	idx := flat.New(3)
	embedder := mock.New(3)
	eng := New(store, idx, embedder, testConfig())

	vec, _ := embedder.Embed(ctx, "no longer works at Acme Corp")
	existing, err := store.CreateMemory(ctx, storage.Memory{UserID: "u1", Content: "works at Acme Corp"}, testConfig().Decay)
	require.NoError(t, err)
	require.NoError(t, idx.Insert(ctx, existing.ID, vec, map[string]string{"user_id": "u1"}))

	out, err := eng.ProposeWrite(ctx, ProposeRequest{
		UserID: "u1", Changes: []storage.Change{content("no longer works at Acme Corp")},
	})
	require.NoError(t, err)
	require.Equal(t, OutcomeAutoStashed, out.Kind)

	resolved, err := eng.ResolveConflict(ctx, out.StashID, storage.ResolutionAcceptProposed)
	require.NoError(t, err)
	require.Equal(t, OutcomeApproved, resolved.Kind)
}
