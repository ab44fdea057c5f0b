package storage

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(context.Background(), t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

var weights = Decay{FastWeight: 0.2, MidWeight: 0.3, SlowWeight: 0.5}

func TestCreateAndGetMemoryRoundTrips(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	m := Memory{
		Content:              "likes tea",
		UserID:               "u1",
		MemoryType:           MemoryTypeEpisodic,
		Layer:                LayerSML,
		Namespace:            "default",
		ConfidentialityScope: ScopePersonal,
		Sensitivity:          SensitivityNormal,
		Status:               MemoryStatusActive,
		SFast:                0.8,
		Embedding:            []float32{0.1, 0.2, 0.3},
	}
	created, err := store.CreateMemory(ctx, m, weights)
	require.NoError(t, err)
	require.NotEmpty(t, created.ID)
	require.InDelta(t, 0.2*0.8, created.Strength, 1e-9)

	got, err := store.GetMemory(ctx, created.ID)
	require.NoError(t, err)
	require.Equal(t, "likes tea", got.Content)
	require.Equal(t, []float32{0.1, 0.2, 0.3}, got.Embedding)
}

func TestGetMemoryNotFound(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	_, err := store.GetMemory(ctx, "does-not-exist")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestFindBySourceEventIsIdempotencyKey(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	agent := "agent-1"
	eventID := "evt-1"
	m := Memory{
		Content: "first write", UserID: "u1", AgentID: &agent, SourceEventID: &eventID,
		MemoryType: MemoryTypeEpisodic, Layer: LayerSML, Namespace: "default",
		ConfidentialityScope: ScopePersonal, Status: MemoryStatusActive,
	}
	created, err := store.CreateMemory(ctx, m, weights)
	require.NoError(t, err)

	found, err := store.FindBySourceEvent(ctx, &agent, eventID)
	require.NoError(t, err)
	require.Equal(t, created.ID, found.ID)

	_, err = store.FindBySourceEvent(ctx, &agent, "unknown-event")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestUpdateMemoryPatchOnlyTouchesSetFields(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	created, err := store.CreateMemory(ctx, Memory{
		Content: "original", UserID: "u1", MemoryType: MemoryTypeEpisodic, Layer: LayerSML,
		Namespace: "default", ConfidentialityScope: ScopePersonal, Status: MemoryStatusActive,
		Importance: 0.5,
	}, weights)
	require.NoError(t, err)

	newContent := "updated"
	err = store.UpdateMemory(ctx, created.ID, MemoryPatch{Content: &newContent}, weights)
	require.NoError(t, err)

	got, err := store.GetMemory(ctx, created.ID)
	require.NoError(t, err)
	require.Equal(t, "updated", got.Content)
	require.InDelta(t, 0.5, got.Importance, 1e-9)
}

func TestUpdateMemoryRecomputesStrengthFromTraces(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	created, err := store.CreateMemory(ctx, Memory{
		Content: "x", UserID: "u1", MemoryType: MemoryTypeEpisodic, Layer: LayerSML,
		Namespace: "default", ConfidentialityScope: ScopePersonal, Status: MemoryStatusActive,
	}, weights)
	require.NoError(t, err)

	fast, mid, slow := 1.0, 1.0, 1.0
	err = store.UpdateMemory(ctx, created.ID, MemoryPatch{SFast: &fast, SMid: &mid, SSlow: &slow}, weights)
	require.NoError(t, err)

	got, err := store.GetMemory(ctx, created.ID)
	require.NoError(t, err)
	require.InDelta(t, 1.0, got.Strength, 1e-9)
}

func TestDeleteMemoryRemovesFromActiveListing(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	created, err := store.CreateMemory(ctx, Memory{
		Content: "gone soon", UserID: "u1", MemoryType: MemoryTypeEpisodic, Layer: LayerSML,
		Namespace: "default", ConfidentialityScope: ScopePersonal, Status: MemoryStatusActive,
	}, weights)
	require.NoError(t, err)

	require.NoError(t, store.DeleteMemory(ctx, created.ID))

	all, err := store.ListMemories(ctx, "u1", "", 10)
	require.NoError(t, err)
	for _, m := range all {
		require.NotEqual(t, created.ID, m.ID, "deleted memory must not appear in active listing")
	}
}

func TestGetMemoriesBulkAndListMemoriesScopedToNamespace(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	var ids []string
	for i, ns := range []string{"work", "work", "personal"} {
		m, err := store.CreateMemory(ctx, Memory{
			Content: "mem", UserID: "u1", MemoryType: MemoryTypeEpisodic, Layer: LayerSML,
			Namespace: ns, ConfidentialityScope: ScopePersonal, Status: MemoryStatusActive,
		}, weights)
		require.NoError(t, err)
		ids = append(ids, m.ID)
		_ = i
	}

	bulk, err := store.GetMemoriesBulk(ctx, ids)
	require.NoError(t, err)
	require.Len(t, bulk, 3)

	workOnly, err := store.ListMemories(ctx, "u1", "work", 10)
	require.NoError(t, err)
	require.Len(t, workOnly, 2)
}

func TestInvariantUpsertIsUniquePerUserAndKey(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	inv := Invariant{UserID: "u1", InvariantKey: "identity.name", Value: "Alice", Confidence: 0.9}
	require.NoError(t, store.UpsertInvariant(ctx, inv))

	inv.Value = "Alicia"
	require.NoError(t, store.UpsertInvariant(ctx, inv))

	got, err := store.GetInvariant(ctx, "u1", "identity.name")
	require.NoError(t, err)
	require.Equal(t, "Alicia", got.Value)
}

func TestRefcountLifecycle(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	created, err := store.CreateMemory(ctx, Memory{
		Content: "protected", UserID: "u1", MemoryType: MemoryTypeEpisodic, Layer: LayerSML,
		Namespace: "default", ConfidentialityScope: ScopePersonal, Status: MemoryStatusActive,
	}, weights)
	require.NoError(t, err)

	require.NoError(t, store.AddRef(ctx, MemoryRef{MemoryID: created.ID, Subscriber: "agent-1", RefType: RefStrong}))
	rc, err := store.GetRefcount(ctx, created.ID)
	require.NoError(t, err)
	require.Equal(t, 1, rc.StrongCount)

	// Re-adding the same (memory, subscriber, ref_type) is idempotent.
	require.NoError(t, store.AddRef(ctx, MemoryRef{MemoryID: created.ID, Subscriber: "agent-1", RefType: RefStrong}))
	rc, err = store.GetRefcount(ctx, created.ID)
	require.NoError(t, err)
	require.Equal(t, 1, rc.StrongCount)

	require.NoError(t, store.RemoveRef(ctx, created.ID, "agent-1", RefStrong))
	rc, err = store.GetRefcount(ctx, created.ID)
	require.NoError(t, err)
	require.Equal(t, 0, rc.StrongCount)
}

func TestPurgeExpiredRefsDecrementsOnlyExpired(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	created, err := store.CreateMemory(ctx, Memory{
		Content: "weakly referenced", UserID: "u1", MemoryType: MemoryTypeEpisodic, Layer: LayerSML,
		Namespace: "default", ConfidentialityScope: ScopePersonal, Status: MemoryStatusActive,
	}, weights)
	require.NoError(t, err)

	past := time.Now().UTC().Add(-time.Hour)
	future := time.Now().UTC().Add(time.Hour)
	require.NoError(t, store.AddRef(ctx, MemoryRef{MemoryID: created.ID, Subscriber: "expired-sub", RefType: RefWeak, ExpiresAt: &past}))
	require.NoError(t, store.AddRef(ctx, MemoryRef{MemoryID: created.ID, Subscriber: "live-sub", RefType: RefWeak, ExpiresAt: &future}))

	n, err := store.PurgeExpiredRefs(ctx, time.Now().UTC())
	require.NoError(t, err)
	require.Equal(t, 1, n)

	rc, err := store.GetRefcount(ctx, created.ID)
	require.NoError(t, err)
	require.Equal(t, 1, rc.WeakCount)
}

func TestSessionCreateGetRevoke(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	sess := Session{
		TokenHash:     "hash-1",
		UserID:        "u1",
		AllowedScopes: []ConfidentialityScope{ScopeWork},
		Capabilities:  []string{"search"},
		Namespaces:    []string{"default"},
		ExpiresAt:     time.Now().UTC().Add(time.Hour),
		CreatedAt:     time.Now().UTC(),
	}
	require.NoError(t, store.CreateSession(ctx, sess))

	got, err := store.GetSession(ctx, "hash-1")
	require.NoError(t, err)
	require.Equal(t, "u1", got.UserID)
	require.Nil(t, got.RevokedAt)

	require.NoError(t, store.RevokeSession(ctx, "hash-1"))
	got, err = store.GetSession(ctx, "hash-1")
	require.NoError(t, err)
	require.NotNil(t, got.RevokedAt)
}

func TestSessionTokenHashUniqueness(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	sess := Session{TokenHash: "dup", UserID: "u1", ExpiresAt: time.Now().UTC().Add(time.Hour), CreatedAt: time.Now().UTC()}
	require.NoError(t, store.CreateSession(ctx, sess))

	err := store.CreateSession(ctx, sess)
	require.ErrorIs(t, err, ErrUniqueViolation)
}

func TestCommitStatusCASTransitions(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	c, err := store.CreateCommit(ctx, ProposalCommit{UserID: "u1", Status: CommitPending})
	require.NoError(t, err)

	ok, casErr := store.CASCommitStatus(ctx, nil, c.ID, []CommitStatus{CommitPending, CommitAutoStashed}, CommitApproved)
	require.NoError(t, casErr)
	require.True(t, ok)

	// A second approval attempt from the same terminal state is a no-op (idempotent).
	ok, casErr = store.CASCommitStatus(ctx, nil, c.ID, []CommitStatus{CommitPending, CommitAutoStashed}, CommitApproved)
	require.NoError(t, casErr)
	require.False(t, ok)

	got, err := store.GetCommit(ctx, c.ID)
	require.NoError(t, err)
	require.Equal(t, CommitApproved, got.Status)
}

func TestHandoffLaneVersionStrictlyIncreasesOnCAS(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	lane, err := store.CreateLane(ctx, HandoffLane{
		UserID: "u1", RepoID: "repo-a", LaneType: "coding", Objective: "ship feature",
		Status: LaneActive, Version: 0, LastCheckpointAt: time.Now().UTC(),
	})
	require.NoError(t, err)
	require.Equal(t, 0, lane.Version)

	ok, err := store.CASUpdateLane(ctx, lane.ID, 0, LaneState{TaskSummary: "progress"}, LaneActive)
	require.NoError(t, err)
	require.True(t, ok)

	updated, err := store.GetLane(ctx, lane.ID)
	require.NoError(t, err)
	require.Equal(t, 1, updated.Version)

	// Stale CAS with the old expected version fails.
	ok, err = store.CASUpdateLane(ctx, lane.ID, 0, LaneState{TaskSummary: "stale"}, LaneActive)
	require.NoError(t, err)
	require.False(t, ok)
}
