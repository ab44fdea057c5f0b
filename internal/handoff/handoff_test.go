package handoff

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/engram-ai/engram/internal/config"
	"github.com/engram-ai/engram/internal/llm/mock"
	"github.com/engram-ai/engram/internal/retrieval"
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
		Handoff: config.Handoff{
			LaneInactivityMinutes: 240, MaxLanesPerUser: 50, MaxCheckpointsPerLane: 200,
			ResumeStatuses: []string{"active", "paused"},
		},
	}
}

func TestAutoResumeCreatesWhenNoMatch(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	cfg := testConfig()
	eng := New(store, nil, cfg)

	packet, err := eng.AutoResume(ctx, ResumeRequest{
		UserID: "u1", RepoIdentity: "github.com/acme/widgets.git", Objective: "fix flaky test", AutoCreate: true,
	}, storage.Session{UserID: "u1"})
	require.NoError(t, err)
	require.True(t, packet.Created)
	require.Equal(t, "github.com/acme/widgets", packet.Lane.RepoID)
}

func TestAutoResumeReusesMatchingLane(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	cfg := testConfig()
	eng := New(store, nil, cfg)

	lane, err := store.CreateLane(ctx, storage.HandoffLane{
		UserID: "u1", RepoID: "github.com/acme/widgets", Objective: "fix flaky test in auth module",
	})
	require.NoError(t, err)

	packet, err := eng.AutoResume(ctx, ResumeRequest{
		UserID: "u1", RepoIdentity: "github.com/acme/widgets", Objective: "fix flaky test in auth module", AutoCreate: true,
	}, storage.Session{UserID: "u1"})
	require.NoError(t, err)
	require.False(t, packet.Created)
	require.Equal(t, lane.ID, packet.Lane.ID)
}

func TestAutoCheckpointMergesAndDetectsConflict(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	cfg := testConfig()
	idx := flat.New(3)
	embedder := mock.New(3)
	retrievalEngine := retrieval.New(store, idx, embedder, cfg)
	eng := New(store, retrievalEngine, cfg)

	lane, err := store.CreateLane(ctx, storage.HandoffLane{
		UserID: "u1", RepoID: "repo", Objective: "ship feature",
		CurrentState: storage.LaneState{TaskSummary: "working on auth", Files: []string{"a.go"}},
	})
	require.NoError(t, err)

	result, err := eng.AutoCheckpoint(ctx, CheckpointRequest{
		UserID: "u1", AgentID: "agent-1", LaneID: lane.ID, EventType: "progress",
		Payload: storage.LaneState{TaskSummary: "working on billing", Files: []string{"b.go"}},
	})
	require.NoError(t, err)
	require.Len(t, result.Conflicts, 1)
	require.Equal(t, "task_summary", result.Conflicts[0].Field)
	require.ElementsMatch(t, []string{"a.go", "b.go"}, result.Lane.CurrentState.Files)
}

func TestAutoCheckpointRetriesOnCASMiss(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	cfg := testConfig()
	eng := New(store, nil, cfg)

	lane, err := store.CreateLane(ctx, storage.HandoffLane{UserID: "u1", RepoID: "repo", Objective: "ship"})
	require.NoError(t, err)

	// Simulate a concurrent writer bumping the version first.
	ok, err := store.CASUpdateLane(ctx, lane.ID, 0, storage.LaneState{TaskSummary: "concurrent update"}, storage.LaneActive)
	require.NoError(t, err)
	require.True(t, ok)

	expected := 0
	result, err := eng.AutoCheckpoint(ctx, CheckpointRequest{
		UserID: "u1", AgentID: "agent-1", LaneID: lane.ID, EventType: "progress",
		Payload: storage.LaneState{Todos: []string{"write tests"}}, ExpectedVersion: &expected,
	})
	require.NoError(t, err)
	require.Contains(t, result.Lane.CurrentState.Todos, "write tests")
}
