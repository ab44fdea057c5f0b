package trust

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/engram-ai/engram/internal/storage"
)

func newTestStore(t *testing.T) *storage.Store {
	t.Helper()
	store, err := storage.Open(context.Background(), t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestScoreZeroProposalsIsZero(t *testing.T) {
	require.Equal(t, 0.0, Score(storage.AgentTrust{}, time.Now()))
}

func TestScoreCombinesApprovalRateAndRecency(t *testing.T) {
	now := time.Now().UTC()
	justApproved := now.Add(-time.Minute)
	t1 := storage.AgentTrust{TotalProposals: 10, Approved: 10, LastApprovedAt: &justApproved}
	require.InDelta(t, 1.0, Score(t1, now), 0.01)

	old := now.Add(-60 * 24 * time.Hour)
	t2 := storage.AgentTrust{TotalProposals: 10, Approved: 10, LastApprovedAt: &old}
	require.InDelta(t, 0.7, Score(t2, now), 0.01)
}

func TestRecordAccumulatesAndPersists(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	t1, err := Record(ctx, store, "u1", "agent-1", OutcomeApproved)
	require.NoError(t, err)
	require.Equal(t, 1, t1.TotalProposals)
	require.Equal(t, 1, t1.Approved)
	require.NotNil(t, t1.LastApprovedAt)

	t2, err := Record(ctx, store, "u1", "agent-1", OutcomeRejected)
	require.NoError(t, err)
	require.Equal(t, 2, t2.TotalProposals)
	require.Equal(t, 1, t2.Rejected)

	got, err := store.GetAgentTrust(ctx, "u1", "agent-1")
	require.NoError(t, err)
	require.Equal(t, 2, got.TotalProposals)
}

func TestEligibleRequiresGuardrails(t *testing.T) {
	g := Guardrails{TrustThreshold: 0.6, MinTotal: 5, MinApproved: 3, MaxRejectRate: 0.3}

	require.False(t, Eligible(storage.AgentTrust{TotalProposals: 2, Approved: 2, TrustScore: 0.9}, g), "below MinTotal")

	require.False(t, Eligible(storage.AgentTrust{TotalProposals: 10, Approved: 8, TrustScore: 0.5}, g), "below trust threshold")

	require.False(t, Eligible(storage.AgentTrust{TotalProposals: 10, Approved: 8, Rejected: 4, TrustScore: 0.9}, g), "reject rate too high")

	require.True(t, Eligible(storage.AgentTrust{TotalProposals: 10, Approved: 8, Rejected: 1, TrustScore: 0.9}, g))
}
