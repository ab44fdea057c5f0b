// Package trust computes and updates per-agent trust scores, the gate
// staging's auto-merge path checks before applying a commit without a
// human review — §3/§4.4's "Agent trust" entity.
package trust

import (
	"context"
	"time"

	"github.com/engram-ai/engram/internal/storage"
)

// Outcome is the result recorded against an agent's trust accumulator.
type Outcome string

const (
	OutcomeApproved    Outcome = "APPROVED"
	OutcomeRejected    Outcome = "REJECTED"
	OutcomeAutoStashed Outcome = "AUTO_STASHED"
)

const recencyWindow = 30 * 24 * time.Hour

// Score computes trust_score = 0.7·approval_rate + 0.3·recency_factor,
// where recency_factor decays linearly to 0 over 30 days since last
// approval, per §3.
func Score(t storage.AgentTrust, now time.Time) float64 {
	if t.TotalProposals == 0 {
		return 0
	}
	approvalRate := float64(t.Approved) / float64(t.TotalProposals)

	recency := 0.0
	if t.LastApprovedAt != nil {
		elapsed := now.Sub(*t.LastApprovedAt)
		if elapsed < 0 {
			elapsed = 0
		}
		recency = 1 - elapsed.Seconds()/recencyWindow.Seconds()
		if recency < 0 {
			recency = 0
		}
	}
	return 0.7*approvalRate + 0.3*recency
}

// Record updates an agent's trust accumulator with one outcome and
// persists the recomputed score.
func Record(ctx context.Context, store *storage.Store, userID, agentID string, outcome Outcome) (storage.AgentTrust, error) {
	t, err := store.GetAgentTrust(ctx, userID, agentID)
	if err != nil {
		return storage.AgentTrust{}, err
	}
	t.UserID, t.AgentID = userID, agentID
	t.TotalProposals++
	now := time.Now().UTC()
	switch outcome {
	case OutcomeApproved:
		t.Approved++
		t.LastApprovedAt = &now
	case OutcomeRejected:
		t.Rejected++
	case OutcomeAutoStashed:
		t.AutoStashed++
	}
	t.TrustScore = Score(t, now)
	if err := store.UpsertAgentTrust(ctx, t); err != nil {
		return storage.AgentTrust{}, err
	}
	return t, nil
}

// Guardrails are the auto-merge eligibility thresholds from config.
type Guardrails struct {
	TrustThreshold float64
	MinTotal       int
	MinApproved    int
	MaxRejectRate  float64
}

// Eligible reports whether t clears the auto-merge guardrails: trust
// at/above threshold, enough history, and a bounded reject rate. It does
// not check whether auto-merge is enabled; staging checks that first.
func Eligible(t storage.AgentTrust, g Guardrails) bool {
	if t.TotalProposals < g.MinTotal || t.Approved < g.MinApproved {
		return false
	}
	if t.TrustScore < g.TrustThreshold {
		return false
	}
	rejectRate := float64(t.Rejected) / float64(t.TotalProposals)
	return rejectRate <= g.MaxRejectRate
}
