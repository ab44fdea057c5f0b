// Package handoff implements the session bus: lane selection, checkpoint
// merge with optimistic concurrency, enrichment, and pruning — §4.9.
package handoff

import (
	"context"
	"strings"
	"time"

	"github.com/engram-ai/engram/internal/config"
	"github.com/engram-ai/engram/internal/retrieval"
	"github.com/engram-ai/engram/internal/storage"
)

// Engine runs lane selection and checkpointing for one store.
type Engine struct {
	store     *storage.Store
	retrieval *retrieval.Engine
	cfg       config.Handoff
}

// New constructs an Engine.
func New(store *storage.Store, retrievalEngine *retrieval.Engine, cfg config.Config) *Engine {
	return &Engine{store: store, retrieval: retrievalEngine, cfg: cfg.Handoff}
}

// CanonicalRepoID normalizes a git remote URL (or filesystem path) into a
// stable lane-matching key: lowercased, `.git` suffix and any trailing
// slash stripped.
func CanonicalRepoID(remote string) string {
	id := strings.ToLower(strings.TrimSpace(remote))
	id = strings.TrimSuffix(id, "/")
	id = strings.TrimSuffix(id, ".git")
	return id
}

// ResumeRequest is one auto_resume call.
type ResumeRequest struct {
	UserID          string
	AgentID         string
	RepoIdentity    string
	LaneType        string
	Objective       string
	AllowedStatuses []string
	AutoCreate      bool
}

// ResumePacket is the §4.9 step 4 result.
type ResumePacket struct {
	Lane           storage.HandoffLane
	Created        bool
	LinkedMemories []storage.Memory
	LinkedScenes   []storage.Scene
	WarmContext    *retrieval.Response
}

const (
	repoMatchScore       = 0.55
	jaccardMaxScore      = 0.20
	recencyMaxScore      = 0.10
	stalenessPenalty     = 0.20
	selectionThreshold   = 0.45
	enrichMemoriesLimit  = 10
	enrichScenesLimit    = 6
)

// AutoResume selects (or creates) the best-matching lane for the given
// objective, per §4.9 steps 1-4.
func (e *Engine) AutoResume(ctx context.Context, req ResumeRequest, sess storage.Session) (ResumePacket, error) {
	repoID := CanonicalRepoID(req.RepoIdentity)
	statuses := req.AllowedStatuses
	if len(statuses) == 0 {
		statuses = e.cfg.ResumeStatuses
	}

	candidates, err := e.store.FindLanesByRepo(ctx, req.UserID, repoID, statuses)
	if err != nil {
		return ResumePacket{}, err
	}

	best, bestScore := bestLane(candidates, req.Objective, time.Duration(e.cfg.LaneInactivityMinutes)*time.Minute)

	var lane storage.HandoffLane
	var created bool
	switch {
	case best != nil && bestScore >= selectionThreshold:
		lane = *best
	case req.AutoCreate:
		lane, err = e.store.CreateLane(ctx, storage.HandoffLane{
			UserID: req.UserID, RepoID: repoID, LaneType: req.LaneType,
			Objective: req.Objective, Status: storage.LaneActive,
		})
		if err != nil {
			return ResumePacket{}, err
		}
		created = true
	default:
		return ResumePacket{}, nil
	}

	packet := ResumePacket{Lane: lane, Created: created}

	memories, scenes, err := e.enrich(ctx, req.UserID, lane.CurrentState.TaskSummary, sess)
	if err != nil {
		return ResumePacket{}, err
	}
	packet.LinkedMemories = memories
	packet.LinkedScenes = scenes

	if created && e.retrieval != nil {
		warm, err := e.retrieval.Search(ctx, retrieval.Query{Text: req.Objective, UserID: req.UserID, Limit: 5}, sess)
		if err != nil {
			return ResumePacket{}, err
		}
		packet.WarmContext = &warm
	}

	return packet, nil
}

// bestLane scores every candidate and returns the highest-scoring lane
// (nil if there are none).
func bestLane(candidates []storage.HandoffLane, objective string, inactivityWindow time.Duration) (*storage.HandoffLane, float64) {
	if len(candidates) == 0 {
		return nil, 0
	}
	var best *storage.HandoffLane
	bestScore := -1.0
	for i := range candidates {
		s := scoreLane(candidates[i], objective, inactivityWindow)
		if s > bestScore {
			bestScore = s
			best = &candidates[i]
		}
	}
	return best, bestScore
}

// scoreLane implements §4.9 step 2. Candidates are already filtered by
// repo_id at the query layer, so the repo-match component is a fixed
// baseline rather than a recomputed check; there is no branch column in
// the lane schema, so the branch-match component isn't scored separately
// (folded into the recency/objective terms instead).
func scoreLane(l storage.HandoffLane, objective string, inactivityWindow time.Duration) float64 {
	score := repoMatchScore
	score += jaccardMaxScore * jaccardSimilarity(l.Objective, objective)

	age := time.Since(l.LastCheckpointAt)
	recencyFactor := 1 - age.Hours()/24
	if recencyFactor < 0 {
		recencyFactor = 0
	}
	score += recencyMaxScore * recencyFactor

	if inactivityWindow > 0 && age > inactivityWindow {
		score -= stalenessPenalty
	}
	if score < 0 {
		score = 0
	}
	return score
}

func jaccardSimilarity(a, b string) float64 {
	setA := tokenSet(a)
	setB := tokenSet(b)
	if len(setA) == 0 || len(setB) == 0 {
		return 0
	}
	inter := 0
	for t := range setA {
		if setB[t] {
			inter++
		}
	}
	union := len(setA) + len(setB) - inter
	if union == 0 {
		return 0
	}
	return float64(inter) / float64(union)
}

func tokenSet(s string) map[string]bool {
	out := map[string]bool{}
	for _, tok := range strings.Fields(strings.ToLower(s)) {
		out[tok] = true
	}
	return out
}

func (e *Engine) enrich(ctx context.Context, userID, taskSummary string, sess storage.Session) ([]storage.Memory, []storage.Scene, error) {
	scenes, err := e.store.ListScenesForUser(ctx, userID, enrichScenesLimit)
	if err != nil {
		return nil, nil, err
	}

	var memories []storage.Memory
	if taskSummary != "" && e.retrieval != nil {
		resp, err := e.retrieval.Search(ctx, retrieval.Query{Text: taskSummary, UserID: userID, Limit: enrichMemoriesLimit}, sess)
		if err != nil {
			return nil, nil, err
		}
		for _, r := range resp.Results {
			if !r.Masked {
				memories = append(memories, r.Memory)
			}
		}
	}
	return memories, scenes, nil
}

// CheckpointRequest is one auto_checkpoint call.
type CheckpointRequest struct {
	UserID          string
	AgentID         string
	Payload         storage.LaneState
	LaneID          string
	EventType       string
	ExpectedVersion *int
}

// CheckpointResult is the persisted outcome of one checkpoint write.
type CheckpointResult struct {
	Checkpoint storage.HandoffCheckpoint
	Lane       storage.HandoffLane
	Conflicts  []storage.ConflictField
}

// AutoCheckpoint implements §4.9 steps 1-5: resolve lane, merge payload,
// write an append-only checkpoint, and apply the merged state with one
// optimistic-concurrency retry.
func (e *Engine) AutoCheckpoint(ctx context.Context, req CheckpointRequest) (CheckpointResult, error) {
	lane, err := e.resolveLaneForCheckpoint(ctx, req)
	if err != nil {
		return CheckpointResult{}, err
	}

	merged, conflicts := mergeLaneState(lane.CurrentState, req.Payload)

	checkpoint, err := e.store.CreateCheckpoint(ctx, storage.HandoffCheckpoint{
		LaneID: lane.ID, AgentID: req.AgentID, EventType: req.EventType,
		Payload: req.Payload, MergeConflicts: conflicts,
	})
	if err != nil {
		return CheckpointResult{}, err
	}

	expected := lane.Version
	if req.ExpectedVersion != nil {
		expected = *req.ExpectedVersion
	}

	ok, err := e.store.CASUpdateLane(ctx, lane.ID, expected, merged, lane.Status)
	if err != nil {
		return CheckpointResult{}, err
	}
	if !ok {
		// CAS miss: refresh, re-merge against the fresh state, accumulate
		// conflicts, and write unconditionally with a new version.
		fresh, err := e.store.GetLane(ctx, lane.ID)
		if err != nil {
			return CheckpointResult{}, err
		}
		var moreConflicts []storage.ConflictField
		merged, moreConflicts = mergeLaneState(fresh.CurrentState, req.Payload)
		conflicts = append(conflicts, moreConflicts...)
		if _, err := e.store.ForceUpdateLane(ctx, lane.ID, merged, fresh.Status); err != nil {
			return CheckpointResult{}, err
		}
		lane = fresh
	}

	if len(conflicts) > 0 {
		if err := e.store.CreateLaneConflict(ctx, lane.ID, checkpoint.ID, conflicts); err != nil {
			return CheckpointResult{}, err
		}
	}

	if err := e.store.PruneCheckpoints(ctx, lane.ID, e.cfg.MaxCheckpointsPerLane); err != nil {
		return CheckpointResult{}, err
	}
	if err := e.store.PruneLanesForUser(ctx, req.UserID, e.cfg.MaxLanesPerUser); err != nil {
		return CheckpointResult{}, err
	}

	lane.CurrentState = merged
	return CheckpointResult{Checkpoint: checkpoint, Lane: lane, Conflicts: conflicts}, nil
}

func (e *Engine) resolveLaneForCheckpoint(ctx context.Context, req CheckpointRequest) (storage.HandoffLane, error) {
	if req.LaneID != "" {
		lane, err := e.store.GetLane(ctx, req.LaneID)
		if err == nil && lane.UserID == req.UserID {
			return lane, nil
		}
	}
	packet, err := e.AutoResume(ctx, ResumeRequest{
		UserID: req.UserID, AgentID: req.AgentID, AutoCreate: true,
		Objective: req.Payload.TaskSummary,
	}, storage.Session{UserID: req.UserID})
	if err != nil {
		return storage.HandoffLane{}, err
	}
	return packet.Lane, nil
}

// mergeLaneState implements §4.9 step 2: list fields union with stable
// order, scalar fields overwrite iff non-empty, recording a conflict when
// both the prior and incoming scalar values are non-empty and differ.
func mergeLaneState(base, incoming storage.LaneState) (storage.LaneState, []storage.ConflictField) {
	merged := base
	var conflicts []storage.ConflictField

	merged.Decisions = unionStable(base.Decisions, incoming.Decisions)
	merged.Files = unionStable(base.Files, incoming.Files)
	merged.Todos = unionStable(base.Todos, incoming.Todos)
	merged.Blockers = unionStable(base.Blockers, incoming.Blockers)
	merged.Commands = unionStable(base.Commands, incoming.Commands)
	merged.Tests = unionStable(base.Tests, incoming.Tests)

	merged.TaskSummary, conflicts = mergeScalar("task_summary", base.TaskSummary, incoming.TaskSummary, conflicts)
	merged.ContextSnapshot, conflicts = mergeScalar("context_snapshot", base.ContextSnapshot, incoming.ContextSnapshot, conflicts)

	return merged, conflicts
}

func mergeScalar(field, prior, incoming string, conflicts []storage.ConflictField) (string, []storage.ConflictField) {
	if incoming == "" {
		return prior, conflicts
	}
	if prior != "" && prior != incoming {
		conflicts = append(conflicts, storage.ConflictField{Field: field, Previous: prior, Incoming: incoming})
	}
	return incoming, conflicts
}

func unionStable(base, incoming []string) []string {
	seen := make(map[string]bool, len(base)+len(incoming))
	out := make([]string, 0, len(base)+len(incoming))
	for _, v := range base {
		if !seen[v] {
			seen[v] = true
			out = append(out, v)
		}
	}
	for _, v := range incoming {
		if !seen[v] {
			seen[v] = true
			out = append(out, v)
		}
	}
	return out
}

// SaveSessionDigest is the legacy wrapper: always produces a checkpoint
// and also records a flat session row for compatibility.
func (e *Engine) SaveSessionDigest(ctx context.Context, req CheckpointRequest, summary string) (storage.HandoffSession, error) {
	result, err := e.AutoCheckpoint(ctx, req)
	if err != nil {
		return storage.HandoffSession{}, err
	}
	return e.store.CreateHandoffSession(ctx, storage.HandoffSession{
		UserID: req.UserID, AgentID: req.AgentID, LaneID: result.Lane.ID,
		Summary: summary, Status: string(result.Lane.Status),
	})
}
