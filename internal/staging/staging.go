// Package staging implements the write pipeline: every memory mutation is
// proposed as a commit, risk- and conflict-checked, then either
// auto-merged (trust permitting), auto-stashed as a conflict, or left
// pending for human approval — §4.4.
package staging

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/engram-ai/engram/internal/config"
	"github.com/engram-ai/engram/internal/llm"
	"github.com/engram-ai/engram/internal/storage"
	"github.com/engram-ai/engram/internal/trust"
	"github.com/engram-ai/engram/internal/vectorindex"
)

// conflictSimilarityThreshold is the cosine similarity above which an
// existing memory is treated as a candidate conflict for a proposed ADD,
// distinct from the forgetting pass's interference threshold since staging
// runs synchronously on the write path and must stay cheap.
const conflictSimilarityThreshold = 0.85

// neighborsChecked bounds how many nearest neighbors ProposeWrite inspects
// per change, keeping the synchronous write path O(1) per commit.
const neighborsChecked = 3

// Outcome is the tagged result of staging a proposal — Design Notes calls
// for exactly this kind of explicit sum type in place of a generic
// "status string + maybe an error" return.
type Outcome struct {
	Kind    OutcomeKind
	Commit  storage.ProposalCommit
	StashID string // set when Kind == OutcomeAutoStashed
}

// OutcomeKind enumerates the ways ProposeWrite can resolve.
type OutcomeKind int

const (
	OutcomePending OutcomeKind = iota
	OutcomeAutoStashed
	OutcomeApproved
	OutcomeRejected
	OutcomeApplyFailed
)

// Engine runs the staging pipeline against a store and optional vector
// index / trust guardrails.
type Engine struct {
	store *storage.Store
	index vectorindex.Index
	embed llm.Embedder
	cfg   config.Config
}

// New constructs an Engine. index and embed may both be nil, in which case
// conflict detection is skipped and every ADD with no invariant violation
// goes straight to auto-merge-eligibility / pending.
func New(store *storage.Store, index vectorindex.Index, embed llm.Embedder, cfg config.Config) *Engine {
	return &Engine{store: store, index: index, embed: embed, cfg: cfg}
}

// negationMarkers flags content describing a reversal of a prior state
// ("no longer", "stopped", "used to ... now"). It is applied after the
// nearest-neighbor search, to each close hit: a hit is a conflict only when
// the marker is present in one of the two texts and not the other, so a
// near-duplicate restatement of the same fact never gets escalated.
var negationMarkers = regexp.MustCompile(`(?i)\b(no longer|not anymore|stopped|quit|used to|ex-|former|doesn't|don't)\b`)

// invariantExtractors maps a stable invariant key to a regex that pulls its
// value out of free-form ADD content — §4.4 step 4's "check each against
// invariants (e.g. proposing identity.name=Bob when existing invariant says
// Alice is a contradiction)". Keys match the ones original_source/ and
// storage's backfill bootstrap identity invariants under.
var invariantExtractors = map[string]*regexp.Regexp{
	"identity.name":          regexp.MustCompile(`(?i)\bmy name is ([A-Za-z][\w' -]*)`),
	"identity.primary_email": regexp.MustCompile(`(?i)\bmy (?:primary )?e-?mail(?: address)? is ([\w.+-]+@[\w-]+\.[\w.-]+)`),
}

// extractInvariants pulls any stable identity facts out of proposed
// content, keyed the same way rows are keyed in the invariants table.
func extractInvariants(content string) map[string]string {
	var out map[string]string
	for key, re := range invariantExtractors {
		m := re.FindStringSubmatch(content)
		if m == nil {
			continue
		}
		if out == nil {
			out = map[string]string{}
		}
		out[key] = strings.Trim(strings.TrimSpace(m[1]), ".,!? ")
	}
	return out
}

// stagedConflict is one contradiction surfaced by analyze — either against
// a durable invariant (Key is the invariant key) or against an existing
// memory the embedding/negation heuristic flagged (Key is the memory id).
type stagedConflict struct {
	Key      string
	Existing string
	Proposed string
}

// ProposeRequest is one agent's proposed set of atomic changes.
type ProposeRequest struct {
	UserID        string
	AgentID       *string
	Changes       []storage.Change
	Preview       string
	Provenance    string
	SourceEventID string
}

// ProposeWrite runs the full staging decision tree: idempotency dedup,
// invariant checks, conflict detection against existing memories, then
// either auto-merge (trust eligible and zero conflicts), auto-stash (a
// conflict was found), or leave the commit pending for a human decision.
func (e *Engine) ProposeWrite(ctx context.Context, req ProposeRequest) (Outcome, error) {
	if req.SourceEventID != "" {
		if existing, err := e.findIdempotent(ctx, req); err == nil {
			return Outcome{Kind: OutcomeApproved, Commit: existing}, nil
		} else if !errors.Is(err, storage.ErrNotFound) {
			return Outcome{}, err
		}
	}

	checks, conflicts, err := e.analyze(ctx, req)
	if err != nil {
		return Outcome{}, err
	}

	commit, err := e.store.CreateCommit(ctx, storage.ProposalCommit{
		UserID: req.UserID, AgentID: req.AgentID, Status: storage.CommitPending,
		Changes: req.Changes, Checks: checks, Preview: req.Preview, Provenance: req.Provenance,
		SourceEventID: nonEmptyPtr(req.SourceEventID),
	})
	if err != nil {
		return Outcome{}, err
	}

	if !checks.InvariantsOK {
		return e.reject(ctx, commit)
	}

	if len(conflicts) > 0 {
		return e.autoStash(ctx, commit, conflicts)
	}

	if req.AgentID != nil && e.eligibleForAutoMerge(ctx, req.UserID, *req.AgentID) {
		return e.approve(ctx, commit, true)
	}

	return Outcome{Kind: OutcomePending, Commit: commit}, nil
}

func (e *Engine) findIdempotent(ctx context.Context, req ProposeRequest) (storage.ProposalCommit, error) {
	commits, err := e.store.ListCommits(ctx, req.UserID, "", 200)
	if err != nil {
		return storage.ProposalCommit{}, err
	}
	for _, c := range commits {
		if c.SourceEventID != nil && *c.SourceEventID == req.SourceEventID {
			return c, nil
		}
	}
	return storage.ProposalCommit{}, storage.ErrNotFound
}

// analyze runs the invariant and conflict checks a proposal must pass
// before it can leave PENDING. Per §4.4 step 4 / §9's precedence
// resolution, the durable-invariant check (regex-extracted identity facts
// against the invariants table) runs before the embedding-similarity
// heuristic, so a contradiction against a stable fact like identity.name
// is always the one recorded first.
func (e *Engine) analyze(ctx context.Context, req ProposeRequest) (storage.Checks, []stagedConflict, error) {
	checks := storage.Checks{InvariantsOK: true}

	for _, ch := range req.Changes {
		if v := validateChange(ch); v != "" {
			checks.InvariantsOK = false
			checks.Conflicts = append(checks.Conflicts, v)
		}
	}
	if !checks.InvariantsOK {
		return checks, nil, nil
	}

	var conflicts []stagedConflict
	for _, ch := range req.Changes {
		if ch.Op != storage.ChangeAdd || ch.Patch.Content == nil {
			continue
		}
		content := *ch.Patch.Content

		invConflicts, err := e.detectInvariantConflicts(ctx, req.UserID, content)
		if err != nil {
			return checks, nil, err
		}
		conflicts = append(conflicts, invConflicts...)

		if e.index != nil {
			found, err := e.detectConflict(ctx, req.UserID, content)
			if err != nil {
				return checks, nil, err
			}
			conflicts = append(conflicts, found...)
		}
	}
	for _, c := range conflicts {
		checks.Conflicts = append(checks.Conflicts, c.Key)
	}
	checks.RiskScore = riskScore(len(conflicts), len(req.Changes))
	return checks, conflicts, nil
}

// detectInvariantConflicts extracts any identity facts proposed by content
// and compares them against the durable invariants table — §4.4 step 4's
// "check each against invariants" pass, e.g. proposing identity.name=Bob
// when the stored invariant says Alice.
func (e *Engine) detectInvariantConflicts(ctx context.Context, userID, content string) ([]stagedConflict, error) {
	candidates := extractInvariants(content)
	if len(candidates) == 0 {
		return nil, nil
	}
	var conflicts []stagedConflict
	for key, value := range candidates {
		existing, err := e.store.GetInvariant(ctx, userID, key)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				continue
			}
			return nil, err
		}
		if !strings.EqualFold(strings.TrimSpace(existing.Value), value) {
			conflicts = append(conflicts, stagedConflict{Key: key, Existing: existing.Value, Proposed: value})
		}
	}
	return conflicts, nil
}

func validateChange(ch storage.Change) string {
	switch ch.Op {
	case storage.ChangeAdd:
		if ch.Patch.Content == nil || strings.TrimSpace(*ch.Patch.Content) == "" {
			return "ADD change missing content"
		}
	case storage.ChangeUpdate, storage.ChangeDelete:
		if ch.Target == "" {
			return fmt.Sprintf("%s change missing target id", ch.Op)
		}
	default:
		return "unknown change op: " + string(ch.Op)
	}
	return ""
}

// detectConflict flags existing memories that look like they describe the
// same subject but with reversed polarity: a near-duplicate embedding
// (cosine above conflictSimilarityThreshold) paired with a negation-marker
// mismatch between the proposed and existing content.
func (e *Engine) detectConflict(ctx context.Context, userID string, content string) ([]stagedConflict, error) {
	if e.index == nil || e.embed == nil {
		return nil, nil
	}
	vec, err := e.embed.Embed(ctx, content)
	if err != nil {
		return nil, err
	}
	hits, err := e.index.Search(ctx, vec, neighborsChecked, vectorindex.Filter{UserID: userID})
	if err != nil {
		return nil, err
	}

	proposedNegated := negationMarkers.MatchString(content)
	var conflicts []stagedConflict
	for _, h := range hits {
		if h.Score < conflictSimilarityThreshold {
			continue
		}
		existing, err := e.store.GetMemory(ctx, h.ID)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				continue
			}
			return nil, err
		}
		if negationMarkers.MatchString(existing.Content) != proposedNegated {
			conflicts = append(conflicts, stagedConflict{Key: existing.ID, Existing: existing.Content, Proposed: content})
		}
	}
	return conflicts, nil
}

// eligibleForAutoMerge reports whether the agent's trust record clears the
// configured guardrails and auto-merge is globally enabled.
func (e *Engine) eligibleForAutoMerge(ctx context.Context, userID, agentID string) bool {
	if !e.cfg.TrustAutomergeEnabled {
		return false
	}
	t, err := e.store.GetAgentTrust(ctx, userID, agentID)
	if err != nil {
		return false
	}
	return trust.Eligible(t, trust.Guardrails{
		TrustThreshold: e.cfg.AutoMergeTrustThreshold,
		MinTotal:       e.cfg.AutoMergeMinTotal,
		MinApproved:    e.cfg.AutoMergeMinApproved,
		MaxRejectRate:  e.cfg.AutoMergeMaxRejectRate,
	})
}

// ApproveCommit transitions a pending commit to APPROVED and applies its
// changes, recording the outcome against the proposing agent's trust.
func (e *Engine) ApproveCommit(ctx context.Context, commitID string) (Outcome, error) {
	commit, err := e.store.GetCommit(ctx, commitID)
	if err != nil {
		return Outcome{}, err
	}
	return e.approve(ctx, commit, false)
}

func (e *Engine) approve(ctx context.Context, commit storage.ProposalCommit, auto bool) (Outcome, error) {
	ok, err := e.store.CASCommitStatus(ctx, nil, commit.ID, []storage.CommitStatus{storage.CommitPending}, storage.CommitApproved)
	if err != nil {
		return Outcome{}, err
	}
	if !ok {
		return Outcome{}, fmt.Errorf("staging: commit %s not in a state that can be approved", commit.ID)
	}

	if err := e.apply(ctx, commit); err != nil {
		applyErr := err.Error()
		_ = e.store.UpdateCommit(ctx, nil, commit.ID, storage.CommitPatch{Checks: &storage.Checks{
			InvariantsOK: commit.Checks.InvariantsOK, Conflicts: commit.Checks.Conflicts,
			RiskScore: commit.Checks.RiskScore, ApplyError: applyErr,
		}})
		_, _ = e.store.CASCommitStatus(ctx, nil, commit.ID, []storage.CommitStatus{storage.CommitApproved}, storage.CommitRejected)
		if commit.AgentID != nil {
			_, _ = trust.Record(ctx, e.store, commit.UserID, *commit.AgentID, trust.OutcomeRejected)
		}
		commit.Status = storage.CommitRejected
		return Outcome{Kind: OutcomeApplyFailed, Commit: commit}, nil
	}

	autoMerged := auto
	_ = e.store.UpdateCommit(ctx, nil, commit.ID, storage.CommitPatch{AutoMerged: &autoMerged})
	if commit.AgentID != nil {
		_, _ = trust.Record(ctx, e.store, commit.UserID, *commit.AgentID, trust.OutcomeApproved)
	}
	commit.Status = storage.CommitApproved
	commit.AutoMerged = autoMerged
	return Outcome{Kind: OutcomeApproved, Commit: commit}, nil
}

// RejectCommit transitions a pending commit to REJECTED without applying
// its changes.
func (e *Engine) RejectCommit(ctx context.Context, commitID string) (Outcome, error) {
	commit, err := e.store.GetCommit(ctx, commitID)
	if err != nil {
		return Outcome{}, err
	}
	return e.reject(ctx, commit)
}

func (e *Engine) reject(ctx context.Context, commit storage.ProposalCommit) (Outcome, error) {
	ok, err := e.store.CASCommitStatus(ctx, nil, commit.ID, []storage.CommitStatus{storage.CommitPending}, storage.CommitRejected)
	if err != nil {
		return Outcome{}, err
	}
	if !ok {
		return Outcome{}, fmt.Errorf("staging: commit %s not in a state that can be rejected", commit.ID)
	}
	if commit.AgentID != nil {
		_, _ = trust.Record(ctx, e.store, commit.UserID, *commit.AgentID, trust.OutcomeRejected)
	}
	commit.Status = storage.CommitRejected
	return Outcome{Kind: OutcomeRejected, Commit: commit}, nil
}

func (e *Engine) autoStash(ctx context.Context, commit storage.ProposalCommit, conflicts []stagedConflict) (Outcome, error) {
	ok, err := e.store.CASCommitStatus(ctx, nil, commit.ID, []storage.CommitStatus{storage.CommitPending}, storage.CommitAutoStashed)
	if err != nil {
		return Outcome{}, err
	}
	if !ok {
		return Outcome{}, fmt.Errorf("staging: commit %s not in a state that can be stashed", commit.ID)
	}

	var lastID string
	for _, c := range conflicts {
		stash, err := e.store.CreateConflictStash(ctx, storage.ConflictStash{
			UserID: commit.UserID, ConflictKey: c.Key, Existing: c.Existing, Proposed: c.Proposed, SourceCommitID: commit.ID,
		})
		if err != nil {
			return Outcome{}, err
		}
		lastID = stash.ID
	}
	if commit.AgentID != nil {
		_, _ = trust.Record(ctx, e.store, commit.UserID, *commit.AgentID, trust.OutcomeAutoStashed)
	}
	commit.Status = storage.CommitAutoStashed
	return Outcome{Kind: OutcomeAutoStashed, Commit: commit, StashID: lastID}, nil
}

// ResolveConflict applies the chosen resolution to a stashed conflict. A
// KEEP_BOTH or ACCEPT_PROPOSED resolution re-approves the originating
// commit; KEEP_EXISTING leaves it rejected.
func (e *Engine) ResolveConflict(ctx context.Context, stashID string, resolution storage.ConflictResolution) (Outcome, error) {
	stash, err := e.store.GetConflictStash(ctx, stashID)
	if err != nil {
		return Outcome{}, err
	}
	if err := e.store.ResolveStash(ctx, stashID, resolution); err != nil {
		return Outcome{}, err
	}

	commit, err := e.store.GetCommit(ctx, stash.SourceCommitID)
	if err != nil {
		return Outcome{}, err
	}

	switch resolution {
	case storage.ResolutionAcceptProposed, storage.ResolutionKeepBoth:
		ok, err := e.store.CASCommitStatus(ctx, nil, commit.ID, []storage.CommitStatus{storage.CommitAutoStashed}, storage.CommitApproved)
		if err != nil {
			return Outcome{}, err
		}
		if !ok {
			return Outcome{Kind: OutcomeApproved, Commit: commit}, nil
		}
		if err := e.apply(ctx, commit); err != nil {
			_, _ = e.store.CASCommitStatus(ctx, nil, commit.ID, []storage.CommitStatus{storage.CommitApproved}, storage.CommitRejected)
			commit.Status = storage.CommitRejected
			return Outcome{Kind: OutcomeApplyFailed, Commit: commit}, nil
		}
		commit.Status = storage.CommitApproved
		return Outcome{Kind: OutcomeApproved, Commit: commit}, nil
	default:
		_, _ = e.store.CASCommitStatus(ctx, nil, commit.ID, []storage.CommitStatus{storage.CommitAutoStashed}, storage.CommitRejected)
		commit.Status = storage.CommitRejected
		return Outcome{Kind: OutcomeRejected, Commit: commit}, nil
	}
}

// apply executes a commit's changes against the store. A failure partway
// through leaves already-applied changes in place; ApproveCommit records
// the error on the commit and rejects it rather than attempting rollback,
// since memory writes aren't individually reversible once decay/ref state
// has started accumulating against them.
func (e *Engine) apply(ctx context.Context, commit storage.ProposalCommit) error {
	for _, ch := range commit.Changes {
		switch ch.Op {
		case storage.ChangeAdd:
			m := storage.Memory{UserID: commit.UserID, AgentID: commit.AgentID}
			if ch.Patch.Content != nil {
				m.Content = *ch.Patch.Content
			}
			if ch.Patch.MemoryType != nil {
				m.MemoryType = *ch.Patch.MemoryType
			}
			if ch.Patch.Layer != nil {
				m.Layer = *ch.Patch.Layer
			}
			if ch.Patch.Namespace != nil {
				m.Namespace = *ch.Patch.Namespace
			}
			if ch.Patch.ConfidentialityScope != nil {
				m.ConfidentialityScope = *ch.Patch.ConfidentialityScope
			}
			if ch.Patch.Importance != nil {
				m.Importance = *ch.Patch.Importance
			}
			if ch.Patch.Categories != nil {
				m.Categories = *ch.Patch.Categories
			} else {
				m.Categories = TagCategories(m.Content)
			}
			if commit.SourceEventID != nil {
				m.SourceEventID = commit.SourceEventID
			}
			created, err := e.store.CreateMemory(ctx, m, e.cfg.Decay)
			if err != nil {
				return err
			}
			for key, value := range extractInvariants(m.Content) {
				if err := e.store.UpsertInvariant(ctx, storage.Invariant{
					UserID: commit.UserID, InvariantKey: key, Value: value,
					Confidence: 1.0, SourceMemoryID: created.ID,
				}); err != nil {
					return err
				}
			}
		case storage.ChangeUpdate:
			if err := e.store.UpdateMemory(ctx, ch.Target, ch.Patch, e.cfg.Decay); err != nil {
				return err
			}
		case storage.ChangeDelete:
			if err := e.store.DeleteMemory(ctx, ch.Target); err != nil {
				return err
			}
		}
	}
	return nil
}

func riskScore(conflicts, changes int) float64 {
	if changes == 0 {
		return 0
	}
	score := float64(conflicts) / float64(changes)
	if score > 1 {
		return 1
	}
	return score
}

func nonEmptyPtr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// categoryKeywords is a lightweight keyword tagger standing in for the
// source's hierarchical CategoryMemConfig store — a thin use of the
// existing categories[] field rather than a new module, per the
// category-layer supplemented feature.
var categoryKeywords = map[string][]string{
	"preference":   {"prefer", "favorite", "like", "dislike", "hate", "love"},
	"task":         {"todo", "task", "deadline", "remind", "finish", "schedule"},
	"relationship": {"friend", "colleague", "partner", "family", "contact", "met with"},
	"event":        {"yesterday", "today", "tomorrow", "happened", "meeting", "trip"},
	"technical":    {"bug", "deploy", "code", "server", "api", "database", "config"},
	"personal":     {"i am", "i'm", "my ", "myself"},
}

// TagCategories applies a lightweight keyword tagger to content, the same
// rule table staging.apply uses for ADD changes with no explicit categories.
func TagCategories(content string) []string {
	lower := strings.ToLower(content)
	var tags []string
	for category, keywords := range categoryKeywords {
		for _, kw := range keywords {
			if strings.Contains(lower, kw) {
				tags = append(tags, category)
				break
			}
		}
	}
	return tags
}
