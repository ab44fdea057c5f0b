package storage

import "time"

// MemoryPatch enumerates the writable fields of a Memory as typed, optional
// members. A nil field is left untouched; there is no string-keyed
// update_*(column, value) entry point, so a field that isn't a MemoryPatch
// member cannot be written at compile time — this is the tagged-sum-type
// replacement Design Notes calls for in place of the source's runtime
// column whitelist.
type MemoryPatch struct {
	Content              *string
	MemoryType           *MemoryType
	Layer                *Layer
	Namespace            *string
	ConfidentialityScope *ConfidentialityScope
	Sensitivity          *Sensitivity
	Importance           *float64
	Immutable            *bool
	Status               *MemoryStatus

	Strength     *float64
	SFast        *float64
	SMid         *float64
	SSlow        *float64
	AccessCount  *int
	LastAccessed *time.Time
	DecayLambda  *float64

	Categories      *[]string
	SceneID         *string
	RelatedMemories *[]string
	SourceMemories  *[]string

	Embedding *[]float32
}

// ScenePatch enumerates the writable fields of a Scene.
type ScenePatch struct {
	Summary      *string
	Participants *[]string
	Centroid     *[]float32
	Location     *string
	EndTime      *time.Time
	MemoryCount  *int
	Closed       *bool
}

// ProfilePatch enumerates the writable fields of a Profile.
type ProfilePatch struct {
	Aliases       *[]string
	Facts         *[]string
	Preferences   *[]string
	Relationships *[]string
	Narrative     *string
	Embedding     *[]float32
}

// CommitPatch enumerates the writable fields of a ProposalCommit outside of
// its status transitions (those go through the CAS helpers in commits.go).
type CommitPatch struct {
	Checks        *Checks
	SourceEventID *string
	AutoMerged    *bool
}

// ConflictStashPatch enumerates the writable fields of a ConflictStash.
type ConflictStashPatch struct {
	Resolution *ConflictResolution
}

// AgentTrustPatch enumerates the writable fields of an AgentTrust row.
type AgentTrustPatch struct {
	TotalProposals *int
	Approved       *int
	Rejected       *int
	AutoStashed    *int
	LastApprovedAt *time.Time
	TrustScore     *float64
}

// LaneStatePatch merges into a HandoffLane.CurrentState: list fields union,
// scalar fields overwrite iff the incoming value is non-empty — exactly the
// checkpoint-merge semantics of §4.9.
type LaneStatePatch struct {
	TaskSummary     *string
	ContextSnapshot *string
	Decisions       []string
	Files           []string
	Todos           []string
	Blockers        []string
	Commands        []string
	Tests           []string
}
