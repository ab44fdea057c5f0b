// Package storage is the single-writer, transactional row store for every
// table in the kernel's data model: memories, scenes, profiles, staging
// commits, conflict stash, invariants, refcounts, sessions, trust,
// namespaces, handoff lanes/checkpoints, and digests. It wraps a
// modernc.org/sqlite *sql.DB opened against one embedded file, the way the
// teacher's pkg/database.Client wraps a pgx-backed *sql.DB — same shape,
// pure-Go embedded engine instead of a Postgres server.
package storage

import "time"

// MemoryType classifies a memory as raw episodic experience or consolidated
// semantic fact.
type MemoryType string

const (
	MemoryTypeEpisodic MemoryType = "episodic"
	MemoryTypeSemantic MemoryType = "semantic"
)

// Layer distinguishes volatile short-memory-layer rows from consolidated
// long-memory-layer rows.
type Layer string

const (
	LayerSML Layer = "SML"
	LayerLML Layer = "LML"
)

// ConfidentialityScope gates who may read a memory's literal content.
type ConfidentialityScope string

const (
	ScopeWork     ConfidentialityScope = "work"
	ScopePersonal ConfidentialityScope = "personal"
	ScopeFinance  ConfidentialityScope = "finance"
	ScopeHealth   ConfidentialityScope = "health"
	ScopePrivate  ConfidentialityScope = "private"
)

// Sensitivity is an orthogonal marker used for display/audit purposes.
type Sensitivity string

const (
	SensitivityNormal    Sensitivity = "normal"
	SensitivitySensitive Sensitivity = "sensitive"
	SensitivitySecret    Sensitivity = "secret"
)

// MemoryStatus is active or tombstoned; tombstones are kept for history
// per the spec's resolved Open Question (purge is an explicit admin op).
type MemoryStatus string

const (
	MemoryStatusActive     MemoryStatus = "active"
	MemoryStatusTombstoned MemoryStatus = "tombstoned"
)

// Memory is the kernel's core unit of stored experience/knowledge.
type Memory struct {
	ID            string
	Content       string
	UserID        string
	AgentID       *string
	AppID         *string
	RunID         *string
	SourceApp     *string
	SourceType    *string
	SourceEventID *string

	MemoryType           MemoryType
	Layer                Layer
	Namespace            string
	ConfidentialityScope ConfidentialityScope
	Sensitivity          Sensitivity
	Importance           float64
	Immutable            bool
	Status               MemoryStatus

	Strength     float64
	SFast        float64
	SMid         float64
	SSlow        float64
	AccessCount  int
	LastAccessed time.Time
	DecayLambda  float64
	CreatedAt    time.Time
	UpdatedAt    time.Time

	Categories       []string
	SceneID          *string
	RelatedMemories  []string
	SourceMemories   []string

	Embedding []float32
}

// ComputeStrength returns the weighted sum of the three traces, clamped to
// [0,1] — the invariant §3/§8 requires hold for every memory.
func ComputeStrength(sFast, sMid, sSlow, wFast, wMid, wSlow float64) float64 {
	s := wFast*sFast + wMid*sMid + wSlow*sSlow
	if s < 0 {
		return 0
	}
	if s > 1 {
		return 1
	}
	return s
}

// Scene is an episodic cluster of memories sharing time/topic/location.
type Scene struct {
	ID           string
	UserID       string
	Summary      string
	Participants []string
	Centroid     []float32
	Location     *string
	StartTime    time.Time
	EndTime      *time.Time
	MemoryCount  int
	Closed       bool
}

// EndTimeOrStart returns the scene's last-activity timestamp: EndTime once
// set, else StartTime for a scene that has only ever held one memory.
func (s Scene) EndTimeOrStart() time.Time {
	if s.EndTime != nil {
		return *s.EndTime
	}
	return s.StartTime
}

// ProfileType classifies a Profile row.
type ProfileType string

const (
	ProfileTypeSelf    ProfileType = "self"
	ProfileTypeContact ProfileType = "contact"
	ProfileTypeEntity  ProfileType = "entity"
)

// Profile holds persona facts/preferences for the user or a contact/entity.
type Profile struct {
	ID           string
	UserID       string
	Name         string
	ProfileType  ProfileType
	Aliases      []string
	Facts        []string
	Preferences  []string
	Relationships []string
	Narrative    string
	Embedding    []float32
	UpdatedAt    time.Time
}

// ChangeOp is the kind of mutation a proposal commit change performs.
type ChangeOp string

const (
	ChangeAdd    ChangeOp = "ADD"
	ChangeUpdate ChangeOp = "UPDATE"
	ChangeDelete ChangeOp = "DELETE"
)

// CommitStatus is the proposal commit's lifecycle state.
type CommitStatus string

const (
	CommitPending     CommitStatus = "PENDING"
	CommitAutoStashed CommitStatus = "AUTO_STASHED"
	CommitApproved    CommitStatus = "APPROVED"
	CommitRejected    CommitStatus = "REJECTED"
)

// Change is one atomic mutation inside a proposal commit.
type Change struct {
	Op     ChangeOp
	Target string
	Patch  MemoryPatch
}

// Checks records the risk/conflict analysis performed on ProposeWrite.
type Checks struct {
	InvariantsOK bool
	Conflicts    []string
	RiskScore    float64
	ApplyError   string
}

// ProposalCommit is a staged or terminal write awaiting/having received a
// decision.
type ProposalCommit struct {
	ID            string
	UserID        string
	AgentID       *string
	Status        CommitStatus
	Changes       []Change
	Checks        Checks
	Preview       string
	Provenance    string
	SourceEventID *string
	AutoMerged    bool
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// ConflictResolution is the outcome chosen for a stashed contradiction.
type ConflictResolution string

const (
	ResolutionUnresolved     ConflictResolution = "UNRESOLVED"
	ResolutionKeepExisting   ConflictResolution = "KEEP_EXISTING"
	ResolutionAcceptProposed ConflictResolution = "ACCEPT_PROPOSED"
	ResolutionKeepBoth       ConflictResolution = "KEEP_BOTH"
)

// ConflictStash is an unresolved contradiction between a proposed change and
// an existing invariant or memory.
type ConflictStash struct {
	ID             string
	UserID         string
	ConflictKey    string
	Existing       string
	Proposed       string
	Resolution     ConflictResolution
	SourceCommitID string
	CreatedAt      time.Time
}

// Invariant is a durable identity fact protected from silent overwrite.
type Invariant struct {
	UserID         string
	InvariantKey   string
	Value          string
	Confidence     float64
	SourceMemoryID string
	UpdatedAt      time.Time
}

// RefType distinguishes strong (lifetime-protecting) from weak (TTL'd)
// references.
type RefType string

const (
	RefStrong RefType = "strong"
	RefWeak   RefType = "weak"
)

// MemoryRefcount is the aggregate subscriber count for one memory.
type MemoryRefcount struct {
	MemoryID   string
	StrongCount int
	WeakCount   int
}

// MemoryRef is one subscriber row backing a MemoryRefcount.
type MemoryRef struct {
	MemoryID   string
	Subscriber string
	RefType    RefType
	ExpiresAt  *time.Time
}

// Session is an issued, policy-clamped bearer-token grant.
type Session struct {
	TokenHash            string
	UserID               string
	AgentID              *string
	AllowedScopes        []ConfidentialityScope
	Capabilities         []string
	Namespaces           []string
	ExpiresAt            time.Time
	RevokedAt            *time.Time
	CreatedAt            time.Time
}

// AgentPolicy is the maximal grant an agent may receive for a user; `*`
// agent_id is a wildcard.
type AgentPolicy struct {
	UserID       string
	AgentID      string
	Scopes       []ConfidentialityScope
	Capabilities []string
	Namespaces   []string
}

// AgentTrust accumulates an agent's commit approval history.
type AgentTrust struct {
	UserID          string
	AgentID         string
	TotalProposals  int
	Approved        int
	Rejected        int
	AutoStashed     int
	LastApprovedAt  *time.Time
	TrustScore      float64
}

// Namespace is a named partition of a user's memory space.
type Namespace struct {
	Name      string
	UserID    string
	CreatedAt time.Time
}

// NamespacePermission grants an agent a capability within a namespace.
type NamespacePermission struct {
	Namespace  string
	UserID     string
	AgentID    string
	Capability string
	ExpiresAt  *time.Time
}

// LaneStatus is a handoff lane's lifecycle state.
type LaneStatus string

const (
	LaneActive    LaneStatus = "active"
	LanePaused    LaneStatus = "paused"
	LaneCompleted LaneStatus = "completed"
	LaneAbandoned LaneStatus = "abandoned"
)

// HandoffLane is a persistent, cross-agent thread of work.
type HandoffLane struct {
	ID               string
	UserID           string
	RepoID           string
	LaneType         string
	Objective        string
	CurrentState     LaneState
	Status           LaneStatus
	Version          int
	LastCheckpointAt time.Time
	CreatedAt        time.Time
}

// LaneState is the merged, structured state of a handoff lane.
type LaneState struct {
	TaskSummary     string
	ContextSnapshot string
	Decisions       []string
	Files           []string
	Todos           []string
	Blockers        []string
	Commands        []string
	Tests           []string
}

// HandoffCheckpoint is an append-only snapshot written against a lane.
type HandoffCheckpoint struct {
	ID              string
	LaneID          string
	AgentID         string
	EventType       string
	Payload         LaneState
	ContextSnapshot string
	MergeConflicts  []ConflictField
	CreatedAt       time.Time
}

// ConflictField records a scalar field that two concurrent checkpoints
// disagreed on.
type ConflictField struct {
	Field    string
	Previous string
	Incoming string
}

// HandoffSession is the legacy flat-row digest wrapper over a checkpoint.
type HandoffSession struct {
	ID        string
	UserID    string
	AgentID   string
	LaneID    string
	Summary   string
	Status    string
	CreatedAt time.Time
}

// DailyDigest is the sleep orchestrator's per-user, per-day summary.
type DailyDigest struct {
	UserID  string
	Date    string
	Payload string // JSON-encoded {conflicts, consolidations, scene_highlights}
}

// DistillationLog records the aggregate outcome of one replay-distiller
// batch run.
type DistillationLog struct {
	ID                   string
	UserID               string
	RunAt                time.Time
	SemanticCreated      int
	SemanticDeduplicated int
	EpisodesConsidered   int
}

// DistillationProvenance links a distilled semantic memory back to its
// source episodes.
type DistillationProvenance struct {
	SemanticMemoryID string
	SourceEpisodeID  string
}
