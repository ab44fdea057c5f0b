package api

import (
	"net/http"
	"time"

	echo "github.com/labstack/echo/v5"

	"github.com/engram-ai/engram/internal/policy"
	"github.com/engram-ai/engram/internal/retrieval"
	"github.com/engram-ai/engram/internal/staging"
	"github.com/engram-ai/engram/internal/storage"
)

type createMemoryRequest struct {
	Content              string   `json:"content" validate:"required"`
	Mode                 string   `json:"mode"` // "staging" (default) or "direct"
	AgentID              string   `json:"agent_id"`
	Namespace            string   `json:"namespace"`
	MemoryType           string   `json:"memory_type"`
	ConfidentialityScope string   `json:"confidentiality_scope"`
	Importance           float64  `json:"importance"`
	Categories           []string `json:"categories"`
	SourceEventID        string   `json:"source_event_id"`
	Infer                bool     `json:"infer"`
}

// createMemoryHandler handles POST /v1/memories. mode=staging (default)
// routes the write through the staging engine for invariant/conflict
// checking and returns its Outcome; mode=direct persists immediately and
// runs the scene/profile ingest hooks synchronously, per §4.11's "on each
// added memory" trigger.
func (s *Server) createMemoryHandler(c *echo.Context) error {
	sess, err := requireCapability(s, c, policy.CapProposeWrite)
	if err != nil {
		return mapServiceError(err)
	}

	var req createMemoryRequest
	if err := c.Bind(&req); err != nil {
		return badRequest("invalid request body")
	}
	if req.Content == "" {
		return badRequest("content is required")
	}
	if err := s.kernel.Policy.CheckQuota(sess.UserID, req.AgentID); err != nil {
		return mapServiceError(err)
	}

	if req.Mode == "direct" {
		m := newDirectMemory(sess.UserID, req)
		if req.AgentID != "" {
			m.AgentID = &req.AgentID
		}
		if s.kernel.Embed != nil {
			vec, err := s.kernel.Embed.Embed(c.Request().Context(), m.Content)
			if err == nil {
				m.Embedding = vec
			}
		}
		created, err := s.kernel.Store.CreateMemory(c.Request().Context(), m, s.kernel.Config.Decay)
		if err != nil {
			return mapServiceError(err)
		}
		s.ingest(c, created)
		return c.JSON(http.StatusCreated, created)
	}

	var agentID *string
	if req.AgentID != "" {
		agentID = &req.AgentID
	}
	content := req.Content
	out, err := s.kernel.Staging.ProposeWrite(c.Request().Context(), staging.ProposeRequest{
		UserID:  sess.UserID,
		AgentID: agentID,
		Changes: []storage.Change{{
			Op: storage.ChangeAdd,
			Patch: storage.MemoryPatch{
				Content:              &content,
				Namespace:            nonEmptyPtrS(req.Namespace),
				ConfidentialityScope: confidentialityPtr(req.ConfidentialityScope),
			},
		}},
		SourceEventID: req.SourceEventID,
	})
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusAccepted, outcomeJSON(out))
}

func newDirectMemory(userID string, req createMemoryRequest) storage.Memory {
	namespace := req.Namespace
	if namespace == "" {
		namespace = "default"
	}
	memType := storage.MemoryTypeEpisodic
	if req.MemoryType == string(storage.MemoryTypeSemantic) {
		memType = storage.MemoryTypeSemantic
	}
	scope := storage.ScopeWork
	if req.ConfidentialityScope != "" {
		scope = storage.ConfidentialityScope(req.ConfidentialityScope)
	}
	categories := req.Categories
	if len(categories) == 0 {
		categories = staging.TagCategories(req.Content)
	}
	return storage.Memory{
		Content: req.Content, UserID: userID, Namespace: namespace,
		MemoryType: memType, Layer: storage.LayerSML,
		ConfidentialityScope: scope, Sensitivity: storage.SensitivityNormal,
		Status: storage.MemoryStatusActive, Importance: req.Importance,
		SFast: 1.0, SMid: 1.0, SSlow: 1.0, Categories: categories,
	}
}

// ingest runs the scene/profile trackers over a freshly written memory.
// Failures are logged by the trackers' own callers only indirectly here:
// an ingest-hook failure must never fail the write it's attached to, so
// errors are swallowed after being surfaced via c.Logger.
func (s *Server) ingest(c *echo.Context, m storage.Memory) {
	ctx := c.Request().Context()
	if s.kernel.Scene != nil {
		if _, err := s.kernel.Scene.Assign(ctx, m, m.CreatedAt); err != nil {
			c.Logger().Error(err)
		}
	}
	if s.kernel.Profile != nil {
		if _, err := s.kernel.Profile.Update(ctx, m); err != nil {
			c.Logger().Error(err)
		}
	}
}

func (s *Server) getMemoryHandler(c *echo.Context) error {
	if _, err := requireCapability(s, c, policy.CapSearch); err != nil {
		return mapServiceError(err)
	}
	m, err := s.kernel.Store.GetMemory(c.Request().Context(), c.Param("id"))
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, maskMemory(sessionFrom(c), m))
}

type updateMemoryRequest struct {
	Content    *string  `json:"content"`
	Importance *float64 `json:"importance"`
	Namespace  *string  `json:"namespace"`
}

func (s *Server) updateMemoryHandler(c *echo.Context) error {
	if _, err := requireCapability(s, c, policy.CapProposeWrite); err != nil {
		return mapServiceError(err)
	}
	var req updateMemoryRequest
	if err := c.Bind(&req); err != nil {
		return badRequest("invalid request body")
	}
	patch := storage.MemoryPatch{Content: req.Content, Importance: req.Importance, Namespace: req.Namespace}
	if err := s.kernel.Store.UpdateMemory(c.Request().Context(), c.Param("id"), patch, s.kernel.Config.Decay); err != nil {
		return mapServiceError(err)
	}
	m, err := s.kernel.Store.GetMemory(c.Request().Context(), c.Param("id"))
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, m)
}

func (s *Server) deleteMemoryHandler(c *echo.Context) error {
	if _, err := requireCapability(s, c, policy.CapProposeWrite); err != nil {
		return mapServiceError(err)
	}
	if err := s.kernel.Store.DeleteMemory(c.Request().Context(), c.Param("id")); err != nil {
		return mapServiceError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) listMemoriesHandler(c *echo.Context) error {
	sess, err := requireCapability(s, c, policy.CapSearch)
	if err != nil {
		return mapServiceError(err)
	}
	namespace := c.QueryParam("namespace")
	limit := queryInt(c, "limit", 50)
	memories, err := s.kernel.Store.ListMemories(c.Request().Context(), sess.UserID, namespace, limit)
	if err != nil {
		return mapServiceError(err)
	}
	out := make([]any, len(memories))
	for i, m := range memories {
		out[i] = maskMemory(sess, m)
	}
	return c.JSON(http.StatusOK, out)
}

type searchMemoriesRequest struct {
	Query      string   `json:"query" validate:"required"`
	Limit      int      `json:"limit"`
	Categories []string `json:"categories"`
}

func (s *Server) searchMemoriesHandler(c *echo.Context) error {
	sess, err := requireCapability(s, c, policy.CapSearch)
	if err != nil {
		return mapServiceError(err)
	}
	var req searchMemoriesRequest
	if err := c.Bind(&req); err != nil {
		return badRequest("invalid request body")
	}
	if req.Query == "" {
		return badRequest("query is required")
	}
	limit := req.Limit
	if limit <= 0 {
		limit = 20
	}
	resp, err := s.kernel.Retrieval.Search(c.Request().Context(), retrieval.Query{
		Text: req.Query, UserID: sess.UserID, Limit: limit, Categories: req.Categories,
	}, sess)
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, maskSearchResponse(sess, resp))
}

// maskedResult mirrors retrieval.Result but routes Memory through
// maskMemory, so a masked hit ships policy.MaskedResult's [REDACTED]
// shape instead of the raw storage.Memory the dual-retrieval engine
// scored it from.
type maskedResult struct {
	Memory             any     `json:"memory"`
	BaseCompositeScore float64 `json:"base_composite_score"`
	IntersectionBoost  float64 `json:"intersection_boost"`
	EpisodicMatch      bool    `json:"episodic_match"`
	Masked             bool    `json:"masked"`
}

type searchResponse struct {
	Results       []maskedResult          `json:"results"`
	ContextPacket retrieval.ContextPacket `json:"context_packet"`
	SceneHits     []storage.Scene         `json:"scene_hits"`
	Trace         retrieval.Trace         `json:"trace"`
}

func maskSearchResponse(sess storage.Session, resp retrieval.Response) searchResponse {
	results := make([]maskedResult, len(resp.Results))
	for i, r := range resp.Results {
		results[i] = maskedResult{
			Memory:             maskMemory(sess, r.Memory),
			BaseCompositeScore: r.BaseCompositeScore,
			IntersectionBoost:  r.IntersectionBoost,
			EpisodicMatch:      r.EpisodicMatch,
			Masked:             r.Masked,
		}
	}
	return searchResponse{Results: results, ContextPacket: resp.ContextPacket, SceneHits: resp.SceneHits, Trace: resp.Trace}
}

func (s *Server) memoryHistoryHandler(c *echo.Context) error {
	if _, err := requireCapability(s, c, policy.CapSearch); err != nil {
		return mapServiceError(err)
	}
	ctx := c.Request().Context()
	m, err := s.kernel.Store.GetMemory(ctx, c.Param("id"))
	if err != nil {
		return mapServiceError(err)
	}
	ids := []string{}
	if m.SceneID != nil {
		ids, err = s.kernel.Store.MemoryIDsForScene(ctx, *m.SceneID)
		if err != nil {
			return mapServiceError(err)
		}
	}
	return c.JSON(http.StatusOK, map[string]any{"related_scene_memories": ids})
}

func (s *Server) promoteMemoryHandler(c *echo.Context) error {
	if _, err := requireCapability(s, c, policy.CapProposeWrite); err != nil {
		return mapServiceError(err)
	}
	lml := storage.LayerLML
	if err := s.kernel.Store.UpdateMemory(c.Request().Context(), c.Param("id"), storage.MemoryPatch{Layer: &lml}, s.kernel.Config.Decay); err != nil {
		return mapServiceError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) demoteMemoryHandler(c *echo.Context) error {
	if _, err := requireCapability(s, c, policy.CapProposeWrite); err != nil {
		return mapServiceError(err)
	}
	sml := storage.LayerSML
	if err := s.kernel.Store.UpdateMemory(c.Request().Context(), c.Param("id"), storage.MemoryPatch{Layer: &sml}, s.kernel.Config.Decay); err != nil {
		return mapServiceError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

// runDecayHandler handles POST /v1/decay: an on-demand single-pass trigger
// distinct from the periodic sleep cycle, useful for tests and admin tools.
func (s *Server) runDecayHandler(c *echo.Context) error {
	sess, err := requireCapability(s, c, policy.CapRunSleepCycle)
	if err != nil {
		return mapServiceError(err)
	}
	memories, err := s.kernel.Store.ListAllNonImmutable(c.Request().Context(), sess.UserID)
	if err != nil {
		return mapServiceError(err)
	}
	ticked := 0
	for _, m := range memories {
		if _, err := s.kernel.Decay.Tick(c.Request().Context(), m, time.Now().UTC()); err != nil {
			return mapServiceError(err)
		}
		ticked++
	}
	return c.JSON(http.StatusOK, map[string]int{"memories_ticked": ticked})
}

func maskMemory(sess storage.Session, m storage.Memory) any {
	if policy.AllowsScope(sess, m.ConfidentialityScope) && policy.AllowsNamespace(sess, m.Namespace) {
		return m
	}
	return policy.MaskedResult{
		ID: m.ID, Type: string(m.MemoryType), Time: m.CreatedAt.Format("2006-01-02T15:04:05Z"),
		Importance: m.Importance, Details: "[REDACTED]", Masked: true,
	}
}

func nonEmptyPtrS(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func confidentialityPtr(s string) *storage.ConfidentialityScope {
	if s == "" {
		return nil
	}
	scope := storage.ConfidentialityScope(s)
	return &scope
}

func outcomeJSON(out staging.Outcome) map[string]any {
	m := map[string]any{"status": string(out.Commit.Status), "commit": out.Commit}
	if out.StashID != "" {
		m["stash_id"] = out.StashID
	}
	return m
}
