package api

import (
	"net/http"

	echo "github.com/labstack/echo/v5"

	"github.com/engram-ai/engram/internal/policy"
	"github.com/engram-ai/engram/internal/vectorindex"
)

func (s *Server) listScenesHandler(c *echo.Context) error {
	sess, err := requireCapability(s, c, policy.CapSearch)
	if err != nil {
		return mapServiceError(err)
	}
	limit := queryInt(c, "limit", 20)
	scenes, err := s.kernel.Store.ListScenesForUser(c.Request().Context(), sess.UserID, limit)
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, scenes)
}

func (s *Server) getSceneHandler(c *echo.Context) error {
	if _, err := requireCapability(s, c, policy.CapSearch); err != nil {
		return mapServiceError(err)
	}
	sc, err := s.kernel.Store.GetScene(c.Request().Context(), c.Param("id"))
	if err != nil {
		return mapServiceError(err)
	}
	ids, err := s.kernel.Store.MemoryIDsForScene(c.Request().Context(), sc.ID)
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, map[string]any{"scene": sc, "memory_ids": ids})
}

type searchScenesRequest struct {
	Query string `json:"query" validate:"required"`
	Limit int    `json:"limit"`
}

// searchScenesHandler handles POST /v1/scenes/search: embeds the query and
// ranks the user's scenes by centroid similarity when an embedder is
// configured, else falls back to recency order.
func (s *Server) searchScenesHandler(c *echo.Context) error {
	sess, err := requireCapability(s, c, policy.CapSearch)
	if err != nil {
		return mapServiceError(err)
	}
	var req searchScenesRequest
	if err := c.Bind(&req); err != nil {
		return badRequest("invalid request body")
	}
	limit := req.Limit
	if limit <= 0 {
		limit = 20
	}
	scenes, err := s.kernel.Store.ListScenesForUser(c.Request().Context(), sess.UserID, 200)
	if err != nil {
		return mapServiceError(err)
	}
	if req.Query == "" || s.kernel.Embed == nil {
		if len(scenes) > limit {
			scenes = scenes[:limit]
		}
		return c.JSON(http.StatusOK, scenes)
	}

	qvec, err := s.kernel.Embed.Embed(c.Request().Context(), req.Query)
	if err != nil {
		return mapServiceError(err)
	}
	type scored struct {
		scene any
		score float64
	}
	ranked := make([]scored, 0, len(scenes))
	for _, sc := range scenes {
		ranked = append(ranked, scored{scene: sc, score: vectorindex.Cosine(qvec, sc.Centroid)})
	}
	for i := 1; i < len(ranked); i++ {
		for j := i; j > 0 && ranked[j].score > ranked[j-1].score; j-- {
			ranked[j], ranked[j-1] = ranked[j-1], ranked[j]
		}
	}
	if len(ranked) > limit {
		ranked = ranked[:limit]
	}
	out := make([]any, len(ranked))
	for i, r := range ranked {
		out[i] = r.scene
	}
	return c.JSON(http.StatusOK, out)
}
