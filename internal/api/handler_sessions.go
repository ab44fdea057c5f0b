package api

import (
	"net/http"

	echo "github.com/labstack/echo/v5"

	"github.com/engram-ai/engram/internal/policy"
	"github.com/engram-ai/engram/internal/storage"
)

type createSessionRequest struct {
	UserID       string   `json:"user_id" validate:"required"`
	AgentID      string   `json:"agent_id"`
	Scopes       []string `json:"scopes"`
	Capabilities []string `json:"capabilities"`
	Namespaces   []string `json:"namespaces"`
	TTLMinutes   int      `json:"ttl_minutes"`
}

// createSessionHandler handles POST /v1/sessions, admin-gated when
// ENGRAM_ADMIN_KEY is set via the X-Engram-Admin-Key header, per §6.
func (s *Server) createSessionHandler(c *echo.Context) error {
	var req createSessionRequest
	if err := c.Bind(&req); err != nil {
		return badRequest("invalid request body")
	}
	if req.UserID == "" {
		return badRequest("user_id is required")
	}

	scopes := make([]storage.ConfidentialityScope, len(req.Scopes))
	for i, sc := range req.Scopes {
		scopes[i] = storage.ConfidentialityScope(sc)
	}

	token, sess, err := s.kernel.Policy.IssueSession(c.Request().Context(), policy.IssueRequest{
		UserID: req.UserID, AgentID: req.AgentID,
		DesiredScopes: scopes, DesiredCapabilities: req.Capabilities, DesiredNamespaces: req.Namespaces,
		TTLMinutes: req.TTLMinutes, AdminKey: c.Request().Header.Get("X-Engram-Admin-Key"),
	})
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusCreated, map[string]any{
		"token": token, "user_id": sess.UserID, "expires_at": sess.ExpiresAt,
		"capabilities": sess.Capabilities, "namespaces": sess.Namespaces,
	})
}
