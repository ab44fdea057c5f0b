package api

import (
	"net/http"

	echo "github.com/labstack/echo/v5"

	"github.com/engram-ai/engram/internal/policy"
	"github.com/engram-ai/engram/internal/storage"
)

func (s *Server) listNamespacesHandler(c *echo.Context) error {
	sess, err := requireCapability(s, c, policy.CapManageNamespaces)
	if err != nil {
		return mapServiceError(err)
	}
	namespaces, err := s.kernel.Store.ListNamespaces(c.Request().Context(), sess.UserID)
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, namespaces)
}

type createNamespaceRequest struct {
	Name string `json:"name" validate:"required"`
}

func (s *Server) createNamespaceHandler(c *echo.Context) error {
	sess, err := requireCapability(s, c, policy.CapManageNamespaces)
	if err != nil {
		return mapServiceError(err)
	}
	var req createNamespaceRequest
	if err := c.Bind(&req); err != nil {
		return badRequest("invalid request body")
	}
	if req.Name == "" {
		return badRequest("name is required")
	}
	if err := s.kernel.Store.CreateNamespace(c.Request().Context(), storage.Namespace{Name: req.Name, UserID: sess.UserID}); err != nil {
		return mapServiceError(err)
	}
	return c.NoContent(http.StatusCreated)
}

type grantNamespacePermissionRequest struct {
	Namespace  string `json:"namespace" validate:"required"`
	AgentID    string `json:"agent_id" validate:"required"`
	Capability string `json:"capability" validate:"required"`
}

func (s *Server) grantNamespacePermissionHandler(c *echo.Context) error {
	sess, err := requireCapability(s, c, policy.CapManageNamespaces)
	if err != nil {
		return mapServiceError(err)
	}
	var req grantNamespacePermissionRequest
	if err := c.Bind(&req); err != nil {
		return badRequest("invalid request body")
	}
	if req.Namespace == "" || req.AgentID == "" || req.Capability == "" {
		return badRequest("namespace, agent_id, and capability are required")
	}
	if err := s.kernel.Store.GrantNamespacePermission(c.Request().Context(), storage.NamespacePermission{
		Namespace: req.Namespace, UserID: sess.UserID, AgentID: req.AgentID, Capability: req.Capability,
	}); err != nil {
		return mapServiceError(err)
	}
	return c.NoContent(http.StatusCreated)
}

func (s *Server) listAgentPoliciesHandler(c *echo.Context) error {
	sess, err := requireCapability(s, c, policy.CapManageNamespaces)
	if err != nil {
		return mapServiceError(err)
	}
	policies, err := s.kernel.Store.ListAgentPolicies(c.Request().Context(), sess.UserID)
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, policies)
}

type upsertAgentPolicyRequest struct {
	AgentID      string   `json:"agent_id" validate:"required"`
	Scopes       []string `json:"scopes"`
	Capabilities []string `json:"capabilities"`
	Namespaces   []string `json:"namespaces"`
}

func (s *Server) upsertAgentPolicyHandler(c *echo.Context) error {
	sess, err := requireCapability(s, c, policy.CapManageNamespaces)
	if err != nil {
		return mapServiceError(err)
	}
	var req upsertAgentPolicyRequest
	if err := c.Bind(&req); err != nil {
		return badRequest("invalid request body")
	}
	if req.AgentID == "" {
		return badRequest("agent_id is required")
	}
	scopes := make([]storage.ConfidentialityScope, len(req.Scopes))
	for i, sc := range req.Scopes {
		scopes[i] = storage.ConfidentialityScope(sc)
	}
	if err := s.kernel.Store.UpsertAgentPolicy(c.Request().Context(), storage.AgentPolicy{
		UserID: sess.UserID, AgentID: req.AgentID, Scopes: scopes,
		Capabilities: req.Capabilities, Namespaces: req.Namespaces,
	}); err != nil {
		return mapServiceError(err)
	}
	return c.NoContent(http.StatusOK)
}

func (s *Server) deleteAgentPolicyHandler(c *echo.Context) error {
	sess, err := requireCapability(s, c, policy.CapManageNamespaces)
	if err != nil {
		return mapServiceError(err)
	}
	agentID := c.QueryParam("agent_id")
	if agentID == "" {
		return badRequest("agent_id query parameter is required")
	}
	if err := s.kernel.Store.DeleteAgentPolicy(c.Request().Context(), sess.UserID, agentID); err != nil {
		return mapServiceError(err)
	}
	return c.NoContent(http.StatusNoContent)
}
