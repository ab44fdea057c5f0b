package api

import (
	"net/http"

	echo "github.com/labstack/echo/v5"

	"github.com/engram-ai/engram/internal/handoff"
	"github.com/engram-ai/engram/internal/policy"
	"github.com/engram-ai/engram/internal/storage"
)

type handoffResumeRequest struct {
	AgentID         string   `json:"agent_id" validate:"required"`
	RepoIdentity    string   `json:"repo_identity" validate:"required"`
	LaneType        string   `json:"lane_type"`
	Objective       string   `json:"objective"`
	AllowedStatuses []string `json:"allowed_statuses"`
	AutoCreate      bool     `json:"auto_create"`
}

func (s *Server) handoffResumeHandler(c *echo.Context) error {
	sess, err := requireCapability(s, c, policy.CapReadHandoff)
	if err != nil {
		return mapServiceError(err)
	}
	var req handoffResumeRequest
	if err := c.Bind(&req); err != nil {
		return badRequest("invalid request body")
	}
	if req.RepoIdentity == "" {
		return badRequest("repo_identity is required")
	}
	packet, err := s.kernel.Handoff.AutoResume(c.Request().Context(), handoff.ResumeRequest{
		UserID: sess.UserID, AgentID: req.AgentID, RepoIdentity: req.RepoIdentity,
		LaneType: req.LaneType, Objective: req.Objective,
		AllowedStatuses: req.AllowedStatuses, AutoCreate: req.AutoCreate,
	}, sess)
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, packet)
}

type handoffCheckpointRequest struct {
	AgentID         string            `json:"agent_id" validate:"required"`
	LaneID          string            `json:"lane_id"`
	EventType       string            `json:"event_type"`
	ExpectedVersion *int              `json:"expected_version"`
	Payload         storage.LaneState `json:"payload"`
}

func (s *Server) handoffCheckpointHandler(c *echo.Context) error {
	sess, err := requireCapability(s, c, policy.CapWriteHandoff)
	if err != nil {
		return mapServiceError(err)
	}
	var req handoffCheckpointRequest
	if err := c.Bind(&req); err != nil {
		return badRequest("invalid request body")
	}
	if req.AgentID == "" {
		return badRequest("agent_id is required")
	}
	result, err := s.kernel.Handoff.AutoCheckpoint(c.Request().Context(), handoff.CheckpointRequest{
		UserID: sess.UserID, AgentID: req.AgentID, Payload: req.Payload,
		LaneID: req.LaneID, EventType: req.EventType, ExpectedVersion: req.ExpectedVersion,
	})
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, result)
}

func (s *Server) handoffLanesHandler(c *echo.Context) error {
	sess, err := requireCapability(s, c, policy.CapReadHandoff)
	if err != nil {
		return mapServiceError(err)
	}
	limit := queryInt(c, "limit", 20)
	lanes, err := s.kernel.Store.ListLanesForUser(c.Request().Context(), sess.UserID, limit)
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, lanes)
}

type handoffSessionDigestRequest struct {
	handoffCheckpointRequest
	Summary string `json:"summary" validate:"required"`
}

func (s *Server) handoffSessionDigestHandler(c *echo.Context) error {
	sess, err := requireCapability(s, c, policy.CapWriteHandoff)
	if err != nil {
		return mapServiceError(err)
	}
	var req handoffSessionDigestRequest
	if err := c.Bind(&req); err != nil {
		return badRequest("invalid request body")
	}
	if req.AgentID == "" || req.Summary == "" {
		return badRequest("agent_id and summary are required")
	}
	hs, err := s.kernel.Handoff.SaveSessionDigest(c.Request().Context(), handoff.CheckpointRequest{
		UserID: sess.UserID, AgentID: req.AgentID, Payload: req.Payload,
		LaneID: req.LaneID, EventType: req.EventType, ExpectedVersion: req.ExpectedVersion,
	}, req.Summary)
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusCreated, hs)
}

func (s *Server) handoffSessionsHandler(c *echo.Context) error {
	sess, err := requireCapability(s, c, policy.CapReadHandoff)
	if err != nil {
		return mapServiceError(err)
	}
	limit := queryInt(c, "limit", 20)
	sessions, err := s.kernel.Store.ListHandoffSessions(c.Request().Context(), sess.UserID, limit)
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, sessions)
}

func (s *Server) handoffLastSessionHandler(c *echo.Context) error {
	sess, err := requireCapability(s, c, policy.CapReadHandoff)
	if err != nil {
		return mapServiceError(err)
	}
	hs, err := s.kernel.Store.LastHandoffSession(c.Request().Context(), sess.UserID)
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, hs)
}
