package api

import (
	"net/http"

	echo "github.com/labstack/echo/v5"

	"github.com/engram-ai/engram/internal/policy"
	"github.com/engram-ai/engram/internal/storage"
)

func (s *Server) listCommitsHandler(c *echo.Context) error {
	sess, err := requireCapability(s, c, policy.CapReviewCommits)
	if err != nil {
		return mapServiceError(err)
	}
	status := storage.CommitStatus(c.QueryParam("status"))
	limit := queryInt(c, "limit", 50)
	commits, err := s.kernel.Store.ListCommits(c.Request().Context(), sess.UserID, status, limit)
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, commits)
}

func (s *Server) approveCommitHandler(c *echo.Context) error {
	if _, err := requireCapability(s, c, policy.CapReviewCommits); err != nil {
		return mapServiceError(err)
	}
	out, err := s.kernel.Staging.ApproveCommit(c.Request().Context(), c.Param("id"))
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, outcomeJSON(out))
}

func (s *Server) rejectCommitHandler(c *echo.Context) error {
	if _, err := requireCapability(s, c, policy.CapReviewCommits); err != nil {
		return mapServiceError(err)
	}
	out, err := s.kernel.Staging.RejectCommit(c.Request().Context(), c.Param("id"))
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, outcomeJSON(out))
}

type resolveConflictRequest struct {
	Resolution string `json:"resolution" validate:"required"`
}

func (s *Server) resolveConflictHandler(c *echo.Context) error {
	if _, err := requireCapability(s, c, policy.CapResolveConflicts); err != nil {
		return mapServiceError(err)
	}
	var req resolveConflictRequest
	if err := c.Bind(&req); err != nil {
		return badRequest("invalid request body")
	}
	if req.Resolution == "" {
		return badRequest("resolution is required")
	}
	out, err := s.kernel.Staging.ResolveConflict(c.Request().Context(), c.Param("id"), storage.ConflictResolution(req.Resolution))
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, outcomeJSON(out))
}
