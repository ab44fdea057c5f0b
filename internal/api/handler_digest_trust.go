package api

import (
	"net/http"

	echo "github.com/labstack/echo/v5"

	"github.com/engram-ai/engram/internal/policy"
)

func (s *Server) dailyDigestHandler(c *echo.Context) error {
	sess, err := requireCapability(s, c, policy.CapReadDigest)
	if err != nil {
		return mapServiceError(err)
	}
	date := c.QueryParam("date")
	if date == "" {
		date = timeNowDate()
	}
	d, err := s.kernel.Store.GetDailyDigest(c.Request().Context(), sess.UserID, date)
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, d)
}

func (s *Server) trustHandler(c *echo.Context) error {
	sess, err := requireCapability(s, c, policy.CapReadTrust)
	if err != nil {
		return mapServiceError(err)
	}
	agentID := c.QueryParam("agent_id")
	if agentID == "" {
		agentID = "*"
	}
	t, err := s.kernel.Store.GetAgentTrust(c.Request().Context(), sess.UserID, agentID)
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, t)
}
