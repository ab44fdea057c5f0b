package api

import (
	"net/http"

	echo "github.com/labstack/echo/v5"

	"github.com/engram-ai/engram/internal/policy"
)

// runSleepHandler handles POST /v1/sleep/run: a manual, synchronous
// trigger for the same cycle the background ticker runs, used by admin
// tooling and the test suite.
func (s *Server) runSleepHandler(c *echo.Context) error {
	if _, err := requireCapability(s, c, policy.CapRunSleepCycle); err != nil {
		return mapServiceError(err)
	}
	report, err := s.kernel.Sleep.Run(c.Request().Context())
	if err != nil {
		return mapServiceError(err)
	}
	return c.JSON(http.StatusOK, report)
}
