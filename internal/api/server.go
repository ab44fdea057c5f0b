// Package api is the Echo v5 HTTP surface over the kernel — §6. One Server
// struct wraps a *kernel.Kernel and registers every route in setupRoutes,
// mirroring the shape of the teacher's pkg/api/server.go without its
// optional Set*-wired services: the kernel already carries every
// subsystem fully constructed, so there is nothing left to wire lazily.
package api

import (
	"context"
	"net/http"
	"time"

	echo "github.com/labstack/echo/v5"
	"github.com/labstack/echo/v5/middleware"

	"github.com/engram-ai/engram/internal/kernel"
)

// Server is the HTTP API server over one Kernel.
type Server struct {
	echo       *echo.Echo
	httpServer *http.Server
	kernel     *kernel.Kernel
}

// NewServer builds a Server wired to k and registers every route.
func NewServer(k *kernel.Kernel) *Server {
	e := echo.New()
	s := &Server{echo: e, kernel: k}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.echo.Use(middleware.BodyLimit(2 * 1024 * 1024))
	s.echo.Use(securityHeaders())

	s.echo.GET("/v1/health", s.healthHandler)
	s.echo.GET("/v1/version", s.versionHandler)
	s.echo.POST("/v1/sessions", s.createSessionHandler)

	v1 := s.echo.Group("/v1")
	v1.Use(s.authenticate())

	// Memories: static/action paths before the :id param route.
	v1.POST("/memories", s.createMemoryHandler)
	v1.GET("/memories", s.listMemoriesHandler)
	v1.POST("/memories/search", s.searchMemoriesHandler)
	v1.POST("/decay", s.runDecayHandler)
	v1.GET("/memories/:id", s.getMemoryHandler)
	v1.PUT("/memories/:id", s.updateMemoryHandler)
	v1.DELETE("/memories/:id", s.deleteMemoryHandler)
	v1.GET("/memories/:id/history", s.memoryHistoryHandler)
	v1.POST("/memories/:id/promote", s.promoteMemoryHandler)
	v1.POST("/memories/:id/demote", s.demoteMemoryHandler)

	// Scenes.
	v1.GET("/scenes", s.listScenesHandler)
	v1.POST("/scenes/search", s.searchScenesHandler)
	v1.GET("/scenes/:id", s.getSceneHandler)

	// Staging & conflicts.
	v1.GET("/staging/commits", s.listCommitsHandler)
	v1.POST("/staging/commits/:id/approve", s.approveCommitHandler)
	v1.POST("/staging/commits/:id/reject", s.rejectCommitHandler)
	v1.POST("/conflicts/:id/resolve", s.resolveConflictHandler)

	// Digest & trust.
	v1.GET("/digest/daily", s.dailyDigestHandler)
	v1.GET("/trust", s.trustHandler)

	// Namespaces & policies.
	v1.GET("/namespaces", s.listNamespacesHandler)
	v1.POST("/namespaces", s.createNamespaceHandler)
	v1.POST("/namespaces/permissions", s.grantNamespacePermissionHandler)
	v1.GET("/agent-policies", s.listAgentPoliciesHandler)
	v1.POST("/agent-policies", s.upsertAgentPolicyHandler)
	v1.DELETE("/agent-policies", s.deleteAgentPolicyHandler)

	// Sleep.
	v1.POST("/sleep/run", s.runSleepHandler)

	// Handoff.
	v1.POST("/handoff/resume", s.handoffResumeHandler)
	v1.POST("/handoff/checkpoint", s.handoffCheckpointHandler)
	v1.GET("/handoff/lanes", s.handoffLanesHandler)
	v1.POST("/handoff/sessions/digest", s.handoffSessionDigestHandler)
	v1.GET("/handoff/sessions", s.handoffSessionsHandler)
	v1.GET("/handoff/sessions/last", s.handoffLastSessionHandler)
}

// Start serves on addr, blocking until Shutdown.
func (s *Server) Start(addr string) error {
	s.httpServer = &http.Server{Addr: addr, Handler: s.echo}
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

// healthHandler handles GET /v1/health.
func (s *Server) healthHandler(c *echo.Context) error {
	ctx, cancel := context.WithTimeout(c.Request().Context(), 5*time.Second)
	defer cancel()
	if _, err := s.kernel.Store.ListAllNonImmutable(ctx, ""); err != nil {
		return c.JSON(http.StatusServiceUnavailable, map[string]string{"status": "unhealthy"})
	}
	return c.JSON(http.StatusOK, map[string]string{"status": "healthy"})
}

// versionHandler handles GET /v1/version.
func (s *Server) versionHandler(c *echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"version": Version})
}

// Version is the kernel's release identifier, overridable at link time via
// -ldflags "-X github.com/engram-ai/engram/internal/api.Version=...".
var Version = "dev"
