package api

import (
	"net/http"
	"strings"

	echo "github.com/labstack/echo/v5"

	"github.com/engram-ai/engram/internal/storage"
)

// securityHeaders sets standard hardening response headers, reused
// verbatim from the teacher's middleware.go.
func securityHeaders() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c *echo.Context) error {
			h := c.Response().Header()
			h.Set("X-Frame-Options", "DENY")
			h.Set("X-Content-Type-Options", "nosniff")
			h.Set("Referrer-Policy", "strict-origin-when-cross-origin")
			h.Set("Permissions-Policy", "camera=(), microphone=(), geolocation=()")
			return next(c)
		}
	}
}

const sessionContextKey = "engram_session"

// authenticate resolves the bearer token (or loopback bypass) into a
// storage.Session and stashes it on the echo context for handlers to read
// via sessionFrom. Every route except /sessions, /version, /health runs
// behind this middleware.
func (s *Server) authenticate() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c *echo.Context) error {
			token := bearerToken(c.Request().Header.Get("Authorization"))
			sess, err := s.kernel.Policy.Authenticate(c.Request().Context(), token, c.Request().RemoteAddr)
			if err != nil {
				return mapServiceError(err)
			}
			c.Set(sessionContextKey, sess)
			return next(c)
		}
	}
}

func bearerToken(header string) string {
	const prefix = "Bearer "
	if strings.HasPrefix(header, prefix) {
		return strings.TrimPrefix(header, prefix)
	}
	return ""
}

func sessionFrom(c *echo.Context) storage.Session {
	sess, _ := c.Get(sessionContextKey).(storage.Session)
	return sess
}

func requireCapability(s *Server, c *echo.Context, capability string) (storage.Session, error) {
	sess := sessionFrom(c)
	if err := s.kernel.Policy.RequireCapability(sess, capability); err != nil {
		return storage.Session{}, err
	}
	return sess, nil
}

func badRequest(msg string) error {
	return echo.NewHTTPError(http.StatusBadRequest, msg)
}
