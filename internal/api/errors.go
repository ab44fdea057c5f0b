package api

import (
	"errors"
	"log/slog"
	"net/http"

	echo "github.com/labstack/echo/v5"

	"github.com/engram-ai/engram/internal/policy"
	"github.com/engram-ai/engram/internal/storage"
)

// mapServiceError maps the kernel's sentinel/typed errors to HTTP
// responses: auth errors → 401, policy errors → 403, invalid column or
// unique violation → 400, NotFound → 404, everything else → 500. There is
// no transient-error sentinel, so a failing backend (LLM, embedder, vector
// index) also maps to 500; no error maps to 503.
func mapServiceError(err error) *echo.HTTPError {
	switch {
	case errors.Is(err, policy.ErrUnauthorized), errors.Is(err, policy.ErrInvalidToken), errors.Is(err, policy.ErrSessionExpired):
		return echo.NewHTTPError(http.StatusUnauthorized, err.Error())
	case errors.Is(err, policy.ErrAdminKeyRequired):
		return echo.NewHTTPError(http.StatusForbidden, err.Error())
	case errors.Is(err, policy.ErrCapabilityDenied), errors.Is(err, policy.ErrScopeDenied),
		errors.Is(err, policy.ErrNamespaceDenied), errors.Is(err, policy.ErrNoPolicyConfigured),
		errors.Is(err, policy.ErrQuotaExceeded):
		return echo.NewHTTPError(http.StatusForbidden, err.Error())
	case errors.Is(err, storage.ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, "resource not found")
	case errors.Is(err, storage.ErrInvalidColumn), errors.Is(err, storage.ErrUniqueViolation):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case errors.Is(err, storage.ErrIntegrity), errors.Is(err, storage.ErrMigrationFailed):
		slog.Error("fatal storage error", "error", err)
		return echo.NewHTTPError(http.StatusInternalServerError, "internal server error")
	}

	slog.Error("unexpected kernel error", "error", err)
	return echo.NewHTTPError(http.StatusInternalServerError, "internal server error")
}
