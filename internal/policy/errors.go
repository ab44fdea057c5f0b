package policy

import "errors"

// Error taxonomy from §7: AuthError and PolicyError members surfaced
// verbatim to the client, matching the teacher's sentinel-error +
// mapServiceError pattern (pkg/services/errors.go, pkg/api/errors.go).
var (
	ErrUnauthorized      = errors.New("policy: unauthorized")
	ErrInvalidToken      = errors.New("policy: invalid token")
	ErrSessionExpired    = errors.New("policy: session expired")
	ErrAdminKeyRequired  = errors.New("policy: admin key required")

	ErrCapabilityDenied  = errors.New("policy: capability denied")
	ErrScopeDenied       = errors.New("policy: scope denied")
	ErrNamespaceDenied   = errors.New("policy: namespace denied")
	ErrNoPolicyConfigured = errors.New("policy: no policy configured for agent")
	ErrQuotaExceeded     = errors.New("policy: write quota exceeded")
)
