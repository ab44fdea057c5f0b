// Package policy is the session/capability/scope/namespace gateway — §4.3.
// Gateway issues policy-clamped bearer sessions and enforces them on every
// subsequent request, the way the teacher's pkg/services layer sits in
// front of pkg/database and pkg/api sits in front of that.
package policy

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/engram-ai/engram/internal/config"
	"github.com/engram-ai/engram/internal/storage"
)

// Capability names operations map to, enumerated per §4.3.
const (
	CapSearch           = "search"
	CapProposeWrite     = "propose_write"
	CapReviewCommits    = "review_commits"
	CapResolveConflicts = "resolve_conflicts"
	CapReadDigest       = "read_digest"
	CapReadTrust        = "read_trust"
	CapManageNamespaces = "manage_namespaces"
	CapRunSleepCycle    = "run_sleep_cycle"
	CapReadHandoff      = "read_handoff"
	CapWriteHandoff     = "write_handoff"
)

// handoffCapabilities are the bus capabilities that require an explicit
// agent policy even when allow_auto_trusted_bootstrap would otherwise let
// an unconfigured agent through §4.3.
var handoffCapabilities = map[string]bool{CapReadHandoff: true, CapWriteHandoff: true}

// IssueRequest is the input to IssueSession.
type IssueRequest struct {
	UserID              string
	AgentID             string // "" means no agent context (direct user session)
	DesiredScopes       []storage.ConfidentialityScope
	DesiredCapabilities []string
	DesiredNamespaces   []string
	TTLMinutes          int
	AdminKey            string
}

// Gateway enforces §4.3 over a Store, with an optional quota tracker and
// JWT signer.
type Gateway struct {
	store  *storage.Store
	cfg    config.Config
	quotas *quotaTracker
}

// New constructs a Gateway over store, configured per cfg.
func New(store *storage.Store, cfg config.Config) *Gateway {
	return &Gateway{store: store, cfg: cfg, quotas: newQuotaTracker()}
}

// IssueSession computes issued := desired ∩ clamp(agent_policy) and
// persists only the token's hash, per §4.3/§8.
func (g *Gateway) IssueSession(ctx context.Context, req IssueRequest) (token string, sess storage.Session, err error) {
	if g.cfg.AdminKey != "" && req.AdminKey != g.cfg.AdminKey {
		return "", storage.Session{}, ErrAdminKeyRequired
	}

	scopes := req.DesiredScopes
	caps := req.DesiredCapabilities
	namespaces := req.DesiredNamespaces

	if req.AgentID != "" {
		pol, perr := g.store.GetAgentPolicy(ctx, req.UserID, req.AgentID)
		if perr != nil {
			if g.cfg.RequireAgentPolicy {
				return "", storage.Session{}, ErrNoPolicyConfigured
			}
			for _, c := range caps {
				if handoffCapabilities[c] && !g.cfg.AllowAutoTrustedBootstrap {
					return "", storage.Session{}, ErrNoPolicyConfigured
				}
			}
		} else {
			scopes = intersectScopes(scopes, pol.Scopes)
			caps = intersectStrings(caps, pol.Capabilities)
			namespaces = intersectStrings(namespaces, pol.Namespaces)
		}
	}

	token, hash, err := g.newToken()
	if err != nil {
		return "", storage.Session{}, err
	}

	sess = storage.Session{
		TokenHash:     hash,
		UserID:        req.UserID,
		AllowedScopes: scopes,
		Capabilities:  caps,
		Namespaces:    namespaces,
		ExpiresAt:     time.Now().UTC().Add(config.SessionTTL(req.TTLMinutes)),
		CreatedAt:     time.Now().UTC(),
	}
	if req.AgentID != "" {
		sess.AgentID = &req.AgentID
	}
	if err := g.store.CreateSession(ctx, sess); err != nil {
		return "", storage.Session{}, err
	}
	return token, sess, nil
}

// newToken mints a fresh random 256-bit token. When ENGRAM_SESSION_SIGNING_KEY
// is set, the token is additionally HMAC-signed via golang-jwt — defense in
// depth, not a substitute for the hash-only persistence §4.3 mandates: only
// the hash of whatever token (signed or not) is ever stored.
func (g *Gateway) newToken() (token, hash string, err error) {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return "", "", err
	}
	token = hex.EncodeToString(raw)

	if g.cfg.SessionSigningKey != "" {
		claims := jwt.MapClaims{"tok": token, "iat": time.Now().Unix()}
		signed := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
		signedStr, err := signed.SignedString([]byte(g.cfg.SessionSigningKey))
		if err != nil {
			return "", "", fmt.Errorf("policy: signing session token: %w", err)
		}
		token = signedStr
	}
	return token, hashToken(token), nil
}

func hashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

// Authenticate validates a bearer token: present, unexpired, unrevoked,
// hash-matched. Loopback callers lacking a token are admitted when the
// trusted-local bypass applies.
func (g *Gateway) Authenticate(ctx context.Context, token string, remoteAddr string) (storage.Session, error) {
	if token == "" {
		if config.IsLoopback(remoteAddr) {
			return storage.Session{
				AllowedScopes: nil, // nil == unrestricted, per §4.3
				Namespaces:    []string{"*"},
				Capabilities:  allCapabilities(),
				ExpiresAt:     time.Now().UTC().Add(time.Hour),
			}, nil
		}
		return storage.Session{}, ErrUnauthorized
	}

	sess, err := g.store.GetSession(ctx, hashToken(token))
	if err != nil {
		return storage.Session{}, ErrInvalidToken
	}
	if sess.RevokedAt != nil {
		return storage.Session{}, ErrSessionExpired
	}
	if time.Now().UTC().After(sess.ExpiresAt) {
		return storage.Session{}, ErrSessionExpired
	}
	return sess, nil
}

// RequireCapability enforces the capability check.
func (g *Gateway) RequireCapability(sess storage.Session, capability string) error {
	if !g.cfg.PolicyGatewayEnabled {
		return nil
	}
	for _, c := range sess.Capabilities {
		if c == capability {
			return nil
		}
	}
	return ErrCapabilityDenied
}

// MaskedResult is the redacted shape a reader sees for an item outside
// their session's allowed scope/namespace.
type MaskedResult struct {
	ID         string  `json:"id"`
	Type       string  `json:"type"`
	Time       string  `json:"time"`
	Importance float64 `json:"importance"`
	Details    string  `json:"details"`
	Masked     bool    `json:"masked"`
}

// AllowsScope reports whether sess may see content at scope verbatim. A nil
// AllowedScopes means unrestricted (the local-user case).
func AllowsScope(sess storage.Session, scope storage.ConfidentialityScope) bool {
	if sess.AllowedScopes == nil {
		return true
	}
	for _, s := range sess.AllowedScopes {
		if s == scope {
			return true
		}
	}
	return false
}

// AllowsNamespace reports whether sess may see content in namespace. "*"
// means unrestricted.
func AllowsNamespace(sess storage.Session, namespace string) bool {
	for _, n := range sess.Namespaces {
		if n == "*" || n == namespace {
			return true
		}
	}
	return len(sess.Namespaces) == 0
}

// CheckQuota enforces the per-agent-per-hour and per-user-per-hour write
// quotas, per §4.3.
func (g *Gateway) CheckQuota(userID, agentID string) error {
	if !g.quotas.allow(userID, agentID, g.cfg.WriteQuotaPerUserPerHour, g.cfg.WriteQuotaPerAgentPerHour) {
		return ErrQuotaExceeded
	}
	return nil
}

func allCapabilities() []string {
	return []string{
		CapSearch, CapProposeWrite, CapReviewCommits, CapResolveConflicts,
		CapReadDigest, CapReadTrust, CapManageNamespaces, CapRunSleepCycle,
		CapReadHandoff, CapWriteHandoff,
	}
}

func intersectStrings(desired, allowed []string) []string {
	if desired == nil {
		return append([]string(nil), allowed...)
	}
	allowedSet := make(map[string]bool, len(allowed))
	for _, a := range allowed {
		allowedSet[a] = true
	}
	var out []string
	for _, d := range desired {
		if allowedSet[d] {
			out = append(out, d)
		}
	}
	return out
}

func intersectScopes(desired, allowed []storage.ConfidentialityScope) []storage.ConfidentialityScope {
	if desired == nil {
		return append([]storage.ConfidentialityScope(nil), allowed...)
	}
	allowedSet := make(map[storage.ConfidentialityScope]bool, len(allowed))
	for _, a := range allowed {
		allowedSet[a] = true
	}
	var out []storage.ConfidentialityScope
	for _, d := range desired {
		if allowedSet[d] {
			out = append(out, d)
		}
	}
	return out
}

// quotaTracker is an in-process sliding-hour counter. It resets
// periodically rather than tracking exact timestamps per write — adequate
// for a single-process kernel where quotas are a soft operational guard,
// not a security boundary.
type quotaTracker struct {
	mu        sync.Mutex
	perUser   map[string]*counter
	perAgent  map[string]*counter
}

type counter struct {
	count      int
	windowFrom time.Time
}

func newQuotaTracker() *quotaTracker {
	return &quotaTracker{perUser: map[string]*counter{}, perAgent: map[string]*counter{}}
}

func (q *quotaTracker) allow(userID, agentID string, userLimit, agentLimit int) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	now := time.Now().UTC()

	if userLimit > 0 {
		c := q.bump(q.perUser, userID, now)
		if c.count > userLimit {
			return false
		}
	}
	if agentID != "" && agentLimit > 0 {
		c := q.bump(q.perAgent, userID+"/"+agentID, now)
		if c.count > agentLimit {
			return false
		}
	}
	return true
}

func (q *quotaTracker) bump(m map[string]*counter, key string, now time.Time) *counter {
	c, ok := m[key]
	if !ok || now.Sub(c.windowFrom) > time.Hour {
		c = &counter{windowFrom: now}
		m[key] = c
	}
	c.count++
	return c
}
