package policy

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/engram-ai/engram/internal/config"
	"github.com/engram-ai/engram/internal/storage"
)

func newTestStore(t *testing.T) *storage.Store {
	t.Helper()
	store, err := storage.Open(context.Background(), t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func testConfig() config.Config {
	return config.Config{PolicyGatewayEnabled: true}
}

func TestIssueSessionWithNoAgentGrantsDesiredSet(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	g := New(store, testConfig())

	token, sess, err := g.IssueSession(ctx, IssueRequest{
		UserID:              "u1",
		DesiredCapabilities: []string{CapSearch, CapProposeWrite},
		DesiredNamespaces:   []string{"default"},
		TTLMinutes:          60,
	})
	require.NoError(t, err)
	require.NotEmpty(t, token)
	require.ElementsMatch(t, []string{CapSearch, CapProposeWrite}, sess.Capabilities)
}

func TestIssueSessionClampsToAgentPolicy(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	g := New(store, testConfig())

	require.NoError(t, store.UpsertAgentPolicy(ctx, storage.AgentPolicy{
		UserID: "u1", AgentID: "agent-1",
		Capabilities: []string{CapSearch},
		Namespaces:   []string{"default"},
		Scopes:       []storage.ConfidentialityScope{storage.ScopeWork},
	}))

	_, sess, err := g.IssueSession(ctx, IssueRequest{
		UserID:              "u1",
		AgentID:             "agent-1",
		DesiredCapabilities: []string{CapSearch, CapProposeWrite, CapRunSleepCycle},
		DesiredNamespaces:   []string{"default", "private-ns"},
		DesiredScopes:       []storage.ConfidentialityScope{storage.ScopeWork, storage.ScopeFinance},
		TTLMinutes:          60,
	})
	require.NoError(t, err)

	// The issued set must be a subset of the agent policy's maximal grant.
	require.ElementsMatch(t, []string{CapSearch}, sess.Capabilities)
	require.ElementsMatch(t, []string{"default"}, sess.Namespaces)
	require.ElementsMatch(t, []storage.ConfidentialityScope{storage.ScopeWork}, sess.AllowedScopes)
}

func TestIssueSessionDeniesUnconfiguredAgentInStrictMode(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	cfg := testConfig()
	cfg.RequireAgentPolicy = true
	g := New(store, cfg)

	_, _, err := g.IssueSession(ctx, IssueRequest{
		UserID:              "u1",
		AgentID:             "unconfigured-agent",
		DesiredCapabilities: []string{CapSearch},
		TTLMinutes:          60,
	})
	require.ErrorIs(t, err, ErrNoPolicyConfigured)
}

func TestIssueSessionRequiresAdminKeyWhenConfigured(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	cfg := testConfig()
	cfg.AdminKey = "secret"
	g := New(store, cfg)

	_, _, err := g.IssueSession(ctx, IssueRequest{UserID: "u1", AdminKey: "wrong"})
	require.ErrorIs(t, err, ErrAdminKeyRequired)

	_, _, err = g.IssueSession(ctx, IssueRequest{UserID: "u1", AdminKey: "secret"})
	require.NoError(t, err)
}

func TestAuthenticateRejectsUnknownTokenAndAcceptsIssuedOne(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	g := New(store, testConfig())

	_, err := g.Authenticate(ctx, "not-a-real-token", "203.0.113.5")
	require.ErrorIs(t, err, ErrInvalidToken)

	token, _, err := g.IssueSession(ctx, IssueRequest{UserID: "u1", DesiredCapabilities: []string{CapSearch}, TTLMinutes: 60})
	require.NoError(t, err)

	sess, err := g.Authenticate(ctx, token, "203.0.113.5")
	require.NoError(t, err)
	require.Equal(t, "u1", sess.UserID)
}

func TestAuthenticateAllowsLoopbackWithoutToken(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	g := New(store, testConfig())

	sess, err := g.Authenticate(ctx, "", "127.0.0.1")
	require.NoError(t, err)
	require.Nil(t, sess.AllowedScopes)
}

func TestAuthenticateRejectsEmptyTokenFromNonLoopback(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	g := New(store, testConfig())

	_, err := g.Authenticate(ctx, "", "203.0.113.5")
	require.ErrorIs(t, err, ErrUnauthorized)
}

func TestRequireCapabilityDeniesMissingCapability(t *testing.T) {
	store := newTestStore(t)
	g := New(store, testConfig())

	sess := storage.Session{Capabilities: []string{CapSearch}}
	require.NoError(t, g.RequireCapability(sess, CapSearch))
	require.ErrorIs(t, g.RequireCapability(sess, CapProposeWrite), ErrCapabilityDenied)
}

func TestRequireCapabilityBypassedWhenGatewayDisabled(t *testing.T) {
	store := newTestStore(t)
	cfg := config.Config{PolicyGatewayEnabled: false}
	g := New(store, cfg)

	sess := storage.Session{Capabilities: nil}
	require.NoError(t, g.RequireCapability(sess, CapProposeWrite))
}

func TestAllowsScopeNilMeansUnrestricted(t *testing.T) {
	sess := storage.Session{AllowedScopes: nil}
	require.True(t, AllowsScope(sess, storage.ScopeFinance))

	restricted := storage.Session{AllowedScopes: []storage.ConfidentialityScope{storage.ScopeWork}}
	require.True(t, AllowsScope(restricted, storage.ScopeWork))
	require.False(t, AllowsScope(restricted, storage.ScopeFinance))
}

func TestAllowsNamespaceWildcard(t *testing.T) {
	sess := storage.Session{Namespaces: []string{"*"}}
	require.True(t, AllowsNamespace(sess, "anything"))

	scoped := storage.Session{Namespaces: []string{"default"}}
	require.True(t, AllowsNamespace(scoped, "default"))
	require.False(t, AllowsNamespace(scoped, "other"))
}

func TestCheckQuotaBlocksAfterLimit(t *testing.T) {
	store := newTestStore(t)
	cfg := testConfig()
	cfg.WriteQuotaPerAgentPerHour = 2
	g := New(store, cfg)

	require.NoError(t, g.CheckQuota("u1", "agent-1"))
	require.NoError(t, g.CheckQuota("u1", "agent-1"))
	require.ErrorIs(t, g.CheckQuota("u1", "agent-1"), ErrQuotaExceeded)
}
