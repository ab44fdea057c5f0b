package storage

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// GetAgentPolicy fetches the exact-match policy for (user_id, agent_id), or
// the wildcard (user_id, "*") policy if agentID is non-wildcard and no
// exact match exists. Returns ErrNotFound if neither exists.
func (s *Store) GetAgentPolicy(ctx context.Context, userID, agentID string) (AgentPolicy, error) {
	p, err := s.getAgentPolicyExact(ctx, userID, agentID)
	if err == nil || !errors.Is(err, ErrNotFound) || agentID == "*" {
		return p, err
	}
	return s.getAgentPolicyExact(ctx, userID, "*")
}

func (s *Store) getAgentPolicyExact(ctx context.Context, userID, agentID string) (AgentPolicy, error) {
	row := s.db.QueryRowContext(ctx, `SELECT user_id, agent_id, scopes, capabilities, namespaces FROM agent_policies WHERE user_id = ? AND agent_id = ?`, userID, agentID)
	var p AgentPolicy
	var scopes, caps, namespaces string
	err := row.Scan(&p.UserID, &p.AgentID, &scopes, &caps, &namespaces)
	if errors.Is(err, sql.ErrNoRows) {
		return AgentPolicy{}, ErrNotFound
	}
	if err != nil {
		return AgentPolicy{}, err
	}
	p.Scopes = unmarshalScopes(scopes)
	p.Capabilities = unmarshalStrings(caps)
	p.Namespaces = unmarshalStrings(namespaces)
	return p, nil
}

// UpsertAgentPolicy creates or replaces a policy row.
func (s *Store) UpsertAgentPolicy(ctx context.Context, p AgentPolicy) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO agent_policies (user_id, agent_id, scopes, capabilities, namespaces) VALUES (?,?,?,?,?)
		ON CONFLICT (user_id, agent_id) DO UPDATE SET scopes = excluded.scopes, capabilities = excluded.capabilities, namespaces = excluded.namespaces`,
		p.UserID, p.AgentID, marshalScopes(p.Scopes), marshalStrings(p.Capabilities), marshalStrings(p.Namespaces),
	)
	return err
}

// DeleteAgentPolicy removes a policy row.
func (s *Store) DeleteAgentPolicy(ctx context.Context, userID, agentID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM agent_policies WHERE user_id = ? AND agent_id = ?`, userID, agentID)
	return err
}

// ListAgentPolicies returns all policies for a user.
func (s *Store) ListAgentPolicies(ctx context.Context, userID string) ([]AgentPolicy, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT user_id, agent_id, scopes, capabilities, namespaces FROM agent_policies WHERE user_id = ?`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []AgentPolicy
	for rows.Next() {
		var p AgentPolicy
		var scopes, caps, namespaces string
		if err := rows.Scan(&p.UserID, &p.AgentID, &scopes, &caps, &namespaces); err != nil {
			return nil, err
		}
		p.Scopes = unmarshalScopes(scopes)
		p.Capabilities = unmarshalStrings(caps)
		p.Namespaces = unmarshalStrings(namespaces)
		out = append(out, p)
	}
	return out, rows.Err()
}

// GetAgentTrust fetches an agent's trust accumulator, returning a zero
// value (not an error) if the agent has never proposed a write.
func (s *Store) GetAgentTrust(ctx context.Context, userID, agentID string) (AgentTrust, error) {
	row := s.db.QueryRowContext(ctx, `SELECT user_id, agent_id, total_proposals, approved, rejected, auto_stashed, last_approved_at, trust_score
		FROM agent_trust WHERE user_id = ? AND agent_id = ?`, userID, agentID)
	var t AgentTrust
	var lastApproved sql.NullString
	err := row.Scan(&t.UserID, &t.AgentID, &t.TotalProposals, &t.Approved, &t.Rejected, &t.AutoStashed, &lastApproved, &t.TrustScore)
	if errors.Is(err, sql.ErrNoRows) {
		return AgentTrust{UserID: userID, AgentID: agentID}, nil
	}
	if err != nil {
		return AgentTrust{}, err
	}
	t.LastApprovedAt = parseNullableTime(nullStringVal(lastApproved))
	return t, nil
}

// UpsertAgentTrust writes an agent's trust accumulator in full (the trust
// package recomputes the whole row each time rather than patching deltas,
// since trust_score is a pure function of the other fields).
func (s *Store) UpsertAgentTrust(ctx context.Context, t AgentTrust) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO agent_trust (user_id, agent_id, total_proposals, approved, rejected, auto_stashed, last_approved_at, trust_score)
		VALUES (?,?,?,?,?,?,?,?)
		ON CONFLICT (user_id, agent_id) DO UPDATE SET
			total_proposals = excluded.total_proposals, approved = excluded.approved, rejected = excluded.rejected,
			auto_stashed = excluded.auto_stashed, last_approved_at = excluded.last_approved_at, trust_score = excluded.trust_score`,
		t.UserID, t.AgentID, t.TotalProposals, t.Approved, t.Rejected, t.AutoStashed, nullableTime(t.LastApprovedAt), t.TrustScore,
	)
	return err
}

// CreateNamespace registers a namespace for a user.
func (s *Store) CreateNamespace(ctx context.Context, n Namespace) error {
	if n.CreatedAt.IsZero() {
		n.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `INSERT OR IGNORE INTO namespaces (name, user_id, created_at) VALUES (?,?,?)`, n.Name, n.UserID, formatTime(n.CreatedAt))
	return err
}

// ListNamespaces returns a user's namespaces.
func (s *Store) ListNamespaces(ctx context.Context, userID string) ([]Namespace, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT name, user_id, created_at FROM namespaces WHERE user_id = ?`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Namespace
	for rows.Next() {
		var n Namespace
		var createdAt string
		if err := rows.Scan(&n.Name, &n.UserID, &createdAt); err != nil {
			return nil, err
		}
		n.CreatedAt = parseTime(createdAt)
		out = append(out, n)
	}
	return out, rows.Err()
}

// GrantNamespacePermission adds a per-agent capability grant on a namespace.
func (s *Store) GrantNamespacePermission(ctx context.Context, p NamespacePermission) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO namespace_permissions (namespace, user_id, agent_id, capability, expires_at) VALUES (?,?,?,?,?)`,
		p.Namespace, p.UserID, p.AgentID, p.Capability, nullableTime(p.ExpiresAt),
	)
	return err
}
