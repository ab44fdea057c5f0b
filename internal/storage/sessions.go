package storage

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// CreateSession persists a new issued session by its token hash only — the
// opaque token itself is never stored, per §4.3/§8.
func (s *Store) CreateSession(ctx context.Context, sess Session) error {
	if sess.CreatedAt.IsZero() {
		sess.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sessions (token_hash, user_id, agent_id, allowed_scopes, capabilities, namespaces, expires_at, revoked_at, created_at)
		VALUES (?,?,?,?,?,?,?,?,?)`,
		sess.TokenHash, sess.UserID, nullableString(sess.AgentID),
		marshalScopes(sess.AllowedScopes), marshalStrings(sess.Capabilities), marshalStrings(sess.Namespaces),
		formatTime(sess.ExpiresAt), nullableTime(sess.RevokedAt), formatTime(sess.CreatedAt),
	)
	if isUniqueViolation(err) {
		return ErrUniqueViolation
	}
	return err
}

// GetSession fetches a session by its token hash.
func (s *Store) GetSession(ctx context.Context, tokenHash string) (Session, error) {
	row := s.db.QueryRowContext(ctx, `SELECT token_hash, user_id, agent_id, allowed_scopes, capabilities, namespaces, expires_at, revoked_at, created_at
		FROM sessions WHERE token_hash = ?`, tokenHash)
	var sess Session
	var agentID sql.NullString
	var scopes, capabilities, namespaces string
	var expiresAt, createdAt string
	var revokedAt sql.NullString
	err := row.Scan(&sess.TokenHash, &sess.UserID, &agentID, &scopes, &capabilities, &namespaces, &expiresAt, &revokedAt, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Session{}, ErrNotFound
	}
	if err != nil {
		return Session{}, err
	}
	sess.AgentID = nullStringPtr(agentID)
	sess.AllowedScopes = unmarshalScopes(scopes)
	sess.Capabilities = unmarshalStrings(capabilities)
	sess.Namespaces = unmarshalStrings(namespaces)
	sess.ExpiresAt = parseTime(expiresAt)
	sess.RevokedAt = parseNullableTime(nullStringVal(revokedAt))
	sess.CreatedAt = parseTime(createdAt)
	return sess, nil
}

// RevokeSession marks a session revoked.
func (s *Store) RevokeSession(ctx context.Context, tokenHash string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE sessions SET revoked_at = ? WHERE token_hash = ?`, formatTime(time.Now().UTC()), tokenHash)
	return err
}

func marshalScopes(v []ConfidentialityScope) string {
	strs := make([]string, len(v))
	for i, s := range v {
		strs[i] = string(s)
	}
	return marshalStrings(strs)
}

func unmarshalScopes(s string) []ConfidentialityScope {
	strs := unmarshalStrings(s)
	out := make([]ConfidentialityScope, len(strs))
	for i, v := range strs {
		out[i] = ConfidentialityScope(v)
	}
	return out
}
