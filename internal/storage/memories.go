package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// CreateMemory inserts a new memory row, generating an id if the caller
// didn't supply one. Strength is recomputed from the three traces at
// insert time so the §3/§8 invariant holds from the first row onward.
func (s *Store) CreateMemory(ctx context.Context, m Memory, weights Decay) (Memory, error) {
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	if m.CreatedAt.IsZero() {
		m.CreatedAt = now
	}
	m.UpdatedAt = now
	if m.LastAccessed.IsZero() {
		m.LastAccessed = now
	}
	if m.Status == "" {
		m.Status = MemoryStatusActive
	}
	m.Strength = ComputeStrength(m.SFast, m.SMid, m.SSlow, weights.FastWeight, weights.MidWeight, weights.SlowWeight)

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO memories (
			id, content, user_id, agent_id, app_id, run_id, source_app, source_type, source_event_id,
			memory_type, layer, namespace, confidentiality_scope, sensitivity, importance, immutable, status,
			strength, s_fast, s_mid, s_slow, access_count, last_accessed, decay_lambda,
			categories, scene_id, related_memories, source_memories, embedding, created_at, updated_at
		) VALUES (?,?,?,?,?,?,?,?,?, ?,?,?,?,?,?,?,?, ?,?,?,?,?,?,?, ?,?,?,?,?,?,?)
	`,
		m.ID, m.Content, m.UserID, nullableString(m.AgentID), nullableString(m.AppID), nullableString(m.RunID),
		nullableString(m.SourceApp), nullableString(m.SourceType), nullableString(m.SourceEventID),
		string(m.MemoryType), string(m.Layer), m.Namespace, string(m.ConfidentialityScope), string(m.Sensitivity),
		m.Importance, boolToInt(m.Immutable), string(m.Status),
		m.Strength, m.SFast, m.SMid, m.SSlow, m.AccessCount, formatTime(m.LastAccessed), m.DecayLambda,
		marshalStrings(m.Categories), nullableString(m.SceneID), marshalStrings(m.RelatedMemories), marshalStrings(m.SourceMemories),
		encodeVector(m.Embedding), formatTime(m.CreatedAt), formatTime(m.UpdatedAt),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return Memory{}, ErrUniqueViolation
		}
		return Memory{}, err
	}
	return m, nil
}

// GetMemory fetches one memory by id.
func (s *Store) GetMemory(ctx context.Context, id string) (Memory, error) {
	row := s.db.QueryRowContext(ctx, memorySelect+` WHERE id = ?`, id)
	return scanMemory(row)
}

// FindBySourceEvent looks up a memory by its idempotency key. ProposeWrite's
// dedup check does not use it; it scans recent commits instead.
func (s *Store) FindBySourceEvent(ctx context.Context, agentID *string, sourceEventID string) (Memory, error) {
	row := s.db.QueryRowContext(ctx, memorySelect+` WHERE agent_id IS ? AND source_event_id = ?`, nullableString(agentID), sourceEventID)
	return scanMemory(row)
}

// GetMemoriesBulk fetches a set of memories in one query, the bulk op §4.1
// requires instead of N round trips.
func (s *Store) GetMemoriesBulk(ctx context.Context, ids []string) ([]Memory, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	rows, err := s.db.QueryContext(ctx, memorySelect+fmt.Sprintf(` WHERE id IN (%s)`, placeholders), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Memory
	for rows.Next() {
		m, err := scanMemoryRows(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// ListMemories returns active memories for a user, optionally scoped to a
// namespace, newest first.
func (s *Store) ListMemories(ctx context.Context, userID, namespace string, limit int) ([]Memory, error) {
	q := memorySelect + ` WHERE user_id = ? AND status = 'active'`
	args := []any{userID}
	if namespace != "" {
		q += ` AND namespace = ?`
		args = append(args, namespace)
	}
	q += ` ORDER BY created_at DESC LIMIT ?`
	args = append(args, limit)
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Memory
	for rows.Next() {
		m, err := scanMemoryRows(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// ListAllNonImmutable returns every non-immutable, active memory for a user
// (or all users, when userID is empty) — the sleep cycle's working set,
// snapshotted at pass start per §5's ordering guarantee.
func (s *Store) ListAllNonImmutable(ctx context.Context, userID string) ([]Memory, error) {
	q := memorySelect + ` WHERE status = 'active' AND immutable = 0`
	var args []any
	if userID != "" {
		q += ` AND user_id = ?`
		args = append(args, userID)
	}
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Memory
	for rows.Next() {
		m, err := scanMemoryRows(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// UpdateMemory applies a patch's non-nil fields only, recomputing strength
// whenever any trace changed.
func (s *Store) UpdateMemory(ctx context.Context, id string, patch MemoryPatch, weights Decay) error {
	return s.updateMemoryTx(ctx, s.db, id, patch, weights)
}

func (s *Store) updateMemoryTx(ctx context.Context, ex queryExecer, id string, patch MemoryPatch, weights Decay) error {
	sets := []string{}
	args := []any{}

	add := func(col string, v any) {
		sets = append(sets, col+" = ?")
		args = append(args, v)
	}

	if patch.Content != nil {
		add("content", *patch.Content)
	}
	if patch.MemoryType != nil {
		add("memory_type", string(*patch.MemoryType))
	}
	if patch.Layer != nil {
		add("layer", string(*patch.Layer))
	}
	if patch.Namespace != nil {
		add("namespace", *patch.Namespace)
	}
	if patch.ConfidentialityScope != nil {
		add("confidentiality_scope", string(*patch.ConfidentialityScope))
	}
	if patch.Sensitivity != nil {
		add("sensitivity", string(*patch.Sensitivity))
	}
	if patch.Importance != nil {
		add("importance", *patch.Importance)
	}
	if patch.Immutable != nil {
		add("immutable", boolToInt(*patch.Immutable))
	}
	if patch.Status != nil {
		add("status", string(*patch.Status))
	}
	if patch.AccessCount != nil {
		add("access_count", *patch.AccessCount)
	}
	if patch.LastAccessed != nil {
		add("last_accessed", formatTime(*patch.LastAccessed))
	}
	if patch.DecayLambda != nil {
		add("decay_lambda", *patch.DecayLambda)
	}
	if patch.Categories != nil {
		add("categories", marshalStrings(*patch.Categories))
	}
	if patch.SceneID != nil {
		add("scene_id", *patch.SceneID)
	}
	if patch.RelatedMemories != nil {
		add("related_memories", marshalStrings(*patch.RelatedMemories))
	}
	if patch.SourceMemories != nil {
		add("source_memories", marshalStrings(*patch.SourceMemories))
	}
	if patch.Embedding != nil {
		add("embedding", encodeVector(*patch.Embedding))
	}

	if patch.SFast != nil || patch.SMid != nil || patch.SSlow != nil || patch.Strength != nil {
		cur, err := s.getMemoryTraces(ctx, ex, id)
		if err != nil {
			return err
		}
		sFast, sMid, sSlow := cur.SFast, cur.SMid, cur.SSlow
		if patch.SFast != nil {
			sFast = *patch.SFast
		}
		if patch.SMid != nil {
			sMid = *patch.SMid
		}
		if patch.SSlow != nil {
			sSlow = *patch.SSlow
		}
		add("s_fast", sFast)
		add("s_mid", sMid)
		add("s_slow", sSlow)
		strength := ComputeStrength(sFast, sMid, sSlow, weights.FastWeight, weights.MidWeight, weights.SlowWeight)
		if patch.Strength != nil {
			strength = *patch.Strength
		}
		add("strength", strength)
	}

	if len(sets) == 0 {
		return nil
	}
	add("updated_at", formatTime(time.Now().UTC()))
	args = append(args, id)

	_, err := ex.ExecContext(ctx, `UPDATE memories SET `+strings.Join(sets, ", ")+` WHERE id = ?`, args...)
	return err
}

type traces struct{ SFast, SMid, SSlow float64 }

func (s *Store) getMemoryTraces(ctx context.Context, ex queryExecer, id string) (traces, error) {
	var t traces
	row := ex.QueryRowContext(ctx, `SELECT s_fast, s_mid, s_slow FROM memories WHERE id = ?`, id)
	if err := row.Scan(&t.SFast, &t.SMid, &t.SSlow); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return t, ErrNotFound
		}
		return t, err
	}
	return t, nil
}

// UpdateMemoriesBulk applies the same patch shape to many ids inside one
// transaction — one transaction, not one statement, since sqlite has no
// native array bind (SPEC_FULL.md §3.1 notes this tradeoff).
func (s *Store) UpdateMemoriesBulk(ctx context.Context, ids []string, patch MemoryPatch, weights Decay) error {
	return s.WithTx(ctx, func(tx *sql.Tx) error {
		for _, id := range ids {
			if err := s.updateMemoryTx(ctx, tx, id, patch, weights); err != nil {
				return err
			}
		}
		return nil
	})
}

// IncrementAccessBulk bumps access_count and boosts s_fast for every id,
// applying the access-dampening factor when the memory was touched within
// the dampening window — the retrieval-side half of §4.5.
func (s *Store) IncrementAccessBulk(ctx context.Context, ids []string, weights Decay, dampenWindow time.Duration) error {
	return s.WithTx(ctx, func(tx *sql.Tx) error {
		now := time.Now().UTC()
		for _, id := range ids {
			var accessCount int
			var lastAccessed, sFastStr string
			var sFast float64
			row := tx.QueryRowContext(ctx, `SELECT access_count, last_accessed, s_fast FROM memories WHERE id = ?`, id)
			if err := row.Scan(&accessCount, &lastAccessed, &sFast); err != nil {
				if errors.Is(err, sql.ErrNoRows) {
					continue
				}
				return err
			}
			_ = sFastStr
			boost := weights.AccessStrengthBoost
			if parseTime(lastAccessed).Add(dampenWindow).After(now) {
				boost *= weights.AccessDampeningFactor
			}
			newFast := sFast + boost
			if newFast > 1 {
				newFast = 1
			}
			accessCount++
			patch := MemoryPatch{AccessCount: &accessCount, LastAccessed: &now, SFast: &newFast}
			if err := s.updateMemoryTx(ctx, tx, id, patch, weights); err != nil {
				return err
			}
		}
		return nil
	})
}

// DeleteMemory hard-deletes a row — the explicit admin purge op; normal
// forgetting goes through UpdateMemory(Status: tombstoned) instead.
func (s *Store) DeleteMemory(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM memories WHERE id = ?`, id)
	return err
}

const memorySelect = `SELECT
	id, content, user_id, agent_id, app_id, run_id, source_app, source_type, source_event_id,
	memory_type, layer, namespace, confidentiality_scope, sensitivity, importance, immutable, status,
	strength, s_fast, s_mid, s_slow, access_count, last_accessed, decay_lambda,
	categories, scene_id, related_memories, source_memories, embedding, created_at, updated_at
	FROM memories`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMemory(row *sql.Row) (Memory, error) {
	m, err := scanMemoryGeneric(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Memory{}, ErrNotFound
	}
	return m, err
}

func scanMemoryRows(rows *sql.Rows) (Memory, error) {
	return scanMemoryGeneric(rows)
}

func scanMemoryGeneric(r rowScanner) (Memory, error) {
	var m Memory
	var agentID, appID, runID, sourceApp, sourceType, sourceEventID, sceneID sql.NullString
	var memoryType, layer, scope, sensitivity, status string
	var immutable int
	var lastAccessed, createdAt, updatedAt string
	var categories, relatedMemories, sourceMemories string
	var embedding []byte

	err := r.Scan(
		&m.ID, &m.Content, &m.UserID, &agentID, &appID, &runID, &sourceApp, &sourceType, &sourceEventID,
		&memoryType, &layer, &m.Namespace, &scope, &sensitivity, &m.Importance, &immutable, &status,
		&m.Strength, &m.SFast, &m.SMid, &m.SSlow, &m.AccessCount, &lastAccessed, &m.DecayLambda,
		&categories, &sceneID, &relatedMemories, &sourceMemories, &embedding, &createdAt, &updatedAt,
	)
	if err != nil {
		return Memory{}, err
	}

	m.AgentID = nullStringPtr(agentID)
	m.AppID = nullStringPtr(appID)
	m.RunID = nullStringPtr(runID)
	m.SourceApp = nullStringPtr(sourceApp)
	m.SourceType = nullStringPtr(sourceType)
	m.SourceEventID = nullStringPtr(sourceEventID)
	m.SceneID = nullStringPtr(sceneID)
	m.MemoryType = MemoryType(memoryType)
	m.Layer = Layer(layer)
	m.ConfidentialityScope = ConfidentialityScope(scope)
	m.Sensitivity = Sensitivity(sensitivity)
	m.Status = MemoryStatus(status)
	m.Immutable = immutable != 0
	m.LastAccessed = parseTime(lastAccessed)
	m.CreatedAt = parseTime(createdAt)
	m.UpdatedAt = parseTime(updatedAt)
	m.Categories = unmarshalStrings(categories)
	m.RelatedMemories = unmarshalStrings(relatedMemories)
	m.SourceMemories = unmarshalStrings(sourceMemories)
	m.Embedding = decodeVector(embedding)
	return m, nil
}

func nullStringPtr(n sql.NullString) *string {
	if !n.Valid {
		return nil
	}
	v := n.String
	return &v
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
