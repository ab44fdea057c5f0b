package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
)

// CreateLane starts a new handoff lane at version 0.
func (s *Store) CreateLane(ctx context.Context, l HandoffLane) (HandoffLane, error) {
	if l.ID == "" {
		l.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	if l.CreatedAt.IsZero() {
		l.CreatedAt = now
	}
	if l.LastCheckpointAt.IsZero() {
		l.LastCheckpointAt = now
	}
	if l.Status == "" {
		l.Status = LaneActive
	}
	stateJSON, err := json.Marshal(l.CurrentState)
	if err != nil {
		return HandoffLane{}, err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO handoff_lanes (id, user_id, repo_id, lane_type, objective, current_state, status, version, last_checkpoint_at, created_at)
		VALUES (?,?,?,?,?,?,?,?,?,?)`,
		l.ID, l.UserID, l.RepoID, l.LaneType, l.Objective, string(stateJSON), string(l.Status), l.Version, formatTime(l.LastCheckpointAt), formatTime(l.CreatedAt),
	)
	return l, err
}

// GetLane fetches a lane by id.
func (s *Store) GetLane(ctx context.Context, id string) (HandoffLane, error) {
	row := s.db.QueryRowContext(ctx, laneSelect+` WHERE id = ?`, id)
	return scanLane(row)
}

// FindLanesByRepo returns a user's lanes filtered by repo and status set,
// the candidate pool for auto_resume's scoring pass.
func (s *Store) FindLanesByRepo(ctx context.Context, userID, repoID string, statuses []string) ([]HandoffLane, error) {
	q := laneSelect + ` WHERE user_id = ?`
	args := []any{userID}
	if repoID != "" {
		q += ` AND repo_id = ?`
		args = append(args, repoID)
	}
	if len(statuses) > 0 {
		q += ` AND status IN (`
		for i, st := range statuses {
			if i > 0 {
				q += ", "
			}
			q += "?"
			args = append(args, st)
		}
		q += `)`
	}
	q += ` ORDER BY last_checkpoint_at DESC`
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []HandoffLane
	for rows.Next() {
		l, err := scanLaneRows(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

// ListLanesForUser returns all of a user's lanes, newest-checkpoint first.
func (s *Store) ListLanesForUser(ctx context.Context, userID string, limit int) ([]HandoffLane, error) {
	rows, err := s.db.QueryContext(ctx, laneSelect+` WHERE user_id = ? ORDER BY last_checkpoint_at DESC LIMIT ?`, userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []HandoffLane
	for rows.Next() {
		l, err := scanLaneRows(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

// CASUpdateLane performs the optimistic-concurrency update §4.9 requires:
// the lane moves from expectedVersion to expectedVersion+1 with the merged
// state, or the call reports failure so the caller can refresh and retry.
func (s *Store) CASUpdateLane(ctx context.Context, id string, expectedVersion int, state LaneState, status LaneStatus) (bool, error) {
	stateJSON, err := json.Marshal(state)
	if err != nil {
		return false, err
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE handoff_lanes SET current_state = ?, status = ?, version = version + 1, last_checkpoint_at = ?
		WHERE id = ? AND version = ?`,
		string(stateJSON), string(status), formatTime(time.Now().UTC()), id, expectedVersion)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// ForceUpdateLane writes a new version unconditionally — used on the
// retry path after a CAS miss, once the caller has re-merged against the
// refreshed state.
func (s *Store) ForceUpdateLane(ctx context.Context, id string, state LaneState, status LaneStatus) (int, error) {
	stateJSON, err := json.Marshal(state)
	if err != nil {
		return 0, err
	}
	var newVersion int
	err = s.WithTx(ctx, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx, `SELECT version FROM handoff_lanes WHERE id = ?`, id)
		var v int
		if err := row.Scan(&v); err != nil {
			return err
		}
		newVersion = v + 1
		_, err := tx.ExecContext(ctx, `UPDATE handoff_lanes SET current_state = ?, status = ?, version = ?, last_checkpoint_at = ? WHERE id = ?`,
			string(stateJSON), string(status), newVersion, formatTime(time.Now().UTC()), id)
		return err
	})
	return newVersion, err
}

// CreateCheckpoint writes an append-only checkpoint row.
func (s *Store) CreateCheckpoint(ctx context.Context, c HandoffCheckpoint) (HandoffCheckpoint, error) {
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now().UTC()
	}
	payloadJSON, err := json.Marshal(c.Payload)
	if err != nil {
		return HandoffCheckpoint{}, err
	}
	conflictsJSON, err := json.Marshal(c.MergeConflicts)
	if err != nil {
		return HandoffCheckpoint{}, err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO handoff_checkpoints (id, lane_id, agent_id, event_type, payload, context_snapshot, merge_conflicts, created_at)
		VALUES (?,?,?,?,?,?,?,?)`,
		c.ID, c.LaneID, c.AgentID, c.EventType, string(payloadJSON), c.ContextSnapshot, string(conflictsJSON), formatTime(c.CreatedAt),
	)
	return c, err
}

// LatestCheckpoint fetches the most recent checkpoint for a lane.
func (s *Store) LatestCheckpoint(ctx context.Context, laneID string) (HandoffCheckpoint, error) {
	row := s.db.QueryRowContext(ctx, checkpointSelect+` WHERE lane_id = ? ORDER BY created_at DESC LIMIT 1`, laneID)
	return scanCheckpoint(row)
}

// PruneCheckpoints deletes all but the newest `keep` checkpoints for a
// lane, oldest first — §4.9 step 7's per-lane cap.
func (s *Store) PruneCheckpoints(ctx context.Context, laneID string, keep int) error {
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM handoff_checkpoints WHERE lane_id = ? AND id NOT IN (
			SELECT id FROM handoff_checkpoints WHERE lane_id = ? ORDER BY created_at DESC LIMIT ?
		)`, laneID, laneID, keep)
	return err
}

// PruneLanesForUser deletes the oldest lanes beyond `keep`, measured by
// last_checkpoint_at — §4.9 step 7's per-user cap.
func (s *Store) PruneLanesForUser(ctx context.Context, userID string, keep int) error {
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM handoff_lanes WHERE user_id = ? AND id NOT IN (
			SELECT id FROM handoff_lanes WHERE user_id = ? ORDER BY last_checkpoint_at DESC LIMIT ?
		)`, userID, userID, keep)
	return err
}

// CreateLaneConflict records a checkpoint's merge conflicts for audit.
func (s *Store) CreateLaneConflict(ctx context.Context, laneID, checkpointID string, fields []ConflictField) error {
	fieldsJSON, err := json.Marshal(fields)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO handoff_lane_conflicts (id, lane_id, checkpoint_id, conflict_fields, created_at) VALUES (?,?,?,?,?)`,
		uuid.NewString(), laneID, checkpointID, string(fieldsJSON), formatTime(time.Now().UTC()))
	return err
}

// CreateHandoffSession writes the legacy flat session-digest row.
func (s *Store) CreateHandoffSession(ctx context.Context, hs HandoffSession) (HandoffSession, error) {
	if hs.ID == "" {
		hs.ID = uuid.NewString()
	}
	if hs.CreatedAt.IsZero() {
		hs.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO handoff_sessions (id, user_id, agent_id, lane_id, summary, status, created_at) VALUES (?,?,?,?,?,?,?)`,
		hs.ID, hs.UserID, hs.AgentID, hs.LaneID, hs.Summary, hs.Status, formatTime(hs.CreatedAt),
	)
	return hs, err
}

// ListHandoffSessions returns a user's legacy session rows, newest first.
func (s *Store) ListHandoffSessions(ctx context.Context, userID string, limit int) ([]HandoffSession, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, user_id, agent_id, lane_id, summary, status, created_at FROM handoff_sessions WHERE user_id = ? ORDER BY created_at DESC LIMIT ?`, userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []HandoffSession
	for rows.Next() {
		var hs HandoffSession
		var createdAt string
		if err := rows.Scan(&hs.ID, &hs.UserID, &hs.AgentID, &hs.LaneID, &hs.Summary, &hs.Status, &createdAt); err != nil {
			return nil, err
		}
		hs.CreatedAt = parseTime(createdAt)
		out = append(out, hs)
	}
	return out, rows.Err()
}

// LastHandoffSession returns the most recent legacy session row for a user.
func (s *Store) LastHandoffSession(ctx context.Context, userID string) (HandoffSession, error) {
	sessions, err := s.ListHandoffSessions(ctx, userID, 1)
	if err != nil {
		return HandoffSession{}, err
	}
	if len(sessions) == 0 {
		return HandoffSession{}, ErrNotFound
	}
	return sessions[0], nil
}

const laneSelect = `SELECT id, user_id, repo_id, lane_type, objective, current_state, status, version, last_checkpoint_at, created_at FROM handoff_lanes`
const checkpointSelect = `SELECT id, lane_id, agent_id, event_type, payload, context_snapshot, merge_conflicts, created_at FROM handoff_checkpoints`

func scanLane(row *sql.Row) (HandoffLane, error) {
	l, err := scanLaneGeneric(row)
	if errors.Is(err, sql.ErrNoRows) {
		return HandoffLane{}, ErrNotFound
	}
	return l, err
}

func scanLaneRows(rows *sql.Rows) (HandoffLane, error) { return scanLaneGeneric(rows) }

func scanLaneGeneric(r rowScanner) (HandoffLane, error) {
	var l HandoffLane
	var status, stateJSON, lastCheckpointAt, createdAt string
	err := r.Scan(&l.ID, &l.UserID, &l.RepoID, &l.LaneType, &l.Objective, &stateJSON, &status, &l.Version, &lastCheckpointAt, &createdAt)
	if err != nil {
		return HandoffLane{}, err
	}
	l.Status = LaneStatus(status)
	_ = json.Unmarshal([]byte(stateJSON), &l.CurrentState)
	l.LastCheckpointAt = parseTime(lastCheckpointAt)
	l.CreatedAt = parseTime(createdAt)
	return l, nil
}

func scanCheckpoint(row *sql.Row) (HandoffCheckpoint, error) {
	c, err := scanCheckpointGeneric(row)
	if errors.Is(err, sql.ErrNoRows) {
		return HandoffCheckpoint{}, ErrNotFound
	}
	return c, err
}

func scanCheckpointGeneric(r rowScanner) (HandoffCheckpoint, error) {
	var c HandoffCheckpoint
	var payloadJSON, conflictsJSON, createdAt string
	err := r.Scan(&c.ID, &c.LaneID, &c.AgentID, &c.EventType, &payloadJSON, &c.ContextSnapshot, &conflictsJSON, &createdAt)
	if err != nil {
		return HandoffCheckpoint{}, err
	}
	_ = json.Unmarshal([]byte(payloadJSON), &c.Payload)
	_ = json.Unmarshal([]byte(conflictsJSON), &c.MergeConflicts)
	c.CreatedAt = parseTime(createdAt)
	return c, nil
}
