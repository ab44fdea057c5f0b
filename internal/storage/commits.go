package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
)

// CreateCommit inserts a new proposal commit.
func (s *Store) CreateCommit(ctx context.Context, c ProposalCommit) (ProposalCommit, error) {
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}
	c.UpdatedAt = now

	changesJSON, err := json.Marshal(c.Changes)
	if err != nil {
		return ProposalCommit{}, err
	}
	checksJSON, err := json.Marshal(c.Checks)
	if err != nil {
		return ProposalCommit{}, err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO proposal_commits (id, user_id, agent_id, status, changes, checks, preview, provenance, source_event_id, auto_merged, created_at, updated_at)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?)`,
		c.ID, c.UserID, nullableString(c.AgentID), string(c.Status), string(changesJSON), string(checksJSON),
		c.Preview, c.Provenance, nullableString(c.SourceEventID), boolToInt(c.AutoMerged), formatTime(c.CreatedAt), formatTime(c.UpdatedAt),
	)
	return c, err
}

// GetCommit fetches one proposal commit by id.
func (s *Store) GetCommit(ctx context.Context, id string) (ProposalCommit, error) {
	row := s.db.QueryRowContext(ctx, commitSelect+` WHERE id = ?`, id)
	return scanCommit(row)
}

// ListCommits returns a user's proposal commits, optionally filtered by
// status, newest first.
func (s *Store) ListCommits(ctx context.Context, userID string, status CommitStatus, limit int) ([]ProposalCommit, error) {
	q := commitSelect + ` WHERE user_id = ?`
	args := []any{userID}
	if status != "" {
		q += ` AND status = ?`
		args = append(args, string(status))
	}
	q += ` ORDER BY created_at DESC LIMIT ?`
	args = append(args, limit)
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []ProposalCommit
	for rows.Next() {
		c, err := scanCommitRows(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// CASCommitStatus performs the compare-and-swap status transition §4.4
// requires: only rows currently in one of `from` move to `to`. Returns
// false with a nil error if the row doesn't exist or isn't in an eligible
// state (callers distinguish "already terminal" by re-reading).
func (s *Store) CASCommitStatus(ctx context.Context, tx *sql.Tx, id string, from []CommitStatus, to CommitStatus) (bool, error) {
	placeholders := ""
	args := []any{string(to), formatTime(time.Now().UTC())}
	for i, f := range from {
		if i > 0 {
			placeholders += ", "
		}
		placeholders += "?"
		args = append(args, string(f))
	}
	args = append(args, id)

	ex := queryExecer(s.db)
	if tx != nil {
		ex = tx
	}
	res, err := ex.ExecContext(ctx,
		`UPDATE proposal_commits SET status = ?, updated_at = ? WHERE status IN (`+placeholders+`) AND id = ?`,
		args...)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// UpdateCommit applies a patch's non-nil fields (checks, idempotency key,
// auto-merge flag) without touching status.
func (s *Store) UpdateCommit(ctx context.Context, tx *sql.Tx, id string, patch CommitPatch) error {
	sets := []string{}
	args := []any{}
	add := func(col string, v any) {
		sets = append(sets, col+" = ?")
		args = append(args, v)
	}
	if patch.Checks != nil {
		b, err := json.Marshal(*patch.Checks)
		if err != nil {
			return err
		}
		add("checks", string(b))
	}
	if patch.SourceEventID != nil {
		add("source_event_id", *patch.SourceEventID)
	}
	if patch.AutoMerged != nil {
		add("auto_merged", boolToInt(*patch.AutoMerged))
	}
	if len(sets) == 0 {
		return nil
	}
	add("updated_at", formatTime(time.Now().UTC()))
	args = append(args, id)

	ex := queryExecer(s.db)
	if tx != nil {
		ex = tx
	}
	q := "UPDATE proposal_commits SET "
	for i, set := range sets {
		if i > 0 {
			q += ", "
		}
		q += set
	}
	q += " WHERE id = ?"
	_, err := ex.ExecContext(ctx, q, args...)
	return err
}

const commitSelect = `SELECT id, user_id, agent_id, status, changes, checks, preview, provenance, source_event_id, auto_merged, created_at, updated_at FROM proposal_commits`

func scanCommit(row *sql.Row) (ProposalCommit, error) {
	c, err := scanCommitGeneric(row)
	if errors.Is(err, sql.ErrNoRows) {
		return ProposalCommit{}, ErrNotFound
	}
	return c, err
}

func scanCommitRows(rows *sql.Rows) (ProposalCommit, error) { return scanCommitGeneric(rows) }

func scanCommitGeneric(r rowScanner) (ProposalCommit, error) {
	var c ProposalCommit
	var agentID, sourceEventID sql.NullString
	var status, changesJSON, checksJSON, createdAt, updatedAt string
	var autoMerged int
	err := r.Scan(&c.ID, &c.UserID, &agentID, &status, &changesJSON, &checksJSON, &c.Preview, &c.Provenance, &sourceEventID, &autoMerged, &createdAt, &updatedAt)
	if err != nil {
		return ProposalCommit{}, err
	}
	c.AgentID = nullStringPtr(agentID)
	c.SourceEventID = nullStringPtr(sourceEventID)
	c.Status = CommitStatus(status)
	c.AutoMerged = autoMerged != 0
	c.CreatedAt = parseTime(createdAt)
	c.UpdatedAt = parseTime(updatedAt)
	_ = json.Unmarshal([]byte(changesJSON), &c.Changes)
	_ = json.Unmarshal([]byte(checksJSON), &c.Checks)
	return c, nil
}
