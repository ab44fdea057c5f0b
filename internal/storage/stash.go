package storage

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
)

// CreateConflictStash records an unresolved contradiction surfaced while
// staging a write.
func (s *Store) CreateConflictStash(ctx context.Context, c ConflictStash) (ConflictStash, error) {
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now().UTC()
	}
	if c.Resolution == "" {
		c.Resolution = ResolutionUnresolved
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO conflict_stash (id, user_id, conflict_key, existing, proposed, resolution, source_commit_id, created_at)
		VALUES (?,?,?,?,?,?,?,?)`,
		c.ID, c.UserID, c.ConflictKey, c.Existing, c.Proposed, string(c.Resolution), c.SourceCommitID, formatTime(c.CreatedAt),
	)
	return c, err
}

// GetConflictStash fetches one stash row by id.
func (s *Store) GetConflictStash(ctx context.Context, id string) (ConflictStash, error) {
	row := s.db.QueryRowContext(ctx, stashSelect+` WHERE id = ?`, id)
	return scanStash(row)
}

// ListUnresolvedStash returns the user's unresolved conflicts, used by the
// daily digest's "top conflicts" section.
func (s *Store) ListUnresolvedStash(ctx context.Context, userID string, limit int) ([]ConflictStash, error) {
	rows, err := s.db.QueryContext(ctx, stashSelect+` WHERE user_id = ? AND resolution = 'UNRESOLVED' ORDER BY created_at DESC LIMIT ?`, userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []ConflictStash
	for rows.Next() {
		c, err := scanStashRows(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// ResolveStash applies a resolution to a stash row.
func (s *Store) ResolveStash(ctx context.Context, id string, resolution ConflictResolution) error {
	_, err := s.db.ExecContext(ctx, `UPDATE conflict_stash SET resolution = ? WHERE id = ?`, string(resolution), id)
	return err
}

const stashSelect = `SELECT id, user_id, conflict_key, existing, proposed, resolution, source_commit_id, created_at FROM conflict_stash`

func scanStash(row *sql.Row) (ConflictStash, error) {
	c, err := scanStashGeneric(row)
	if errors.Is(err, sql.ErrNoRows) {
		return ConflictStash{}, ErrNotFound
	}
	return c, err
}

func scanStashRows(rows *sql.Rows) (ConflictStash, error) { return scanStashGeneric(rows) }

func scanStashGeneric(r rowScanner) (ConflictStash, error) {
	var c ConflictStash
	var resolution, createdAt string
	err := r.Scan(&c.ID, &c.UserID, &c.ConflictKey, &c.Existing, &c.Proposed, &resolution, &c.SourceCommitID, &createdAt)
	if err != nil {
		return ConflictStash{}, err
	}
	c.Resolution = ConflictResolution(resolution)
	c.CreatedAt = parseTime(createdAt)
	return c, nil
}
