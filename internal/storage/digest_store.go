package storage

import (
	"context"
	"database/sql"
	"errors"

	"github.com/google/uuid"
)

// UpsertDailyDigest writes (or replaces) today's digest payload for a user.
func (s *Store) UpsertDailyDigest(ctx context.Context, d DailyDigest) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO daily_digests (user_id, date, payload) VALUES (?,?,?)
		ON CONFLICT (user_id, date) DO UPDATE SET payload = excluded.payload`,
		d.UserID, d.Date, d.Payload)
	return err
}

// GetDailyDigest fetches a user's digest for a given date (YYYY-MM-DD).
func (s *Store) GetDailyDigest(ctx context.Context, userID, date string) (DailyDigest, error) {
	row := s.db.QueryRowContext(ctx, `SELECT user_id, date, payload FROM daily_digests WHERE user_id = ? AND date = ?`, userID, date)
	var d DailyDigest
	err := row.Scan(&d.UserID, &d.Date, &d.Payload)
	if errors.Is(err, sql.ErrNoRows) {
		return DailyDigest{}, ErrNotFound
	}
	return d, err
}

// CreateDistillationLog persists the aggregate outcome of one batch run.
func (s *Store) CreateDistillationLog(ctx context.Context, l DistillationLog) (DistillationLog, error) {
	if l.ID == "" {
		l.ID = uuid.NewString()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO distillation_log (id, user_id, run_at, semantic_created, semantic_deduplicated, episodes_considered)
		VALUES (?,?,?,?,?,?)`,
		l.ID, l.UserID, formatTime(l.RunAt), l.SemanticCreated, l.SemanticDeduplicated, l.EpisodesConsidered)
	return l, err
}

// CreateDistillationProvenance links a distilled semantic memory to one
// source episode.
func (s *Store) CreateDistillationProvenance(ctx context.Context, p DistillationProvenance) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO distillation_provenance (semantic_memory_id, source_episode_id) VALUES (?,?)`,
		p.SemanticMemoryID, p.SourceEpisodeID)
	return err
}
