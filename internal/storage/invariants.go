package storage

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// GetInvariant fetches the durable identity fact for (user_id,
// invariant_key), per the §3/§8 uniqueness invariant.
func (s *Store) GetInvariant(ctx context.Context, userID, key string) (Invariant, error) {
	row := s.db.QueryRowContext(ctx, `SELECT user_id, invariant_key, value, confidence, source_memory_id, updated_at
		FROM invariants WHERE user_id = ? AND invariant_key = ?`, userID, key)
	var inv Invariant
	var updatedAt string
	err := row.Scan(&inv.UserID, &inv.InvariantKey, &inv.Value, &inv.Confidence, &inv.SourceMemoryID, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Invariant{}, ErrNotFound
	}
	if err != nil {
		return Invariant{}, err
	}
	inv.UpdatedAt = parseTime(updatedAt)
	return inv, nil
}

// UpsertInvariant writes or overwrites the invariant row for (user_id, key).
// Called from staging.Engine.apply after an ADD commits, so an approved
// identity-fact write is the only thing that ever moves this table.
func (s *Store) UpsertInvariant(ctx context.Context, inv Invariant) error {
	if inv.UpdatedAt.IsZero() {
		inv.UpdatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO invariants (user_id, invariant_key, value, confidence, source_memory_id, updated_at)
		VALUES (?,?,?,?,?,?)
		ON CONFLICT (user_id, invariant_key) DO UPDATE SET
			value = excluded.value, confidence = excluded.confidence,
			source_memory_id = excluded.source_memory_id, updated_at = excluded.updated_at`,
		inv.UserID, inv.InvariantKey, inv.Value, inv.Confidence, inv.SourceMemoryID, formatTime(inv.UpdatedAt),
	)
	return err
}
