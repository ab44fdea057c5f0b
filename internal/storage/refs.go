package storage

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// GetRefcount fetches a memory's aggregate subscriber counts.
func (s *Store) GetRefcount(ctx context.Context, memoryID string) (MemoryRefcount, error) {
	row := s.db.QueryRowContext(ctx, `SELECT memory_id, strong_count, weak_count FROM memory_refcounts WHERE memory_id = ?`, memoryID)
	var rc MemoryRefcount
	err := row.Scan(&rc.MemoryID, &rc.StrongCount, &rc.WeakCount)
	if errors.Is(err, sql.ErrNoRows) {
		return MemoryRefcount{MemoryID: memoryID}, nil
	}
	return rc, err
}

// AddRef is idempotent per (memory, subscriber, ref_type): re-adding the
// same subscription is a no-op, not a double increment.
func (s *Store) AddRef(ctx context.Context, ref MemoryRef) error {
	return s.WithTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			INSERT OR IGNORE INTO memory_refs (memory_id, subscriber, ref_type, expires_at) VALUES (?,?,?,?)`,
			ref.MemoryID, ref.Subscriber, string(ref.RefType), nullableTime(ref.ExpiresAt))
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil || n == 0 {
			return err
		}
		return bumpRefcount(ctx, tx, ref.MemoryID, ref.RefType, 1)
	})
}

// RemoveRef is idempotent: removing a subscription that doesn't exist is a
// no-op.
func (s *Store) RemoveRef(ctx context.Context, memoryID, subscriber string, refType RefType) error {
	return s.WithTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `DELETE FROM memory_refs WHERE memory_id = ? AND subscriber = ? AND ref_type = ?`,
			memoryID, subscriber, string(refType))
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil || n == 0 {
			return err
		}
		return bumpRefcount(ctx, tx, memoryID, refType, -1)
	})
}

func bumpRefcount(ctx context.Context, tx *sql.Tx, memoryID string, refType RefType, delta int) error {
	col := "weak_count"
	if refType == RefStrong {
		col = "strong_count"
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO memory_refcounts (memory_id, strong_count, weak_count) VALUES (?, 0, 0)
		ON CONFLICT (memory_id) DO NOTHING`, memoryID)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `UPDATE memory_refcounts SET `+col+` = MAX(0, `+col+` + ?) WHERE memory_id = ?`, delta, memoryID)
	return err
}

// PurgeExpiredRefs deletes subscriber rows whose TTL has elapsed,
// decrementing refcounts accordingly — §4.10 step 2's stale-ref cleanup.
func (s *Store) PurgeExpiredRefs(ctx context.Context, now time.Time) (int, error) {
	removed := 0
	err := s.WithTx(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, `SELECT memory_id, subscriber, ref_type FROM memory_refs WHERE expires_at IS NOT NULL AND expires_at <= ?`, formatTime(now))
		if err != nil {
			return err
		}
		type key struct{ memoryID, subscriber, refType string }
		var expired []key
		for rows.Next() {
			var k key
			if err := rows.Scan(&k.memoryID, &k.subscriber, &k.refType); err != nil {
				rows.Close()
				return err
			}
			expired = append(expired, k)
		}
		rows.Close()

		for _, k := range expired {
			if _, err := tx.ExecContext(ctx, `DELETE FROM memory_refs WHERE memory_id = ? AND subscriber = ? AND ref_type = ?`, k.memoryID, k.subscriber, k.refType); err != nil {
				return err
			}
			if err := bumpRefcount(ctx, tx, k.memoryID, RefType(k.refType), -1); err != nil {
				return err
			}
			removed++
		}
		return nil
	})
	return removed, err
}
