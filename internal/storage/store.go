package storage

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/engram-ai/engram/internal/config"
	_ "modernc.org/sqlite"
)

// Decay aliases config.Decay so the storage package's weight-dependent
// methods (strength recompute, access boost) don't need to import config
// under a different name at every call site.
type Decay = config.Decay

//go:embed migrations/*.sql
var migrationFS embed.FS

// Store is the single embedded relational file backing every table named
// in the kernel's data model. It wraps a *sql.DB the way the teacher's
// database.Client wraps a pgx pool — opened once, held for the process
// lifetime, passed explicitly rather than reached via a global.
type Store struct {
	db *sql.DB
}

// Open opens (creating if absent) the sqlite file at dataDir/engram.db,
// applies pending migrations in one write transaction, and returns a ready
// Store. Mirrors the teacher's NewClient → runMigrations staging.
func Open(ctx context.Context, dataDir string) (*Store, error) {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating data dir: %w", err)
	}
	dsn := filepath.Join(dataDir, "engram.db") + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(on)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening sqlite database: %w", err)
	}
	// A single persistent writer with WAL; readers may be concurrent, but
	// sqlite itself serializes writers, so one connection keeps us honest
	// about write ordering without an external mutex.
	db.SetMaxOpenConns(1)

	s := &Store{db: db}
	if err := s.runMigrations(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: %v", ErrMigrationFailed, err)
	}
	return s, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) runMigrations(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (
		version TEXT PRIMARY KEY, applied_at TEXT NOT NULL
	)`); err != nil {
		return err
	}

	applied := map[string]bool{}
	rows, err := tx.QueryContext(ctx, `SELECT version FROM schema_migrations`)
	if err != nil {
		return err
	}
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			rows.Close()
			return err
		}
		applied[v] = true
	}
	rows.Close()

	entries, err := migrationFS.ReadDir("migrations")
	if err != nil {
		return err
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".sql") {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	pending := 0
	for _, name := range names {
		if applied[name] {
			continue
		}
		contents, err := migrationFS.ReadFile("migrations/" + name)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, string(contents)); err != nil {
			return fmt.Errorf("applying %s: %w", name, err)
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO schema_migrations (version, applied_at) VALUES (?, datetime('now'))`, name); err != nil {
			return err
		}
		pending++
	}

	if err := s.applyBackfills(ctx, tx); err != nil {
		return fmt.Errorf("backfills: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return err
	}
	slog.Info("migrations applied", "pending", pending, "total", len(names))
	return nil
}

// applyBackfills seeds a default namespace per user with memories, bootstraps
// identity invariants from self profiles, and initializes memory_refcounts
// for every existing memory that lacks one — per §4.1's backfill contract.
// Safe to re-run: every statement is a no-op on a quiesced store.
func (s *Store) applyBackfills(ctx context.Context, tx queryExecer) error {
	if _, err := tx.ExecContext(ctx, `
		INSERT OR IGNORE INTO namespaces (name, user_id, created_at)
		SELECT 'default', user_id, datetime('now') FROM memories GROUP BY user_id
	`); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT OR IGNORE INTO memory_refcounts (memory_id, strong_count, weak_count)
		SELECT id, 0, 0 FROM memories
	`); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT OR IGNORE INTO invariants (user_id, invariant_key, value, confidence, source_memory_id, updated_at)
		SELECT user_id, 'identity.name', name, 0.6, id, datetime('now')
		FROM profiles WHERE profile_type = 'self' AND name != ''
	`); err != nil {
		return err
	}
	return nil
}

// queryExecer is satisfied by both *sql.DB and *sql.Tx, letting helper
// functions run inside or outside an explicit transaction.
type queryExecer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// WithTx runs fn inside a single write transaction, matching the commit-
// apply atomicity contract in §4.4: either every statement inside fn
// succeeds, or none of its effects persist.
func (s *Store) WithTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *Store) exec() queryExecer { return s.db }
