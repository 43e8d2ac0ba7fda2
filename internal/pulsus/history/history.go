// Package history persists per-descriptor invocation outcomes in SQLite and
// aggregates them into the success-rate term the Scorer's history component
// needs.
//
// Grounded on internal/ruriko/store.Store: the single shared connection
// (SQLite is single-writer), WAL + busy_timeout pragmas, and embedded
// migrations-with-schema_migrations-table pattern are carried over
// unchanged; the domain rows are invocation history rather than chat-agent
// metadata.
package history

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"log/slog"
	"path/filepath"
	"sort"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Record is one invocation outcome for a (domain, action) descriptor.
type Record struct {
	Domain     string
	Action     string
	Success    bool
	LatencyMS  int64
	RecordedAt time.Time
}

// Store wraps the invocation-history database.
type Store struct {
	db *sql.DB
}

// Open opens (creating if necessary) the SQLite database at dbPath and runs
// pending migrations.
func Open(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("history: open database: %w", err)
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	pragmas := []string{
		"PRAGMA foreign_keys = ON",
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("history: set pragma %q: %w", p, err)
		}
	}

	s := &Store{db: db}
	if err := s.runMigrations(); err != nil {
		db.Close()
		return nil, fmt.Errorf("history: run migrations: %w", err)
	}
	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB exposes the underlying connection so the Approval Gate's Store can
// share it, keeping to a single shared connection per process.
func (s *Store) DB() *sql.DB {
	return s.db
}

func (s *Store) runMigrations() error {
	if _, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			applied_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
			description TEXT NOT NULL
		)
	`); err != nil {
		return fmt.Errorf("create migrations table: %w", err)
	}

	var current int
	if err := s.db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_migrations").Scan(&current); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}

	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("read migrations dir: %w", err)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}
		parts := strings.SplitN(entry.Name(), "_", 2)
		if len(parts) < 2 {
			continue
		}
		var version int
		if _, err := fmt.Sscanf(parts[0], "%d", &version); err != nil {
			continue
		}
		if version <= current {
			continue
		}
		content, err := migrationsFS.ReadFile(filepath.Join("migrations", entry.Name()))
		if err != nil {
			return fmt.Errorf("read migration %s: %w", entry.Name(), err)
		}
		tx, err := s.db.Begin()
		if err != nil {
			return fmt.Errorf("begin migration %d: %w", version, err)
		}
		if _, err := tx.Exec(string(content)); err != nil {
			tx.Rollback()
			return fmt.Errorf("exec migration %d: %w", version, err)
		}
		desc := strings.TrimSuffix(parts[1], ".sql")
		if _, err := tx.Exec("INSERT INTO schema_migrations (version, applied_at, description) VALUES (?, ?, ?)", version, time.Now(), desc); err != nil {
			tx.Rollback()
			return fmt.Errorf("record migration %d: %w", version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %d: %w", version, err)
		}
		slog.Info("history: applied migration", "version", version, "description", desc)
	}
	return nil
}

// Append records one invocation outcome.
func (s *Store) Append(ctx context.Context, r Record) error {
	if r.RecordedAt.IsZero() {
		r.RecordedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO invocations (domain, action, success, latency_ms, recorded_at)
		VALUES (?, ?, ?, ?, ?)
	`, r.Domain, r.Action, r.Success, r.LatencyMS, r.RecordedAt)
	if err != nil {
		return fmt.Errorf("history: append: %w", err)
	}
	return nil
}

// windowSize bounds how many recent invocations feed the success-rate
// aggregate, matching the Scorer's history-component definition.
const windowSize = 50

// SuccessRate returns the fraction of successful invocations among the most
// recent windowSize records for (domain, action). Returns (0, false) when
// there is no history, so the Scorer can fall back to a neutral prior.
func (s *Store) SuccessRate(ctx context.Context, domain, action string) (float64, bool, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT success FROM invocations
		WHERE domain = ? AND action = ?
		ORDER BY recorded_at DESC
		LIMIT ?
	`, domain, action, windowSize)
	if err != nil {
		return 0, false, fmt.Errorf("history: success rate query: %w", err)
	}
	defer rows.Close()

	var total, successes int
	for rows.Next() {
		var ok bool
		if err := rows.Scan(&ok); err != nil {
			return 0, false, fmt.Errorf("history: scan: %w", err)
		}
		total++
		if ok {
			successes++
		}
	}
	if err := rows.Err(); err != nil {
		return 0, false, fmt.Errorf("history: iterate: %w", err)
	}
	if total == 0 {
		return 0, false, nil
	}
	return float64(successes) / float64(total), true, nil
}
