// Package store provides the optional SQLite-backed side-channels that sit
// alongside the in-memory task registry: a provider-usage ledger for rate
// limiting and a durability journal for crash visibility. Neither table is
// the task source of truth — that remains the in-memory registry in
// internal/task.
package store

import (
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// Store is a thin wrapper over a SQLite connection holding the usage ledger
// and task journal tables.
type Store struct {
	db *sql.DB
}

const schema = `
CREATE TABLE IF NOT EXISTS provider_usage (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	provider TEXT NOT NULL,
	task_id TEXT NOT NULL,
	step_label TEXT NOT NULL DEFAULT '',
	recorded_at DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE INDEX IF NOT EXISTS idx_usage_provider ON provider_usage(provider, recorded_at);
CREATE INDEX IF NOT EXISTS idx_usage_recorded ON provider_usage(recorded_at);

CREATE TABLE IF NOT EXISTS task_journal (
	task_id TEXT PRIMARY KEY,
	status TEXT NOT NULL,
	last_event_type TEXT NOT NULL DEFAULT '',
	last_event_at DATETIME,
	updated_at DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE INDEX IF NOT EXISTS idx_journal_status ON task_journal(status);
`

// Open creates or opens a SQLite database at the given path and ensures the
// schema exists. An empty path opens an in-memory database, useful for tests
// and for deployments that opt out of the durability journal entirely.
func Open(dbPath string) (*Store, error) {
	if dbPath == "" {
		dbPath = ":memory:"
	}
	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", dbPath, err)
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: create schema: %w", err)
	}

	return &Store{db: db}, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// RecordProviderUsage records an authed provider dispatch for rate limiting
// and returns the reservation's row ID, so a failed dispatch can roll it
// back via DeleteProviderUsage.
func (s *Store) RecordProviderUsage(provider, taskID, stepLabel string) (int64, error) {
	res, err := s.db.Exec(
		`INSERT INTO provider_usage (provider, task_id, step_label) VALUES (?, ?, ?)`,
		provider, taskID, stepLabel,
	)
	if err != nil {
		return 0, fmt.Errorf("store: record provider usage: %w", err)
	}
	return res.LastInsertId()
}

// DeleteProviderUsage rolls back a previously recorded reservation.
func (s *Store) DeleteProviderUsage(id int64) error {
	if id == 0 {
		return nil
	}
	_, err := s.db.Exec(`DELETE FROM provider_usage WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("store: delete provider usage: %w", err)
	}
	return nil
}

// CountAuthedUsage5h counts provider usage records in the last 5 hours.
func (s *Store) CountAuthedUsage5h() (int, error) {
	var count int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM provider_usage WHERE recorded_at >= datetime('now', '-5 hours')`).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("store: count 5h usage: %w", err)
	}
	return count, nil
}

// CountAuthedUsageWeekly counts provider usage records in the last 7 days.
func (s *Store) CountAuthedUsageWeekly() (int, error) {
	var count int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM provider_usage WHERE recorded_at >= datetime('now', '-7 days')`).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("store: count weekly usage: %w", err)
	}
	return count, nil
}

// JournalEntry is one row of the optional durability journal: a breadcrumb
// of the last known status for a task, visible only for operator diagnosis
// after a crash. It is never read while the owning process is alive.
type JournalEntry struct {
	TaskID        string
	Status        string
	LastEventType string
	LastEventAt   time.Time
	UpdatedAt     time.Time
}

// UpsertJournal records the task's current status and most recent event.
// Called on every webhook dispatch, not on every loop iteration, to keep
// write volume low.
func (s *Store) UpsertJournal(taskID, status, lastEventType string, lastEventAt time.Time) error {
	_, err := s.db.Exec(
		`INSERT INTO task_journal (task_id, status, last_event_type, last_event_at, updated_at)
		 VALUES (?, ?, ?, ?, datetime('now'))
		 ON CONFLICT(task_id) DO UPDATE SET
		   status = excluded.status,
		   last_event_type = excluded.last_event_type,
		   last_event_at = excluded.last_event_at,
		   updated_at = datetime('now')`,
		taskID, status, lastEventType, lastEventAt,
	)
	if err != nil {
		return fmt.Errorf("store: upsert journal: %w", err)
	}
	return nil
}

// RunningJournalEntries returns every journal row still marked "running".
// Called once at startup to detect tasks orphaned by an unclean shutdown;
// the caller logs them as orphaned_on_restart and does not resume them.
func (s *Store) RunningJournalEntries() ([]JournalEntry, error) {
	rows, err := s.db.Query(`SELECT task_id, status, last_event_type, last_event_at, updated_at FROM task_journal WHERE status = 'running'`)
	if err != nil {
		return nil, fmt.Errorf("store: query running journal entries: %w", err)
	}
	defer rows.Close()

	var entries []JournalEntry
	for rows.Next() {
		var e JournalEntry
		var lastEventAt sql.NullTime
		if err := rows.Scan(&e.TaskID, &e.Status, &e.LastEventType, &lastEventAt, &e.UpdatedAt); err != nil {
			return nil, fmt.Errorf("store: scan journal entry: %w", err)
		}
		if lastEventAt.Valid {
			e.LastEventAt = lastEventAt.Time
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// MarkOrphaned rewrites a stale "running" journal row to "orphaned_on_restart".
func (s *Store) MarkOrphaned(taskID string) error {
	_, err := s.db.Exec(
		`UPDATE task_journal SET status = 'orphaned_on_restart', updated_at = datetime('now') WHERE task_id = ?`,
		taskID,
	)
	if err != nil {
		return fmt.Errorf("store: mark orphaned: %w", err)
	}
	return nil
}
