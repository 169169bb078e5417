// Copyright 2025 Right Rudder Authors
// SPDX-License-Identifier: Apache-2.0

package syncengine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// timeLayout is the fixed-width UTC format used for every persisted
// timestamp. Fixed width keeps lexicographic comparison in SQL equivalent to
// chronological comparison.
const timeLayout = "2006-01-02T15:04:05.000Z"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	return time.Parse(timeLayout, s)
}

// Store is the authoritative on-device store of domain entities, backed by
// SQLite. It is mutated only from the orchestrator's single active cycle plus
// foreground user edits; writeMu serializes writes to prevent SQLite locking
// issues.
type Store struct {
	DB      *sql.DB
	logger  *slog.Logger
	writeMu sync.Mutex

	// now is swappable in tests for deterministic timestamps.
	now func() time.Time
}

// NewStore initializes the schema (entity tables, sync metadata, tombstone
// triggers) and returns a ready store.
func NewStore(db *sql.DB, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Store{DB: db, logger: logger, now: time.Now}
	if err := s.initializeSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize local store: %w", err)
	}
	return s, nil
}

func (s *Store) initializeSchema() error {
	// WAL mode and foreign keys, same as every on-device SQLite deployment
	if _, err := s.DB.Exec(`PRAGMA journal_mode=WAL`); err != nil {
		return fmt.Errorf("failed to enable WAL mode: %w", err)
	}
	if _, err := s.DB.Exec(`PRAGMA foreign_keys=ON`); err != nil {
		return fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	tables := []string{
		`CREATE TABLE IF NOT EXISTS students (
			id                TEXT PRIMARY KEY,
			first_name        TEXT NOT NULL DEFAULT '',
			last_name         TEXT NOT NULL DEFAULT '',
			email             TEXT NOT NULL DEFAULT '',
			phone             TEXT NOT NULL DEFAULT '',
			goal_private      INTEGER NOT NULL DEFAULT 0,
			goal_instrument   INTEGER NOT NULL DEFAULT 0,
			goal_commercial   INTEGER NOT NULL DEFAULT 0,
			solo_complete     INTEGER NOT NULL DEFAULT 0,
			checkride_passed  INTEGER NOT NULL DEFAULT 0,
			last_modified     TEXT NOT NULL,
			remote_record_id  TEXT,
			share_id          TEXT
		)`,

		`CREATE TABLE IF NOT EXISTS checklist_templates (
			id               TEXT PRIMARY KEY,
			name             TEXT NOT NULL DEFAULT '',
			category         TEXT NOT NULL DEFAULT '',
			phase            TEXT NOT NULL DEFAULT '',
			content_id       TEXT NOT NULL DEFAULT '',
			last_modified    TEXT NOT NULL,
			remote_record_id TEXT
		)`,

		`CREATE TABLE IF NOT EXISTS template_items (
			id          TEXT PRIMARY KEY,
			template_id TEXT NOT NULL REFERENCES checklist_templates(id) ON DELETE CASCADE,
			title       TEXT NOT NULL DEFAULT '',
			detail      TEXT NOT NULL DEFAULT '',
			position    INTEGER NOT NULL DEFAULT 0,
			content_id  TEXT NOT NULL DEFAULT ''
		)`,

		// template_id is a weak reference on purpose: no FK, resolved by
		// lookup, since the template may be re-synced independently.
		`CREATE TABLE IF NOT EXISTS checklist_assignments (
			id                  TEXT PRIMARY KEY,
			student_id          TEXT NOT NULL REFERENCES students(id) ON DELETE CASCADE,
			template_id         TEXT NOT NULL,
			instructor_comments TEXT NOT NULL DEFAULT '',
			dual_hours          REAL NOT NULL DEFAULT 0,
			last_modified       TEXT NOT NULL,
			remote_record_id    TEXT
		)`,

		`CREATE TABLE IF NOT EXISTS item_progress (
			id               TEXT PRIMARY KEY,
			assignment_id    TEXT NOT NULL REFERENCES checklist_assignments(id) ON DELETE CASCADE,
			item_id          TEXT NOT NULL,
			is_complete      INTEGER NOT NULL DEFAULT 0,
			completed_at     TEXT,
			notes            TEXT NOT NULL DEFAULT '',
			last_modified    TEXT NOT NULL,
			remote_record_id TEXT
		)`,

		`CREATE TABLE IF NOT EXISTS endorsement_images (
			id               TEXT PRIMARY KEY,
			student_id       TEXT NOT NULL REFERENCES students(id) ON DELETE CASCADE,
			filename         TEXT NOT NULL DEFAULT '',
			data             BLOB,
			expiration_date  TEXT,
			last_modified    TEXT NOT NULL,
			remote_record_id TEXT
		)`,

		`CREATE TABLE IF NOT EXISTS student_documents (
			id               TEXT PRIMARY KEY,
			student_id       TEXT NOT NULL REFERENCES students(id) ON DELETE CASCADE,
			filename         TEXT NOT NULL DEFAULT '',
			data             BLOB,
			expiration_date  TEXT,
			last_modified    TEXT NOT NULL,
			remote_record_id TEXT
		)`,

		// One row of engine state. apply_mode=1 suppresses tombstone capture
		// while server-originated changes are being materialized.
		`CREATE TABLE IF NOT EXISTS sync_state (
			id         INTEGER PRIMARY KEY CHECK (id = 1),
			apply_mode INTEGER NOT NULL DEFAULT 0
		)`,

		// Per-entity watermark recorded at last successful sync. The conflict
		// detector compares against this, never against wall-clock now.
		`CREATE TABLE IF NOT EXISTS sync_row_meta (
			entity_type    TEXT NOT NULL,
			entity_id      TEXT NOT NULL,
			last_synced_at TEXT NOT NULL DEFAULT '',
			PRIMARY KEY (entity_type, entity_id)
		)`,

		// Deletions captured by triggers so they can be pushed to the remote
		// store on the next cycle. remote_record_id/student_id are copied
		// from the deleted row because the row itself is gone by push time.
		`CREATE TABLE IF NOT EXISTS sync_tombstones (
			entity_type      TEXT NOT NULL,
			entity_id        TEXT NOT NULL,
			remote_record_id TEXT,
			student_id       TEXT,
			deleted_at       TEXT NOT NULL,
			PRIMARY KEY (entity_type, entity_id)
		)`,

		// Durable ordered log of operations attempted while the remote store
		// was unreachable. seq preserves submission order across entities.
		`CREATE TABLE IF NOT EXISTS sync_op_queue (
			seq           INTEGER PRIMARY KEY AUTOINCREMENT,
			entity_type   TEXT NOT NULL,
			entity_id     TEXT NOT NULL,
			op            TEXT NOT NULL CHECK (op IN ('CREATE','UPDATE','DELETE')),
			payload       TEXT,
			attempt_count INTEGER NOT NULL DEFAULT 0,
			enqueued_at   TEXT NOT NULL
		)`,
	}

	for _, table := range tables {
		if _, err := s.DB.Exec(table); err != nil {
			return fmt.Errorf("failed to create sync table: %w", err)
		}
	}

	if _, err := s.DB.Exec(`INSERT OR IGNORE INTO sync_state (id, apply_mode) VALUES (1, 0)`); err != nil {
		return fmt.Errorf("failed to seed sync state: %w", err)
	}
	// Reset apply_mode in case the app crashed while server changes were
	// being applied; otherwise tombstone capture stays suppressed forever.
	if _, err := s.DB.Exec(`UPDATE sync_state SET apply_mode = 0 WHERE apply_mode = 1`); err != nil {
		return fmt.Errorf("failed to reset apply_mode: %w", err)
	}

	return s.createTombstoneTriggers()
}

// bumpModified returns a timestamp strictly after prev even when the clock
// has not advanced past the stored millisecond resolution.
func (s *Store) bumpModified(prev time.Time) time.Time {
	now := s.now().UTC().Truncate(time.Millisecond)
	if !now.After(prev) {
		now = prev.Add(time.Millisecond)
	}
	return now
}

// setApplyMode toggles trigger suppression inside tx.
func setApplyMode(ctx context.Context, tx *sql.Tx, on bool) error {
	v := 0
	if on {
		v = 1
	}
	if _, err := tx.ExecContext(ctx, `UPDATE sync_state SET apply_mode = ?`, v); err != nil {
		return fmt.Errorf("failed to set apply_mode: %w", err)
	}
	return nil
}

// Watermark returns the last-synced watermark for the entity, zero time if
// the entity has never completed a sync.
func (s *Store) Watermark(ctx context.Context, entityType, entityID string) (time.Time, error) {
	var raw string
	err := s.DB.QueryRowContext(ctx, `
		SELECT last_synced_at FROM sync_row_meta WHERE entity_type = ? AND entity_id = ?
	`, entityType, entityID).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to query watermark: %w", err)
	}
	t, err := parseTime(raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: bad watermark %q for %s %s", ErrCorruptStore, raw, entityType, entityID)
	}
	return t, nil
}

// SetWatermark records the watermark after a successful push or pull.
func (s *Store) SetWatermark(ctx context.Context, entityType, entityID string, t time.Time) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_, err := s.DB.ExecContext(ctx, `
		INSERT INTO sync_row_meta (entity_type, entity_id, last_synced_at)
		VALUES (?, ?, ?)
		ON CONFLICT (entity_type, entity_id) DO UPDATE SET last_synced_at = excluded.last_synced_at
	`, entityType, entityID, formatTime(t))
	if err != nil {
		return fmt.Errorf("failed to set watermark: %w", err)
	}
	return nil
}

// Tombstone is a deletion captured by triggers, waiting to be pushed.
type Tombstone struct {
	EntityType     string
	EntityID       string
	RemoteRecordID *string
	StudentID      *string
	DeletedAt      time.Time
}

// Tombstones returns pending local deletions in deletion order.
func (s *Store) Tombstones(ctx context.Context) ([]Tombstone, error) {
	rows, err := s.DB.QueryContext(ctx, `
		SELECT entity_type, entity_id, remote_record_id, student_id, deleted_at
		FROM sync_tombstones ORDER BY deleted_at, entity_type, entity_id
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query tombstones: %w", err)
	}
	defer rows.Close()

	var out []Tombstone
	for rows.Next() {
		var t Tombstone
		var deletedAt string
		if err := rows.Scan(&t.EntityType, &t.EntityID, &t.RemoteRecordID, &t.StudentID, &deletedAt); err != nil {
			return nil, fmt.Errorf("failed to scan tombstone: %w", err)
		}
		if t.DeletedAt, err = parseTime(deletedAt); err != nil {
			return nil, fmt.Errorf("%w: bad tombstone timestamp %q", ErrCorruptStore, deletedAt)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// ClearTombstone removes a tombstone after its remote deletion is confirmed.
func (s *Store) ClearTombstone(ctx context.Context, entityType, entityID string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_, err := s.DB.ExecContext(ctx, `
		DELETE FROM sync_tombstones WHERE entity_type = ? AND entity_id = ?
	`, entityType, entityID)
	if err != nil {
		return fmt.Errorf("failed to clear tombstone: %w", err)
	}
	// Deleted rows keep their watermark row around otherwise
	_, err = s.DB.ExecContext(ctx, `
		DELETE FROM sync_row_meta WHERE entity_type = ? AND entity_id = ?
	`, entityType, entityID)
	if err != nil {
		return fmt.Errorf("failed to clear row meta: %w", err)
	}
	return nil
}
