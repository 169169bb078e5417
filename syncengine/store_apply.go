// Copyright 2025 Right Rudder Authors
// SPDX-License-Identifier: Apache-2.0

package syncengine

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// Apply helpers write server-originated state into the local store. Unlike
// the Save* methods they never bump LastModified - the entity carries the
// remote timestamp - and they advance the watermark in the same transaction
// so a crash cannot leave the row looking locally dirty.

func (s *Store) applyTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin apply transaction: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
			_, _ = s.DB.ExecContext(ctx, `UPDATE sync_state SET apply_mode = 0`)
		}
	}()

	// Suppress tombstone capture while server state is materialized
	if err := setApplyMode(ctx, tx, true); err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		return err
	}
	if err := setApplyMode(ctx, tx, false); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit apply transaction: %w", err)
	}
	committed = true
	return nil
}

func setWatermarkInTx(ctx context.Context, tx *sql.Tx, entityType, entityID string, t time.Time) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO sync_row_meta (entity_type, entity_id, last_synced_at)
		VALUES (?, ?, ?)
		ON CONFLICT (entity_type, entity_id) DO UPDATE SET last_synced_at = excluded.last_synced_at
	`, entityType, entityID, formatTime(t))
	if err != nil {
		return fmt.Errorf("failed to set watermark: %w", err)
	}
	return nil
}

// ApplyStudent materializes a server-side student state locally.
func (s *Store) ApplyStudent(ctx context.Context, st *Student, syncedAt time.Time) error {
	return s.applyTx(ctx, func(tx *sql.Tx) error {
		if err := s.writeStudent(ctx, tx, st); err != nil {
			return err
		}
		return setWatermarkInTx(ctx, tx, EntityStudent, st.ID.String(), syncedAt)
	})
}

// ApplyAssignment materializes a server-side assignment state locally.
func (s *Store) ApplyAssignment(ctx context.Context, a *ChecklistAssignment, syncedAt time.Time) error {
	return s.applyTx(ctx, func(tx *sql.Tx) error {
		if err := s.writeAssignment(ctx, tx, a); err != nil {
			return err
		}
		return setWatermarkInTx(ctx, tx, EntityAssignment, a.ID.String(), syncedAt)
	})
}

// ApplyProgress materializes a server-side item-progress state locally.
func (s *Store) ApplyProgress(ctx context.Context, p *ItemProgress, syncedAt time.Time) error {
	return s.applyTx(ctx, func(tx *sql.Tx) error {
		if err := s.writeProgress(ctx, tx, p); err != nil {
			return err
		}
		return setWatermarkInTx(ctx, tx, EntityProgress, p.ID.String(), syncedAt)
	})
}

// ApplyTemplate materializes a server-side template (with items) locally.
func (s *Store) ApplyTemplate(ctx context.Context, tpl *ChecklistTemplate, syncedAt time.Time) error {
	return s.applyTx(ctx, func(tx *sql.Tx) error {
		if err := s.writeTemplate(ctx, tx, tpl); err != nil {
			return err
		}
		return setWatermarkInTx(ctx, tx, EntityTemplate, tpl.ID.String(), syncedAt)
	})
}

// ApplyDocument materializes a student-uploaded document locally.
func (s *Store) ApplyDocument(ctx context.Context, d *StudentDocument, syncedAt time.Time) error {
	return s.applyTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO student_documents (id, student_id, filename, data, expiration_date, last_modified, remote_record_id)
			VALUES (?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (id) DO UPDATE SET
				filename = excluded.filename,
				data = excluded.data,
				expiration_date = excluded.expiration_date,
				last_modified = excluded.last_modified,
				remote_record_id = COALESCE(excluded.remote_record_id, student_documents.remote_record_id)
		`, d.ID.String(), d.StudentID.String(), d.Filename, d.Data,
			nullTime(d.ExpirationDate), formatTime(d.LastModified), nullStr(d.RemoteRecordID))
		if err != nil {
			return fmt.Errorf("failed to apply document: %w", err)
		}
		return setWatermarkInTx(ctx, tx, EntityDocument, d.ID.String(), syncedAt)
	})
}

// ApplyEndorsement materializes a server-side endorsement image locally.
func (s *Store) ApplyEndorsement(ctx context.Context, e *EndorsementImage, syncedAt time.Time) error {
	return s.applyTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO endorsement_images (id, student_id, filename, data, expiration_date, last_modified, remote_record_id)
			VALUES (?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (id) DO UPDATE SET
				filename = excluded.filename,
				data = excluded.data,
				expiration_date = excluded.expiration_date,
				last_modified = excluded.last_modified,
				remote_record_id = COALESCE(excluded.remote_record_id, endorsement_images.remote_record_id)
		`, e.ID.String(), e.StudentID.String(), e.Filename, e.Data,
			nullTime(e.ExpirationDate), formatTime(e.LastModified), nullStr(e.RemoteRecordID))
		if err != nil {
			return fmt.Errorf("failed to apply endorsement: %w", err)
		}
		return setWatermarkInTx(ctx, tx, EntityEndorsement, e.ID.String(), syncedAt)
	})
}
