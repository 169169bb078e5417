// Copyright 2025 Right Rudder Authors
// SPDX-License-Identifier: Apache-2.0

package syncengine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

func nullStr(s *string) any {
	if s == nil {
		return nil
	}
	return *s
}

func strPtr(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	v := ns.String
	return &v
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}

func timePtr(ns sql.NullString) (*time.Time, error) {
	if !ns.Valid || ns.String == "" {
		return nil, nil
	}
	t, err := parseTime(ns.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// ---------------------------------------------------------------------------
// Students

// SaveStudent upserts a student from a foreground edit and bumps
// LastModified so the next sync cycle picks the row up.
func (s *Store) SaveStudent(ctx context.Context, st *Student) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	st.LastModified = s.bumpModified(st.LastModified)
	return s.writeStudent(ctx, s.DB, st)
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (s *Store) writeStudent(ctx context.Context, db execer, st *Student) error {
	_, err := db.ExecContext(ctx, `
		INSERT INTO students (id, first_name, last_name, email, phone,
			goal_private, goal_instrument, goal_commercial, solo_complete, checkride_passed,
			last_modified, remote_record_id, share_id)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			first_name = excluded.first_name,
			last_name = excluded.last_name,
			email = excluded.email,
			phone = excluded.phone,
			goal_private = excluded.goal_private,
			goal_instrument = excluded.goal_instrument,
			goal_commercial = excluded.goal_commercial,
			solo_complete = excluded.solo_complete,
			checkride_passed = excluded.checkride_passed,
			last_modified = excluded.last_modified,
			remote_record_id = COALESCE(excluded.remote_record_id, students.remote_record_id),
			share_id = COALESCE(excluded.share_id, students.share_id)
	`, st.ID.String(), st.FirstName, st.LastName, st.Email, st.Phone,
		st.GoalPrivatePilot, st.GoalInstrumentRating, st.GoalCommercial,
		st.SoloComplete, st.CheckridePassed,
		formatTime(st.LastModified), nullStr(st.RemoteRecordID), nullStr(st.ShareID))
	if err != nil {
		return fmt.Errorf("failed to save student: %w", err)
	}
	return nil
}

const studentColumns = `id, first_name, last_name, email, phone,
	goal_private, goal_instrument, goal_commercial, solo_complete, checkride_passed,
	last_modified, remote_record_id, share_id`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanStudent(row rowScanner) (*Student, error) {
	var st Student
	var id, lastModified string
	var remoteID, shareID sql.NullString
	err := row.Scan(&id, &st.FirstName, &st.LastName, &st.Email, &st.Phone,
		&st.GoalPrivatePilot, &st.GoalInstrumentRating, &st.GoalCommercial,
		&st.SoloComplete, &st.CheckridePassed,
		&lastModified, &remoteID, &shareID)
	if err != nil {
		return nil, err
	}
	if st.ID, err = uuid.Parse(id); err != nil {
		return nil, fmt.Errorf("%w: bad student id %q", ErrCorruptStore, id)
	}
	if st.LastModified, err = parseTime(lastModified); err != nil {
		return nil, fmt.Errorf("%w: bad student timestamp %q", ErrCorruptStore, lastModified)
	}
	st.RemoteRecordID = strPtr(remoteID)
	st.ShareID = strPtr(shareID)
	return &st, nil
}

// GetStudent loads one student, sql.ErrNoRows wrapped as not-found.
func (s *Store) GetStudent(ctx context.Context, id uuid.UUID) (*Student, error) {
	row := s.DB.QueryRowContext(ctx,
		`SELECT `+studentColumns+` FROM students WHERE id = ?`, id.String())
	st, err := scanStudent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("student %s: %w", id, ErrRecordNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load student: %w", err)
	}
	return st, nil
}

// ListStudents returns all students ordered by last name.
func (s *Store) ListStudents(ctx context.Context) ([]Student, error) {
	rows, err := s.DB.QueryContext(ctx,
		`SELECT `+studentColumns+` FROM students ORDER BY last_name, first_name`)
	if err != nil {
		return nil, fmt.Errorf("failed to query students: %w", err)
	}
	defer rows.Close()
	var out []Student
	for rows.Next() {
		st, err := scanStudent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *st)
	}
	return out, rows.Err()
}

// DeleteStudent removes a student; FK cascades remove assignments, progress,
// endorsements and documents, and tombstone triggers capture every deletion.
func (s *Store) DeleteStudent(ctx context.Context, id uuid.UUID) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if _, err := s.DB.ExecContext(ctx, `DELETE FROM students WHERE id = ?`, id.String()); err != nil {
		return fmt.Errorf("failed to delete student: %w", err)
	}
	return nil
}

// dirtyWhere selects rows with unsynced edits: never pushed, or modified
// after the recorded watermark. Timestamps compare lexicographically because
// they share one fixed-width format.
const dirtyWhere = ` t.remote_record_id IS NULL OR m.last_synced_at IS NULL OR t.last_modified > m.last_synced_at`

// DirtyStudents returns students needing a push, oldest edits first.
func (s *Store) DirtyStudents(ctx context.Context) ([]Student, error) {
	rows, err := s.DB.QueryContext(ctx, `
		SELECT `+qualified(studentColumns)+`
		FROM students t
		LEFT JOIN sync_row_meta m ON m.entity_type = ? AND m.entity_id = t.id
		WHERE`+dirtyWhere+`
		ORDER BY t.last_modified
	`, EntityStudent)
	if err != nil {
		return nil, fmt.Errorf("failed to query dirty students: %w", err)
	}
	defer rows.Close()
	var out []Student
	for rows.Next() {
		st, err := scanStudent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *st)
	}
	return out, rows.Err()
}

// ---------------------------------------------------------------------------
// Templates and items

// SaveTemplate upserts a template and reconciles its item list: items
// missing from tpl.Items are deleted (their tombstones are captured), the
// rest are upserted in place.
func (s *Store) SaveTemplate(ctx context.Context, tpl *ChecklistTemplate) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	tpl.LastModified = s.bumpModified(tpl.LastModified)

	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := s.writeTemplate(ctx, tx, tpl); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit template: %w", err)
	}
	return nil
}

func (s *Store) writeTemplate(ctx context.Context, tx *sql.Tx, tpl *ChecklistTemplate) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO checklist_templates (id, name, category, phase, content_id, last_modified, remote_record_id)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			name = excluded.name,
			category = excluded.category,
			phase = excluded.phase,
			content_id = excluded.content_id,
			last_modified = excluded.last_modified,
			remote_record_id = COALESCE(excluded.remote_record_id, checklist_templates.remote_record_id)
	`, tpl.ID.String(), tpl.Name, tpl.Category, tpl.Phase, tpl.ContentID,
		formatTime(tpl.LastModified), nullStr(tpl.RemoteRecordID))
	if err != nil {
		return fmt.Errorf("failed to save template: %w", err)
	}

	keep := make([]any, 0, len(tpl.Items)+1)
	keep = append(keep, tpl.ID.String())
	for i := range tpl.Items {
		item := &tpl.Items[i]
		item.TemplateID = tpl.ID
		item.Position = i
		_, err := tx.ExecContext(ctx, `
			INSERT INTO template_items (id, template_id, title, detail, position, content_id)
			VALUES (?, ?, ?, ?, ?, ?)
			ON CONFLICT (id) DO UPDATE SET
				title = excluded.title,
				detail = excluded.detail,
				position = excluded.position,
				content_id = excluded.content_id
		`, item.ID.String(), tpl.ID.String(), item.Title, item.Detail, item.Position, item.ContentID)
		if err != nil {
			return fmt.Errorf("failed to save template item: %w", err)
		}
		keep = append(keep, item.ID.String())
	}

	placeholders := ""
	for range tpl.Items {
		placeholders += ",?"
	}
	_, err = tx.ExecContext(ctx,
		`DELETE FROM template_items WHERE template_id = ? AND id NOT IN (''`+placeholders+`)`,
		keep...)
	if err != nil {
		return fmt.Errorf("failed to prune template items: %w", err)
	}
	return nil
}

// GetTemplate loads a template with its ordered items.
func (s *Store) GetTemplate(ctx context.Context, id uuid.UUID) (*ChecklistTemplate, error) {
	row := s.DB.QueryRowContext(ctx, `
		SELECT id, name, category, phase, content_id, last_modified, remote_record_id
		FROM checklist_templates WHERE id = ?
	`, id.String())
	tpl, err := scanTemplate(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("template %s: %w", id, ErrRecordNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load template: %w", err)
	}
	if tpl.Items, err = s.loadTemplateItems(ctx, id); err != nil {
		return nil, err
	}
	return tpl, nil
}

func scanTemplate(row rowScanner) (*ChecklistTemplate, error) {
	var tpl ChecklistTemplate
	var id, lastModified string
	var remoteID sql.NullString
	err := row.Scan(&id, &tpl.Name, &tpl.Category, &tpl.Phase, &tpl.ContentID, &lastModified, &remoteID)
	if err != nil {
		return nil, err
	}
	if tpl.ID, err = uuid.Parse(id); err != nil {
		return nil, fmt.Errorf("%w: bad template id %q", ErrCorruptStore, id)
	}
	if tpl.LastModified, err = parseTime(lastModified); err != nil {
		return nil, fmt.Errorf("%w: bad template timestamp %q", ErrCorruptStore, lastModified)
	}
	tpl.RemoteRecordID = strPtr(remoteID)
	return &tpl, nil
}

func (s *Store) loadTemplateItems(ctx context.Context, templateID uuid.UUID) ([]TemplateItem, error) {
	rows, err := s.DB.QueryContext(ctx, `
		SELECT id, template_id, title, detail, position, content_id
		FROM template_items WHERE template_id = ? ORDER BY position
	`, templateID.String())
	if err != nil {
		return nil, fmt.Errorf("failed to query template items: %w", err)
	}
	defer rows.Close()
	var items []TemplateItem
	for rows.Next() {
		var it TemplateItem
		var id, tid string
		if err := rows.Scan(&id, &tid, &it.Title, &it.Detail, &it.Position, &it.ContentID); err != nil {
			return nil, fmt.Errorf("failed to scan template item: %w", err)
		}
		if it.ID, err = uuid.Parse(id); err != nil {
			return nil, fmt.Errorf("%w: bad template item id %q", ErrCorruptStore, id)
		}
		if it.TemplateID, err = uuid.Parse(tid); err != nil {
			return nil, fmt.Errorf("%w: bad template id %q on item", ErrCorruptStore, tid)
		}
		items = append(items, it)
	}
	return items, rows.Err()
}

// DirtyTemplates returns templates needing a push, items loaded.
func (s *Store) DirtyTemplates(ctx context.Context) ([]ChecklistTemplate, error) {
	rows, err := s.DB.QueryContext(ctx, `
		SELECT t.id, t.name, t.category, t.phase, t.content_id, t.last_modified, t.remote_record_id
		FROM checklist_templates t
		LEFT JOIN sync_row_meta m ON m.entity_type = ? AND m.entity_id = t.id
		WHERE`+dirtyWhere+`
		ORDER BY t.last_modified
	`, EntityTemplate)
	if err != nil {
		return nil, fmt.Errorf("failed to query dirty templates: %w", err)
	}
	defer rows.Close()
	var out []ChecklistTemplate
	for rows.Next() {
		tpl, err := scanTemplate(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *tpl)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i := range out {
		if out[i].Items, err = s.loadTemplateItems(ctx, out[i].ID); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// DeleteTemplate removes a template and its items.
func (s *Store) DeleteTemplate(ctx context.Context, id uuid.UUID) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if _, err := s.DB.ExecContext(ctx, `DELETE FROM checklist_templates WHERE id = ?`, id.String()); err != nil {
		return fmt.Errorf("failed to delete template: %w", err)
	}
	return nil
}

// ---------------------------------------------------------------------------
// Assignments and item progress

// SaveAssignment upserts the assignment row only; progress rows are managed
// through SaveItemProgress since they sync as independent records.
func (s *Store) SaveAssignment(ctx context.Context, a *ChecklistAssignment) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	a.LastModified = s.bumpModified(a.LastModified)
	return s.writeAssignment(ctx, s.DB, a)
}

func (s *Store) writeAssignment(ctx context.Context, db execer, a *ChecklistAssignment) error {
	_, err := db.ExecContext(ctx, `
		INSERT INTO checklist_assignments (id, student_id, template_id, instructor_comments, dual_hours, last_modified, remote_record_id)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			student_id = excluded.student_id,
			template_id = excluded.template_id,
			instructor_comments = excluded.instructor_comments,
			dual_hours = excluded.dual_hours,
			last_modified = excluded.last_modified,
			remote_record_id = COALESCE(excluded.remote_record_id, checklist_assignments.remote_record_id)
	`, a.ID.String(), a.StudentID.String(), a.TemplateID.String(),
		a.InstructorComments, a.DualHours, formatTime(a.LastModified), nullStr(a.RemoteRecordID))
	if err != nil {
		return fmt.Errorf("failed to save assignment: %w", err)
	}
	return nil
}

func scanAssignment(row rowScanner) (*ChecklistAssignment, error) {
	var a ChecklistAssignment
	var id, studentID, templateID, lastModified string
	var remoteID sql.NullString
	err := row.Scan(&id, &studentID, &templateID, &a.InstructorComments, &a.DualHours, &lastModified, &remoteID)
	if err != nil {
		return nil, err
	}
	if a.ID, err = uuid.Parse(id); err != nil {
		return nil, fmt.Errorf("%w: bad assignment id %q", ErrCorruptStore, id)
	}
	if a.StudentID, err = uuid.Parse(studentID); err != nil {
		return nil, fmt.Errorf("%w: bad student id %q on assignment", ErrCorruptStore, studentID)
	}
	if a.TemplateID, err = uuid.Parse(templateID); err != nil {
		return nil, fmt.Errorf("%w: bad template id %q on assignment", ErrCorruptStore, templateID)
	}
	if a.LastModified, err = parseTime(lastModified); err != nil {
		return nil, fmt.Errorf("%w: bad assignment timestamp %q", ErrCorruptStore, lastModified)
	}
	a.RemoteRecordID = strPtr(remoteID)
	return &a, nil
}

const assignmentColumns = `id, student_id, template_id, instructor_comments, dual_hours, last_modified, remote_record_id`

// GetAssignment loads an assignment with its progress rows.
func (s *Store) GetAssignment(ctx context.Context, id uuid.UUID) (*ChecklistAssignment, error) {
	row := s.DB.QueryRowContext(ctx,
		`SELECT `+assignmentColumns+` FROM checklist_assignments WHERE id = ?`, id.String())
	a, err := scanAssignment(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("assignment %s: %w", id, ErrRecordNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load assignment: %w", err)
	}
	if a.Progress, err = s.loadProgress(ctx, id); err != nil {
		return nil, err
	}
	return a, nil
}

// ListAssignmentsForStudent returns the student's assignments with progress.
func (s *Store) ListAssignmentsForStudent(ctx context.Context, studentID uuid.UUID) ([]ChecklistAssignment, error) {
	rows, err := s.DB.QueryContext(ctx,
		`SELECT `+assignmentColumns+` FROM checklist_assignments WHERE student_id = ? ORDER BY last_modified`,
		studentID.String())
	if err != nil {
		return nil, fmt.Errorf("failed to query assignments: %w", err)
	}
	defer rows.Close()
	var out []ChecklistAssignment
	for rows.Next() {
		a, err := scanAssignment(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *a)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i := range out {
		if out[i].Progress, err = s.loadProgress(ctx, out[i].ID); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// DirtyAssignments returns assignments needing a push (progress excluded;
// progress rows are their own sync unit).
func (s *Store) DirtyAssignments(ctx context.Context) ([]ChecklistAssignment, error) {
	rows, err := s.DB.QueryContext(ctx, `
		SELECT `+qualified(assignmentColumns)+`
		FROM checklist_assignments t
		LEFT JOIN sync_row_meta m ON m.entity_type = ? AND m.entity_id = t.id
		WHERE`+dirtyWhere+`
		ORDER BY t.last_modified
	`, EntityAssignment)
	if err != nil {
		return nil, fmt.Errorf("failed to query dirty assignments: %w", err)
	}
	defer rows.Close()
	var out []ChecklistAssignment
	for rows.Next() {
		a, err := scanAssignment(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *a)
	}
	return out, rows.Err()
}

// DeleteAssignment removes an assignment and cascades its progress rows.
func (s *Store) DeleteAssignment(ctx context.Context, id uuid.UUID) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if _, err := s.DB.ExecContext(ctx, `DELETE FROM checklist_assignments WHERE id = ?`, id.String()); err != nil {
		return fmt.Errorf("failed to delete assignment: %w", err)
	}
	return nil
}

// SaveItemProgress upserts one progress row (the common "toggle an item"
// path) and bumps both its own and its parent assignment's timestamps.
func (s *Store) SaveItemProgress(ctx context.Context, p *ItemProgress) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	p.LastModified = s.bumpModified(p.LastModified)
	return s.writeProgress(ctx, s.DB, p)
}

func (s *Store) writeProgress(ctx context.Context, db execer, p *ItemProgress) error {
	_, err := db.ExecContext(ctx, `
		INSERT INTO item_progress (id, assignment_id, item_id, is_complete, completed_at, notes, last_modified, remote_record_id)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			is_complete = excluded.is_complete,
			completed_at = excluded.completed_at,
			notes = excluded.notes,
			last_modified = excluded.last_modified,
			remote_record_id = COALESCE(excluded.remote_record_id, item_progress.remote_record_id)
	`, p.ID.String(), p.AssignmentID.String(), p.ItemID.String(),
		p.IsComplete, nullTime(p.CompletedAt), p.Notes, formatTime(p.LastModified), nullStr(p.RemoteRecordID))
	if err != nil {
		return fmt.Errorf("failed to save item progress: %w", err)
	}
	return nil
}

func scanProgress(row rowScanner) (*ItemProgress, error) {
	var p ItemProgress
	var id, assignmentID, itemID, lastModified string
	var completedAt, remoteID sql.NullString
	err := row.Scan(&id, &assignmentID, &itemID, &p.IsComplete, &completedAt, &p.Notes, &lastModified, &remoteID)
	if err != nil {
		return nil, err
	}
	if p.ID, err = uuid.Parse(id); err != nil {
		return nil, fmt.Errorf("%w: bad progress id %q", ErrCorruptStore, id)
	}
	if p.AssignmentID, err = uuid.Parse(assignmentID); err != nil {
		return nil, fmt.Errorf("%w: bad assignment id %q on progress", ErrCorruptStore, assignmentID)
	}
	if p.ItemID, err = uuid.Parse(itemID); err != nil {
		return nil, fmt.Errorf("%w: bad item id %q on progress", ErrCorruptStore, itemID)
	}
	if p.CompletedAt, err = timePtr(completedAt); err != nil {
		return nil, fmt.Errorf("%w: bad completed_at on progress", ErrCorruptStore)
	}
	if p.LastModified, err = parseTime(lastModified); err != nil {
		return nil, fmt.Errorf("%w: bad progress timestamp %q", ErrCorruptStore, lastModified)
	}
	p.RemoteRecordID = strPtr(remoteID)
	return &p, nil
}

const progressColumns = `id, assignment_id, item_id, is_complete, completed_at, notes, last_modified, remote_record_id`

func (s *Store) loadProgress(ctx context.Context, assignmentID uuid.UUID) ([]ItemProgress, error) {
	rows, err := s.DB.QueryContext(ctx,
		`SELECT `+progressColumns+` FROM item_progress WHERE assignment_id = ? ORDER BY last_modified`,
		assignmentID.String())
	if err != nil {
		return nil, fmt.Errorf("failed to query item progress: %w", err)
	}
	defer rows.Close()
	var out []ItemProgress
	for rows.Next() {
		p, err := scanProgress(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *p)
	}
	return out, rows.Err()
}

// DirtyProgress returns progress rows needing a push.
func (s *Store) DirtyProgress(ctx context.Context) ([]ItemProgress, error) {
	rows, err := s.DB.QueryContext(ctx, `
		SELECT `+qualified(progressColumns)+`
		FROM item_progress t
		LEFT JOIN sync_row_meta m ON m.entity_type = ? AND m.entity_id = t.id
		WHERE`+dirtyWhere+`
		ORDER BY t.last_modified
	`, EntityProgress)
	if err != nil {
		return nil, fmt.Errorf("failed to query dirty progress: %w", err)
	}
	defer rows.Close()
	var out []ItemProgress
	for rows.Next() {
		p, err := scanProgress(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *p)
	}
	return out, rows.Err()
}

// ---------------------------------------------------------------------------
// Attachments (endorsements and documents share one shape)

func (s *Store) saveAttachment(ctx context.Context, table string, id, studentID uuid.UUID,
	filename string, data []byte, expiration *time.Time, lastModified time.Time, remoteID *string) error {
	_, err := s.DB.ExecContext(ctx, `
		INSERT INTO `+table+` (id, student_id, filename, data, expiration_date, last_modified, remote_record_id)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			filename = excluded.filename,
			data = excluded.data,
			expiration_date = excluded.expiration_date,
			last_modified = excluded.last_modified,
			remote_record_id = COALESCE(excluded.remote_record_id, `+table+`.remote_record_id)
	`, id.String(), studentID.String(), filename, data, nullTime(expiration),
		formatTime(lastModified), nullStr(remoteID))
	if err != nil {
		return fmt.Errorf("failed to save %s row: %w", table, err)
	}
	return nil
}

// SaveEndorsement upserts an endorsement image.
func (s *Store) SaveEndorsement(ctx context.Context, e *EndorsementImage) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	e.LastModified = s.bumpModified(e.LastModified)
	return s.saveAttachment(ctx, "endorsement_images", e.ID, e.StudentID,
		e.Filename, e.Data, e.ExpirationDate, e.LastModified, e.RemoteRecordID)
}

// SaveDocument upserts a student document.
func (s *Store) SaveDocument(ctx context.Context, d *StudentDocument) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	d.LastModified = s.bumpModified(d.LastModified)
	return s.saveAttachment(ctx, "student_documents", d.ID, d.StudentID,
		d.Filename, d.Data, d.ExpirationDate, d.LastModified, d.RemoteRecordID)
}

type attachmentRow struct {
	ID             uuid.UUID
	StudentID      uuid.UUID
	Filename       string
	Data           []byte
	ExpirationDate *time.Time
	LastModified   time.Time
	RemoteRecordID *string
}

func scanAttachment(row rowScanner) (*attachmentRow, error) {
	var a attachmentRow
	var id, studentID, lastModified string
	var expiration, remoteID sql.NullString
	err := row.Scan(&id, &studentID, &a.Filename, &a.Data, &expiration, &lastModified, &remoteID)
	if err != nil {
		return nil, err
	}
	if a.ID, err = uuid.Parse(id); err != nil {
		return nil, fmt.Errorf("%w: bad attachment id %q", ErrCorruptStore, id)
	}
	if a.StudentID, err = uuid.Parse(studentID); err != nil {
		return nil, fmt.Errorf("%w: bad student id %q on attachment", ErrCorruptStore, studentID)
	}
	if a.ExpirationDate, err = timePtr(expiration); err != nil {
		return nil, fmt.Errorf("%w: bad expiration on attachment", ErrCorruptStore)
	}
	if a.LastModified, err = parseTime(lastModified); err != nil {
		return nil, fmt.Errorf("%w: bad attachment timestamp %q", ErrCorruptStore, lastModified)
	}
	a.RemoteRecordID = strPtr(remoteID)
	return &a, nil
}

const attachmentColumns = `id, student_id, filename, data, expiration_date, last_modified, remote_record_id`

func (s *Store) dirtyAttachments(ctx context.Context, table, entityType string) ([]attachmentRow, error) {
	rows, err := s.DB.QueryContext(ctx, `
		SELECT `+qualified(attachmentColumns)+`
		FROM `+table+` t
		LEFT JOIN sync_row_meta m ON m.entity_type = ? AND m.entity_id = t.id
		WHERE`+dirtyWhere+`
		ORDER BY t.last_modified
	`, entityType)
	if err != nil {
		return nil, fmt.Errorf("failed to query dirty %s: %w", table, err)
	}
	defer rows.Close()
	var out []attachmentRow
	for rows.Next() {
		a, err := scanAttachment(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *a)
	}
	return out, rows.Err()
}

// DirtyEndorsements returns endorsement images needing a push.
func (s *Store) DirtyEndorsements(ctx context.Context) ([]EndorsementImage, error) {
	rows, err := s.dirtyAttachments(ctx, "endorsement_images", EntityEndorsement)
	if err != nil {
		return nil, err
	}
	out := make([]EndorsementImage, 0, len(rows))
	for _, r := range rows {
		out = append(out, EndorsementImage(r))
	}
	return out, nil
}

// DirtyDocuments returns student documents needing a push.
func (s *Store) DirtyDocuments(ctx context.Context) ([]StudentDocument, error) {
	rows, err := s.dirtyAttachments(ctx, "student_documents", EntityDocument)
	if err != nil {
		return nil, err
	}
	out := make([]StudentDocument, 0, len(rows))
	for _, r := range rows {
		out = append(out, StudentDocument(r))
	}
	return out, nil
}

// ListEndorsementsForStudent returns the student's endorsement images.
func (s *Store) ListEndorsementsForStudent(ctx context.Context, studentID uuid.UUID) ([]EndorsementImage, error) {
	rows, err := s.DB.QueryContext(ctx,
		`SELECT `+attachmentColumns+` FROM endorsement_images WHERE student_id = ? ORDER BY last_modified`,
		studentID.String())
	if err != nil {
		return nil, fmt.Errorf("failed to query endorsements: %w", err)
	}
	defer rows.Close()
	var out []EndorsementImage
	for rows.Next() {
		a, err := scanAttachment(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, EndorsementImage(*a))
	}
	return out, rows.Err()
}

// GetEndorsement loads one endorsement image.
func (s *Store) GetEndorsement(ctx context.Context, id uuid.UUID) (*EndorsementImage, error) {
	row := s.DB.QueryRowContext(ctx,
		`SELECT `+attachmentColumns+` FROM endorsement_images WHERE id = ?`, id.String())
	a, err := scanAttachment(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("endorsement %s: %w", id, ErrRecordNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load endorsement: %w", err)
	}
	e := EndorsementImage(*a)
	return &e, nil
}

// GetDocument loads one student document.
func (s *Store) GetDocument(ctx context.Context, id uuid.UUID) (*StudentDocument, error) {
	row := s.DB.QueryRowContext(ctx,
		`SELECT `+attachmentColumns+` FROM student_documents WHERE id = ?`, id.String())
	a, err := scanAttachment(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("document %s: %w", id, ErrRecordNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load document: %w", err)
	}
	d := StudentDocument(*a)
	return &d, nil
}

// DeleteEndorsement removes an endorsement image.
func (s *Store) DeleteEndorsement(ctx context.Context, id uuid.UUID) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if _, err := s.DB.ExecContext(ctx, `DELETE FROM endorsement_images WHERE id = ?`, id.String()); err != nil {
		return fmt.Errorf("failed to delete endorsement: %w", err)
	}
	return nil
}

// DeleteDocument removes a student document.
func (s *Store) DeleteDocument(ctx context.Context, id uuid.UUID) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if _, err := s.DB.ExecContext(ctx, `DELETE FROM student_documents WHERE id = ?`, id.String()); err != nil {
		return fmt.Errorf("failed to delete document: %w", err)
	}
	return nil
}

// ---------------------------------------------------------------------------
// Sync bookkeeping used by the orchestrator

var entityTables = map[string]string{
	EntityStudent:     "students",
	EntityTemplate:    "checklist_templates",
	EntityAssignment:  "checklist_assignments",
	EntityProgress:    "item_progress",
	EntityEndorsement: "endorsement_images",
	EntityDocument:    "student_documents",
}

// SetRemoteRecordID stores the remote identifier after a first successful
// push; once assigned it is stable for the life of the entity.
func (s *Store) SetRemoteRecordID(ctx context.Context, entityType string, id uuid.UUID, remoteID string) error {
	table, ok := entityTables[entityType]
	if !ok {
		return fmt.Errorf("entity type %q has no remote record id", entityType)
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_, err := s.DB.ExecContext(ctx,
		`UPDATE `+table+` SET remote_record_id = ? WHERE id = ? AND remote_record_id IS NULL`,
		remoteID, id.String())
	if err != nil {
		return fmt.Errorf("failed to set remote record id: %w", err)
	}
	return nil
}

// AssignmentCompletion resolves the assignment's template by lookup and
// counts completed items. An assignment whose template cannot be resolved is
// unrepaired and excluded from completeness until the template re-syncs.
func (s *Store) AssignmentCompletion(ctx context.Context, assignmentID uuid.UUID) (complete, total int, err error) {
	a, err := s.GetAssignment(ctx, assignmentID)
	if err != nil {
		return 0, 0, err
	}
	tpl, err := s.GetTemplate(ctx, a.TemplateID)
	if errors.Is(err, ErrRecordNotFound) {
		return 0, 0, fmt.Errorf("assignment %s: %w", assignmentID, ErrUnrepairedAssignment)
	}
	if err != nil {
		return 0, 0, err
	}

	done := make(map[uuid.UUID]bool, len(a.Progress))
	for _, p := range a.Progress {
		if p.IsComplete {
			done[p.ItemID] = true
		}
	}
	for _, item := range tpl.Items {
		if done[item.ID] {
			complete++
		}
	}
	return complete, len(tpl.Items), nil
}

// qualified prefixes each column in a comma-separated list with "t." for
// joined dirty-row queries.
func qualified(columns string) string {
	out := "t."
	for i := 0; i < len(columns); i++ {
		c := columns[i]
		out += string(c)
		if c == ',' {
			out += " t."
			for i+1 < len(columns) && (columns[i+1] == ' ' || columns[i+1] == '\n' || columns[i+1] == '\t') {
				i++
			}
		}
	}
	return out
}
