// Copyright 2025 Right Rudder Authors
// SPDX-License-Identifier: Apache-2.0

package syncengine

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	db, err := sql.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	store, err := NewStore(db, nil)
	require.NoError(t, err)
	return store
}

func testStudent() *Student {
	return &Student{
		ID:               uuid.New(),
		FirstName:        "Amelia",
		LastName:         "Reed",
		Email:            "amelia@example.com",
		GoalPrivatePilot: true,
	}
}

func TestInitializeSchema(t *testing.T) {
	store := newTestStore(t)

	expectedTables := []string{
		"students", "checklist_templates", "template_items",
		"checklist_assignments", "item_progress",
		"endorsement_images", "student_documents",
		"sync_state", "sync_row_meta", "sync_tombstones", "sync_op_queue",
	}
	for _, table := range expectedTables {
		var count int
		err := store.DB.QueryRow(
			"SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name=?", table).Scan(&count)
		require.NoError(t, err)
		require.Equal(t, 1, count, "Table %s should exist", table)
	}

	var foreignKeys int
	err := store.DB.QueryRow("PRAGMA foreign_keys").Scan(&foreignKeys)
	require.NoError(t, err)
	require.Equal(t, 1, foreignKeys)
}

func TestSaveStudentBumpsLastModified(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	st := testStudent()
	require.NoError(t, store.SaveStudent(ctx, st))
	first := st.LastModified
	require.False(t, first.IsZero())

	// A second save within the same millisecond must still move forward
	require.NoError(t, store.SaveStudent(ctx, st))
	require.True(t, st.LastModified.After(first))

	loaded, err := store.GetStudent(ctx, st.ID)
	require.NoError(t, err)
	require.Equal(t, st.FirstName, loaded.FirstName)
	require.True(t, loaded.LastModified.Equal(st.LastModified))
}

func TestGetStudentNotFound(t *testing.T) {
	store := newTestStore(t)

	_, err := store.GetStudent(context.Background(), uuid.New())
	require.ErrorIs(t, err, ErrRecordNotFound)
}

func TestDirtyStudents(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	st := testStudent()
	require.NoError(t, store.SaveStudent(ctx, st))

	// Never synced: dirty
	dirty, err := store.DirtyStudents(ctx)
	require.NoError(t, err)
	require.Len(t, dirty, 1)

	// Simulate a successful push: remote id assigned, watermark at the edit
	require.NoError(t, store.SetRemoteRecordID(ctx, EntityStudent, st.ID, "rec-1"))
	require.NoError(t, store.SetWatermark(ctx, EntityStudent, st.ID.String(), st.LastModified))

	dirty, err = store.DirtyStudents(ctx)
	require.NoError(t, err)
	require.Empty(t, dirty)

	// A new edit makes the row dirty again
	st.Phone = "555-0100"
	require.NoError(t, store.SaveStudent(ctx, st))
	dirty, err = store.DirtyStudents(ctx)
	require.NoError(t, err)
	require.Len(t, dirty, 1)
	require.Equal(t, "555-0100", dirty[0].Phone)
}

func TestSetRemoteRecordIDIsWriteOnce(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	st := testStudent()
	require.NoError(t, store.SaveStudent(ctx, st))
	require.NoError(t, store.SetRemoteRecordID(ctx, EntityStudent, st.ID, "rec-1"))
	require.NoError(t, store.SetRemoteRecordID(ctx, EntityStudent, st.ID, "rec-2"))

	loaded, err := store.GetStudent(ctx, st.ID)
	require.NoError(t, err)
	require.NotNil(t, loaded.RemoteRecordID)
	require.Equal(t, "rec-1", *loaded.RemoteRecordID)
}

func TestDeleteCapturesTombstone(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	st := testStudent()
	require.NoError(t, store.SaveStudent(ctx, st))
	require.NoError(t, store.SetRemoteRecordID(ctx, EntityStudent, st.ID, "rec-1"))
	require.NoError(t, store.DeleteStudent(ctx, st.ID))

	tombstones, err := store.Tombstones(ctx)
	require.NoError(t, err)
	require.Len(t, tombstones, 1)
	require.Equal(t, EntityStudent, tombstones[0].EntityType)
	require.Equal(t, st.ID.String(), tombstones[0].EntityID)
	require.NotNil(t, tombstones[0].RemoteRecordID)
	require.Equal(t, "rec-1", *tombstones[0].RemoteRecordID)

	require.NoError(t, store.ClearTombstone(ctx, EntityStudent, st.ID.String()))
	tombstones, err = store.Tombstones(ctx)
	require.NoError(t, err)
	require.Empty(t, tombstones)
}

func TestDeleteStudentCascadesWithTombstones(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	st := testStudent()
	require.NoError(t, store.SaveStudent(ctx, st))

	a := &ChecklistAssignment{ID: uuid.New(), StudentID: st.ID, TemplateID: uuid.New()}
	require.NoError(t, store.SaveAssignment(ctx, a))

	require.NoError(t, store.DeleteStudent(ctx, st.ID))

	tombstones, err := store.Tombstones(ctx)
	require.NoError(t, err)
	types := make(map[string]bool)
	for _, ts := range tombstones {
		types[ts.EntityType] = true
	}
	require.True(t, types[EntityStudent])
	require.True(t, types[EntityAssignment], "cascade deletion should tombstone children")
}

func TestApplySuppressesTombstoneCapture(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	st := testStudent()
	st.LastModified = time.Date(2026, 8, 1, 10, 0, 0, 0, time.UTC)
	require.NoError(t, store.ApplyStudent(ctx, st, st.LastModified))

	// Applied state does not look dirty
	dirty, err := store.DirtyStudents(ctx)
	require.NoError(t, err)
	require.Empty(t, dirty)

	// Watermark was written in the same transaction
	mark, err := store.Watermark(ctx, EntityStudent, st.ID.String())
	require.NoError(t, err)
	require.True(t, mark.Equal(st.LastModified))

	// apply_mode is back off, so user deletions tombstone again
	require.NoError(t, store.DeleteStudent(ctx, st.ID))
	tombstones, err := store.Tombstones(ctx)
	require.NoError(t, err)
	require.Len(t, tombstones, 1)
}

func TestApplyKeepsRemoteTimestamp(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	remoteTime := time.Date(2026, 7, 15, 9, 30, 0, 0, time.UTC)
	st := testStudent()
	st.LastModified = remoteTime
	require.NoError(t, store.ApplyStudent(ctx, st, remoteTime))

	loaded, err := store.GetStudent(ctx, st.ID)
	require.NoError(t, err)
	require.True(t, loaded.LastModified.Equal(remoteTime),
		"apply must keep the remote timestamp, not bump it")
}

func TestWatermarkRoundTrip(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	mark, err := store.Watermark(ctx, EntityStudent, "missing")
	require.NoError(t, err)
	require.True(t, mark.IsZero())

	at := time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, store.SetWatermark(ctx, EntityStudent, "some-id", at))
	mark, err = store.Watermark(ctx, EntityStudent, "some-id")
	require.NoError(t, err)
	require.True(t, mark.Equal(at))
}

func TestSaveTemplateReconcilesItems(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	tpl := &ChecklistTemplate{
		ID:   uuid.New(),
		Name: "Pre-Solo",
		Items: []TemplateItem{
			{ID: uuid.New(), Title: "Slow flight"},
			{ID: uuid.New(), Title: "Power-off stalls"},
			{ID: uuid.New(), Title: "Go-arounds"},
		},
	}
	require.NoError(t, store.SaveTemplate(ctx, tpl))

	loaded, err := store.GetTemplate(ctx, tpl.ID)
	require.NoError(t, err)
	require.Len(t, loaded.Items, 3)
	require.Equal(t, "Slow flight", loaded.Items[0].Title)

	// Drop the middle item and reorder
	tpl.Items = []TemplateItem{tpl.Items[2], tpl.Items[0]}
	require.NoError(t, store.SaveTemplate(ctx, tpl))

	loaded, err = store.GetTemplate(ctx, tpl.ID)
	require.NoError(t, err)
	require.Len(t, loaded.Items, 2)
	require.Equal(t, "Go-arounds", loaded.Items[0].Title)
	require.Equal(t, "Slow flight", loaded.Items[1].Title)
}

func TestAssignmentCompletion(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	st := testStudent()
	require.NoError(t, store.SaveStudent(ctx, st))

	tpl := &ChecklistTemplate{
		ID: uuid.New(),
		Items: []TemplateItem{
			{ID: uuid.New(), Title: "a"},
			{ID: uuid.New(), Title: "b"},
		},
	}
	require.NoError(t, store.SaveTemplate(ctx, tpl))

	a := &ChecklistAssignment{ID: uuid.New(), StudentID: st.ID, TemplateID: tpl.ID}
	require.NoError(t, store.SaveAssignment(ctx, a))
	require.NoError(t, store.SaveItemProgress(ctx, &ItemProgress{
		ID: uuid.New(), AssignmentID: a.ID, ItemID: tpl.Items[0].ID, IsComplete: true,
	}))

	complete, total, err := store.AssignmentCompletion(ctx, a.ID)
	require.NoError(t, err)
	require.Equal(t, 1, complete)
	require.Equal(t, 2, total)
}

func TestAssignmentCompletionUnrepaired(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	st := testStudent()
	require.NoError(t, store.SaveStudent(ctx, st))

	// Assignment references a template that does not exist locally
	a := &ChecklistAssignment{ID: uuid.New(), StudentID: st.ID, TemplateID: uuid.New()}
	require.NoError(t, store.SaveAssignment(ctx, a))

	_, _, err := store.AssignmentCompletion(ctx, a.ID)
	require.ErrorIs(t, err, ErrUnrepairedAssignment)
}

func TestTimeFormatSortsLexicographically(t *testing.T) {
	a := formatTime(time.Date(2026, 1, 2, 3, 4, 5, 60*int(time.Millisecond), time.UTC))
	b := formatTime(time.Date(2026, 1, 2, 3, 4, 5, 700*int(time.Millisecond), time.UTC))
	c := formatTime(time.Date(2026, 1, 2, 3, 4, 6, 0, time.UTC))
	require.Less(t, a, b)
	require.Less(t, b, c)
	require.Len(t, a, len(b))
	require.Len(t, b, len(c))
}
