// Copyright 2025 Right Rudder Authors
// SPDX-License-Identifier: Apache-2.0

package syncengine

import (
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

const catalogJSON = `{
	"entries": [
		{
			"content_id": "pre-solo-maneuvers",
			"record_id": "0b6fdf32-4f6d-44a5-9df5-3a05a6f6a1aa",
			"item_record_ids": [
				"11111111-1111-4111-8111-111111111111",
				"22222222-2222-4222-8222-222222222222"
			]
		}
	]
}`

func newTestMapper(t *testing.T) *Mapper {
	t.Helper()
	catalog, err := LoadTemplateCatalog(strings.NewReader(catalogJSON))
	require.NoError(t, err)
	return NewMapper(catalog, nil)
}

func TestResolveTemplateIDFromCatalog(t *testing.T) {
	m := newTestMapper(t)

	id, found := m.ResolveTemplateID("pre-solo-maneuvers")
	require.True(t, found)
	require.Equal(t, "0b6fdf32-4f6d-44a5-9df5-3a05a6f6a1aa", id.String())

	// Same input, same output, always
	again, found := m.ResolveTemplateID("pre-solo-maneuvers")
	require.True(t, found)
	require.Equal(t, id, again)
}

func TestResolveTemplateIDFallbackIsStable(t *testing.T) {
	m := newTestMapper(t)

	id1, found := m.ResolveTemplateID("unknown-template")
	require.False(t, found)
	id2, found := m.ResolveTemplateID("unknown-template")
	require.False(t, found)
	require.Equal(t, id1, id2, "generated fallback must be cached")

	other, _ := m.ResolveTemplateID("different-template")
	require.NotEqual(t, id1, other)

	require.Equal(t, []string{"different-template", "unknown-template"}, m.UnmappedContentIDs())
}

func TestResolveItemIDs(t *testing.T) {
	m := newTestMapper(t)

	ids, found := m.ResolveItemIDs("pre-solo-maneuvers", 2)
	require.True(t, found)
	require.Equal(t, "11111111-1111-4111-8111-111111111111", ids[0].String())
	require.Equal(t, "22222222-2222-4222-8222-222222222222", ids[1].String())

	// More items than the catalog maps: fallback, but deterministic
	ids3, found := m.ResolveItemIDs("pre-solo-maneuvers", 3)
	require.False(t, found)
	again, _ := m.ResolveItemIDs("pre-solo-maneuvers", 3)
	require.Equal(t, ids3, again)
}

func TestStudentRoundTrip(t *testing.T) {
	m := newTestMapper(t)

	st := &Student{
		ID:                   uuid.New(),
		FirstName:            "Amelia",
		LastName:             "Reed",
		Email:                "amelia@example.com",
		Phone:                "555-0100",
		GoalPrivatePilot:     true,
		GoalInstrumentRating: true,
		SoloComplete:         true,
		LastModified:         time.Date(2026, 8, 1, 10, 0, 0, 0, time.UTC),
	}
	rec := m.StudentToRecord(st)
	require.Equal(t, st.ID.String(), rec.ID)
	require.Equal(t, EntityStudent, rec.Type)

	back, err := m.StudentFromRecord(rec)
	require.NoError(t, err)
	require.Equal(t, st.ID, back.ID)
	require.Equal(t, st.FirstName, back.FirstName)
	require.True(t, back.GoalPrivatePilot)
	require.True(t, back.GoalInstrumentRating)
	require.False(t, back.GoalCommercial)
	require.True(t, back.SoloComplete)
	require.False(t, back.CheckridePassed)
	require.True(t, back.LastModified.Equal(st.LastModified))
	require.NotNil(t, back.RemoteRecordID)
	require.Equal(t, rec.ID, *back.RemoteRecordID)
}

func TestStudentRecordUsesAssignedRemoteID(t *testing.T) {
	m := newTestMapper(t)

	remoteID := "server-assigned-id"
	st := &Student{ID: uuid.New(), RemoteRecordID: &remoteID}
	rec := m.StudentToRecord(st)
	require.Equal(t, remoteID, rec.ID)
	require.Equal(t, st.ID.String(), rec.Fields["entity_id"],
		"entity id must survive a differing record id")
}

func TestTemplateRecordPinnedByCatalog(t *testing.T) {
	m := newTestMapper(t)

	tpl := &ChecklistTemplate{
		ID:        uuid.New(),
		Name:      "Pre-Solo Maneuvers",
		ContentID: "pre-solo-maneuvers",
	}
	rec := m.TemplateToRecord(tpl)
	require.Equal(t, "0b6fdf32-4f6d-44a5-9df5-3a05a6f6a1aa", rec.ID,
		"mapped content id must pin the record id")

	// A second install with a different local UUID addresses the same record
	other := &ChecklistTemplate{ID: uuid.New(), ContentID: "pre-solo-maneuvers"}
	require.Equal(t, rec.ID, m.TemplateToRecord(other).ID)
}

func TestAssignmentRoundTripLinksParent(t *testing.T) {
	m := newTestMapper(t)

	a := &ChecklistAssignment{
		ID:                 uuid.New(),
		StudentID:          uuid.New(),
		TemplateID:         uuid.New(),
		InstructorComments: "Nice crosswind work",
		DualHours:          1.4,
		LastModified:       time.Date(2026, 8, 2, 9, 0, 0, 0, time.UTC),
	}
	rec := m.AssignmentToRecord(a, "parent-record")
	require.Equal(t, "parent-record", rec.ParentID)

	back, err := m.AssignmentFromRecord(rec)
	require.NoError(t, err)
	require.Equal(t, a.StudentID, back.StudentID)
	require.Equal(t, a.TemplateID, back.TemplateID)
	require.Equal(t, a.InstructorComments, back.InstructorComments)
	require.InDelta(t, a.DualHours, back.DualHours, 1e-9)
}

func TestProgressRoundTripKeepsItemID(t *testing.T) {
	m := newTestMapper(t)

	completedAt := time.Date(2026, 8, 3, 14, 30, 0, 0, time.UTC)
	p := &ItemProgress{
		ID:           uuid.New(),
		AssignmentID: uuid.New(),
		ItemID:       uuid.New(),
		IsComplete:   true,
		CompletedAt:  &completedAt,
		Notes:        "first try",
		LastModified: completedAt,
	}
	rec := m.ProgressToRecord(p, p.AssignmentID.String())

	back, err := m.ProgressFromRecord(rec)
	require.NoError(t, err)
	require.Equal(t, p.ItemID, back.ItemID, "progress must reference the item by stable id")
	require.True(t, back.IsComplete)
	require.NotNil(t, back.CompletedAt)
	require.True(t, back.CompletedAt.Equal(completedAt))
	require.Equal(t, "first try", back.Notes)
}

func TestEndorsementRoundTripCarriesBinaryData(t *testing.T) {
	m := newTestMapper(t)

	data := []byte{0x89, 0x50, 0x4e, 0x47, 0x00, 0x01}
	e := &EndorsementImage{
		ID:           uuid.New(),
		StudentID:    uuid.New(),
		Filename:     "solo-endorsement.png",
		Data:         data,
		LastModified: time.Date(2026, 8, 4, 8, 0, 0, 0, time.UTC),
	}
	rec := m.EndorsementToRecord(e, "parent-record")
	require.IsType(t, "", rec.Fields["data"], "binary data travels base64-encoded")

	back, err := m.EndorsementFromRecord(rec)
	require.NoError(t, err)
	require.Equal(t, data, back.Data)
	require.Equal(t, e.Filename, back.Filename)
}

func TestFromRecordRejectsGarbage(t *testing.T) {
	m := newTestMapper(t)

	rec := &Record{ID: "not-a-uuid", Type: EntityStudent, Fields: map[string]any{}}
	_, err := m.StudentFromRecord(rec)
	require.ErrorIs(t, err, ErrCorruptStore)
}

func TestLoadTemplateCatalogRejectsDuplicates(t *testing.T) {
	dup := `{"entries": [
		{"content_id": "x", "record_id": "0b6fdf32-4f6d-44a5-9df5-3a05a6f6a1aa"},
		{"content_id": "x", "record_id": "11111111-1111-4111-8111-111111111111"}
	]}`
	_, err := LoadTemplateCatalog(strings.NewReader(dup))
	require.Error(t, err)
}

func TestLoadTemplateCatalogValidatesUUIDs(t *testing.T) {
	bad := `{"entries": [{"content_id": "x", "record_id": "nope"}]}`
	_, err := LoadTemplateCatalog(strings.NewReader(bad))
	require.Error(t, err)
}
