// Copyright 2025 Right Rudder Authors
// SPDX-License-Identifier: Apache-2.0

package syncengine

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

var (
	t0 = time.Date(2026, 8, 1, 10, 0, 0, 0, time.UTC) // watermark
	t1 = t0.Add(1 * time.Hour)
	t2 = t0.Add(2 * time.Hour)
)

func TestDetectClassificationIsTotal(t *testing.T) {
	d := NewDetector(TieOwnerWins, nil)

	cases := []struct {
		name          string
		local, remote time.Time
		want          ConflictKind
	}{
		{"neither moved", t0, t0, NoConflict},
		{"only local moved", t1, t0, NoConflict},
		{"only remote moved", t0, t1, RemoteNewer},
		{"both moved", t1, t2, Diverged},
		{"both moved, local later", t2, t1, Diverged},
		{"never synced, local edit only", t1, time.Time{}, NoConflict},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := d.Detect(tc.local, t0, tc.remote)
			require.Equal(t, tc.want, got)
		})
	}
}

func TestDetectNeverSynced(t *testing.T) {
	d := NewDetector(TieOwnerWins, nil)

	// Zero watermark: any remote record counts as newer unless we also edited
	require.Equal(t, RemoteNewer, d.Detect(time.Time{}, time.Time{}, t1))
	require.Equal(t, Diverged, d.Detect(t1, time.Time{}, t1))
}

func TestResolveLaterFieldWins(t *testing.T) {
	d := NewDetector(TieOwnerWins, nil)

	local := &Record{
		ID: "r1", Type: EntityStudent,
		Fields:     map[string]any{"first_name": "Amelia", "phone": "555-0100"},
		ModifiedAt: t2,
	}
	remote := &Record{
		ID: "r1", Type: EntityStudent,
		Fields:     map[string]any{"first_name": "Amy", "phone": "555-0100"},
		ModifiedAt: t1,
	}

	merged, conflicts := d.Resolve(local, remote)
	require.Empty(t, conflicts)
	require.Equal(t, "Amelia", merged.Fields["first_name"], "later side wins the differing field")
	require.True(t, merged.ModifiedAt.Equal(t2))

	// And the mirror image
	merged, conflicts = d.Resolve(remote, local)
	require.Empty(t, conflicts)
	require.Equal(t, "Amelia", merged.Fields["first_name"])
}

func TestResolveKeepsOneSidedFields(t *testing.T) {
	d := NewDetector(TieOwnerWins, nil)

	local := &Record{
		ID: "r1", Type: EntityStudent,
		Fields:     map[string]any{"first_name": "Amelia"},
		ModifiedAt: t1,
	}
	remote := &Record{
		ID: "r1", Type: EntityStudent,
		Fields:     map[string]any{"first_name": "Amelia", "student_comment": "see you Tuesday"},
		ModifiedAt: t2,
	}

	merged, conflicts := d.Resolve(local, remote)
	require.Empty(t, conflicts)
	require.Equal(t, "see you Tuesday", merged.Fields["student_comment"],
		"fields present on only one side are preserved")
}

func TestResolveTieSurfacesConflict(t *testing.T) {
	d := NewDetector(TieOwnerWins, nil)

	local := &Record{
		ID: "r1", Type: EntityStudent,
		Fields:     map[string]any{"phone": "555-0100"},
		ModifiedAt: t1,
	}
	remote := &Record{
		ID: "r1", Type: EntityStudent,
		Fields:     map[string]any{"phone": "555-0200"},
		ModifiedAt: t1,
	}

	merged, conflicts := d.Resolve(local, remote)
	require.Len(t, conflicts, 1)
	require.Equal(t, "phone", conflicts[0].Field)
	require.Equal(t, "555-0100", conflicts[0].LocalValue)
	require.Equal(t, "555-0200", conflicts[0].RemoteValue)
	require.Equal(t, "555-0100", conflicts[0].ResolvedValue, "owner wins by default")
	require.Equal(t, "555-0100", merged.Fields["phone"])

	// Remote-wins policy flips the resolved value
	d = NewDetector(TieRemoteWins, nil)
	merged, conflicts = d.Resolve(local, remote)
	require.Len(t, conflicts, 1)
	require.Equal(t, "555-0200", merged.Fields["phone"])
}

func TestResolveNormalizesNumericTypes(t *testing.T) {
	d := NewDetector(TieOwnerWins, nil)

	// JSON round-trips turn 1.5 into float64; an int 1 vs float64 1 is not a
	// conflict
	local := &Record{
		ID: "r1", Type: EntityAssignment,
		Fields:     map[string]any{"dual_hours": 1},
		ModifiedAt: t1,
	}
	remote := &Record{
		ID: "r1", Type: EntityAssignment,
		Fields:     map[string]any{"dual_hours": float64(1)},
		ModifiedAt: t1,
	}
	_, conflicts := d.Resolve(local, remote)
	require.Empty(t, conflicts)
}

func TestMergeProgressByItem(t *testing.T) {
	d := NewDetector(TieOwnerWins, nil)

	itemA, itemB, itemC := uuid.New(), uuid.New(), uuid.New()
	local := []ItemProgress{
		{ID: uuid.New(), ItemID: itemA, IsComplete: true, LastModified: t2},
		{ID: uuid.New(), ItemID: itemB, IsComplete: false, LastModified: t0},
	}
	remote := []ItemProgress{
		{ID: uuid.New(), ItemID: itemA, IsComplete: false, LastModified: t1},
		{ID: uuid.New(), ItemID: itemB, IsComplete: true, LastModified: t1},
		{ID: uuid.New(), ItemID: itemC, IsComplete: true, LastModified: t1},
	}

	merged := d.MergeProgressByItem(local, remote)
	require.Len(t, merged, 3)

	byItem := make(map[uuid.UUID]ItemProgress)
	for _, p := range merged {
		byItem[p.ItemID] = p
	}
	require.True(t, byItem[itemA].IsComplete, "local completion is newer and survives")
	require.True(t, byItem[itemB].IsComplete, "remote completion is newer and wins")
	require.True(t, byItem[itemC].IsComplete, "remote-only item is kept")
}

func TestConflictKindString(t *testing.T) {
	require.Equal(t, "no-conflict", NoConflict.String())
	require.Equal(t, "remote-newer", RemoteNewer.String())
	require.Equal(t, "diverged", Diverged.String())
}
