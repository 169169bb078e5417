// Copyright 2025 Right Rudder Authors
// SPDX-License-Identifier: Apache-2.0

// Package syncengine replicates flight-training records between an
// instructor's private record space and per-student shared record spaces.
// It owns the local persistent store, the entity/record mapper, conflict
// detection and resolution, the offline operation queue, and the sync
// orchestrator that ties them together.
package syncengine

import (
	"time"

	"github.com/google/uuid"
)

// Entity type names used as record types in the remote store and as
// entity_type discriminators in the offline queue and row metadata.
const (
	EntityStudent      = "Student"
	EntityTemplate     = "ChecklistTemplate"
	EntityTemplateItem = "TemplateItem"
	EntityAssignment   = "ChecklistAssignment"
	EntityProgress     = "ItemProgress"
	EntityEndorsement  = "EndorsementImage"
	EntityDocument     = "StudentDocument"
)

// Student is the root entity of an instructor's record space. ShareID is
// non-nil once a shared zone exists for this student; a nil ShareID means
// the student has never been invited (or the invite is still local-only).
type Student struct {
	ID        uuid.UUID
	FirstName string
	LastName  string
	Email     string
	Phone     string

	// Training-goal flags
	GoalPrivatePilot     bool
	GoalInstrumentRating bool
	GoalCommercial       bool

	// Milestone flags
	SoloComplete    bool
	CheckridePassed bool

	LastModified   time.Time
	RemoteRecordID *string
	ShareID        *string // accepted-share identifier, nil until a shared zone exists
}

// ChecklistTemplate is read-mostly reference data. ContentID is a
// human-stable string baked into the template catalog; it is the key used by
// the mapper to agree on record identity across independent installs.
type ChecklistTemplate struct {
	ID        uuid.UUID
	Name      string
	Category  string
	Phase     string
	ContentID string // stable content identifier, may be empty for ad-hoc templates
	Items     []TemplateItem

	LastModified   time.Time
	RemoteRecordID *string
}

// TemplateItem is an ordered line of a checklist template.
type TemplateItem struct {
	ID         uuid.UUID
	TemplateID uuid.UUID
	Title      string
	Detail     string
	Position   int
	ContentID  string
}

// ChecklistAssignment joins a Student to a template instance. TemplateID is
// a weak reference resolved by lookup at display/sync time, never a strong
// pointer - the template may be re-synced independently of the assignment.
type ChecklistAssignment struct {
	ID                 uuid.UUID
	StudentID          uuid.UUID
	TemplateID         uuid.UUID
	InstructorComments string
	DualHours          float64
	Progress           []ItemProgress

	LastModified   time.Time
	RemoteRecordID *string
}

// ItemProgress tracks completion of a single template item. ItemID refers to
// the template item by stable identifier, never by structural position,
// because item ordering/content can be updated independently of progress.
type ItemProgress struct {
	ID           uuid.UUID
	AssignmentID uuid.UUID
	ItemID       uuid.UUID
	IsComplete   bool
	CompletedAt  *time.Time
	Notes        string

	LastModified   time.Time
	RemoteRecordID *string
}

// EndorsementImage is a binary endorsement attachment plus metadata.
type EndorsementImage struct {
	ID             uuid.UUID
	StudentID      uuid.UUID
	Filename       string
	Data           []byte
	ExpirationDate *time.Time

	LastModified   time.Time
	RemoteRecordID *string
}

// StudentDocument is an arbitrary binary document attached to a student
// (medical certificate, knowledge test results, and so on).
type StudentDocument struct {
	ID             uuid.UUID
	StudentID      uuid.UUID
	Filename       string
	Data           []byte
	ExpirationDate *time.Time

	LastModified   time.Time
	RemoteRecordID *string
}

// HasAcceptedShare reports whether the student has an accepted shared zone
// that owner changes should be mirrored into. A pending invitation must not
// be mirrored into, since the zone may not exist yet.
func (s *Student) HasAcceptedShare() bool {
	return s.ShareID != nil && *s.ShareID != ""
}
