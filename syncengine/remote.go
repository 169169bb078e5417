// Copyright 2025 Right Rudder Authors
// SPDX-License-Identifier: Apache-2.0

package syncengine

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ZoneID names a record zone in the remote store. Every owner has one
// private zone; each linked student has a dedicated shared zone.
type ZoneID string

// ZonePrivate is the owner-only zone that holds the authoritative copy of
// every entity the instructor owns.
const ZonePrivate ZoneID = "_private"

// SharedZoneID returns the zone identifier for a student's shared zone.
func SharedZoneID(studentID uuid.UUID) ZoneID {
	return ZoneID("shared-" + studentID.String())
}

// IsSharedZone reports whether zone is a per-student shared zone and, if so,
// which student it belongs to.
func IsSharedZone(zone ZoneID) (uuid.UUID, bool) {
	s, ok := strings.CutPrefix(string(zone), "shared-")
	if !ok {
		return uuid.Nil, false
	}
	id, err := uuid.Parse(s)
	if err != nil {
		return uuid.Nil, false
	}
	return id, true
}

// Record is the opaque wire unit of the remote store: a typed, keyed,
// timestamped field map. Only the mapper knows entity-specific field names.
type Record struct {
	ID         string         `json:"id"`
	Type       string         `json:"type"`
	Zone       ZoneID         `json:"zone"`
	ParentID   string         `json:"parent_id,omitempty"` // drives the store's cascade/sharing semantics
	Fields     map[string]any `json:"fields"`
	ModifiedAt time.Time      `json:"modified_at"`
}

// Clone returns a deep-enough copy of the record for merge operations.
// Fields values are copied at the top level; nested values are shared.
func (r *Record) Clone() *Record {
	cp := *r
	cp.Fields = make(map[string]any, len(r.Fields))
	for k, v := range r.Fields {
		cp.Fields[k] = v
	}
	return &cp
}

// MarshalFields serializes the field map for queue payloads.
func (r *Record) MarshalFields() (json.RawMessage, error) {
	return json.Marshal(r.Fields)
}

// RemoteStore is the thin adapter around the remote, eventually-consistent
// zoned record database. Implementations must return ErrUnavailable (possibly
// wrapped) when the store cannot be reached and ErrRecordNotFound when a
// fetch misses, so the orchestrator can classify failures per its taxonomy.
//
// Every method is a potential suspension point and must honor ctx
// cancellation; each call is expected to carry a bounded timeout.
type RemoteStore interface {
	// CheckAvailability reports whether the store and account are usable.
	CheckAvailability(ctx context.Context) error

	// FetchRecord returns the record with the given id, or ErrRecordNotFound.
	FetchRecord(ctx context.Context, zone ZoneID, id string) (*Record, error)

	// SaveRecord writes the record and returns the stored version (with the
	// store-assigned id when the incoming record had none, and the store's
	// authoritative ModifiedAt).
	SaveRecord(ctx context.Context, zone ZoneID, rec *Record) (*Record, error)

	// DeleteRecord removes the record; deleting a missing record is not an error.
	DeleteRecord(ctx context.Context, zone ZoneID, id string) error

	// QueryRecords returns records of recordType modified after since.
	QueryRecords(ctx context.Context, zone ZoneID, recordType string, since time.Time) ([]*Record, error)

	// ListSharedZones enumerates the shared zones the current owner can access.
	ListSharedZones(ctx context.Context) ([]ZoneID, error)
}
