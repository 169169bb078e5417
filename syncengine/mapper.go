// Copyright 2025 Right Rudder Authors
// SPDX-License-Identifier: Apache-2.0

package syncengine

import (
	"encoding/base64"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Mapper converts domain entities to remote records and back. It is the only
// component that knows entity-specific record field names, and it owns the
// content-identifier mapping table. Conversions are pure transforms; repeated
// calls are deterministic for the same input so identifiers never churn.
type Mapper struct {
	logger *slog.Logger

	mu       sync.Mutex
	catalog  map[string]CatalogEntry
	fallback map[string]uuid.UUID   // generated template ids for unmapped content ids
	fbItems  map[string][]uuid.UUID // generated item ids for unmapped content ids
	gaps     map[string]bool
}

// NewMapper builds a mapper over the supplied catalog; a nil catalog means
// every content identifier resolves through the generated-id fallback.
func NewMapper(catalog *TemplateCatalog, logger *slog.Logger) *Mapper {
	if logger == nil {
		logger = slog.Default()
	}
	m := &Mapper{
		logger:   logger,
		catalog:  make(map[string]CatalogEntry),
		fallback: make(map[string]uuid.UUID),
		fbItems:  make(map[string][]uuid.UUID),
		gaps:     make(map[string]bool),
	}
	if catalog != nil {
		for _, e := range catalog.Entries {
			m.catalog[e.ContentID] = e
		}
	}
	return m
}

// ResolveTemplateID maps a template content identifier to its stable record
// UUID. found=false means the catalog has no entry; the returned UUID is a
// per-process generated fallback and the template will not be correctly
// cross-referenced by other installs until the mapping is extended.
func (m *Mapper) ResolveTemplateID(contentID string) (id uuid.UUID, found bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if e, ok := m.catalog[contentID]; ok {
		parsed, err := uuid.Parse(e.RecordID)
		if err == nil {
			return parsed, true
		}
		// Validated at load time; treat a bad entry like a gap
	}

	if cached, ok := m.fallback[contentID]; ok {
		return cached, false
	}
	generated := uuid.New()
	m.fallback[contentID] = generated
	m.noteGap(contentID)
	return generated, false
}

// ResolveItemIDs maps a template content identifier to the ordered stable
// UUIDs of its items, sized to count. On a catalog miss the identifiers are
// generated once and cached so repeated calls stay deterministic.
func (m *Mapper) ResolveItemIDs(contentID string, count int) (ids []uuid.UUID, found bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if e, ok := m.catalog[contentID]; ok && len(e.ItemRecordIDs) >= count {
		ids = make([]uuid.UUID, 0, count)
		valid := true
		for _, raw := range e.ItemRecordIDs[:count] {
			parsed, err := uuid.Parse(raw)
			if err != nil {
				valid = false
				break
			}
			ids = append(ids, parsed)
		}
		if valid {
			return ids, true
		}
	}

	cached := m.fbItems[contentID]
	for len(cached) < count {
		cached = append(cached, uuid.New())
	}
	m.fbItems[contentID] = cached
	m.noteGap(contentID)
	return cached[:count], false
}

func (m *Mapper) noteGap(contentID string) {
	if m.gaps[contentID] {
		return
	}
	m.gaps[contentID] = true
	m.logger.Warn("template content id has no stable mapping; using generated identifier",
		"content_id", contentID)
}

// UnmappedContentIDs returns the content identifiers that resolved through
// the generated-id fallback, for diagnostics.
func (m *Mapper) UnmappedContentIDs() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.gaps))
	for id := range m.gaps {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// recordID picks the stable remote identifier for an entity: the already
// assigned remote record id when present, the entity's own UUID otherwise.
func recordID(remoteID *string, entityID uuid.UUID) string {
	if remoteID != nil && *remoteID != "" {
		return *remoteID
	}
	return entityID.String()
}

// ---------------------------------------------------------------------------
// Student

// StudentToRecord converts a student to its remote record form.
func (m *Mapper) StudentToRecord(st *Student) *Record {
	return &Record{
		ID:   recordID(st.RemoteRecordID, st.ID),
		Type: EntityStudent,
		Fields: map[string]any{
			"entity_id":        st.ID.String(),
			"first_name":       st.FirstName,
			"last_name":        st.LastName,
			"email":            st.Email,
			"phone":            st.Phone,
			"goal_private":     st.GoalPrivatePilot,
			"goal_instrument":  st.GoalInstrumentRating,
			"goal_commercial":  st.GoalCommercial,
			"solo_complete":    st.SoloComplete,
			"checkride_passed": st.CheckridePassed,
		},
		ModifiedAt: st.LastModified,
	}
}

// StudentFromRecord converts a remote record back to student fields.
func (m *Mapper) StudentFromRecord(rec *Record) (*Student, error) {
	id, err := entityID(rec)
	if err != nil {
		return nil, err
	}
	rid := rec.ID
	return &Student{
		ID:                   id,
		FirstName:            fieldString(rec, "first_name"),
		LastName:             fieldString(rec, "last_name"),
		Email:                fieldString(rec, "email"),
		Phone:                fieldString(rec, "phone"),
		GoalPrivatePilot:     fieldBool(rec, "goal_private"),
		GoalInstrumentRating: fieldBool(rec, "goal_instrument"),
		GoalCommercial:       fieldBool(rec, "goal_commercial"),
		SoloComplete:         fieldBool(rec, "solo_complete"),
		CheckridePassed:      fieldBool(rec, "checkride_passed"),
		LastModified:         rec.ModifiedAt,
		RemoteRecordID:       &rid,
	}, nil
}

// ---------------------------------------------------------------------------
// Template and items

// TemplateToRecord converts a template. A mapped content identifier pins the
// record id to the catalog's stable UUID so independent installs address the
// same remote record.
func (m *Mapper) TemplateToRecord(tpl *ChecklistTemplate) *Record {
	id := recordID(tpl.RemoteRecordID, tpl.ID)
	if tpl.ContentID != "" {
		if stable, found := m.ResolveTemplateID(tpl.ContentID); found {
			id = stable.String()
		}
	}
	return &Record{
		ID:   id,
		Type: EntityTemplate,
		Fields: map[string]any{
			"entity_id":  tpl.ID.String(),
			"name":       tpl.Name,
			"category":   tpl.Category,
			"phase":      tpl.Phase,
			"content_id": tpl.ContentID,
		},
		ModifiedAt: tpl.LastModified,
	}
}

// TemplateItemToRecord converts one template item; parentRecordID links the
// item record to its template for the store's cascade semantics.
func (m *Mapper) TemplateItemToRecord(item *TemplateItem, position int, parentRecordID string) *Record {
	return &Record{
		ID:       item.ID.String(),
		Type:     EntityTemplateItem,
		ParentID: parentRecordID,
		Fields: map[string]any{
			"entity_id":   item.ID.String(),
			"template_id": item.TemplateID.String(),
			"title":       item.Title,
			"detail":      item.Detail,
			"position":    position,
			"content_id":  item.ContentID,
		},
	}
}

// TemplateFromRecord converts a remote template record (items arrive as
// separate records).
func (m *Mapper) TemplateFromRecord(rec *Record) (*ChecklistTemplate, error) {
	id, err := entityID(rec)
	if err != nil {
		return nil, err
	}
	rid := rec.ID
	return &ChecklistTemplate{
		ID:             id,
		Name:           fieldString(rec, "name"),
		Category:       fieldString(rec, "category"),
		Phase:          fieldString(rec, "phase"),
		ContentID:      fieldString(rec, "content_id"),
		LastModified:   rec.ModifiedAt,
		RemoteRecordID: &rid,
	}, nil
}

// ---------------------------------------------------------------------------
// Assignment and progress

// AssignmentToRecord converts an assignment; parentRecordID references the
// owning student record.
func (m *Mapper) AssignmentToRecord(a *ChecklistAssignment, parentRecordID string) *Record {
	return &Record{
		ID:       recordID(a.RemoteRecordID, a.ID),
		Type:     EntityAssignment,
		ParentID: parentRecordID,
		Fields: map[string]any{
			"entity_id":           a.ID.String(),
			"student_id":          a.StudentID.String(),
			"template_id":         a.TemplateID.String(),
			"instructor_comments": a.InstructorComments,
			"dual_hours":          a.DualHours,
		},
		ModifiedAt: a.LastModified,
	}
}

// AssignmentFromRecord converts a remote assignment record.
func (m *Mapper) AssignmentFromRecord(rec *Record) (*ChecklistAssignment, error) {
	id, err := entityID(rec)
	if err != nil {
		return nil, err
	}
	studentID, err := fieldUUID(rec, "student_id")
	if err != nil {
		return nil, err
	}
	templateID, err := fieldUUID(rec, "template_id")
	if err != nil {
		return nil, err
	}
	rid := rec.ID
	return &ChecklistAssignment{
		ID:                 id,
		StudentID:          studentID,
		TemplateID:         templateID,
		InstructorComments: fieldString(rec, "instructor_comments"),
		DualHours:          fieldFloat(rec, "dual_hours"),
		LastModified:       rec.ModifiedAt,
		RemoteRecordID:     &rid,
	}, nil
}

// ProgressToRecord converts an item-progress row; parentRecordID references
// the owning assignment record.
func (m *Mapper) ProgressToRecord(p *ItemProgress, parentRecordID string) *Record {
	fields := map[string]any{
		"entity_id":     p.ID.String(),
		"assignment_id": p.AssignmentID.String(),
		"item_id":       p.ItemID.String(),
		"is_complete":   p.IsComplete,
		"notes":         p.Notes,
	}
	if p.CompletedAt != nil {
		fields["completed_at"] = formatTime(*p.CompletedAt)
	}
	return &Record{
		ID:         recordID(p.RemoteRecordID, p.ID),
		Type:       EntityProgress,
		ParentID:   parentRecordID,
		Fields:     fields,
		ModifiedAt: p.LastModified,
	}
}

// ProgressFromRecord converts a remote item-progress record.
func (m *Mapper) ProgressFromRecord(rec *Record) (*ItemProgress, error) {
	id, err := entityID(rec)
	if err != nil {
		return nil, err
	}
	assignmentID, err := fieldUUID(rec, "assignment_id")
	if err != nil {
		return nil, err
	}
	itemID, err := fieldUUID(rec, "item_id")
	if err != nil {
		return nil, err
	}
	var completedAt *time.Time
	if raw := fieldString(rec, "completed_at"); raw != "" {
		t, err := parseTime(raw)
		if err != nil {
			return nil, fmt.Errorf("%w: bad completed_at %q in record %s", ErrCorruptStore, raw, rec.ID)
		}
		completedAt = &t
	}
	rid := rec.ID
	return &ItemProgress{
		ID:             id,
		AssignmentID:   assignmentID,
		ItemID:         itemID,
		IsComplete:     fieldBool(rec, "is_complete"),
		CompletedAt:    completedAt,
		Notes:          fieldString(rec, "notes"),
		LastModified:   rec.ModifiedAt,
		RemoteRecordID: &rid,
	}, nil
}

// ---------------------------------------------------------------------------
// Attachments

// EndorsementToRecord converts an endorsement image; binary data travels
// base64-encoded inside the field map.
func (m *Mapper) EndorsementToRecord(e *EndorsementImage, parentRecordID string) *Record {
	return m.attachmentToRecord(EntityEndorsement, recordID(e.RemoteRecordID, e.ID),
		parentRecordID, e.ID, e.StudentID, e.Filename, e.Data, e.ExpirationDate, e.LastModified)
}

// DocumentToRecord converts a student document.
func (m *Mapper) DocumentToRecord(d *StudentDocument, parentRecordID string) *Record {
	return m.attachmentToRecord(EntityDocument, recordID(d.RemoteRecordID, d.ID),
		parentRecordID, d.ID, d.StudentID, d.Filename, d.Data, d.ExpirationDate, d.LastModified)
}

func (m *Mapper) attachmentToRecord(recordType, id, parentRecordID string,
	entityID, studentID uuid.UUID, filename string, data []byte, expiration *time.Time, lastModified time.Time) *Record {
	fields := map[string]any{
		"entity_id":  entityID.String(),
		"student_id": studentID.String(),
		"filename":   filename,
		"data":       base64.StdEncoding.EncodeToString(data),
	}
	if expiration != nil {
		fields["expiration_date"] = formatTime(*expiration)
	}
	return &Record{
		ID:         id,
		Type:       recordType,
		ParentID:   parentRecordID,
		Fields:     fields,
		ModifiedAt: lastModified,
	}
}

// EndorsementFromRecord converts a remote endorsement record.
func (m *Mapper) EndorsementFromRecord(rec *Record) (*EndorsementImage, error) {
	a, err := m.attachmentFromRecord(rec)
	if err != nil {
		return nil, err
	}
	e := EndorsementImage(*a)
	return &e, nil
}

// DocumentFromRecord converts a remote document record.
func (m *Mapper) DocumentFromRecord(rec *Record) (*StudentDocument, error) {
	a, err := m.attachmentFromRecord(rec)
	if err != nil {
		return nil, err
	}
	d := StudentDocument(*a)
	return &d, nil
}

func (m *Mapper) attachmentFromRecord(rec *Record) (*attachmentRow, error) {
	id, err := entityID(rec)
	if err != nil {
		return nil, err
	}
	studentID, err := fieldUUID(rec, "student_id")
	if err != nil {
		return nil, err
	}
	data, err := base64.StdEncoding.DecodeString(fieldString(rec, "data"))
	if err != nil {
		return nil, fmt.Errorf("%w: bad attachment data in record %s", ErrCorruptStore, rec.ID)
	}
	var expiration *time.Time
	if raw := fieldString(rec, "expiration_date"); raw != "" {
		t, err := parseTime(raw)
		if err != nil {
			return nil, fmt.Errorf("%w: bad expiration_date %q in record %s", ErrCorruptStore, raw, rec.ID)
		}
		expiration = &t
	}
	rid := rec.ID
	return &attachmentRow{
		ID:             id,
		StudentID:      studentID,
		Filename:       fieldString(rec, "filename"),
		Data:           data,
		ExpirationDate: expiration,
		LastModified:   rec.ModifiedAt,
		RemoteRecordID: &rid,
	}, nil
}

// ---------------------------------------------------------------------------
// Field accessors. JSON round-trips turn numbers into float64 and leave
// booleans either native or float-encoded depending on the writer, so the
// accessors normalize both forms.

func entityID(rec *Record) (uuid.UUID, error) {
	raw := fieldString(rec, "entity_id")
	if raw == "" {
		// Records written before entity_id was split out use the record id
		raw = rec.ID
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, fmt.Errorf("%w: record %s has no usable entity id", ErrCorruptStore, rec.ID)
	}
	return id, nil
}

func fieldString(rec *Record, name string) string {
	if v, ok := rec.Fields[name].(string); ok {
		return v
	}
	return ""
}

func fieldBool(rec *Record, name string) bool {
	switch v := rec.Fields[name].(type) {
	case bool:
		return v
	case float64:
		return v != 0
	}
	return false
}

func fieldFloat(rec *Record, name string) float64 {
	switch v := rec.Fields[name].(type) {
	case float64:
		return v
	case int64:
		return float64(v)
	case int:
		return float64(v)
	}
	return 0
}

func fieldUUID(rec *Record, name string) (uuid.UUID, error) {
	raw := fieldString(rec, name)
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, fmt.Errorf("%w: record %s field %s is not a UUID", ErrCorruptStore, rec.ID, name)
	}
	return id, nil
}
