// Copyright 2025 Right Rudder Authors
// SPDX-License-Identifier: Apache-2.0

package syncengine

import (
	"bytes"
	"fmt"
	"text/template"
)

// tombstoneTable describes how deletions from one entity table are captured.
// StudentIDExpr extracts the owning student from the deleted row so the push
// phase can route the remote deletion into the right shared zone; tables
// whose rows cascade from a parent record rely on the remote store's own
// cascade semantics instead and capture NULL.
type tombstoneTable struct {
	Table         string
	EntityType    string
	StudentIDExpr string
}

var tombstoneTables = []tombstoneTable{
	{Table: "students", EntityType: EntityStudent, StudentIDExpr: "OLD.id"},
	{Table: "checklist_templates", EntityType: EntityTemplate, StudentIDExpr: "NULL"},
	{Table: "template_items", EntityType: EntityTemplateItem, StudentIDExpr: "NULL"},
	{Table: "checklist_assignments", EntityType: EntityAssignment, StudentIDExpr: "OLD.student_id"},
	{Table: "item_progress", EntityType: EntityProgress, StudentIDExpr: "NULL"},
	{Table: "endorsement_images", EntityType: EntityEndorsement, StudentIDExpr: "OLD.student_id"},
	{Table: "student_documents", EntityType: EntityDocument, StudentIDExpr: "OLD.student_id"},
}

const deleteTriggerTemplate = `CREATE TRIGGER IF NOT EXISTS trg_{{.Table}}_ad
AFTER DELETE ON {{.Table}}
WHEN COALESCE((SELECT apply_mode FROM sync_state WHERE id = 1), 0) = 0
BEGIN
	INSERT INTO sync_tombstones (entity_type, entity_id, remote_record_id, student_id, deleted_at)
	VALUES ('{{.EntityType}}', OLD.id, {{.RemoteRecordIDExpr}}, {{.StudentIDExpr}}, strftime('%Y-%m-%dT%H:%M:%fZ','now'))
	ON CONFLICT (entity_type, entity_id) DO UPDATE SET
		remote_record_id = excluded.remote_record_id,
		deleted_at = excluded.deleted_at;
END`

// createTombstoneTriggers installs AFTER DELETE triggers on every entity
// table. Deletions made between sync cycles leave no row behind to scan, so
// the trigger copies the identifiers needed for the remote delete.
func (s *Store) createTombstoneTriggers() error {
	tmpl, err := template.New("delete").Parse(deleteTriggerTemplate)
	if err != nil {
		return fmt.Errorf("failed to parse delete trigger template: %w", err)
	}

	for _, tt := range tombstoneTables {
		data := struct {
			Table              string
			EntityType         string
			StudentIDExpr      string
			RemoteRecordIDExpr string
		}{
			Table:              tt.Table,
			EntityType:         tt.EntityType,
			StudentIDExpr:      tt.StudentIDExpr,
			RemoteRecordIDExpr: remoteRecordIDExpr(tt.Table),
		}

		var buf bytes.Buffer
		if err := tmpl.Execute(&buf, data); err != nil {
			return fmt.Errorf("failed to render delete trigger for table %s: %w", tt.Table, err)
		}
		if _, err := s.DB.Exec(buf.String()); err != nil {
			return fmt.Errorf("failed to create delete trigger for table %s: %w", tt.Table, err)
		}
	}
	return nil
}

func remoteRecordIDExpr(table string) string {
	// template_items is keyed remotely by its own id (stable item UUID) and
	// has no remote_record_id column.
	if table == "template_items" {
		return "OLD.id"
	}
	return "OLD.remote_record_id"
}
