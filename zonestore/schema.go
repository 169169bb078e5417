// Copyright 2025 Right Rudder Authors
// SPDX-License-Identifier: Apache-2.0

package zonestore

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// initializeSchemaInTx creates the store's tables if they do not exist.
// Runs inside the service-creation transaction so a half-initialized schema
// never becomes visible.
func (s *ZoneService) initializeSchemaInTx(ctx context.Context, tx pgx.Tx) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS zones (
			id             TEXT PRIMARY KEY,
			owner_id       TEXT NOT NULL,
			participant_id TEXT,
			created_at     TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE TABLE IF NOT EXISTS records (
			zone_id     TEXT NOT NULL,
			id          TEXT NOT NULL,
			record_type TEXT NOT NULL,
			parent_id   TEXT,
			fields      JSONB NOT NULL DEFAULT '{}'::jsonb,
			modified_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			PRIMARY KEY (zone_id, id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_records_zone_type_modified
			ON records (zone_id, record_type, modified_at)`,
		`CREATE INDEX IF NOT EXISTS idx_records_zone_parent
			ON records (zone_id, parent_id)`,
		`CREATE TABLE IF NOT EXISTS shares (
			id            UUID PRIMARY KEY DEFAULT gen_random_uuid(),
			zone_id       TEXT NOT NULL,
			owner_id      TEXT NOT NULL,
			invitee_email TEXT NOT NULL,
			status        TEXT NOT NULL DEFAULT 'pending',
			created_at    TIMESTAMPTZ NOT NULL DEFAULT now(),
			accepted_at   TIMESTAMPTZ
		)`,
		`CREATE INDEX IF NOT EXISTS idx_shares_owner ON shares (owner_id, created_at)`,
	}
	for _, stmt := range statements {
		if _, err := tx.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("failed to initialize schema: %w", err)
		}
	}
	s.logger.Debug("zone store schema initialized")
	return nil
}
