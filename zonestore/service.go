// Copyright 2025 Right Rudder Authors
// SPDX-License-Identifier: Apache-2.0

// Package zonestore is the server side of the record store: a Postgres-backed
// zoned record database with per-student shared zones and a share
// invite/accept lifecycle. The sync engine talks to it through
// syncengine.HTTPRemoteStore.
package zonestore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Sentinel errors surfaced to the HTTP layer.
var (
	ErrNotFound     = errors.New("not found")
	ErrForbidden    = errors.New("forbidden")
	ErrShareExists  = errors.New("share already exists")
	ErrShareInvalid = errors.New("share not in a state that allows this transition")
)

// StoredRecord is one row of the records table, the wire unit of the store.
type StoredRecord struct {
	ID         string          `json:"id"`
	Type       string          `json:"type"`
	Zone       string          `json:"zone"`
	ParentID   string          `json:"parent_id,omitempty"`
	Fields     json.RawMessage `json:"fields"`
	ModifiedAt time.Time       `json:"modified_at"`
}

// Share is a sharing relationship between an owner's zone and an invitee.
// Lifecycle: pending on creation, accepted once the invitee claims it. The
// zone itself is created lazily at accept time.
type Share struct {
	ID           string     `json:"id"`
	ZoneID       string     `json:"zone_id"`
	OwnerID      string     `json:"owner_id"`
	InviteeEmail string     `json:"invitee_email"`
	Status       string     `json:"status"` // pending | accepted | revoked
	CreatedAt    time.Time  `json:"created_at"`
	AcceptedAt   *time.Time `json:"accepted_at,omitempty"`
}

const (
	ShareStatusPending  = "pending"
	ShareStatusAccepted = "accepted"
	ShareStatusRevoked  = "revoked"
)

// ServiceConfig holds zone service configuration.
type ServiceConfig struct {
	AppName string
	// MaxPayloadBytes caps the fields blob of one record (0 = unlimited).
	MaxPayloadBytes int
}

// ZoneService owns the records, zones and shares tables.
type ZoneService struct {
	pool   *pgxpool.Pool
	config *ServiceConfig
	logger *slog.Logger
}

// NewZoneService creates the service and initializes its schema.
func NewZoneService(pool *pgxpool.Pool, config *ServiceConfig, logger *slog.Logger) (*ZoneService, error) {
	if config == nil {
		config = &ServiceConfig{AppName: "zonestore"}
	}
	if logger == nil {
		logger = slog.Default()
	}
	s := &ZoneService{pool: pool, config: config, logger: logger}

	ctx := context.Background()
	err := pgx.BeginFunc(ctx, pool, func(tx pgx.Tx) error {
		return s.initializeSchemaInTx(ctx, tx)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize zone service: %w", err)
	}
	return s, nil
}

// privateZoneID returns the owner's private zone identifier. Private zones
// are implicit; they exist as soon as the owner writes to them.
func privateZoneID(ownerID string) string {
	return "private-" + ownerID
}

// resolveZone maps a client-side zone name to the storage zone id and checks
// the caller may touch it. "_private" addresses the caller's own private
// zone; shared zones are addressed by their full id.
func (s *ZoneService) resolveZone(ctx context.Context, userID, zone string) (string, error) {
	if zone == "_private" {
		return privateZoneID(userID), nil
	}
	if !strings.HasPrefix(zone, "shared-") {
		return "", fmt.Errorf("zone %q: %w", zone, ErrNotFound)
	}
	var ownerID string
	var participantID *string
	err := s.pool.QueryRow(ctx,
		`SELECT owner_id, participant_id FROM zones WHERE id = $1`, zone).
		Scan(&ownerID, &participantID)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", fmt.Errorf("zone %q: %w", zone, ErrNotFound)
	}
	if err != nil {
		return "", fmt.Errorf("failed to resolve zone: %w", err)
	}
	if ownerID != userID && (participantID == nil || *participantID != userID) {
		return "", fmt.Errorf("zone %q: %w", zone, ErrForbidden)
	}
	return zone, nil
}

// GetRecord returns one record from the zone.
func (s *ZoneService) GetRecord(ctx context.Context, userID, zone, recordID string) (*StoredRecord, error) {
	zoneID, err := s.resolveZone(ctx, userID, zone)
	if err != nil {
		return nil, err
	}
	var rec StoredRecord
	var parentID *string
	err = s.pool.QueryRow(ctx, `
		SELECT id, record_type, parent_id, fields, modified_at
		FROM records WHERE zone_id = $1 AND id = $2
	`, zoneID, recordID).Scan(&rec.ID, &rec.Type, &parentID, &rec.Fields, &rec.ModifiedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("record %s: %w", recordID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load record: %w", err)
	}
	rec.Zone = zone
	if parentID != nil {
		rec.ParentID = *parentID
	}
	return &rec, nil
}

// SaveRecord upserts a record and returns the stored version with the
// server-authoritative modification timestamp.
func (s *ZoneService) SaveRecord(ctx context.Context, userID, zone string, rec *StoredRecord) (*StoredRecord, error) {
	zoneID, err := s.resolveZone(ctx, userID, zone)
	if err != nil {
		return nil, err
	}
	if s.config.MaxPayloadBytes > 0 && len(rec.Fields) > s.config.MaxPayloadBytes {
		return nil, fmt.Errorf("record payload exceeds %d bytes", s.config.MaxPayloadBytes)
	}

	modifiedAt := rec.ModifiedAt
	if modifiedAt.IsZero() {
		modifiedAt = time.Now().UTC()
	}
	var parentID *string
	if rec.ParentID != "" {
		parentID = &rec.ParentID
	}

	stored := *rec
	stored.Zone = zone
	err = WithRetryableTx(ctx, s.pool, func(tx pgx.Tx) error {
		return tx.QueryRow(ctx, `
			INSERT INTO records (zone_id, id, record_type, parent_id, fields, modified_at)
			VALUES ($1, $2, $3, $4, $5, $6)
			ON CONFLICT (zone_id, id) DO UPDATE SET
				record_type = excluded.record_type,
				parent_id = excluded.parent_id,
				fields = excluded.fields,
				modified_at = excluded.modified_at
			RETURNING modified_at
		`, zoneID, rec.ID, rec.Type, parentID, rec.Fields, modifiedAt).Scan(&stored.ModifiedAt)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to save record: %w", err)
	}
	return &stored, nil
}

// DeleteRecord removes a record and, transitively, every record parented
// under it in the same zone. Deleting a missing record is a no-op.
func (s *ZoneService) DeleteRecord(ctx context.Context, userID, zone, recordID string) error {
	zoneID, err := s.resolveZone(ctx, userID, zone)
	if err != nil {
		return err
	}
	err = WithRetryableTx(ctx, s.pool, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `
			WITH RECURSIVE doomed AS (
				SELECT id FROM records WHERE zone_id = $1 AND id = $2
				UNION
				SELECT r.id FROM records r
				JOIN doomed d ON r.parent_id = d.id
				WHERE r.zone_id = $1
			)
			DELETE FROM records WHERE zone_id = $1 AND id IN (SELECT id FROM doomed)
		`, zoneID, recordID)
		return err
	})
	if err != nil {
		return fmt.Errorf("failed to delete record: %w", err)
	}
	return nil
}

// QueryRecords returns records of recordType in the zone modified after
// since, oldest first.
func (s *ZoneService) QueryRecords(ctx context.Context, userID, zone, recordType string, since time.Time) ([]*StoredRecord, error) {
	zoneID, err := s.resolveZone(ctx, userID, zone)
	if err != nil {
		return nil, err
	}
	rows, err := s.pool.Query(ctx, `
		SELECT id, record_type, parent_id, fields, modified_at
		FROM records
		WHERE zone_id = $1 AND record_type = $2 AND modified_at > $3
		ORDER BY modified_at
	`, zoneID, recordType, since)
	if err != nil {
		return nil, fmt.Errorf("failed to query records: %w", err)
	}
	defer rows.Close()

	var out []*StoredRecord
	for rows.Next() {
		var rec StoredRecord
		var parentID *string
		if err := rows.Scan(&rec.ID, &rec.Type, &parentID, &rec.Fields, &rec.ModifiedAt); err != nil {
			return nil, fmt.Errorf("failed to scan record: %w", err)
		}
		rec.Zone = zone
		if parentID != nil {
			rec.ParentID = *parentID
		}
		out = append(out, &rec)
	}
	return out, rows.Err()
}

// ListZones enumerates the shared zones the user can access, as owner or as
// accepted participant. Pending shares do not surface a zone yet.
func (s *ZoneService) ListZones(ctx context.Context, userID string) ([]string, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id FROM zones
		WHERE owner_id = $1 OR participant_id = $1
		ORDER BY id
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list zones: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan zone id: %w", err)
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// CreateShare records a pending invitation for the given shared zone id.
// The zone row is not created until the invitee accepts.
func (s *ZoneService) CreateShare(ctx context.Context, ownerID, zoneID, inviteeEmail string) (*Share, error) {
	if !strings.HasPrefix(zoneID, "shared-") {
		return nil, fmt.Errorf("share target must be a shared zone id")
	}
	share := &Share{
		ZoneID:       zoneID,
		OwnerID:      ownerID,
		InviteeEmail: inviteeEmail,
		Status:       ShareStatusPending,
	}
	err := WithRetryableTx(ctx, s.pool, func(tx pgx.Tx) error {
		var exists bool
		if err := tx.QueryRow(ctx, `
			SELECT EXISTS (SELECT 1 FROM shares WHERE zone_id = $1 AND status <> $2)
		`, zoneID, ShareStatusRevoked).Scan(&exists); err != nil {
			return err
		}
		if exists {
			return ErrShareExists
		}
		return tx.QueryRow(ctx, `
			INSERT INTO shares (zone_id, owner_id, invitee_email, status)
			VALUES ($1, $2, $3, $4)
			RETURNING id, created_at
		`, zoneID, ownerID, inviteeEmail, ShareStatusPending).Scan(&share.ID, &share.CreatedAt)
	})
	if err != nil {
		if errors.Is(err, ErrShareExists) {
			return nil, ErrShareExists
		}
		return nil, fmt.Errorf("failed to create share: %w", err)
	}
	s.logger.Info("share invitation created", "zone", zoneID, "owner", ownerID)
	return share, nil
}

// AcceptShare transitions a pending share to accepted and materializes the
// shared zone with the accepting user as participant.
func (s *ZoneService) AcceptShare(ctx context.Context, shareID, participantID string) (*Share, error) {
	var share Share
	err := WithRetryableTx(ctx, s.pool, func(tx pgx.Tx) error {
		var acceptedAt *time.Time
		err := tx.QueryRow(ctx, `
			SELECT id, zone_id, owner_id, invitee_email, status, created_at, accepted_at
			FROM shares WHERE id = $1
			FOR UPDATE
		`, shareID).Scan(&share.ID, &share.ZoneID, &share.OwnerID,
			&share.InviteeEmail, &share.Status, &share.CreatedAt, &acceptedAt)
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("share %s: %w", shareID, ErrNotFound)
		}
		if err != nil {
			return err
		}
		if share.Status != ShareStatusPending {
			return fmt.Errorf("share %s is %s: %w", shareID, share.Status, ErrShareInvalid)
		}

		now := time.Now().UTC()
		if _, err := tx.Exec(ctx, `
			UPDATE shares SET status = $1, accepted_at = $2 WHERE id = $3
		`, ShareStatusAccepted, now, shareID); err != nil {
			return err
		}
		share.Status = ShareStatusAccepted
		share.AcceptedAt = &now

		_, err = tx.Exec(ctx, `
			INSERT INTO zones (id, owner_id, participant_id)
			VALUES ($1, $2, $3)
			ON CONFLICT (id) DO UPDATE SET participant_id = excluded.participant_id
		`, share.ZoneID, share.OwnerID, participantID)
		return err
	})
	if err != nil {
		if errors.Is(err, ErrNotFound) || errors.Is(err, ErrShareInvalid) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to accept share: %w", err)
	}
	s.logger.Info("share accepted", "share", shareID, "zone", share.ZoneID, "participant", participantID)
	return &share, nil
}

// RevokeShare marks a share revoked and detaches the participant from its
// zone. Zone records stay in place; the owner may re-share later.
func (s *ZoneService) RevokeShare(ctx context.Context, shareID, ownerID string) error {
	err := WithRetryableTx(ctx, s.pool, func(tx pgx.Tx) error {
		var zoneID, shareOwner string
		err := tx.QueryRow(ctx,
			`SELECT zone_id, owner_id FROM shares WHERE id = $1 FOR UPDATE`, shareID).
			Scan(&zoneID, &shareOwner)
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("share %s: %w", shareID, ErrNotFound)
		}
		if err != nil {
			return err
		}
		if shareOwner != ownerID {
			return fmt.Errorf("share %s: %w", shareID, ErrForbidden)
		}
		if _, err := tx.Exec(ctx,
			`UPDATE shares SET status = $1 WHERE id = $2`, ShareStatusRevoked, shareID); err != nil {
			return err
		}
		_, err = tx.Exec(ctx,
			`UPDATE zones SET participant_id = NULL WHERE id = $1`, zoneID)
		return err
	})
	if err != nil {
		if errors.Is(err, ErrNotFound) || errors.Is(err, ErrForbidden) {
			return err
		}
		return fmt.Errorf("failed to revoke share: %w", err)
	}
	return nil
}

// SharesForOwner lists the owner's shares, newest first.
func (s *ZoneService) SharesForOwner(ctx context.Context, ownerID string) ([]Share, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, zone_id, owner_id, invitee_email, status, created_at, accepted_at
		FROM shares WHERE owner_id = $1
		ORDER BY created_at DESC
	`, ownerID)
	if err != nil {
		return nil, fmt.Errorf("failed to list shares: %w", err)
	}
	defer rows.Close()

	var out []Share
	for rows.Next() {
		var sh Share
		if err := rows.Scan(&sh.ID, &sh.ZoneID, &sh.OwnerID, &sh.InviteeEmail,
			&sh.Status, &sh.CreatedAt, &sh.AcceptedAt); err != nil {
			return nil, fmt.Errorf("failed to scan share: %w", err)
		}
		out = append(out, sh)
	}
	return out, rows.Err()
}

// Ping verifies database connectivity for the availability endpoint.
func (s *ZoneService) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close releases the service's resources. The pool is owned by the caller
// and is not closed here.
func (s *ZoneService) Close() {}
