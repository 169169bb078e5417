// Copyright 2025 Right Rudder Authors
// SPDX-License-Identifier: Apache-2.0

package syncengine

import (
	"fmt"
	"log/slog"
	"sort"
	"time"
)

// ConflictKind classifies the divergence between local and remote state of
// one entity. Classification is total: any combination of timestamps maps to
// exactly one kind.
type ConflictKind int

const (
	// NoConflict: remote has not moved past the watermark recorded at the
	// last successful sync; the local value is authoritative and may push.
	NoConflict ConflictKind = iota

	// RemoteNewer: remote moved past the watermark and there are no local
	// edits since then; remote fully overwrites local (record-level LWW).
	RemoteNewer

	// Diverged: both sides changed since the watermark; resolution is
	// field-level.
	Diverged
)

func (k ConflictKind) String() string {
	switch k {
	case NoConflict:
		return "no-conflict"
	case RemoteNewer:
		return "remote-newer"
	case Diverged:
		return "diverged"
	default:
		return fmt.Sprintf("ConflictKind(%d)", int(k))
	}
}

// TiePolicy decides the winner when the same field was edited on both sides
// with indistinguishable timestamps. The source behavior was effectively
// last-processed-wins; this engine makes the policy explicit and defaults to
// owner-wins.
type TiePolicy int

const (
	// TieOwnerWins keeps the owner's (local) value on an exact timestamp tie.
	TieOwnerWins TiePolicy = iota
	// TieRemoteWins keeps the remote value on an exact timestamp tie.
	TieRemoteWins
)

// FieldConflict is one per-field divergence that had no deterministic winner
// by timestamp. It is surfaced to the caller for human resolution rather
// than guessed at; the ResolvedValue reflects the configured tie policy.
type FieldConflict struct {
	EntityType    string
	EntityID      string
	Field         string
	LocalValue    any
	RemoteValue   any
	ResolvedValue any
	Timestamp     time.Time
}

// Detector classifies and resolves conflicting concurrent edits.
type Detector struct {
	TieBreak TiePolicy
	logger   *slog.Logger
}

// NewDetector returns a detector with the given tie policy.
func NewDetector(tieBreak TiePolicy, logger *slog.Logger) *Detector {
	if logger == nil {
		logger = slog.Default()
	}
	return &Detector{TieBreak: tieBreak, logger: logger}
}

// Detect classifies the entity's divergence from its remote counterpart.
// watermark is the per-entity timestamp recorded at the last successful
// sync; a zero watermark means never synced.
func (d *Detector) Detect(localModified, watermark, remoteModified time.Time) ConflictKind {
	if !remoteModified.After(watermark) {
		return NoConflict
	}
	if !localModified.After(watermark) {
		return RemoteNewer
	}
	return Diverged
}

// Resolve merges a diverged entity's local and remote record states.
// Scalar fields take the value from the later-timestamped side; fields
// present on only one side are kept. Differing values under equal
// timestamps are decided by the tie policy and reported as FieldConflicts.
// The merged record carries the later of the two timestamps.
func (d *Detector) Resolve(local, remote *Record) (*Record, []FieldConflict) {
	merged := local.Clone()
	merged.ModifiedAt = local.ModifiedAt
	if remote.ModifiedAt.After(merged.ModifiedAt) {
		merged.ModifiedAt = remote.ModifiedAt
	}
	if merged.ID == "" {
		merged.ID = remote.ID
	}
	if merged.ParentID == "" {
		merged.ParentID = remote.ParentID
	}

	var conflicts []FieldConflict

	names := make(map[string]bool, len(local.Fields)+len(remote.Fields))
	for k := range local.Fields {
		names[k] = true
	}
	for k := range remote.Fields {
		names[k] = true
	}
	ordered := make([]string, 0, len(names))
	for k := range names {
		ordered = append(ordered, k)
	}
	sort.Strings(ordered)

	for _, name := range ordered {
		lv, lok := local.Fields[name]
		rv, rok := remote.Fields[name]
		switch {
		case !lok:
			merged.Fields[name] = rv
		case !rok:
			merged.Fields[name] = lv
		case valuesEqual(lv, rv):
			merged.Fields[name] = lv
		case remote.ModifiedAt.After(local.ModifiedAt):
			merged.Fields[name] = rv
		case local.ModifiedAt.After(remote.ModifiedAt):
			merged.Fields[name] = lv
		default:
			// Same field edited on both sides with indistinguishable
			// timestamps: apply the tie policy and surface the conflict.
			resolved := lv
			if d.TieBreak == TieRemoteWins {
				resolved = rv
			}
			merged.Fields[name] = resolved
			conflicts = append(conflicts, FieldConflict{
				EntityType:    local.Type,
				EntityID:      local.ID,
				Field:         name,
				LocalValue:    lv,
				RemoteValue:   rv,
				ResolvedValue: resolved,
				Timestamp:     local.ModifiedAt,
			})
		}
	}

	if len(conflicts) > 0 {
		d.logger.Warn("field-level conflicts surfaced for caller resolution",
			"type", local.Type, "id", local.ID, "fields", len(conflicts))
	}
	return merged, conflicts
}

// MergeProgressByItem merges two item-progress sets keyed by stable item
// identifier: for each item the later-timestamped side wins, so a completion
// toggled locally is not erased by an unrelated remote edit. Items present
// on only one side are kept as-is.
//
// Sync cycles reconcile progress per record (each ItemProgress row is its own
// record), so the orchestrator never needs a set-level merge; this helper is
// for callers that resolve surfaced FieldConflicts by reconciling an
// assignment's whole progress set before saving it back.
func (d *Detector) MergeProgressByItem(local, remote []ItemProgress) []ItemProgress {
	byItem := make(map[string]ItemProgress, len(local)+len(remote))
	var order []string
	for _, p := range local {
		key := p.ItemID.String()
		byItem[key] = p
		order = append(order, key)
	}
	for _, p := range remote {
		key := p.ItemID.String()
		existing, ok := byItem[key]
		if !ok {
			byItem[key] = p
			order = append(order, key)
			continue
		}
		if p.LastModified.After(existing.LastModified) {
			byItem[key] = p
		}
		// Ties keep the local row (owner-wins carries over to collections)
	}
	out := make([]ItemProgress, 0, len(order))
	for _, key := range order {
		out = append(out, byItem[key])
	}
	return out
}

func valuesEqual(a, b any) bool {
	if a == nil && b == nil {
		return true
	}
	// Normalize numeric types that JSON round-trips shuffle around
	if fa, ok := asFloat(a); ok {
		if fb, ok := asFloat(b); ok {
			return fa == fb
		}
	}
	return a == b
}

func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}
