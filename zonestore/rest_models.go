// Copyright 2025 Right Rudder Authors
// SPDX-License-Identifier: Apache-2.0

package zonestore

// ErrorResponse is the error envelope returned by every handler.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// AvailabilityResponse reports store health.
type AvailabilityResponse struct {
	Status string `json:"status"`
}

// ZoneListResponse lists the zones visible to the caller.
type ZoneListResponse struct {
	Zones []string `json:"zones"`
}

// RecordListResponse wraps a record query result.
type RecordListResponse struct {
	Records []*StoredRecord `json:"records"`
}

// ShareListResponse lists the caller's shares.
type ShareListResponse struct {
	Shares []Share `json:"shares"`
}

// CreateShareRequest creates a pending share invitation.
type CreateShareRequest struct {
	ZoneID       string `json:"zone_id"`
	InviteeEmail string `json:"invitee_email"`
}
