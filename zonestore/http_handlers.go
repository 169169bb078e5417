// Copyright 2025 Right Rudder Authors
// SPDX-License-Identifier: Apache-2.0

package zonestore

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/Heilo27/Right-Rudder-Main-sub000/internal/auth"
)

// HTTPHandlers exposes the zone store over HTTP. Every handler expects
// JWTAuth.Middleware to have already placed the caller's identity in the
// request context.
type HTTPHandlers struct {
	service *ZoneService
	logger  *slog.Logger
}

// NewHTTPHandlers creates the handler set for the given service.
func NewHTTPHandlers(service *ZoneService, logger *slog.Logger) *HTTPHandlers {
	if logger == nil {
		logger = slog.Default()
	}
	return &HTTPHandlers{service: service, logger: logger}
}

// Register wires all routes onto mux behind the authenticator.
func (h *HTTPHandlers) Register(mux *http.ServeMux, jwtAuth *JWTAuth) {
	wrap := func(fn http.HandlerFunc) http.Handler {
		return jwtAuth.Middleware(fn)
	}
	mux.Handle("GET /availability", wrap(h.HandleAvailability))
	mux.Handle("GET /zones", wrap(h.HandleListZones))
	mux.Handle("GET /zones/{zone}/records", wrap(h.HandleQueryRecords))
	mux.Handle("GET /zones/{zone}/records/{id}", wrap(h.HandleGetRecord))
	mux.Handle("PUT /zones/{zone}/records/{id}", wrap(h.HandleSaveRecord))
	mux.Handle("DELETE /zones/{zone}/records/{id}", wrap(h.HandleDeleteRecord))
	mux.Handle("GET /shares", wrap(h.HandleListShares))
	mux.Handle("POST /shares", wrap(h.HandleCreateShare))
	mux.Handle("POST /shares/{id}/accept", wrap(h.HandleAcceptShare))
	mux.Handle("POST /shares/{id}/revoke", wrap(h.HandleRevokeShare))
}

func (h *HTTPHandlers) userID(w http.ResponseWriter, r *http.Request) (string, bool) {
	userID, ok := auth.GetUserID(r.Context())
	if !ok || userID == "" {
		h.writeError(w, http.StatusUnauthorized, "authentication_failed", "No authenticated user")
		return "", false
	}
	return userID, true
}

// HandleAvailability reports store health with the caller's credentials, so
// clients can distinguish "server down" from "my account is broken".
func (h *HTTPHandlers) HandleAvailability(w http.ResponseWriter, r *http.Request) {
	if _, ok := h.userID(w, r); !ok {
		return
	}
	if err := h.service.Ping(r.Context()); err != nil {
		h.logger.Error("availability probe failed", "error", err)
		h.writeError(w, http.StatusServiceUnavailable, "store_unavailable", "Database unreachable")
		return
	}
	h.writeJSON(w, AvailabilityResponse{Status: "available"})
}

// HandleListZones lists the shared zones visible to the caller.
func (h *HTTPHandlers) HandleListZones(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}
	zones, err := h.service.ListZones(r.Context(), userID)
	if err != nil {
		h.logger.Error("failed to list zones", "error", err, "user", userID)
		h.writeError(w, http.StatusInternalServerError, "list_failed", "Failed to list zones")
		return
	}
	if zones == nil {
		zones = []string{}
	}
	h.writeJSON(w, ZoneListResponse{Zones: zones})
}

// HandleGetRecord returns one record.
func (h *HTTPHandlers) HandleGetRecord(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}
	rec, err := h.service.GetRecord(r.Context(), userID, r.PathValue("zone"), r.PathValue("id"))
	if err != nil {
		h.writeServiceError(w, err, "fetch_failed", "Failed to fetch record")
		return
	}
	h.writeJSON(w, rec)
}

// HandleSaveRecord upserts one record and echoes back the stored version.
func (h *HTTPHandlers) HandleSaveRecord(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}
	var rec StoredRecord
	if err := json.NewDecoder(r.Body).Decode(&rec); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Failed to parse record")
		return
	}
	rec.ID = r.PathValue("id")
	if rec.Type == "" {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Record type is required")
		return
	}
	saved, err := h.service.SaveRecord(r.Context(), userID, r.PathValue("zone"), &rec)
	if err != nil {
		h.writeServiceError(w, err, "save_failed", "Failed to save record")
		return
	}
	h.writeJSON(w, saved)
}

// HandleDeleteRecord deletes a record and its children.
func (h *HTTPHandlers) HandleDeleteRecord(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}
	err := h.service.DeleteRecord(r.Context(), userID, r.PathValue("zone"), r.PathValue("id"))
	if err != nil {
		h.writeServiceError(w, err, "delete_failed", "Failed to delete record")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// HandleQueryRecords returns records of one type modified after "since".
func (h *HTTPHandlers) HandleQueryRecords(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}
	recordType := r.URL.Query().Get("type")
	if recordType == "" {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "type query parameter is required")
		return
	}
	var since time.Time
	if sinceStr := r.URL.Query().Get("since"); sinceStr != "" {
		parsed, err := time.Parse("2006-01-02T15:04:05.000Z", sinceStr)
		if err != nil {
			h.writeError(w, http.StatusBadRequest, "invalid_request", "since must be an UTC timestamp")
			return
		}
		since = parsed
	}
	records, err := h.service.QueryRecords(r.Context(), userID, r.PathValue("zone"), recordType, since)
	if err != nil {
		h.writeServiceError(w, err, "query_failed", "Failed to query records")
		return
	}
	if records == nil {
		records = []*StoredRecord{}
	}
	h.writeJSON(w, RecordListResponse{Records: records})
}

// HandleListShares lists the caller's shares (owner view).
func (h *HTTPHandlers) HandleListShares(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}
	shares, err := h.service.SharesForOwner(r.Context(), userID)
	if err != nil {
		h.logger.Error("failed to list shares", "error", err, "user", userID)
		h.writeError(w, http.StatusInternalServerError, "list_failed", "Failed to list shares")
		return
	}
	if shares == nil {
		shares = []Share{}
	}
	h.writeJSON(w, ShareListResponse{Shares: shares})
}

// HandleCreateShare creates a pending share invitation. Instructor-only.
func (h *HTTPHandlers) HandleCreateShare(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}
	if role, _ := auth.GetRole(r.Context()); role != RoleInstructor {
		h.writeError(w, http.StatusForbidden, "forbidden", "Only instructors can create shares")
		return
	}
	var req CreateShareRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Failed to parse share request")
		return
	}
	if req.ZoneID == "" || req.InviteeEmail == "" {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "zone_id and invitee_email are required")
		return
	}
	share, err := h.service.CreateShare(r.Context(), userID, req.ZoneID, req.InviteeEmail)
	if errors.Is(err, ErrShareExists) {
		h.writeError(w, http.StatusConflict, "share_exists", "An active share already exists for this zone")
		return
	}
	if err != nil {
		h.logger.Error("failed to create share", "error", err, "user", userID)
		h.writeError(w, http.StatusInternalServerError, "share_failed", "Failed to create share")
		return
	}
	h.writeJSON(w, share)
}

// HandleAcceptShare accepts a pending share as the calling student.
func (h *HTTPHandlers) HandleAcceptShare(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}
	share, err := h.service.AcceptShare(r.Context(), r.PathValue("id"), userID)
	if errors.Is(err, ErrNotFound) {
		h.writeError(w, http.StatusNotFound, "not_found", "Share not found")
		return
	}
	if errors.Is(err, ErrShareInvalid) {
		h.writeError(w, http.StatusConflict, "share_invalid", "Share is not pending")
		return
	}
	if err != nil {
		h.logger.Error("failed to accept share", "error", err, "user", userID)
		h.writeError(w, http.StatusInternalServerError, "share_failed", "Failed to accept share")
		return
	}
	h.writeJSON(w, share)
}

// HandleRevokeShare revokes a share the caller owns.
func (h *HTTPHandlers) HandleRevokeShare(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}
	err := h.service.RevokeShare(r.Context(), r.PathValue("id"), userID)
	if errors.Is(err, ErrNotFound) {
		h.writeError(w, http.StatusNotFound, "not_found", "Share not found")
		return
	}
	if errors.Is(err, ErrForbidden) {
		h.writeError(w, http.StatusForbidden, "forbidden", "Not the owner of this share")
		return
	}
	if err != nil {
		h.logger.Error("failed to revoke share", "error", err, "user", userID)
		h.writeError(w, http.StatusInternalServerError, "share_failed", "Failed to revoke share")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *HTTPHandlers) writeServiceError(w http.ResponseWriter, err error, code, message string) {
	switch {
	case errors.Is(err, ErrNotFound):
		h.writeError(w, http.StatusNotFound, "not_found", "Record or zone not found")
	case errors.Is(err, ErrForbidden):
		h.writeError(w, http.StatusForbidden, "forbidden", "Zone access denied")
	default:
		h.logger.Error(message, "error", err)
		h.writeError(w, http.StatusInternalServerError, code, message)
	}
}

func (h *HTTPHandlers) writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Error("Failed to encode response", "error", err)
	}
}

func (h *HTTPHandlers) writeError(w http.ResponseWriter, status int, errorCode, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(ErrorResponse{Error: errorCode, Message: message})
}
