// Copyright 2025 Right Rudder Authors
// SPDX-License-Identifier: Apache-2.0

package zonestore

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/Heilo27/Right-Rudder-Main-sub000/internal/auth"
)

func TestJWTRoundTrip(t *testing.T) {
	j := NewJWTAuth("test-secret")

	token, err := j.GenerateToken("user-1", "device-1", RoleInstructor, time.Hour)
	require.NoError(t, err)

	claims, err := j.ValidateToken(token)
	require.NoError(t, err)
	require.Equal(t, "user-1", claims.Subject)
	require.Equal(t, "device-1", claims.DeviceID)
	require.Equal(t, RoleInstructor, claims.Role)
}

func TestJWTRejectsWrongSecret(t *testing.T) {
	issuer := NewJWTAuth("secret-a")
	verifier := NewJWTAuth("secret-b")

	token, err := issuer.GenerateToken("user-1", "device-1", RoleStudent, time.Hour)
	require.NoError(t, err)

	_, err = verifier.ValidateToken(token)
	require.Error(t, err)
}

func TestJWTRejectsExpiredToken(t *testing.T) {
	j := NewJWTAuth("test-secret")

	token, err := j.GenerateToken("user-1", "device-1", RoleInstructor, -time.Minute)
	require.NoError(t, err)

	_, err = j.ValidateToken(token)
	require.Error(t, err)
}

func TestJWTRejectsUnknownRole(t *testing.T) {
	j := NewJWTAuth("test-secret")

	token, err := j.GenerateToken("user-1", "device-1", "admin", time.Hour)
	require.NoError(t, err)

	_, err = j.ValidateToken(token)
	require.Error(t, err)
}

func TestJWTMiddleware(t *testing.T) {
	j := NewJWTAuth("test-secret")

	var gotUser, gotRole string
	handler := j.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotUser, _ = auth.GetUserID(r.Context())
		gotRole, _ = auth.GetRole(r.Context())
	}))

	// No header
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/zones", nil))
	require.Equal(t, http.StatusUnauthorized, rr.Code)

	// Malformed header
	rr = httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/zones", nil)
	req.Header.Set("Authorization", "Basic abc")
	handler.ServeHTTP(rr, req)
	require.Equal(t, http.StatusUnauthorized, rr.Code)

	// Garbage token
	rr = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodGet, "/zones", nil)
	req.Header.Set("Authorization", "Bearer not-a-token")
	handler.ServeHTTP(rr, req)
	require.Equal(t, http.StatusUnauthorized, rr.Code)

	// Valid token reaches the handler with identity in context
	token, err := j.GenerateToken("user-1", "device-1", RoleStudent, time.Hour)
	require.NoError(t, err)
	rr = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodGet, "/zones", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	handler.ServeHTTP(rr, req)
	require.Equal(t, http.StatusOK, rr.Code)
	require.Equal(t, "user-1", gotUser)
	require.Equal(t, RoleStudent, gotRole)
}
