// Copyright 2025 Right Rudder Authors
// SPDX-License-Identifier: Apache-2.0

// Package auth carries request identity through context for the zone store's
// HTTP handlers.
package auth

import (
	"context"
)

type contextKey string

const (
	userIDKey   contextKey = "user_id"
	deviceIDKey contextKey = "device_id"
	roleKey     contextKey = "role"
)

// SetUserID sets the authenticated user ID in the context.
func SetUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, userIDKey, userID)
}

// GetUserID retrieves the authenticated user ID from the context.
func GetUserID(ctx context.Context) (string, bool) {
	userID, ok := ctx.Value(userIDKey).(string)
	return userID, ok
}

// SetDeviceID sets the requesting device ID in the context.
func SetDeviceID(ctx context.Context, deviceID string) context.Context {
	return context.WithValue(ctx, deviceIDKey, deviceID)
}

// GetDeviceID retrieves the requesting device ID from the context.
func GetDeviceID(ctx context.Context) (string, bool) {
	deviceID, ok := ctx.Value(deviceIDKey).(string)
	return deviceID, ok
}

// SetRole sets the caller's role (instructor or student) in the context.
func SetRole(ctx context.Context, role string) context.Context {
	return context.WithValue(ctx, roleKey, role)
}

// GetRole retrieves the caller's role from the context.
func GetRole(ctx context.Context) (string, bool) {
	role, ok := ctx.Value(roleKey).(string)
	return role, ok
}

// SetAuthContext sets the full identity triple in one call.
func SetAuthContext(ctx context.Context, userID, deviceID, role string) context.Context {
	ctx = SetUserID(ctx, userID)
	ctx = SetDeviceID(ctx, deviceID)
	return SetRole(ctx, role)
}
