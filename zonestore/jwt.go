// Copyright 2025 Right Rudder Authors
// SPDX-License-Identifier: Apache-2.0

package zonestore

import (
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/Heilo27/Right-Rudder-Main-sub000/internal/auth"
)

// Roles carried in the token. Instructors own private zones and create
// shares; students participate in shared zones.
const (
	RoleInstructor = "instructor"
	RoleStudent    = "student"
)

// JWTAuth validates and issues HS256 bearer tokens for the zone store.
type JWTAuth struct {
	secret []byte
}

// NewJWTAuth creates a new JWT authenticator.
func NewJWTAuth(secret string) *JWTAuth {
	return &JWTAuth{secret: []byte(secret)}
}

// JWTClaims are the zone store's token claims: the user in the standard sub
// claim, plus the requesting device and the caller's role.
type JWTClaims struct {
	DeviceID string `json:"did"`
	Role     string `json:"role"`
	jwt.RegisteredClaims
}

// GenerateToken issues a token for the given user, device and role.
func (j *JWTAuth) GenerateToken(userID, deviceID, role string, expiration time.Duration) (string, error) {
	claims := &JWTClaims{
		DeviceID: deviceID,
		Role:     role,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(expiration)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			NotBefore: jwt.NewNumericDate(time.Now()),
			Issuer:    "zonestore",
			Subject:   userID,
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(j.secret)
}

// ValidateToken validates a token string and returns its claims.
func (j *JWTAuth) ValidateToken(tokenString string) (*JWTClaims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &JWTClaims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return j.secret, nil
	})
	if err != nil {
		return nil, err
	}

	if claims, ok := token.Claims.(*JWTClaims); ok && token.Valid {
		if claims.Subject == "" {
			return nil, fmt.Errorf("missing sub (user ID) in token")
		}
		if claims.Role != RoleInstructor && claims.Role != RoleStudent {
			return nil, fmt.Errorf("unknown role %q in token", claims.Role)
		}
		return claims, nil
	}
	return nil, fmt.Errorf("invalid token")
}

// Middleware returns an HTTP middleware that authenticates requests and
// places the caller's identity in the request context.
func (j *JWTAuth) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authHeader := r.Header.Get("Authorization")
		if authHeader == "" {
			http.Error(w, "Authorization header required", http.StatusUnauthorized)
			return
		}

		bearerToken := strings.Split(authHeader, " ")
		if len(bearerToken) != 2 || bearerToken[0] != "Bearer" {
			http.Error(w, "Invalid authorization header format", http.StatusUnauthorized)
			return
		}

		claims, err := j.ValidateToken(bearerToken[1])
		if err != nil {
			tokenPrefix := bearerToken[1]
			if len(tokenPrefix) > 20 {
				tokenPrefix = tokenPrefix[:20]
			}
			slog.Error("JWT validation failed", "error", err, "token_prefix", tokenPrefix)
			http.Error(w, "Invalid token", http.StatusUnauthorized)
			return
		}

		ctx := auth.SetAuthContext(r.Context(), claims.Subject, claims.DeviceID, claims.Role)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
