// Package auth adapts an externally-issued JWT into the identity.Identity
// the core needs, grounded on the teacher's internal/auth/jwt.go. Token
// issuance lives outside this repo's scope (spec.md §1); this package
// only verifies.
package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"chatcore/internal/identity"
)

// Claims is the subset of the externally-issued token this service
// relies on.
type Claims struct {
	UserID string `json:"userId"`
	Role   string `json:"role"`
	jwt.RegisteredClaims
}

// JWTManager verifies bearer tokens signed with an HMAC secret shared
// with the external auth service.
type JWTManager struct {
	secretKey  []byte
	clockSkew  time.Duration
}

func NewJWTManager(secretKey string, clockSkew time.Duration) *JWTManager {
	return &JWTManager{secretKey: []byte(secretKey), clockSkew: clockSkew}
}

var _ identity.Authenticator = (*JWTManager)(nil)

// Authenticate implements identity.Authenticator.
func (m *JWTManager) Authenticate(_ context.Context, token string) (identity.Identity, error) {
	claims, err := m.verify(token)
	if err != nil {
		return identity.Identity{}, err
	}
	uid, err := uuid.Parse(claims.UserID)
	if err != nil {
		return identity.Identity{}, fmt.Errorf("token subject is not a uuid: %w", err)
	}
	return identity.Identity{UserID: uid, Role: claims.Role}, nil
}

func (m *JWTManager) verify(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(
		tokenString,
		&Claims{},
		func(token *jwt.Token) (interface{}, error) {
			if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
			}
			return m.secretKey, nil
		},
		jwt.WithLeeway(m.clockSkew),
	)
	if err != nil {
		return nil, fmt.Errorf("invalid token: %w", err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, errors.New("invalid token claims")
	}
	return claims, nil
}

// ExtractBearer pulls the token from the Authorization header, falling
// back to a ?token= query parameter for WebSocket upgrades where
// setting a header is awkward from browser clients.
func ExtractBearer(r *http.Request) (string, error) {
	if h := r.Header.Get("Authorization"); h != "" {
		const prefix = "Bearer "
		if !strings.HasPrefix(h, prefix) {
			return "", errors.New("invalid authorization header format")
		}
		return strings.TrimPrefix(h, prefix), nil
	}
	if t := r.URL.Query().Get("token"); t != "" {
		return t, nil
	}
	return "", errors.New("no token found in request")
}
