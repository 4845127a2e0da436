// Package auth implements the identity gate: bearer token verification
// against the external identity provider and injection of the resolved
// user into the request context. No component below this layer may touch
// an entity without that identity.
package auth

import (
	"context"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v4"

	"github.com/taskmesh/taskmesh/pkg/observability"
)

// ErrorKind classifies an authentication failure
type ErrorKind string

const (
	ErrorKindMissing   ErrorKind = "missing"
	ErrorKindMalformed ErrorKind = "malformed"
	ErrorKindExpired   ErrorKind = "expired"
	ErrorKindRevoked   ErrorKind = "revoked"
)

// Error is a typed authentication failure
type Error struct {
	Kind    ErrorKind
	Message string
}

func (e *Error) Error() string {
	return fmt.Sprintf("auth %s: %s", e.Kind, e.Message)
}

// NewError creates an auth error of the given kind
func NewError(kind ErrorKind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// User is the identity resolved from a verified bearer token
type User struct {
	ID        string    `json:"id"`
	Roles     []string  `json:"roles,omitempty"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Claims are the token claims the engine cares about. The identity
// provider (Keycloak) issues the token; only subject, roles, issuer, and
// expiry are read here.
type Claims struct {
	jwt.RegisteredClaims
	Roles []string `json:"roles,omitempty"`
	RealmAccess struct {
		Roles []string `json:"roles,omitempty"`
	} `json:"realm_access,omitempty"`
}

// ServiceConfig configures token verification
type ServiceConfig struct {
	// Secret verifies HMAC-signed tokens
	Secret string
	// Issuer, when set, must match the token's iss claim
	Issuer string
}

// Revoker answers whether a token id has been revoked. The production
// implementation is backed by the identity provider; tests use a map.
type Revoker interface {
	IsRevoked(ctx context.Context, tokenID string) (bool, error)
}

// Service verifies bearer tokens
type Service struct {
	config  ServiceConfig
	revoker Revoker
	logger  observability.Logger
}

// NewService creates an auth service. revoker may be nil.
func NewService(config ServiceConfig, revoker Revoker, logger observability.Logger) *Service {
	return &Service{config: config, revoker: revoker, logger: logger}
}

// Verify validates the bearer token's signature, issuer, and expiry, and
// returns the resolved user.
func (s *Service) Verify(ctx context.Context, tokenString string) (*User, error) {
	if tokenString == "" {
		return nil, NewError(ErrorKindMissing, "no bearer token provided")
	}

	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return []byte(s.config.Secret), nil
	})
	if err != nil {
		if verr, ok := err.(*jwt.ValidationError); ok && verr.Errors&jwt.ValidationErrorExpired != 0 {
			return nil, NewError(ErrorKindExpired, "token expired")
		}
		return nil, NewError(ErrorKindMalformed, "token verification failed")
	}
	if !token.Valid {
		return nil, NewError(ErrorKindMalformed, "invalid token")
	}
	if s.config.Issuer != "" && claims.Issuer != s.config.Issuer {
		return nil, NewError(ErrorKindMalformed, "unexpected issuer")
	}
	if claims.Subject == "" {
		return nil, NewError(ErrorKindMalformed, "token missing subject")
	}

	if s.revoker != nil && claims.ID != "" {
		revoked, err := s.revoker.IsRevoked(ctx, claims.ID)
		if err != nil {
			s.logger.Warn("revocation check failed", map[string]interface{}{"error": err.Error()})
		} else if revoked {
			return nil, NewError(ErrorKindRevoked, "token revoked")
		}
	}

	roles := claims.Roles
	if len(roles) == 0 {
		roles = claims.RealmAccess.Roles
	}
	var expires time.Time
	if claims.ExpiresAt != nil {
		expires = claims.ExpiresAt.Time
	}
	return &User{ID: claims.Subject, Roles: roles, ExpiresAt: expires}, nil
}
