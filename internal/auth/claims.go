package auth

import (
	"errors"

	"github.com/golang-jwt/jwt/v5"
)

type TokenType string

const (
	TokenTypeAccess  TokenType = "access"
	TokenTypeRefresh TokenType = "refresh"
)

var (
	errTokenTypeMismatch = errors.New("token_type mismatch")
	errMissingUserID     = errors.New("user_id missing")
	errMissingRole       = errors.New("role missing in access token")
)

// Claims are the only JWT claims shape the api accepts. Access tokens carry a role
// so websocket and REST callers can be scoped without a user lookup.
type Claims struct {
	jwt.RegisteredClaims

	UserID    string    `json:"user_id"`
	Role      string    `json:"role,omitempty"`
	TokenType TokenType `json:"token_type"`
}

// checkShape verifies the application claims once the registered ones have passed.
func (c Claims) checkShape(expected TokenType) error {
	switch {
	case c.TokenType != expected:
		return errTokenTypeMismatch
	case c.UserID == "":
		return errMissingUserID
	case expected == TokenTypeAccess && c.Role == "":
		return errMissingRole
	}
	return nil
}
