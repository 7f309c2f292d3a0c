package models

import (
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// JWTClaims represents the identity provider token payload.
type JWTClaims struct {
	UserID   string   `json:"user_id"`
	Role     UserRole `json:"role"`
	Email    string   `json:"email"`
	FullName string   `json:"full_name"`
	jwt.RegisteredClaims
}

// Identity is the student snapshot written into a selection record at submission time.
type Identity struct {
	UserID      string
	DisplayName string
	Email       string
}

// IdentityFromClaims snapshots the token claims, falling back to the email local part for the name.
func IdentityFromClaims(claims *JWTClaims) Identity {
	if claims == nil {
		return Identity{}
	}
	name := strings.TrimSpace(claims.FullName)
	if name == "" {
		name = claims.Email
		if at := strings.Index(name, "@"); at > 0 {
			name = name[:at]
		}
	}
	return Identity{UserID: claims.UserID, DisplayName: name, Email: claims.Email}
}
