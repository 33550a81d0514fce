package auth

import "github.com/golang-jwt/jwt/v5"

// Claims represents the JWT claims for access credentials.
// UserType is nullable: a user who has not selected a marketplace role yet
// carries no user_type claim.
type Claims struct {
	jwt.RegisteredClaims
	UserType   *string `json:"user_type,omitempty"`
	IsVerified bool    `json:"is_verified"`
}
