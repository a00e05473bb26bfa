package models

import "github.com/golang-jwt/jwt/v5"

// Token type markers carried in the "typ" claim.
const (
	TokenTypeAccess  = "access"
	TokenTypeRefresh = "refresh"
)

// JWTClaims is the payload shared by access and refresh tokens.
type JWTClaims struct {
	UserID string `json:"userId"`
	Type   string `json:"typ"`
	jwt.RegisteredClaims
}

// ClientMeta describes the device a session was opened from.
type ClientMeta struct {
	IP        string
	UserAgent string
}
