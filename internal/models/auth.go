package models

import "github.com/golang-jwt/jwt/v5"

// JWTClaims carries the verified identity issued by the auth collaborator.
// The admission engine trusts UserID and IsAdmin as given and performs no
// credential checks of its own.
type JWTClaims struct {
	UserID  string `json:"user_id"`
	IsAdmin bool   `json:"is_admin"`
	jwt.RegisteredClaims
}
