package model

import "github.com/golang-jwt/jwt/v5"

type TokenKind string

const (
	AccessToken  TokenKind = "access"
	RefreshToken TokenKind = "refresh"
)

// AccessClaims are carried by the short-lived bearer token. CouchRoles mirrors
// Roles under the claim name CouchDB reads when it verifies the JWT itself.
type AccessClaims struct {
	Name       string   `json:"name"`
	Roles      []string `json:"roles"`
	CouchRoles []string `json:"_couchdb.roles,omitempty"`
	jwt.RegisteredClaims
}

type RefreshClaims struct {
	Name string `json:"name"`
	jwt.RegisteredClaims
}
