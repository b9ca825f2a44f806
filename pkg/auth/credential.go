package auth

import (
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Credential is the bearer token plus its decoded expiry. ExpiresAt is zero
// for opaque tokens that carry no readable exp claim.
type Credential struct {
	Token     string
	Subject   string
	ExpiresAt time.Time
}

func (c *Credential) Bearer() string {
	if c == nil {
		return ""
	}
	return "Bearer " + c.Token
}

func (c *Credential) ExpiredAt(now time.Time) bool {
	if c == nil {
		return true
	}
	return !c.ExpiresAt.IsZero() && !c.ExpiresAt.After(now)
}

// Decode reads the claims of a JWT without verifying its signature: the
// server is the only party that can verify it, the client only needs exp.
// Non-JWT tokens are accepted as opaque credentials.
func Decode(token string) *Credential {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil
	}
	c := &Credential{Token: token}
	claims := &jwt.RegisteredClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return c
	}
	if claims.ExpiresAt != nil {
		c.ExpiresAt = claims.ExpiresAt.Time
	}
	c.Subject = claims.Subject
	return c
}

func sameCredential(a, b *Credential) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Token == b.Token
}
