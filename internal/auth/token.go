// Package auth obtains and validates the Tapis token used for every
// authenticated call.
package auth

import (
	"fmt"
	"net/url"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// DefaultTokenLifetime is assumed when a token carries no exp claim.
const DefaultTokenLifetime = time.Hour

// Claims holds the Tapis JWT claims the client reads. Signatures are not
// verified; the userinfo call decides validity.
type Claims struct {
	TenantID string `json:"tapis/tenant_id,omitempty"`
	Username string `json:"tapis/username,omitempty"`
	jwt.RegisteredClaims
}

// DecodeToken parses a JWT without verifying its signature.
func DecodeToken(token string) (*Claims, error) {
	var claims Claims
	if _, _, err := jwt.NewParser().ParseUnverified(token, &claims); err != nil {
		return nil, fmt.Errorf("decode token: %w", err)
	}
	return &claims, nil
}

// Expired reports whether the exp claim lies before now. A token without
// exp is not considered expired.
func (c *Claims) Expired(now time.Time) bool {
	return c.ExpiresAt != nil && c.ExpiresAt.Time.Before(now)
}

// Expiry returns the exp claim, or now plus DefaultTokenLifetime.
func (c *Claims) Expiry(now time.Time) time.Time {
	if c.ExpiresAt != nil {
		return c.ExpiresAt.Time
	}
	return now.Add(DefaultTokenLifetime)
}

// HostFromIssuer derives the Tapis host from the iss claim:
// https://<hostname of iss>.
func HostFromIssuer(iss string) (string, error) {
	u, err := url.Parse(iss)
	if err != nil || u.Scheme == "" || u.Hostname() == "" {
		return "", fmt.Errorf("invalid issuer %q", iss)
	}
	return "https://" + u.Hostname(), nil
}
