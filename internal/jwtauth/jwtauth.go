// Package jwtauth verifies the bearer credentials that peers present when
// connecting to the proxy. Verification fails closed: any decoding error,
// signature mismatch, algorithm confusion, or expiry violation yields an
// error and no claims.
package jwtauth

import (
	"context"
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ErrUnauthorized indicates the credential failed verification (signature,
// algorithm, expiry, or malformed token) and the session must be rejected.
var ErrUnauthorized = errors.New("jwtauth: unauthorized")

// ErrInsufficientRoles indicates the credential verified but its roles do
// not satisfy the server's required-roles policy. Kept distinct from
// ErrUnauthorized so operators can tell "who you are" failures from "what
// you may do" failures.
var ErrInsufficientRoles = errors.New("jwtauth: insufficient_roles")

// Claims is the decoded identity carried by a verified credential. The
// token itself is discarded after verification; only Claims persist for
// the connection's lifetime.
type Claims struct {
	// Subject is the authenticated user, from the "user" claim with a
	// fallback to the standard "sub" claim. May be empty.
	Subject string
	// Roles is the ordered role list from the "roles" claim. Order matters:
	// permission evaluation scans roles in this order.
	Roles []string
	// IssuedAt and ExpiresAt mirror the iat/exp claims.
	IssuedAt  time.Time
	ExpiresAt time.Time
	// Extra holds all remaining claims for passthrough inspection.
	Extra map[string]any
}

// Authenticator validates bearer credentials. Implementations MUST perform
// signature, algorithm, and time validations and never panic past their
// boundary.
type Authenticator interface {
	CheckAuthentication(ctx context.Context, tok string) (*Claims, error)
}

// HasRequiredRoles reports whether userRoles satisfies requiredRoles: an
// empty requirement always passes; a non-empty requirement needs at least
// one role in common.
func HasRequiredRoles(userRoles, requiredRoles []string) bool {
	if len(requiredRoles) == 0 {
		return true
	}
	if len(userRoles) == 0 {
		return false
	}
	want := make(map[string]struct{}, len(requiredRoles))
	for _, r := range requiredRoles {
		want[r] = struct{}{}
	}
	for _, r := range userRoles {
		if _, ok := want[r]; ok {
			return true
		}
	}
	return false
}

// claimsFromMap converts raw JWT claims into the semantic Claims record.
func claimsFromMap(mc jwt.MapClaims) *Claims {
	c := &Claims{Extra: map[string]any{}}

	if u, _ := mc["user"].(string); u != "" {
		c.Subject = u
	} else if s, _ := mc["sub"].(string); s != "" {
		c.Subject = s
	}

	switch v := mc["roles"].(type) {
	case []any:
		for _, e := range v {
			if s, ok := e.(string); ok {
				c.Roles = append(c.Roles, s)
			}
		}
	case []string:
		c.Roles = append(c.Roles, v...)
	}

	if iat, ok := mc["iat"].(float64); ok {
		c.IssuedAt = time.Unix(int64(iat), 0)
	}
	if exp, ok := mc["exp"].(float64); ok {
		c.ExpiresAt = time.Unix(int64(exp), 0)
	}

	for k, v := range mc {
		switch k {
		case "user", "sub", "roles", "iat", "exp":
		default:
			c.Extra[k] = v
		}
	}
	return c
}
