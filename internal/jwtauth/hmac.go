package jwtauth

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// hmacAlgs is the only signing algorithm family accepted by the
// secret-bound verifier. Tokens whose header claims "none", an RSA/EC
// algorithm, or anything else outside the HMAC family are rejected before
// signature verification runs. Accepting a mismatched algorithm is a known
// key-confusion attack and must never succeed.
var hmacAlgs = []string{"HS256", "HS384", "HS512"}

// HMACConfig tunes the shared-secret verifier.
type HMACConfig struct {
	// Leeway is the clock-skew allowance applied to exp/iat validation.
	Leeway time.Duration
}

type hmacAuthenticator struct {
	secret []byte
	leeway time.Duration
}

// NewHMAC constructs an Authenticator that verifies tokens signed with the
// given shared secret. cfg may be nil for defaults.
func NewHMAC(secret string, cfg *HMACConfig) (Authenticator, error) {
	if secret == "" {
		return nil, errors.New("secret is required")
	}
	var leeway time.Duration
	if cfg != nil {
		leeway = cfg.Leeway
	}
	return &hmacAuthenticator{secret: []byte(secret), leeway: leeway}, nil
}

func (a *hmacAuthenticator) CheckAuthentication(ctx context.Context, tok string) (*Claims, error) {
	if tok == "" {
		return nil, fmt.Errorf("%w: empty token", ErrUnauthorized)
	}
	parser := jwt.NewParser(
		jwt.WithValidMethods(hmacAlgs),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(a.leeway),
	)
	parsed, err := parser.Parse(tok, func(t *jwt.Token) (any, error) {
		// WithValidMethods already constrains the alg header, but the keyfunc
		// independently refuses to hand the secret to a non-HMAC method.
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("disallowed alg: %s", t.Method.Alg())
		}
		return a.secret, nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: token parse/verify failed: %v", ErrUnauthorized, err)
	}
	mc, ok := parsed.Claims.(jwt.MapClaims)
	if !ok {
		return nil, fmt.Errorf("%w: invalid claims type", ErrUnauthorized)
	}
	return claimsFromMap(mc), nil
}

// Sign issues an HS256 token carrying the given user and role list,
// expiring after ttl. It is the counterpart of NewHMAC and backs the
// `token` CLI command.
func Sign(secret, user string, roles []string, ttl time.Duration) (string, error) {
	if secret == "" {
		return "", errors.New("secret is required")
	}
	now := time.Now()
	claims := jwt.MapClaims{
		"iat": now.Unix(),
		"exp": now.Add(ttl).Unix(),
	}
	if user != "" {
		claims["user"] = user
	}
	if len(roles) > 0 {
		claims["roles"] = roles
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}

// NewSecret generates a random hex-encoded signing secret suitable for
// HMAC use.
func NewSecret() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}
