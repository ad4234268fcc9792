package jwtauth

import (
	"context"
	"errors"
	"fmt"
	"time"

	keyfunc "github.com/MicahParks/keyfunc/v3"
	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/golang-jwt/jwt/v5"
)

// JWKSConfig controls validation for asymmetric (JWKS-backed) credentials.
// This mode serves deployments where tokens are minted by an external
// issuer instead of the proxy's own shared secret.
type JWKSConfig struct {
	// Issuer, when non-empty, is enforced against the iss claim. Required
	// for NewFromDiscovery.
	Issuer string
	// AllowedAlgs defaults to RS256.
	AllowedAlgs []string
	Leeway      time.Duration
}

type jwksAuthenticator struct {
	cfg     *JWKSConfig
	keyfunc jwt.Keyfunc
}

// NewJWKS constructs an Authenticator that verifies tokens against keys
// fetched (and auto-refreshed) from the given JWKS URI.
func NewJWKS(ctx context.Context, cfg *JWKSConfig, jwksURI string) (Authenticator, error) {
	if jwksURI == "" {
		return nil, errors.New("jwks uri required")
	}
	if cfg == nil {
		cfg = &JWKSConfig{}
	}
	if len(cfg.AllowedAlgs) == 0 {
		cfg.AllowedAlgs = []string{"RS256"}
	}

	kf, err := keyfunc.NewDefaultCtx(ctx, []string{jwksURI})
	if err != nil {
		return nil, fmt.Errorf("jwks init failed: %w", err)
	}

	return &jwksAuthenticator{cfg: cfg, keyfunc: func(t *jwt.Token) (any, error) {
		alg := t.Method.Alg()
		for _, a := range cfg.AllowedAlgs {
			if alg == a {
				return kf.Keyfunc(t)
			}
		}
		return nil, fmt.Errorf("disallowed alg: %s", alg)
	}}, nil
}

// NewFromDiscovery resolves the issuer's OIDC metadata to find its
// jwks_uri and constructs a JWKS authenticator from it.
func NewFromDiscovery(ctx context.Context, cfg *JWKSConfig) (Authenticator, error) {
	if cfg == nil || cfg.Issuer == "" {
		return nil, errors.New("issuer is required")
	}
	provider, err := oidc.NewProvider(ctx, cfg.Issuer)
	if err != nil {
		return nil, fmt.Errorf("oidc discovery failed: %w", err)
	}
	var meta struct {
		JwksURI string `json:"jwks_uri"`
	}
	if err := provider.Claims(&meta); err != nil {
		return nil, fmt.Errorf("invalid discovery metadata: %w", err)
	}
	if meta.JwksURI == "" {
		return nil, errors.New("discovery incomplete: missing jwks_uri")
	}
	return NewJWKS(ctx, cfg, meta.JwksURI)
}

func (a *jwksAuthenticator) CheckAuthentication(ctx context.Context, tok string) (*Claims, error) {
	if tok == "" {
		return nil, fmt.Errorf("%w: empty token", ErrUnauthorized)
	}
	opts := []jwt.ParserOption{
		jwt.WithValidMethods(a.cfg.AllowedAlgs),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(a.cfg.Leeway),
	}
	if a.cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(a.cfg.Issuer))
	}
	parsed, err := jwt.NewParser(opts...).Parse(tok, a.keyfunc)
	if err != nil {
		return nil, fmt.Errorf("%w: token parse/verify failed: %v", ErrUnauthorized, err)
	}
	mc, ok := parsed.Claims.(jwt.MapClaims)
	if !ok {
		return nil, fmt.Errorf("%w: invalid claims type", ErrUnauthorized)
	}
	return claimsFromMap(mc), nil
}

var (
	_ Authenticator = (*hmacAuthenticator)(nil)
	_ Authenticator = (*jwksAuthenticator)(nil)
)
