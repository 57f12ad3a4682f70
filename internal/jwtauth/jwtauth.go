// Package jwtauth validates bearer tokens presented to the gateway
// surface and extracts the subject used as the fan-out user id. Identity
// is otherwise opaque to the core: the subject string is carried through
// the registry verbatim.
package jwtauth

import (
	"context"
	"errors"
	"fmt"
	"time"

	keyfunc "github.com/MicahParks/keyfunc/v3"
	"github.com/golang-jwt/jwt/v5"
)

// ErrUnauthorized indicates that the access token failed validation and
// the request should be treated as unauthenticated.
var ErrUnauthorized = errors.New("jwtauth: unauthorized")

// UserInfo exposes the validated token subject.
type UserInfo interface {
	UserID() string
}

// Authenticator validates access tokens and returns the token subject.
// Implementations MUST perform signature, issuer, audience and time
// validations.
type Authenticator interface {
	CheckAuthentication(ctx context.Context, tok string) (UserInfo, error)
}

// Config controls validation behavior for access tokens.
type Config struct {
	Issuer string
	// ExpectedAudiences contains the accepted audiences; at least one
	// must be present in the token.
	ExpectedAudiences []string
	AllowedAlgs       []string
	Leeway            time.Duration
}

func (c *Config) applyDefaults() {
	if len(c.AllowedAlgs) == 0 {
		c.AllowedAlgs = []string{"RS256"}
	}
	if c.Leeway == 0 {
		c.Leeway = 60 * time.Second
	}
}

type authenticator struct {
	cfg     Config
	keyfunc jwt.Keyfunc
}

// NewJWKS constructs an Authenticator that validates tokens against the
// keys published at jwksURI. JWKS keys are auto-refreshed.
func NewJWKS(ctx context.Context, cfg Config, jwksURI string) (Authenticator, error) {
	if cfg.Issuer == "" {
		return nil, errors.New("issuer is required")
	}
	if jwksURI == "" {
		return nil, errors.New("jwks uri required")
	}
	cfg.applyDefaults()

	kf, err := keyfunc.NewDefaultCtx(ctx, []string{jwksURI})
	if err != nil {
		return nil, fmt.Errorf("jwks init failed: %w", err)
	}
	return &authenticator{cfg: cfg, keyfunc: kf.Keyfunc}, nil
}

// NewHMAC constructs an Authenticator validating HS256 tokens with a
// shared secret. Intended for tests and local development.
func NewHMAC(cfg Config, secret []byte) (Authenticator, error) {
	if cfg.Issuer == "" {
		return nil, errors.New("issuer is required")
	}
	if len(secret) == 0 {
		return nil, errors.New("secret is required")
	}
	cfg.AllowedAlgs = []string{"HS256"}
	cfg.applyDefaults()

	return &authenticator{cfg: cfg, keyfunc: func(t *jwt.Token) (any, error) {
		return secret, nil
	}}, nil
}

// CheckAuthentication implements Authenticator.
func (a *authenticator) CheckAuthentication(ctx context.Context, tok string) (UserInfo, error) {
	if tok == "" {
		return nil, fmt.Errorf("%w: empty token", ErrUnauthorized)
	}

	opts := []jwt.ParserOption{
		jwt.WithValidMethods(a.cfg.AllowedAlgs),
		jwt.WithIssuer(a.cfg.Issuer),
		jwt.WithLeeway(a.cfg.Leeway),
		jwt.WithExpirationRequired(),
	}

	claims := jwt.MapClaims{}
	parsed, err := jwt.NewParser(opts...).ParseWithClaims(tok, claims, a.keyfunc)
	if err != nil || !parsed.Valid {
		return nil, fmt.Errorf("%w: %v", ErrUnauthorized, err)
	}

	if len(a.cfg.ExpectedAudiences) > 0 {
		auds, _ := claims.GetAudience()
		if !audienceMatches(auds, a.cfg.ExpectedAudiences) {
			return nil, fmt.Errorf("%w: audience mismatch", ErrUnauthorized)
		}
	}

	sub, err := claims.GetSubject()
	if err != nil || sub == "" {
		return nil, fmt.Errorf("%w: token has no subject", ErrUnauthorized)
	}
	return userInfo{sub: sub}, nil
}

func audienceMatches(got jwt.ClaimStrings, want []string) bool {
	for _, g := range got {
		for _, w := range want {
			if g == w {
				return true
			}
		}
	}
	return false
}

type userInfo struct {
	sub string
}

func (u userInfo) UserID() string { return u.sub }
