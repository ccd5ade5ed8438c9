// Package identity turns request credentials into a verified principal
// identity. The engine trusts only what this package hands it.
package identity

import (
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/davidleathers/dpdp-compliance-engine/internal/domain/errors"
	"github.com/davidleathers/dpdp-compliance-engine/internal/domain/principal"
	"github.com/davidleathers/dpdp-compliance-engine/internal/infrastructure/clock"
	"github.com/davidleathers/dpdp-compliance-engine/internal/infrastructure/config"
)

// Claims are the access token claims.
type Claims struct {
	jwt.RegisteredClaims
	Role string `json:"role"`
}

// Provider issues and verifies HS256 access tokens.
type Provider struct {
	secret []byte
	issuer string
	ttl    time.Duration
	clock  clock.Clock
}

func NewProvider(cfg config.IdentityConfig, clk clock.Clock) (*Provider, error) {
	if len(cfg.JWTSecret) < 32 {
		return nil, fmt.Errorf("identity jwt_secret must be at least 32 bytes")
	}
	return &Provider{
		secret: []byte(cfg.JWTSecret),
		issuer: cfg.Issuer,
		ttl:    cfg.TokenTTL,
		clock:  clk,
	}, nil
}

// Issue signs a token for id. It returns the token and its expiry.
func (p *Provider) Issue(id principal.Identity) (string, time.Time, error) {
	now := p.clock.Now()
	expires := now.Add(p.ttl)
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    p.issuer,
			Subject:   id.PrincipalID.String(),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expires),
			ID:        uuid.NewString(),
		},
		Role: string(id.Role),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(p.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("signing access token: %w", err)
	}
	return signed, expires, nil
}

// Verify parses a bearer token into an identity or an Unauthenticated error.
func (p *Provider) Verify(token string) (principal.Identity, error) {
	var claims Claims
	_, err := jwt.ParseWithClaims(token, &claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return p.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(p.issuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(p.clock.Now),
	)
	if err != nil {
		return principal.Identity{}, errors.NewUnauthenticatedError("invalid access token").WithCause(err)
	}

	id, err := uuid.Parse(claims.Subject)
	if err != nil || id == uuid.Nil {
		return principal.Identity{}, errors.NewUnauthenticatedError("access token subject is not a principal id")
	}
	role, err := principal.ParseRole(claims.Role)
	if err != nil {
		return principal.Identity{}, errors.NewUnauthenticatedError("access token carries an unknown role")
	}
	return principal.Identity{PrincipalID: id, Role: role}, nil
}

// FromAuthorizationHeader extracts and verifies a "Bearer <token>" value.
func (p *Provider) FromAuthorizationHeader(header string) (principal.Identity, error) {
	const prefix = "bearer "
	if len(header) <= len(prefix) || !strings.EqualFold(header[:len(prefix)], prefix) {
		return principal.Identity{}, errors.NewUnauthenticatedError("missing bearer token")
	}
	return p.Verify(strings.TrimSpace(header[len(prefix):]))
}
