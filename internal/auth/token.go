// ABOUTME: Short-lived JWT access tokens for registered agents
// ABOUTME: HS256 with sub, scope, iat, exp and the protocol name as issuer

package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Token errors
var (
	ErrInvalidToken = errors.New("invalid token")
	ErrExpiredToken = errors.New("token expired")
	ErrMissingClaim = errors.New("missing required claim")
)

// DefaultTokenTTL is the lifetime of an access token.
const DefaultTokenTTL = time.Hour

// Claims are the access token claims. Scope is space separated.
type Claims struct {
	Scope string `json:"scope,omitempty"`
	jwt.RegisteredClaims
}

// Scopes splits the scope claim.
func (c *Claims) Scopes() []string {
	return strings.Fields(c.Scope)
}

// JWTIssuer mints and verifies HS256 access tokens.
type JWTIssuer struct {
	secret []byte
	issuer string
	now    func() time.Time
}

// NewJWTIssuer creates an issuer. The secret must be at least 32 bytes.
func NewJWTIssuer(secret []byte, issuer string) (*JWTIssuer, error) {
	return NewJWTIssuerWithClock(secret, issuer, time.Now)
}

// NewJWTIssuerWithClock creates an issuer reading time from now.
func NewJWTIssuerWithClock(secret []byte, issuer string, now func() time.Time) (*JWTIssuer, error) {
	if len(secret) < 32 {
		return nil, fmt.Errorf("jwt secret must be at least 32 bytes, got %d", len(secret))
	}
	return &JWTIssuer{secret: secret, issuer: issuer, now: now}, nil
}

// Generate creates a token for agentID carrying scopes, valid for ttl.
func (v *JWTIssuer) Generate(agentID string, scopes []string, ttl time.Duration) (string, time.Time, error) {
	now := v.now()
	expiresAt := now.Add(ttl)
	claims := Claims{
		Scope: strings.Join(scopes, " "),
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   agentID,
			Issuer:    v.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(v.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("signing token: %w", err)
	}
	return signed, claims.ExpiresAt.Time, nil
}

// Verify validates the signature, expiry and issuer of tokenString.
func (v *JWTIssuer) Verify(tokenString string) (*Claims, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		return v.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(v.issuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(v.now),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpiredToken
		}
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !token.Valid {
		return nil, ErrInvalidToken
	}
	if claims.Subject == "" {
		return nil, fmt.Errorf("%w: sub", ErrMissingClaim)
	}
	return claims, nil
}
