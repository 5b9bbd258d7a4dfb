// Package token mints and verifies the time-limited signaling credentials
// handed to softphone clients. Credentials are JWTs signed with HMAC-SHA256;
// the softphone treats them as opaque.
package token

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Sentinel errors for use with errors.Is.
var (
	// ErrMalformed indicates the credential is not in the expected form.
	ErrMalformed = errors.New("malformed credential")

	// ErrBadSignature indicates the signature does not verify.
	ErrBadSignature = errors.New("bad credential signature")

	// ErrExpired indicates the credential's lifetime has passed.
	ErrExpired = errors.New("credential expired")
)

// Claims are the signed contents of a credential.
type Claims struct {
	Identity string `json:"identity"`
	jwt.RegisteredClaims
}

// Minter issues and verifies credentials with a shared secret.
type Minter struct {
	secret []byte
	ttl    time.Duration
	clock  func() time.Time
}

// NewMinter creates a Minter. ttl bounds the credential lifetime.
func NewMinter(secret string, ttl time.Duration) *Minter {
	return &Minter{
		secret: []byte(secret),
		ttl:    ttl,
		clock:  time.Now,
	}
}

// WithClock overrides the time source. For tests.
func (m *Minter) WithClock(clock func() time.Time) *Minter {
	m.clock = clock
	return m
}

// Mint issues a credential for the given identity.
func (m *Minter) Mint(identity string) (string, error) {
	now := m.clock()
	claims := Claims{
		Identity: identity,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(m.ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(m.secret)
}

// Verify checks the credential's signature and lifetime and returns its claims.
func (m *Minter) Verify(credential string) (*Claims, error) {
	claims := &Claims{}
	_, err := jwt.ParseWithClaims(credential, claims,
		func(t *jwt.Token) (any, error) { return m.secret, nil },
		jwt.WithValidMethods([]string{"HS256"}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(m.clock),
	)
	switch {
	case err == nil:
		return claims, nil
	case errors.Is(err, jwt.ErrTokenExpired):
		return nil, ErrExpired
	case errors.Is(err, jwt.ErrTokenSignatureInvalid):
		return nil, ErrBadSignature
	default:
		return nil, ErrMalformed
	}
}
