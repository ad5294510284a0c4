package utils // package utils provides helper functions for token creation and hashing

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5" // JWT library for creating signed tokens
	"github.com/google/uuid"       // random token identifiers (jti)
)

// TokenType distinguishes access tokens from refresh tokens.  The value is
// carried in the "typ" claim so one kind can never be used as the other.
type TokenType string

const (
	TokenAccess  TokenType = "access"
	TokenRefresh TokenType = "refresh"
)

// ErrTokenMalformed covers every reason a token fails to parse: bad
// signature, wrong algorithm, expiry, missing claims or wrong type.
var ErrTokenMalformed = errors.New("token malformed or expired")

// Claims is the JWT payload.  Subject holds the user's email, ID holds the
// jti.  Role is informational; authorization always re-reads the user row.
type Claims struct {
	Role string    `json:"role"`
	Type TokenType `json:"typ"`
	jwt.RegisteredClaims
}

// SignedToken is a serialized JWT along with the claims that identify it.
type SignedToken struct {
	Token     string    // the serialized JWT string
	JTI       string    // unique token id
	ExpiresAt time.Time // UTC expiration time
}

// Signer mints and parses HS256 tokens with a shared secret.  Now is
// overridable so tests can control issue and expiry times.
type Signer struct {
	secret []byte
	Now    func() time.Time
}

// NewSigner returns a Signer for the given secret.
func NewSigner(secret string) *Signer {
	return &Signer{secret: []byte(secret), Now: time.Now}
}

// Sign builds and signs a token of the given type for subject.  Each call
// generates a fresh UUIDv4 jti.
func (s *Signer) Sign(subject, role string, typ TokenType, ttl time.Duration) (SignedToken, error) {
	now := s.Now().UTC()
	exp := now.Add(ttl)
	jti := uuid.NewString()
	claims := Claims{
		Role: role,
		Type: typ,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			ID:        jti,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
		},
	}
	t := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := t.SignedString(s.secret)
	if err != nil {
		return SignedToken{}, fmt.Errorf("sign %s token: %w", typ, err)
	}
	return SignedToken{Token: signed, JTI: jti, ExpiresAt: exp}, nil
}

// Parse validates signature, algorithm and expiry, and checks that the token
// carries the expected type, a subject and a jti.  All failures are reported
// as ErrTokenMalformed so callers cannot leak the reason.
func (s *Signer) Parse(raw string, want TokenType) (*Claims, error) {
	claims := &Claims{}
	_, err := jwt.ParseWithClaims(raw, claims, func(t *jwt.Token) (any, error) {
		return s.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(s.Now),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTokenMalformed, err)
	}
	if claims.Type != want || claims.Subject == "" || claims.ID == "" {
		return nil, ErrTokenMalformed
	}
	return claims, nil
}
